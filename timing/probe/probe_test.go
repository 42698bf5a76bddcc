package probe_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cachespy/timing/probe"
)

var _ = Describe("Allocator", func() {
	It("should allocate a buffer of the requested size", func() {
		buf, err := probe.Allocator{}.Alloc(64*100, 64)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.Size()).To(Equal(6400))
		Expect(buf.LineSize()).To(Equal(64))
		Expect(buf.Lines()).To(Equal(100))
		Expect(buf.Released()).To(BeFalse())
	})

	It("should count a partial trailing line", func() {
		buf, err := probe.Allocator{}.Alloc(65, 64)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.Lines()).To(Equal(2))
	})

	It("should reject non-positive sizes", func() {
		_, err := probe.Allocator{}.Alloc(0, 64)
		Expect(err).To(MatchError(probe.ErrAllocation))

		_, err = probe.Allocator{}.Alloc(-64, 64)
		Expect(err).To(MatchError(probe.ErrAllocation))
	})

	It("should reject a zero line size", func() {
		_, err := probe.Allocator{}.Alloc(64, 0)
		Expect(err).To(MatchError(probe.ErrAllocation))
	})

	It("should enforce the limit", func() {
		a := probe.Allocator{Limit: 1024}

		_, err := a.Alloc(1024, 64)
		Expect(err).NotTo(HaveOccurred())

		_, err = a.Alloc(1025, 64)
		Expect(err).To(MatchError(probe.ErrAllocation))
	})

	It("should release the backing memory", func() {
		buf, err := probe.Allocator{}.Alloc(4096, 64)
		Expect(err).NotTo(HaveOccurred())

		buf.Release()
		Expect(buf.Released()).To(BeTrue())
		Expect(buf.Size()).To(Equal(0))

		buf.Release()
		Expect(buf.Released()).To(BeTrue())
	})
})

var _ = Describe("Sweep", func() {
	It("should read exactly one byte per line", func() {
		buf, err := probe.Allocator{}.Alloc(64*10, 64)
		Expect(err).NotTo(HaveOccurred())

		// Line i holds byte(i); every other byte is zero.
		Expect(probe.Sweep(buf, 64)).To(Equal(uint64(0 + 1 + 2 + 3 + 4 + 5 + 6 + 7 + 8 + 9)))
	})

	It("should only see line markers at a finer stride", func() {
		buf, err := probe.Allocator{}.Alloc(64*4, 64)
		Expect(err).NotTo(HaveOccurred())

		Expect(probe.Sweep(buf, 1)).To(Equal(uint64(0 + 1 + 2 + 3)))
	})

	It("should be deterministic", func() {
		buf, err := probe.Allocator{}.Alloc(64*1000, 64)
		Expect(err).NotTo(HaveOccurred())

		first := probe.Sweep(buf, 64)
		Expect(probe.Sweep(buf, 64)).To(Equal(first))
	})

	It("should not read a released buffer", func() {
		buf, err := probe.Allocator{}.Alloc(64*10, 64)
		Expect(err).NotTo(HaveOccurred())

		buf.Release()
		Expect(probe.Sweep(buf, 64)).To(Equal(uint64(0)))
	})

	It("should accumulate kept results in the sink", func() {
		before := probe.Sink()
		probe.Keep(7)
		Expect(probe.Sink() - before).To(Equal(uint64(7)))
	})
})
