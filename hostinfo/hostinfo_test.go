package hostinfo_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cachespy/hostinfo"
	"github.com/sarchlab/cachespy/timing/cache"
)

var _ = Describe("Report", func() {
	var report hostinfo.Report

	BeforeEach(func() {
		report = hostinfo.Report{
			CacheLine:   64,
			L3:          16 * 1024 * 1024,
			TotalMemory: 16 * 1024 * 1024 * 1024,
		}
	})

	It("should collect facts from the running host", func() {
		r, err := hostinfo.Collect()
		Expect(err).NotTo(HaveOccurred())
		Expect(r.LogicalCores).To(BeNumerically(">", 0))
	})

	It("should not warn when configuration matches the host", func() {
		Expect(report.Warnings(cache.DefaultConfig())).To(BeEmpty())
	})

	It("should warn about a mismatched line size", func() {
		config := cache.DefaultConfig()
		config.LineSize = 128

		warnings := report.Warnings(config)
		Expect(warnings).To(HaveLen(1))
		Expect(warnings[0]).To(ContainSubstring("line size 128 B"))
	})

	DescribeTable("LLC size checks",
		func(llc int, substr string) {
			config := cache.DefaultConfig()
			config.LLCSize = llc

			warnings := report.Warnings(config)
			Expect(warnings).To(ContainElement(ContainSubstring(substr)))
		},
		Entry("too small", 8*1024*1024, "smaller than host L3 16.0 MiB"),
		Entry("far too large", 64*1024*1024, "more than twice"),
		Entry("most of memory", 8*1024*1024*1024, "share of host memory"),
	)

	It("should warn when the host hides its L3", func() {
		report.L3 = -1
		Expect(report.Warnings(cache.DefaultConfig())).To(ConsistOf(
			ContainSubstring("does not report an L3")))
	})
})

var _ = DescribeTable("FormatBytes",
	func(n int64, expected string) {
		Expect(hostinfo.FormatBytes(n)).To(Equal(expected))
	},
	Entry("bytes", int64(64), "64 B"),
	Entry("kibibytes", int64(32*1024), "32.0 KiB"),
	Entry("mebibytes", int64(16*1024*1024), "16.0 MiB"),
	Entry("gibibytes", int64(3*1024*1024*1024/2), "1.5 GiB"),
)
