//go:build linux

package worker_test

import (
	"context"
	"errors"
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"
	"golang.org/x/sys/unix"

	"github.com/sarchlab/cachespy/worker"
)

var _ = Describe("Pinned worker", func() {
	var (
		mockCtrl *gomock.Controller
		prim     *MockPrimitive
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		prim = NewMockPrimitive(mockCtrl)
		prim.EXPECT().Kind().Return(worker.KindCalibration).AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should record the cpu it ran on", func() {
		var allowed unix.CPUSet
		Expect(unix.SchedGetaffinity(0, &allowed)).To(Succeed())

		cpu := -1
		for i := 0; i < runtime.NumCPU()*4 && cpu < 0; i++ {
			if allowed.IsSet(i) {
				cpu = i
			}
		}
		Expect(cpu).To(BeNumerically(">=", 0))

		prim.EXPECT().Measure().DoAndReturn(func() (worker.Result, error) {
			var set unix.CPUSet
			if err := unix.SchedGetaffinity(0, &set); err != nil {
				return worker.Result{}, err
			}
			if set.Count() != 1 || !set.IsSet(cpu) {
				return worker.Result{}, errors.New("thread not pinned")
			}
			return worker.Result{}, nil
		})

		res, err := worker.NewBoundary(worker.WithCPU(cpu)).
			Run(context.Background(), prim)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.CPU).To(Equal(cpu))
	})

	It("should fail to start on a cpu that does not exist", func() {
		_, err := worker.New(prim, worker.WithCPU(1023))
		Expect(err).To(MatchError(worker.ErrDispatch))
	})
})
