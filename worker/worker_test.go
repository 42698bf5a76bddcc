package worker_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/timing/occupancy"
	"github.com/sarchlab/cachespy/trace"
	"github.com/sarchlab/cachespy/worker"
)

// blocking returns a primitive that runs until release is closed.
func blocking(release <-chan struct{}) worker.Primitive {
	return worker.PrimitiveFunc{
		K: worker.KindSweep,
		Fn: func() (worker.Result, error) {
			<-release
			return worker.Result{Trace: trace.Trace{1}}, nil
		},
	}
}

var _ = Describe("Boundary", func() {
	var (
		mockCtrl *gomock.Controller
		prim     *MockPrimitive
		workers  []*worker.Worker
		boundary *worker.Boundary
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		prim = NewMockPrimitive(mockCtrl)
		prim.EXPECT().Kind().Return(worker.KindSweep).AnyTimes()

		workers = nil
		boundary = worker.NewBoundary(worker.WithWorkerHook(func(w *worker.Worker) {
			workers = append(workers, w)
		}))
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should deliver exactly one result and terminate the worker", func() {
		prim.EXPECT().Measure().Return(worker.Result{Trace: trace.Trace{3, 0, 5}}, nil).Times(1)

		res, err := boundary.Run(context.Background(), prim)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Kind).To(Equal(worker.KindSweep))
		Expect([]uint64(res.Trace)).To(Equal([]uint64{3, 0, 5}))
		Expect(res.ID).To(Equal(workers[0].ID()))
		Expect(res.CPU).To(Equal(-1))
		Expect(res.Finished).NotTo(BeTemporally("<", res.Started))

		Expect(workers).To(HaveLen(1))
		Expect(workers[0].Terminated()).To(BeTrue())
		Eventually(workers[0].Exited()).Should(BeClosed())
	})

	It("should terminate the worker when the measurement fails", func() {
		boom := errors.New("boom")
		prim.EXPECT().Measure().Return(worker.Result{}, boom)

		_, err := boundary.Run(context.Background(), prim)
		Expect(err).To(MatchError(boom))

		Expect(workers[0].Terminated()).To(BeTrue())
		Eventually(workers[0].Exited()).Should(BeClosed())
	})

	It("should turn a panicking measurement into a dispatch error", func() {
		prim.EXPECT().Measure().DoAndReturn(func() (worker.Result, error) {
			panic("out of range")
		})

		_, err := boundary.Run(context.Background(), prim)
		Expect(err).To(MatchError(worker.ErrDispatch))
		Expect(err.Error()).To(ContainSubstring("out of range"))

		Expect(workers[0].Terminated()).To(BeTrue())
		Eventually(workers[0].Exited()).Should(BeClosed())
	})

	It("should use a fresh worker for every request", func() {
		prim.EXPECT().Measure().Return(worker.Result{Trace: trace.Trace{1}}, nil).Times(3)

		for i := 0; i < 3; i++ {
			_, err := boundary.Run(context.Background(), prim)
			Expect(err).NotTo(HaveOccurred())
		}

		Expect(workers).To(HaveLen(3))
		Expect(workers[0].ID()).NotTo(Equal(workers[1].ID()))
		Expect(workers[1].ID()).NotTo(Equal(workers[2].ID()))
	})

	It("should refuse a second request while one is in flight", func() {
		release := make(chan struct{})
		done := make(chan error, 1)

		go func() {
			_, err := boundary.Run(context.Background(), blocking(release))
			done <- err
		}()

		Eventually(boundary.Busy).Should(BeTrue())

		_, err := boundary.Run(context.Background(), prim)
		Expect(err).To(MatchError(worker.ErrBusy))

		close(release)
		Eventually(done).Should(Receive(BeNil()))
		Expect(boundary.Busy()).To(BeFalse())
	})

	It("should discard the result when the caller gives up", func() {
		release := make(chan struct{})
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		res, err := boundary.Run(ctx, blocking(release))
		Expect(err).To(MatchError(worker.ErrCanceled))
		Expect(res.Trace).To(BeNil())

		Expect(workers[0].Terminated()).To(BeTrue())
	})

	It("should stay busy until an abandoned measurement exits", func() {
		var (
			mu               sync.Mutex
			running, maxSeen int
		)
		release := make(chan struct{})
		counted := worker.PrimitiveFunc{
			K: worker.KindSweep,
			Fn: func() (worker.Result, error) {
				mu.Lock()
				running++
				maxSeen = max(maxSeen, running)
				mu.Unlock()

				<-release

				mu.Lock()
				running--
				mu.Unlock()
				return worker.Result{Trace: trace.Trace{1}}, nil
			},
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := boundary.Run(ctx, counted)
		Expect(err).To(MatchError(worker.ErrCanceled))

		Expect(boundary.Busy()).To(BeTrue())
		Consistently(workers[0].Exited(), 50*time.Millisecond).ShouldNot(BeClosed())

		_, err = boundary.Run(context.Background(), counted)
		Expect(err).To(MatchError(worker.ErrBusy))
		Expect(workers).To(HaveLen(1))

		close(release)
		Eventually(workers[0].Exited()).Should(BeClosed())
		Eventually(boundary.Busy).Should(BeFalse())

		_, err = boundary.Run(context.Background(), counted)
		Expect(err).NotTo(HaveOccurred())

		mu.Lock()
		defer mu.Unlock()
		Expect(maxSeen).To(Equal(1))
	})

	It("should stop a canceled sweep at the next window", func() {
		config := occupancy.DefaultConfig()
		config.WorkingSetSize = 1024 * 1024
		config.TotalDuration = 10 * time.Second

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := boundary.Run(ctx, worker.Sweep(occupancy.NewSampler(config)))
		Expect(err).To(MatchError(worker.ErrCanceled))

		Eventually(workers[0].Exited(), time.Second).Should(BeClosed())
		Eventually(boundary.Busy).Should(BeFalse())
		Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
	})

	It("should stop a canceled calibration before the next size", func() {
		config := latency.DefaultConfig()
		config.MaxLines = 1_000_000
		config.Repeats = 50

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := boundary.Run(ctx, worker.Calibration(latency.NewCalibrator(config)))
		Expect(err).To(MatchError(worker.ErrCanceled))

		Eventually(workers[0].Exited(), 10*time.Second).Should(BeClosed())
		Eventually(boundary.Busy).Should(BeFalse())
	})

	It("should run a latency calibration", func() {
		config := latency.DefaultConfig()
		config.MaxLines = 100

		res, err := boundary.Run(context.Background(),
			worker.Calibration(latency.NewCalibrator(config)))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Kind).To(Equal(worker.KindCalibration))
		Expect(res.Trace).To(BeNil())
		Expect(res.Curve).To(HaveLen(3))
		for _, s := range res.Curve {
			Expect(s.Failed()).To(BeFalse())
		}
	})

	It("should run an occupancy sweep", func() {
		config := occupancy.DefaultConfig()
		config.WorkingSetSize = 1024 * 1024
		config.TotalDuration = 30 * time.Millisecond

		res, err := boundary.Run(context.Background(),
			worker.Sweep(occupancy.NewSampler(config)))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Kind).To(Equal(worker.KindSweep))
		Expect(res.Curve).To(BeNil())
		Expect(res.Trace).To(HaveLen(3))
	})
})

var _ = Describe("Worker", func() {
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

	It("should reject a nil primitive", func() {
		_, err := worker.New(nil)
		Expect(err).To(MatchError(worker.ErrDispatch))
	})

	It("should not measure until begun", func() {
		w, err := worker.New(prim)
		Expect(err).NotTo(HaveOccurred())

		_, err = w.Await(context.Background())
		Expect(err).To(MatchError(worker.ErrNotStarted))

		w.Terminate()
		Eventually(w.Exited()).Should(BeClosed())
	})

	It("should only begin once", func() {
		prim.EXPECT().Measure().Return(worker.Result{}, nil)

		w, err := worker.New(prim)
		Expect(err).NotTo(HaveOccurred())

		Expect(w.Begin()).To(Succeed())
		Expect(w.Begin()).To(MatchError(worker.ErrBusy))

		_, err = w.Await(context.Background())
		Expect(err).NotTo(HaveOccurred())
	})

	It("should refuse to be reused after a result", func() {
		prim.EXPECT().Measure().Return(worker.Result{}, nil)

		w, err := worker.New(prim)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Begin()).To(Succeed())
		_, err = w.Await(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(w.Terminated()).To(BeTrue())
		Expect(w.Begin()).To(MatchError(worker.ErrTerminated))
		_, err = w.Await(context.Background())
		Expect(err).To(MatchError(worker.ErrTerminated))
	})

	It("should tolerate repeated termination", func() {
		w, err := worker.New(prim)
		Expect(err).NotTo(HaveOccurred())

		w.Terminate()
		w.Terminate()
		Expect(w.Terminated()).To(BeTrue())
	})
})
