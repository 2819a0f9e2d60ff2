package vidmem

import (
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/gpumem/mem/ce"
	"github.com/sarchlab/gpumem/mem/vm"
	"github.com/sarchlab/gpumem/memory"
	"github.com/sarchlab/gpumem/sim"
)

const (
	testVidmemSize    = 8 << 20
	testBootstrapSize = 1 << 20
	testPageSize      = 64 << 10
)

func buildTestManager(storage *memory.Storage) *Manager {
	m, err := MakeBuilder().
		WithStorage(storage).
		WithBootstrapSize(testBootstrapSize).
		WithPageSize(testPageSize).
		WithPollTimeout(time.Second).
		WithDestroyTimeout(200*time.Millisecond, 10*time.Millisecond).
		Build()
	Expect(err).ToNot(HaveOccurred())

	return m
}

var _ = Describe("Manager", func() {
	var (
		storage *memory.Storage
		m       *Manager
	)

	BeforeEach(func() {
		storage = memory.NewStorage(testVidmemSize)
		m = buildTestManager(storage)
	})

	AfterEach(func() {
		Expect(m.Destroy()).To(Succeed())
	})

	It("should lay out the primary and bootstrap regions", func() {
		Expect(m.Base()).To(Equal(uint64(testPageSize)))
		Expect(m.Size()).To(Equal(uint64(testVidmemSize - testPageSize)))
		Expect(m.BootstrapBase()).
			To(Equal(uint64(testVidmemSize - testBootstrapSize)))

		space, err := m.GetSpace()
		Expect(err).ToNot(HaveOccurred())
		Expect(space).
			To(Equal(uint64(testVidmemSize - testPageSize - testBootstrapSize)))
	})

	It("should start paused", func() {
		Expect(m.PauseCount()).To(Equal(1))
	})

	It("should allocate from the bootstrap region before the first clear",
		func() {
			mem, err := m.Alloc(4096)
			Expect(err).ToNot(HaveOccurred())

			Expect(mem.Addr()).To(BeNumerically(">=", m.BootstrapBase()))
			Expect(mem.Aperture()).To(Equal(vm.ApertureVidmem))
			Expect(m.Free(mem)).To(Succeed())
			Expect(mem.State()).To(Equal(StateFree))
		})

	It("should fail user allocations without a copy engine", func() {
		_, err := m.UserAlloc(4096)

		Expect(errors.Is(err, ErrNoMemory)).To(BeTrue())
		Expect(m.Cleared()).To(BeFalse())
	})

	It("should fail clears without a copy engine", func() {
		mem, err := m.Alloc(4096)
		Expect(err).ToNot(HaveOccurred())

		Expect(errors.Is(m.Clear(mem), ErrNoCopyEngine)).To(BeTrue())
	})

	It("should ignore freeing a nil buffer", func() {
		Expect(m.FreeBuf(nil)).To(Succeed())
	})

	Context("with a copy engine", func() {
		var engine *ce.Engine

		BeforeEach(func() {
			engine = ce.MakeBuilder().WithLocalFB(storage).Build()
			engine.Start()

			ctxID, err := engine.CreateContext()
			Expect(err).ToNot(HaveOccurred())

			m.SetCopyEngine(engine, ctxID)
			m.Start()
		})

		AfterEach(func() {
			Expect(engine.Stop()).To(Succeed())
		})

		It("should clear all vidmem once", func() {
			Expect(storage.Memset(m.Base(), 16, 0xab)).To(Succeed())

			Expect(m.ClearAll()).To(Succeed())
			Expect(m.ClearAll()).To(Succeed())

			data, _ := storage.Read(m.Base(), 16)
			Expect(data).To(Equal(make([]byte, 16)))
			Expect(m.Cleared()).To(BeTrue())
			Expect(engine.Executed()).To(Equal(uint64(1)))
		})

		It("should never hand out memory before it is cleared", func() {
			buf, err := m.UserAlloc(testPageSize)
			Expect(err).ToNot(HaveOccurred())
			Expect(buf.Mem.IsUser()).To(BeTrue())
			addr := buf.Mem.Addr()

			pattern := make([]byte, testPageSize)
			for i := range pattern {
				pattern[i] = 0x5a
			}
			Expect(storage.Write(addr, pattern)).To(Succeed())

			Expect(buf.Free()).To(Succeed())
			Eventually(buf.Mem.State).Should(Equal(StateFree))
			Expect(m.BytesPending()).To(BeZero())
			Expect(buf.Mem.Size()).To(BeZero())
			Expect(buf.Mem.Aperture()).To(Equal(vm.ApertureInvalid))

			again, err := m.UserAlloc(testPageSize)
			Expect(err).ToNot(HaveOccurred())
			Expect(again.Mem.Addr()).To(Equal(addr))

			data, _ := storage.Read(addr, testPageSize)
			Expect(data).To(Equal(make([]byte, testPageSize)))
		})

		It("should count pending bytes as free space", func() {
			buf, err := m.UserAlloc(testPageSize)
			Expect(err).ToNot(HaveOccurred())
			before, _ := m.GetSpace()

			m.PauseSync()
			Expect(buf.Free()).To(Succeed())

			after, _ := m.GetSpace()
			Expect(m.BytesPending()).To(Equal(uint64(testPageSize)))
			Expect(after).To(Equal(before + testPageSize))

			m.Unpause()
			Eventually(m.BytesPending).Should(BeZero())
		})

		It("should refuse to queue frees while the driver is dying", func() {
			buf, err := m.UserAlloc(testPageSize)
			Expect(err).ToNot(HaveOccurred())

			m.SetDriverDying()

			Expect(errors.Is(buf.Free(), ErrDriverDying)).To(BeTrue())
			Expect(buf.Mem.State()).To(Equal(StateAllocated))
		})

		It("should invoke hooks around every clear", func() {
			var before, after int32
			var clearErr atomic.Value
			m.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
				switch ctx.Pos {
				case HookPosBeforeClear:
					atomic.AddInt32(&before, 1)
				case HookPosAfterClear:
					if ctx.Detail != nil {
						clearErr.Store(ctx.Detail)
					}
					atomic.AddInt32(&after, 1)
				}
			}))

			buf, err := m.UserAlloc(testPageSize)
			Expect(err).ToNot(HaveOccurred())
			Expect(buf.Free()).To(Succeed())

			Eventually(func() int32 { return atomic.LoadInt32(&after) }).
				Should(Equal(int32(1)))
			Expect(atomic.LoadInt32(&before)).To(Equal(int32(1)))
			Expect(clearErr.Load()).To(BeNil())
		})

		It("should free memory even if the clear fails", func() {
			buf, err := m.UserAlloc(testPageSize)
			Expect(err).ToNot(HaveOccurred())
			space, _ := m.GetSpace()

			engine.InjectFailure(errors.New("channel error"))
			Expect(buf.Free()).To(Succeed())

			Eventually(buf.Mem.State).Should(Equal(StateFree))
			after, _ := m.GetSpace()
			Expect(after).To(Equal(space + testPageSize))
		})

		It("should report busy when out of memory with clears pending", func() {
			space, _ := m.GetSpace()
			buf, err := m.UserAlloc(space)
			Expect(err).ToNot(HaveOccurred())

			m.PauseSync()
			Expect(buf.Free()).To(Succeed())

			_, err = m.UserAlloc(testPageSize)
			Expect(errors.Is(err, ErrAgain)).To(BeTrue())

			m.Unpause()
		})

		It("should drain the clear list on destroy", func() {
			buf, err := m.UserAlloc(testPageSize)
			Expect(err).ToNot(HaveOccurred())
			Expect(buf.Free()).To(Succeed())

			Expect(m.Destroy()).To(Succeed())
			Expect(m.ClearListLen()).To(BeZero())

			m = buildTestManager(storage)
		})
	})

	Context("with a mocked copy engine", func() {
		var (
			mockCtrl *gomock.Controller
			exec     *MockExecutor
			calls    int32
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			exec = NewMockExecutor(mockCtrl)
			calls = 0

			fence := NewMockFence(mockCtrl)
			fence.EXPECT().Wait(gomock.Any(), gomock.Any()).
				Return(nil).AnyTimes()

			exec.EXPECT().
				ExecuteMemset(ce.CtxID(1), gomock.Any(), gomock.Any(),
					uint32(0), ce.LocalFB).
				DoAndReturn(func(
					ce.CtxID, uint64, uint64, uint32, ce.DstLocation,
				) (ce.Fence, error) {
					atomic.AddInt32(&calls, 1)
					return fence, nil
				}).
				AnyTimes()

			m.SetCopyEngine(exec, 1)
			m.Start()
		})

		countCalls := func() int32 {
			return atomic.LoadInt32(&calls)
		}

		It("should not clear while paused", func() {
			buf, err := m.UserAlloc(testPageSize)
			Expect(err).ToNot(HaveOccurred())
			Expect(countCalls()).To(Equal(int32(1)))

			m.PauseSync()
			Expect(buf.Free()).To(Succeed())

			Consistently(countCalls, 100*time.Millisecond).
				Should(Equal(int32(1)))
			Expect(buf.Mem.State()).To(Equal(StateQueuedForClear))

			m.Unpause()

			Eventually(countCalls).Should(Equal(int32(2)))
			Eventually(buf.Mem.State).Should(Equal(StateFree))
		})

		It("should stay paused until every pause is undone", func() {
			buf, err := m.UserAlloc(testPageSize)
			Expect(err).ToNot(HaveOccurred())

			m.PauseSync()
			m.PauseSync()
			Expect(buf.Free()).To(Succeed())

			m.Unpause()
			Consistently(countCalls, 100*time.Millisecond).
				Should(Equal(int32(1)))
			Expect(m.PauseCount()).To(Equal(1))

			m.Unpause()
			Eventually(countCalls).Should(Equal(int32(2)))
		})

		It("should submit one memset per segment", func() {
			var bufs []*Buf
			for i := 0; i < 3; i++ {
				buf, err := m.UserAlloc(testPageSize)
				Expect(err).ToNot(HaveOccurred())
				bufs = append(bufs, buf)
			}

			Expect(bufs[0].Free()).To(Succeed())
			Expect(bufs[2].Free()).To(Succeed())
			Eventually(m.BytesPending).Should(BeZero())
			Eventually(bufs[2].Mem.State).Should(Equal(StateFree))

			scattered, err := m.UserAlloc(2 * testPageSize)
			Expect(err).ToNot(HaveOccurred())
			Expect(scattered.Mem.SGT().Segments).To(HaveLen(2))

			before := countCalls()
			Expect(scattered.Free()).To(Succeed())
			Eventually(countCalls).Should(Equal(before + 2))
			Eventually(scattered.Mem.State).Should(Equal(StateFree))
		})
	})
})

var _ = Describe("Builder", func() {
	It("should reject zero sized vidmem", func() {
		_, err := MakeBuilder().WithSize(0).Build()

		Expect(errors.Is(err, ErrNoMemory)).To(BeTrue())
	})

	It("should reject a bootstrap region larger than vidmem", func() {
		_, err := MakeBuilder().
			WithSize(1 << 20).
			WithBootstrapSize(2 << 20).
			Build()

		Expect(err).To(HaveOccurred())
	})
	It("should reject a zero destroy poll interval", func() {
		_, err := MakeBuilder().
			WithSize(16 << 20).
			WithBootstrapSize(2 << 20).
			WithDestroyTimeout(time.Second, 0).
			Build()

		Expect(err).To(MatchError(ContainSubstring("must be positive")))
	})

	It("should reject a non-positive poll timeout", func() {
		_, err := MakeBuilder().
			WithSize(16 << 20).
			WithBootstrapSize(2 << 20).
			WithPollTimeout(-time.Second).
			Build()

		Expect(err).To(HaveOccurred())
	})
})
