package cyclestats

import (
	"github.com/pkg/errors"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func ringSize(slots uint32) uint32 {
	return FifoHeaderSize + slots*EntrySize
}

func perfmonsOf(entries []SnapshotEntry) []uint32 {
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.PerfmonID)
	}

	return ids
}

var _ = Describe("Multiplexer", func() {
	var (
		mockCtrl *gomock.Controller
		recorder *MockEntryRecorder
		hw       *SimulatedHW
		logs     *observer.ObservedLogs
		m        *Multiplexer
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		recorder = NewMockEntryRecorder(mockCtrl)
		hw = NewSimulatedHW()

		var core zapcore.Core
		core, logs = observer.New(zapcore.DebugLevel)

		m = MakeBuilder().
			WithLogger(zap.New(core)).
			WithHWBuffer(hw).
			WithRecorder(recorder).
			Build()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should panic without a hardware buffer", func() {
		Expect(func() { MakeBuilder().Build() }).To(Panic())
	})

	Context("attach", func() {
		It("should reject invalid perfmon counts", func() {
			_, _, err := m.Attach(0, ringSize(4))
			Expect(err).To(MatchError(ErrInvalidArgument))

			_, _, err = m.Attach(MaxPerfmonIDs-FirstPerfmonID+1, ringSize(4))
			Expect(err).To(MatchError(ErrInvalidArgument))
			Expect(hw.Enabled()).To(BeFalse())
		})

		It("should give clients disjoint perfmon ranges", func() {
			c1, start1, err := m.Attach(4, ringSize(8))
			Expect(err).NotTo(HaveOccurred())
			c2, start2, err := m.Attach(4, ringSize(8))
			Expect(err).NotTo(HaveOccurred())

			Expect(start1).To(Equal(uint32(32)))
			Expect(start2).To(Equal(uint32(36)))
			Expect(c1.Handle()).NotTo(Equal(c2.Handle()))
			Expect(m.Clients()).To(ConsistOf(c1, c2))
			Expect(hw.Enabled()).To(BeTrue())
			Expect(m.Enabled()).To(BeTrue())
		})

		It("should roll back a client that gets no IDs", func() {
			_, _, err := m.Attach(MaxPerfmonIDs-FirstPerfmonID, ringSize(4))
			Expect(err).NotTo(HaveOccurred())

			_, _, err = m.Attach(1, ringSize(4))
			Expect(err).To(MatchError(ErrNoPerfmonIDs))
			Expect(m.Clients()).To(HaveLen(1))
			Expect(hw.Enabled()).To(BeTrue())
		})

		It("should drop shared state when the first attach fails", func() {
			_, _, err := m.Attach(4, FifoHeaderSize)
			Expect(err).To(MatchError(ErrInvalidArgument))

			Expect(m.Clients()).To(BeEmpty())
			Expect(m.Enabled()).To(BeFalse())
			Expect(hw.Enabled()).To(BeFalse())
		})

		It("should roll back when the hardware cannot be enabled", func() {
			mockHW := NewMockHWBuffer(mockCtrl)
			m = MakeBuilder().WithHWBuffer(mockHW).Build()

			mockHW.EXPECT().Reset()
			mockHW.EXPECT().Enable(gomock.Any()).Return(errors.New("busy"))

			_, _, err := m.Attach(4, ringSize(4))
			Expect(err).To(MatchError(ContainSubstring("busy")))
			Expect(m.Clients()).To(BeEmpty())
			Expect(m.Enabled()).To(BeFalse())
		})

		It("should size the hardware buffer at least to the minimum", func() {
			mockHW := NewMockHWBuffer(mockCtrl)
			m = MakeBuilder().WithHWBuffer(mockHW).Build()

			var size int
			mockHW.EXPECT().Reset()
			mockHW.EXPECT().Enable(gomock.Any()).DoAndReturn(
				func(buf []byte) error {
					size = len(buf)
					Expect(buf[0]).To(Equal(byte(0xff)))
					return nil
				})

			_, _, err := m.Attach(4, ringSize(4))
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(Equal(MinHWSnapshotSize))
		})
	})

	Context("detach", func() {
		It("should reject a nil client", func() {
			Expect(m.Detach(nil)).To(MatchError(ErrInvalidArgument))
		})

		It("should fail when nothing is attached", func() {
			Expect(m.Detach(&Client{})).To(MatchError(ErrNotAttached))
		})

		It("should release IDs for reuse", func() {
			c1, _, _ := m.Attach(4, ringSize(4))
			_, _, _ = m.Attach(4, ringSize(4))

			Expect(m.Detach(c1)).To(Succeed())

			_, start, err := m.Attach(4, ringSize(4))
			Expect(err).NotTo(HaveOccurred())
			Expect(start).To(Equal(uint32(32)))
		})

		It("should not release IDs twice for a detached client", func() {
			stale, _, _ := m.Attach(4, ringSize(4))
			_, _, _ = m.Attach(4, ringSize(4))
			Expect(m.Detach(stale)).To(Succeed())

			reused, start, err := m.Attach(4, ringSize(4))
			Expect(err).NotTo(HaveOccurred())
			Expect(start).To(Equal(uint32(32)))

			Expect(m.Detach(stale)).To(MatchError(ErrNotAttached))

			_, next, err := m.Attach(4, ringSize(4))
			Expect(err).NotTo(HaveOccurred())
			Expect(next).To(Equal(uint32(40)))
			Expect(m.Clients()).To(ContainElement(reused))
			Expect(m.Clients()).To(HaveLen(3))
		})

		It("should stop the hardware with the last client", func() {
			c1, _, _ := m.Attach(4, ringSize(4))
			c2, _, _ := m.Attach(4, ringSize(4))

			Expect(m.Detach(c1)).To(Succeed())
			Expect(hw.Enabled()).To(BeTrue())

			Expect(m.Detach(c2)).To(Succeed())
			Expect(hw.Enabled()).To(BeFalse())
			Expect(m.Clients()).To(BeNil())
			Expect(m.Flush(c2)).To(MatchError(ErrInvalidArgument))
		})

		It("should stop the hardware on free", func() {
			_, _, _ = m.Attach(4, ringSize(4))

			m.Free()

			Expect(hw.Enabled()).To(BeFalse())
			Expect(m.Clients()).To(BeNil())
		})
	})

	Context("flush", func() {
		var c1, c2 *Client

		BeforeEach(func() {
			c1, _, _ = m.Attach(4, ringSize(16))
			c2, _, _ = m.Attach(4, ringSize(16))
		})

		It("should reject a nil client", func() {
			Expect(m.Flush(nil)).To(MatchError(ErrInvalidArgument))
		})

		It("should do nothing without pending data", func() {
			Expect(m.Flush(c1)).To(Succeed())
			Expect(c1.Fifo().Len()).To(BeZero())
		})

		It("should route entries to the owning client", func() {
			recorder.EXPECT().RecordEntry(c1.Handle(), gomock.Any()).Times(3)
			recorder.EXPECT().RecordEntry(c2.Handle(), gomock.Any()).Times(3)

			for i := uint32(0); i < 3; i++ {
				_, err := hw.Inject(
					SnapshotEntry{PerfmonID: 33, Index: i},
					SnapshotEntry{PerfmonID: 37, Index: i},
				)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(m.Flush(c1)).To(Succeed())

			Expect(perfmonsOf(c1.Fifo().Entries())).
				To(Equal([]uint32{33, 33, 33}))
			Expect(perfmonsOf(c2.Fifo().Entries())).
				To(Equal([]uint32{37, 37, 37}))
			Expect(c2.Fifo().Entries()[2].Index).To(Equal(uint32(2)))
			Expect(hw.PendingBytes()).To(BeZero())
		})

		It("should count entries no client owns", func() {
			recorder.EXPECT().RecordEntry(c1.Handle(), gomock.Any())

			_, _ = hw.Inject(SnapshotEntry{PerfmonID: 100}, SnapshotEntry{PerfmonID: 32})

			Expect(m.Flush(c2)).To(Succeed())

			Expect(m.Orphaned()).To(Equal(uint64(1)))
			Expect(c1.Fifo().Len()).To(Equal(uint32(1)))
			Expect(c2.Fifo().Len()).To(BeZero())
			Expect(logs.FilterMessage("cyclestats: orphaned perfmon").Len()).
				To(Equal(1))
			Expect(logs.FilterMessage("cyclestats: not all entries delivered").
				Len()).To(Equal(1))
			Expect(hw.PendingBytes()).To(BeZero())
		})

		It("should drop entries when a client ring is full", func() {
			capacity := c1.Fifo().Capacity()
			recorder.EXPECT().RecordEntry(c1.Handle(), gomock.Any()).
				Times(int(capacity))

			for i := uint32(0); i <= capacity; i++ {
				_, _ = hw.Inject(SnapshotEntry{PerfmonID: 34, Index: i})
			}

			Expect(m.Flush(c1)).To(Succeed())

			Expect(c1.Fifo().Len()).To(Equal(capacity))
			Expect(c1.Fifo().SWOverflowEvents()).To(Equal(uint32(1)))
			Expect(c2.Fifo().SWOverflowEvents()).To(BeZero())
			Expect(hw.PendingBytes()).To(BeZero())
		})

		It("should report hardware overflows to every client", func() {
			recorder.EXPECT().RecordEntry(gomock.Any(), gomock.Any())

			_, _ = hw.Inject(SnapshotEntry{PerfmonID: 38})
			hw.SetOverflow(true)

			Expect(m.Flush(c1)).To(Succeed())

			Expect(c1.Fifo().HWOverflowEvents()).To(Equal(uint32(1)))
			Expect(c2.Fifo().HWOverflowEvents()).To(Equal(uint32(1)))
			Expect(hw.OverflowStatus()).To(BeFalse())
		})

		It("should stop at an entry the hardware has not completed", func() {
			recorder.EXPECT().RecordEntry(gomock.Any(), gomock.Any())

			_, _ = hw.Inject(SnapshotEntry{PerfmonID: 33}, SnapshotEntry{Zero0: 1, PerfmonID: 33})

			Expect(m.Flush(c1)).To(Succeed())

			Expect(c1.Fifo().Len()).To(Equal(uint32(1)))
			Expect(hw.PendingBytes()).To(Equal(uint32(EntrySize)))
		})

		It("should follow the hardware buffer across the wrap", func() {
			hwEntries := uint32(MinHWSnapshotSize / EntrySize)
			first := hwEntries - 3
			recorder.EXPECT().RecordEntry(gomock.Any(), gomock.Any()).
				AnyTimes()

			for i := uint32(0); i < first; i++ {
				_, _ = hw.Inject(SnapshotEntry{PerfmonID: 100, Index: i})
			}
			Expect(m.Flush(c1)).To(Succeed())
			Expect(m.Orphaned()).To(Equal(uint64(first)))

			for i := uint32(0); i < 6; i++ {
				_, _ = hw.Inject(SnapshotEntry{PerfmonID: 35, Index: i})
			}
			Expect(m.Flush(c1)).To(Succeed())

			entries := c1.Fifo().Entries()
			Expect(entries).To(HaveLen(6))
			for i, e := range entries {
				Expect(e.Index).To(Equal(uint32(i)))
			}
			Expect(hw.PendingBytes()).To(BeZero())
		})

		It("should let the client consume and refill its ring", func() {
			capacity := c2.Fifo().Capacity()
			recorder.EXPECT().RecordEntry(c2.Handle(), gomock.Any()).
				Times(int(capacity) + 4)

			for i := uint32(0); i < capacity; i++ {
				_, _ = hw.Inject(SnapshotEntry{PerfmonID: 39, Index: i})
			}
			Expect(m.Flush(c2)).To(Succeed())

			c2.Fifo().Consume(4)
			for i := uint32(0); i < 4; i++ {
				_, _ = hw.Inject(SnapshotEntry{PerfmonID: 39, Index: capacity + i})
			}
			Expect(m.Flush(c2)).To(Succeed())

			entries := c2.Fifo().Entries()
			Expect(entries).To(HaveLen(int(capacity)))
			Expect(entries[len(entries)-1].Index).To(Equal(capacity + 3))
			Expect(c2.Fifo().SWOverflowEvents()).To(BeZero())
		})
	})
})
