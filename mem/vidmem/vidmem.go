// Package vidmem manages the video memory of a discrete GPU.
//
// Memory freed by user space may still hold data of the previous owner. Such
// memory is put on a clear list and zeroed by a background clearing thread
// with the copy engine before it returns to the allocator. Everything below
// the bootstrap region is zeroed once, on the first user allocation.
package vidmem

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/sarchlab/gpumem/mem/ce"
	"github.com/sarchlab/gpumem/mem/vm"
	"github.com/sarchlab/gpumem/memory"
	"github.com/sarchlab/gpumem/sim"
)

var (
	// ErrNoMemory is returned when an allocation cannot be satisfied.
	ErrNoMemory = errors.New("out of video memory")

	// ErrAgain is returned when an allocation fails while freed memory is
	// still waiting to be cleared. Retrying later may succeed.
	ErrAgain = errors.New("video memory busy clearing, try again")

	// ErrDriverDying is returned when memory is freed during shutdown.
	ErrDriverDying = errors.New("driver is dying")

	// ErrNoCopyEngine is returned when a clear is requested before a copy
	// engine context exists.
	ErrNoCopyEngine = errors.New("no copy engine context")
)

// HookPosBeforeClear marks the start of the clear of a region. The hook item
// is the *Mem being cleared.
var HookPosBeforeClear = &sim.HookPos{Name: "VidmemBeforeClear"}

// HookPosAfterClear marks the end of the clear of a region. The hook detail
// is the error of the clear, if any.
var HookPosAfterClear = &sim.HookPos{Name: "VidmemAfterClear"}

// Manager owns the video memory of a device.
type Manager struct {
	sim.HookableBase

	name    string
	logger  *zap.Logger
	storage *memory.Storage
	metrics *metrics

	base          uint64
	size          uint64
	bootstrapBase uint64
	bootstrapSize uint64

	allocator          *PageAllocator
	bootstrapAllocator *PageAllocator

	listLock     sync.Mutex
	clearList    []*Mem
	bytesPending int64
	wake         chan struct{}

	gate *pauseGate
	t    tomb.Tomb

	firstClearLock sync.Mutex
	cleared        atomic.Bool

	ceLock sync.RWMutex
	exec   ce.Executor
	ctxID  ce.CtxID

	dying atomic.Bool

	pollTimeout    time.Duration
	destroyTimeout time.Duration
	destroyPoll    time.Duration
}

// Name returns the name of the manager.
func (m *Manager) Name() string {
	return m.name
}

// Base returns the first address of the primary region.
func (m *Manager) Base() uint64 {
	return m.base
}

// Size returns the number of bytes of the primary region.
func (m *Manager) Size() uint64 {
	return m.size
}

// BootstrapBase returns the first address of the bootstrap region.
func (m *Manager) BootstrapBase() uint64 {
	return m.bootstrapBase
}

// BootstrapSize returns the number of bytes of the bootstrap region.
func (m *Manager) BootstrapSize() uint64 {
	return m.bootstrapSize
}

// Storage returns the memory that backs the video memory.
func (m *Manager) Storage() *memory.Storage {
	return m.storage
}

// SetCopyEngine sets the copy engine context used for clears.
func (m *Manager) SetCopyEngine(exec ce.Executor, ctxID ce.CtxID) {
	m.ceLock.Lock()
	defer m.ceLock.Unlock()

	m.exec = exec
	m.ctxID = ctxID
}

func (m *Manager) copyEngine() (ce.Executor, ce.CtxID, error) {
	m.ceLock.RLock()
	defer m.ceLock.RUnlock()

	if m.exec == nil || m.ctxID == ce.InvalidCtxID {
		return nil, ce.InvalidCtxID, ErrNoCopyEngine
	}

	return m.exec, m.ctxID, nil
}

// Start lets the clearing thread run. The thread starts paused since no copy
// engine context exists when the manager is built.
func (m *Manager) Start() {
	m.Unpause()
}

// PauseSync stops the clearing thread from processing the clear list. It
// returns once a drain in progress has finished. Pauses nest.
func (m *Manager) PauseSync() {
	count := m.gate.pause()
	m.logger.Debug("clearing thread paused", zap.Int("count", count))
}

// Unpause undoes one PauseSync. The thread resumes when the last pause is
// undone.
func (m *Manager) Unpause() {
	count := m.gate.unpause()
	m.logger.Debug("unpausing clearing thread", zap.Int("count", count))

	if count == 0 {
		m.logger.Debug("clearing thread really unpaused")
		m.signal()
	}
}

// PauseCount returns the number of outstanding pauses.
func (m *Manager) PauseCount() int {
	return m.gate.pauseCount()
}

// Cleared returns true once the whole primary region has been zeroed.
func (m *Manager) Cleared() bool {
	return m.cleared.Load()
}

// SetDriverDying marks the driver as shutting down. Later frees of user
// memory are refused and the memory leaks.
func (m *Manager) SetDriverDying() {
	m.dying.Store(true)
}

// BytesPending returns the number of bytes on the clear list.
func (m *Manager) BytesPending() uint64 {
	return uint64(atomic.LoadInt64(&m.bytesPending))
}

// GetSpace returns the free bytes, counting memory waiting to be cleared.
func (m *Manager) GetSpace() (uint64, error) {
	if m.allocator == nil {
		return 0, errors.New("vidmem allocator not initialized")
	}

	return m.allocator.Space() + m.BytesPending(), nil
}

// ClearListLen returns the number of regions waiting to be cleared.
func (m *Manager) ClearListLen() int {
	m.listLock.Lock()
	defer m.listLock.Unlock()

	return len(m.clearList)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// EnqueueFree puts user memory on the clear list.
func (m *Manager) EnqueueFree(mem *Mem) error {
	if m.dying.Load() {
		return ErrDriverDying
	}

	m.listLock.Lock()
	mem.setState(StateQueuedForClear)
	m.clearList = append(m.clearList, mem)
	pending := atomic.AddInt64(&m.bytesPending, int64(mem.alignedSize))
	m.listLock.Unlock()

	m.metrics.enqueued.Inc()
	m.metrics.bytesPending.Set(float64(pending))
	m.signal()

	return nil
}

func (m *Manager) dequeue() *Mem {
	m.listLock.Lock()
	defer m.listLock.Unlock()

	if len(m.clearList) == 0 {
		return nil
	}

	mem := m.clearList[0]
	m.clearList[0] = nil
	m.clearList = m.clearList[1:]

	return mem
}

func (m *Manager) clearingThread() error {
	for {
		select {
		case <-m.t.Dying():
			return nil
		case <-m.wake:
		}

		if !m.gate.tryEnter() {
			continue
		}

		m.clearPendingAllocs()
		m.gate.exit()
	}
}

func (m *Manager) clearPendingAllocs() {
	m.logger.Debug("running vidmem clearing thread")

	ctx := m.t.Context(context.Background())

	for mem := m.dequeue(); mem != nil; mem = m.dequeue() {
		mem.setState(StateClearing)

		err := m.clear(ctx, mem)
		if err != nil {
			m.logger.Error("vidmem clear failed",
				zap.String("mem", mem.id),
				zap.Error(err))
			m.metrics.clearFailures.Inc()
		} else {
			m.metrics.clearedBytes.Add(float64(mem.alignedSize))
		}

		pending := atomic.AddInt64(&m.bytesPending, -int64(mem.alignedSize))
		if pending < 0 {
			m.logger.Warn("bytes pending dropped below zero",
				zap.Int64("pending", pending))
		}

		m.metrics.bytesPending.Set(float64(pending))
		mem.release()
	}

	m.logger.Debug("vidmem clearing done")
}

// Clear zeroes a region with the copy engine and waits for it.
func (m *Manager) Clear(mem *Mem) error {
	return m.clear(context.Background(), mem)
}

func (m *Manager) clear(ctx context.Context, mem *Mem) error {
	exec, ctxID, err := m.copyEngine()
	if err != nil {
		return err
	}

	m.InvokeHook(sim.HookCtx{
		Domain: m,
		Pos:    HookPosBeforeClear,
		Item:   mem,
	})

	err = m.memsetSG(ctx, exec, ctxID, mem.sgt)

	m.InvokeHook(sim.HookCtx{
		Domain: m,
		Pos:    HookPosAfterClear,
		Item:   mem,
		Detail: err,
	})

	return err
}

func (m *Manager) memsetSG(
	ctx context.Context,
	exec ce.Executor,
	ctxID ce.CtxID,
	sgt *SGT,
) error {
	segs := make([]ce.Segment, len(sgt.Segments))
	for i, s := range sgt.Segments {
		segs[i] = ce.Segment{Dst: s.Phys, Size: s.Length}

		m.logger.Debug("clear",
			zap.Uint64("phys", s.Phys),
			zap.Uint64("length", s.Length))
	}

	fence, err := ce.ExecuteMemsetSG(exec, ctxID, segs, 0, ce.LocalFB)
	if err != nil {
		return errors.Wrap(err, "CE execute ops")
	}

	err = ce.WaitFence(ctx, fence, m.pollTimeout)
	if err != nil {
		m.logger.Error("fence wait failed for CE execute ops", zap.Error(err))
		return errors.Wrap(err, "CE fence wait")
	}

	return nil
}

// ClearAll zeroes the primary region below the bootstrap region. It runs
// once. Later calls return immediately.
func (m *Manager) ClearAll() error {
	if m.cleared.Load() {
		return nil
	}

	m.firstClearLock.Lock()
	defer m.firstClearLock.Unlock()

	if m.cleared.Load() {
		return nil
	}

	if err := m.doClearAll(); err != nil {
		m.logger.Error("failed to clear whole vidmem", zap.Error(err))
		return err
	}

	return nil
}

func (m *Manager) doClearAll() error {
	exec, ctxID, err := m.copyEngine()
	if err != nil {
		return err
	}

	m.logger.Debug("clearing all vidmem",
		zap.Uint64("base", m.base),
		zap.Uint64("length", m.bootstrapBase-m.base))

	sgt := &SGT{Segments: []Segment{{
		Phys:   m.base,
		Length: m.bootstrapBase - m.base,
	}}}

	err = m.memsetSG(context.Background(), exec, ctxID, sgt)
	if err != nil {
		return err
	}

	m.cleared.Store(true)
	m.logger.Debug("all vidmem cleared")

	return nil
}

// UserAlloc allocates a buffer for user space. The whole primary region is
// zeroed first if that has not happened yet.
func (m *Manager) UserAlloc(bytes uint64) (*Buf, error) {
	if err := m.ClearAll(); err != nil {
		return nil, errors.Wrapf(ErrNoMemory, "clearing vidmem: %v", err)
	}

	mem, err := m.Alloc(bytes)
	if err != nil {
		return nil, err
	}

	mem.user = true

	return &Buf{manager: m, Mem: mem}, nil
}

// FreeBuf frees a user buffer. A nil buffer is ignored.
func (m *Manager) FreeBuf(buf *Buf) error {
	return buf.Free()
}

// Alloc allocates video memory for the driver. Until the primary region has
// been cleared, memory comes from the bootstrap region.
func (m *Manager) Alloc(bytes uint64) (*Mem, error) {
	allocator := m.bootstrapAllocator
	if m.cleared.Load() {
		allocator = m.allocator
	}

	pendingBefore := m.BytesPending()

	sgt, err := allocator.Alloc(bytes)
	if err != nil {
		if errors.Is(err, ErrNoMemory) &&
			(pendingBefore > 0 || m.BytesPending() > 0) {
			return nil, errors.Wrapf(ErrAgain, "%v", err)
		}

		return nil, err
	}

	mem := &Mem{
		id:          sim.GetIDGenerator().Generate(),
		alignedSize: sgt.Size(),
		sgt:         sgt,
		allocator:   allocator,
		size:        bytes,
		aperture:    vm.ApertureVidmem,
	}

	m.logger.Debug("alloc",
		zap.String("mem", mem.id),
		zap.String("allocator", allocator.Name()),
		zap.Uint64("size", bytes),
		zap.Int("segments", len(sgt.Segments)))

	return mem, nil
}

// Free releases memory. User memory goes through the clear list when the
// primary region has been cleared. Other memory is zeroed synchronously and
// returned to its allocator.
func (m *Manager) Free(mem *Mem) error {
	if mem.user && m.cleared.Load() {
		err := m.EnqueueFree(mem)
		if err != nil {
			m.logger.Warn("vidmem leaked during shutdown",
				zap.String("mem", mem.id),
				zap.Uint64("size", mem.alignedSize))
		}

		return err
	}

	if m.storage != nil {
		for _, s := range mem.sgt.Segments {
			if err := m.storage.Memset(s.Phys, s.Length, 0); err != nil {
				return errors.Wrapf(err, "zeroing %s", mem.id)
			}
		}
	}

	mem.release()

	return nil
}

// Destroy flushes the clear list, waiting a bounded time, then stops the
// clearing thread and releases the allocators.
func (m *Manager) Destroy() error {
	m.signal()

	maxRetries := uint64(m.destroyTimeout / m.destroyPoll)
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.destroyPoll),
		maxRetries)

	err := backoff.Retry(func() error {
		if n := m.ClearListLen(); n > 0 {
			return errors.Errorf("%d regions still waiting to be cleared", n)
		}

		return nil
	}, b)
	if err != nil {
		m.logger.Warn("giving up on the vidmem clear list", zap.Error(err))
	}

	m.t.Kill(nil)
	err = m.t.Wait()

	m.allocator.Destroy()
	m.bootstrapAllocator.Destroy()

	return err
}
