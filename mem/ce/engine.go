// Package ce models the copy engine the driver uses to fill and copy GPU
// memory. Work is submitted per context and completes asynchronously. Every
// submission returns a Fence.
package ce

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/tomb.v2"

	"github.com/sarchlab/gpumem/memory"
)

// CtxID identifies a copy engine context.
type CtxID uint32

// InvalidCtxID is the context ID of a context that was never created.
const InvalidCtxID CtxID = ^CtxID(0)

// DstLocation selects the memory a copy engine operation writes to.
type DstLocation int

// The destinations.
const (
	LocalFB DstLocation = iota
	Sysmem
)

func (l DstLocation) String() string {
	switch l {
	case LocalFB:
		return "localfb"
	case Sysmem:
		return "sysmem"
	default:
		return fmt.Sprintf("DstLocation(%d)", int(l))
	}
}

var (
	// ErrInvalidContext is returned for submissions to an unknown context.
	ErrInvalidContext = errors.New("invalid copy engine context")

	// ErrStopped is returned for submissions after the engine stopped.
	ErrStopped = errors.New("copy engine stopped")
)

// An Executor runs copy engine operations.
type Executor interface {
	ExecuteMemset(
		ctxID CtxID,
		dst, size uint64,
		value uint32,
		loc DstLocation,
	) (Fence, error)
}

// Segment is one contiguous piece of a scatter-gather list.
type Segment struct {
	Dst  uint64
	Size uint64
}

// ExecuteMemsetSG submits a memset for every segment. The returned fence
// signals once all segments are filled.
func ExecuteMemsetSG(
	exec Executor,
	ctxID CtxID,
	segs []Segment,
	value uint32,
	loc DstLocation,
) (Fence, error) {
	fences := make(multiFence, len(segs))

	var g errgroup.Group
	for i, seg := range segs {
		i, seg := i, seg
		g.Go(func() error {
			f, err := exec.ExecuteMemset(ctxID, seg.Dst, seg.Size, value, loc)
			if err != nil {
				return errors.Wrapf(err, "memset 0x%x+0x%x", seg.Dst, seg.Size)
			}

			fences[i] = f

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fences, nil
}

type memsetTask struct {
	ctxID CtxID
	dst   uint64
	size  uint64
	value uint32
	loc   DstLocation
	fence *fence
}

// Engine is an Executor that fills memory backed by a memory.Storage. A
// single worker processes the submissions in order.
type Engine struct {
	name    string
	logger  *zap.Logger
	localFB *memory.Storage
	sysmem  *memory.Storage
	latency time.Duration

	lock     sync.Mutex
	contexts map[CtxID]bool
	nextCtx  CtxID
	failure  error
	stopped  bool

	queue      chan *memsetTask
	t          tomb.Tomb
	executed   uint64
	interrupts int32
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return e.name
}

// Start launches the worker.
func (e *Engine) Start() {
	e.t.Go(e.run)
}

// Stop stops the worker. Queued work that has not started fails with
// ErrStopped.
func (e *Engine) Stop() error {
	e.lock.Lock()
	e.stopped = true
	e.lock.Unlock()

	e.t.Kill(nil)
	err := e.t.Wait()

	for {
		select {
		case task := <-e.queue:
			task.fence.signal(ErrStopped)
		default:
			return err
		}
	}
}

func (e *Engine) run() error {
	for {
		select {
		case <-e.t.Dying():
			return nil
		case task := <-e.queue:
			task.fence.signal(e.process(task))
		}
	}
}

func (e *Engine) process(task *memsetTask) error {
	if e.latency > 0 {
		time.Sleep(e.latency)
	}

	storage := e.localFB
	if task.loc == Sysmem {
		storage = e.sysmem
	}

	if storage == nil {
		return errors.Errorf("no %s storage attached", task.loc)
	}

	var err error
	if task.value == 0 || isByteRepeat(task.value) {
		err = storage.Memset(task.dst, task.size, byte(task.value))
	} else {
		err = fillWords(storage, task.dst, task.size, task.value)
	}

	if err != nil {
		e.logger.Error("memset failed",
			zap.Uint32("ctx", uint32(task.ctxID)),
			zap.Uint64("dst", task.dst),
			zap.Uint64("size", task.size),
			zap.Error(err))

		return err
	}

	atomic.AddUint64(&e.executed, 1)
	e.logger.Debug("memset",
		zap.Uint32("ctx", uint32(task.ctxID)),
		zap.Uint64("dst", task.dst),
		zap.Uint64("size", task.size),
		zap.Uint32("value", task.value))

	return nil
}

func isByteRepeat(v uint32) bool {
	b := v & 0xff
	return v == b|b<<8|b<<16|b<<24
}

func fillWords(s *memory.Storage, dst, size uint64, value uint32) error {
	pattern := make([]byte, size)
	for i := uint64(0); i < size; i++ {
		pattern[i] = byte(value >> (8 * (i % 4)))
	}

	return s.Write(dst, pattern)
}

// CreateContext creates a new copy engine context.
func (e *Engine) CreateContext() (CtxID, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.stopped {
		return InvalidCtxID, ErrStopped
	}

	id := e.nextCtx
	e.nextCtx++
	e.contexts[id] = true

	return id, nil
}

// DeleteContext removes a copy engine context.
func (e *Engine) DeleteContext(id CtxID) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if !e.contexts[id] {
		return errors.Wrapf(ErrInvalidContext, "context %d", id)
	}

	delete(e.contexts, id)

	return nil
}

// InjectFailure makes every following submission fail with err. Passing nil
// restores normal operation.
func (e *Engine) InjectFailure(err error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.failure = err
}

// InjectInterrupts makes the next n fence waits return ErrRestart.
func (e *Engine) InjectInterrupts(n int) {
	atomic.StoreInt32(&e.interrupts, int32(n))
}

// Executed returns the number of memsets the engine completed.
func (e *Engine) Executed() uint64 {
	return atomic.LoadUint64(&e.executed)
}

func (e *Engine) checkSubmission(ctxID CtxID) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	switch {
	case e.stopped:
		return ErrStopped
	case !e.contexts[ctxID]:
		return errors.Wrapf(ErrInvalidContext, "context %d", ctxID)
	case e.failure != nil:
		return e.failure
	}

	return nil
}

// ExecuteMemset queues a memset of size bytes at dst.
func (e *Engine) ExecuteMemset(
	ctxID CtxID,
	dst, size uint64,
	value uint32,
	loc DstLocation,
) (Fence, error) {
	if err := e.checkSubmission(ctxID); err != nil {
		return nil, err
	}

	task := &memsetTask{
		ctxID: ctxID,
		dst:   dst,
		size:  size,
		value: value,
		loc:   loc,
		fence: newFence(&e.interrupts),
	}

	select {
	case e.queue <- task:
	case <-e.t.Dying():
		return nil, ErrStopped
	}

	return task.fence, nil
}
