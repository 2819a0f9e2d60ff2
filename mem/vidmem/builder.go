package vidmem

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/mem/ce"
	"github.com/sarchlab/gpumem/memory"
)

// A Builder can build vidmem managers.
type Builder struct {
	name           string
	logger         *zap.Logger
	storage        *memory.Storage
	size           uint64
	bootstrapSize  uint64
	pageSize       uint64
	pollTimeout    time.Duration
	destroyTimeout time.Duration
	destroyPoll    time.Duration
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		name:           "Vidmem",
		size:           1 << 30,
		bootstrapSize:  32 << 20,
		pageSize:       64 << 10,
		pollTimeout:    3 * time.Second,
		destroyTimeout: time.Second,
		destroyPoll:    10 * time.Millisecond,
	}
}

// WithName sets the name of the manager.
func (b Builder) WithName(name string) Builder {
	b.name = name
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// WithStorage sets the memory that backs the video memory. The size of the
// video memory follows the capacity of the storage.
func (b Builder) WithStorage(s *memory.Storage) Builder {
	b.storage = s
	b.size = s.Capacity()

	return b
}

// WithSize sets the number of bytes of video memory.
func (b Builder) WithSize(size uint64) Builder {
	b.size = size
	return b
}

// WithBootstrapSize sets the size of the region at the top of video memory
// used before the copy engine is up.
func (b Builder) WithBootstrapSize(size uint64) Builder {
	b.bootstrapSize = size
	return b
}

// WithPageSize sets the allocation granularity of the primary region.
func (b Builder) WithPageSize(size uint64) Builder {
	b.pageSize = size
	return b
}

// WithPollTimeout sets how long a clear waits for the copy engine.
func (b Builder) WithPollTimeout(d time.Duration) Builder {
	b.pollTimeout = d
	return b
}

// WithDestroyTimeout sets how long Destroy waits for the clear list to
// drain, and how often it checks.
func (b Builder) WithDestroyTimeout(timeout, poll time.Duration) Builder {
	b.destroyTimeout = timeout
	b.destroyPoll = poll

	return b
}

// Build creates the manager and starts its clearing thread in the paused
// state.
func (b Builder) Build() (*Manager, error) {
	if b.size == 0 {
		return nil, errors.Wrap(ErrNoMemory, "found zero vidmem")
	}

	if b.bootstrapSize >= b.size || b.bootstrapSize%b.pageSize != 0 {
		return nil, errors.Errorf(
			"bootstrap region 0x%x does not fit vidmem 0x%x", b.bootstrapSize, b.size)
	}

	if b.pollTimeout <= 0 || b.destroyTimeout <= 0 || b.destroyPoll <= 0 {
		return nil, errors.Errorf(
			"vidmem timeouts must be positive: poll %s, destroy %s every %s",
			b.pollTimeout, b.destroyTimeout, b.destroyPoll)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		name:           b.name,
		logger:         logger.Named(b.name),
		storage:        b.storage,
		metrics:        newMetrics(b.name),
		base:           b.pageSize,
		size:           b.size - b.pageSize,
		bootstrapBase:  b.size - b.bootstrapSize,
		bootstrapSize:  b.bootstrapSize,
		wake:           make(chan struct{}, 1),
		gate:           newPauseGate(),
		ctxID:          ce.InvalidCtxID,
		pollTimeout:    b.pollTimeout,
		destroyTimeout: b.destroyTimeout,
		destroyPoll:    b.destroyPoll,
	}

	var err error

	m.bootstrapAllocator, err = NewPageAllocator("vidmem-bootstrap",
		m.bootstrapBase, m.bootstrapSize, 4<<10, true)
	if err != nil {
		return nil, err
	}

	m.allocator, err = NewPageAllocator("vidmem",
		m.base, m.size, b.pageSize, false)
	if err != nil {
		return nil, err
	}

	err = m.allocator.ReserveCarveout(Carveout{
		Name:   "bootstrap-region",
		Base:   m.bootstrapBase,
		Length: m.bootstrapSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "reserving bootstrap region")
	}

	m.PauseSync()
	m.t.Go(m.clearingThread)

	m.logger.Debug("vidmem ranges",
		zap.Uint64("total_mb", b.size>>20),
		zap.Uint64("primary_base", m.base),
		zap.Uint64("primary_end", m.base+m.size),
		zap.Uint64("bootstrap_base", m.bootstrapBase),
		zap.Uint64("bootstrap_end", m.bootstrapBase+m.bootstrapSize))

	return m, nil
}
