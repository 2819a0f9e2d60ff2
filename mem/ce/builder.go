package ce

import (
	"time"

	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/memory"
)

// A Builder can build copy engines.
type Builder struct {
	name       string
	logger     *zap.Logger
	localFB    *memory.Storage
	sysmem     *memory.Storage
	queueDepth int
	latency    time.Duration
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		name:       "CE",
		queueDepth: 64,
	}
}

// WithName sets the name of the engine.
func (b Builder) WithName(name string) Builder {
	b.name = name
	return b
}

// WithLogger sets the logger of the engine.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// WithLocalFB sets the video memory the engine writes to.
func (b Builder) WithLocalFB(s *memory.Storage) Builder {
	b.localFB = s
	return b
}

// WithSysmem sets the system memory the engine writes to.
func (b Builder) WithSysmem(s *memory.Storage) Builder {
	b.sysmem = s
	return b
}

// WithQueueDepth sets how many operations can be queued before a submission
// blocks.
func (b Builder) WithQueueDepth(n int) Builder {
	b.queueDepth = n
	return b
}

// WithLatency sets how long each operation takes.
func (b Builder) WithLatency(d time.Duration) Builder {
	b.latency = d
	return b
}

// Build creates a copy engine. The engine must be started before the fences
// it returns can signal.
func (b Builder) Build() *Engine {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		name:     b.name,
		logger:   logger.Named(b.name),
		localFB:  b.localFB,
		sysmem:   b.sysmem,
		latency:  b.latency,
		contexts: make(map[CtxID]bool),
		queue:    make(chan *memsetTask, b.queueDepth),
	}
}
