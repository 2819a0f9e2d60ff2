package cyclestats

import (
	"log"

	"go.uber.org/zap"
)

// A Builder can build multiplexers.
type Builder struct {
	name         string
	logger       *zap.Logger
	hw           HWBuffer
	hwBufferSize uint32
	recorder     EntryRecorder
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		name:         "CSS",
		logger:       zap.NewNop(),
		hwBufferSize: MinHWSnapshotSize,
	}
}

// WithName sets the name of the multiplexer.
func (b Builder) WithName(name string) Builder {
	b.name = name
	return b
}

// WithLogger sets the logger of the multiplexer.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// WithHWBuffer sets the hardware snapshot stream to drain.
func (b Builder) WithHWBuffer(hw HWBuffer) Builder {
	b.hw = hw
	return b
}

// WithHWBufferSize sets the minimum size of the hardware snapshot buffer.
func (b Builder) WithHWBufferSize(size uint32) Builder {
	b.hwBufferSize = size
	return b
}

// WithRecorder sets where delivered entries are recorded.
func (b Builder) WithRecorder(recorder EntryRecorder) Builder {
	b.recorder = recorder
	return b
}

// Build creates a multiplexer.
func (b Builder) Build() *Multiplexer {
	if b.hw == nil {
		log.Panicf("cyclestats multiplexer %s has no hardware buffer", b.name)
	}

	return &Multiplexer{
		name:         b.name,
		logger:       b.logger.Named(b.name),
		hw:           b.hw,
		hwBufferSize: b.hwBufferSize,
		recorder:     b.recorder,
		metrics:      newMetrics(b.name),
	}
}
