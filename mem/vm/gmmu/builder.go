package gmmu

import (
	"log"

	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/mem/vm"
)

// A Builder can build page table encoders.
type Builder struct {
	name                string
	logger              *zap.Logger
	chip                Chip
	bigPageSize         uint64
	platformAtomic      bool
	compression         bool
	compressionPageSize uint64
}

// MakeBuilder creates a new builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		name:                "GMMU",
		chip:                ChipGP10B,
		bigPageSize:         DefaultBigPageSize(ChipGP10B),
		compressionPageSize: 128 << 10,
	}
}

// WithName sets the name of the encoder.
func (b Builder) WithName(name string) Builder {
	b.name = name
	return b
}

// WithLogger sets the logger that receives the entry debug lines.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// WithChip sets the chip whose page table layout is written.
func (b Builder) WithChip(chip Chip) Builder {
	b.chip = chip
	return b
}

// WithBigPageSize sets the number of bytes of a big page.
func (b Builder) WithBigPageSize(size uint64) Builder {
	b.bigPageSize = size
	return b
}

// WithPlatformAtomic enables platform atomics on the device.
func (b Builder) WithPlatformAtomic(enabled bool) Builder {
	b.platformAtomic = enabled
	return b
}

// WithCompression enables compression tag lines in PTEs.
func (b Builder) WithCompression(enabled bool) Builder {
	b.compression = enabled
	return b
}

// WithCompressionPageSize sets the number of bytes a comptag line covers.
func (b Builder) WithCompressionPageSize(size uint64) Builder {
	b.compressionPageSize = size
	return b
}

// Build creates an encoder.
func (b Builder) Build() *Encoder {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Encoder{
		name:                b.name,
		logger:              logger.Named(b.name),
		levels:              Levels(b.chip),
		platformAtomic:      b.platformAtomic,
		compression:         b.compression,
		compressionPageSize: b.compressionPageSize,
	}

	leaf := e.levels[len(e.levels)-1]
	if b.bigPageSize != leaf.EntryCoverage(vm.PageSizeBig) {
		log.Panicf("big page size %d not supported by chip %s",
			b.bigPageSize, b.chip)
	}

	e.pageSizes[vm.PageSizeSmall] = 4 << 10
	e.pageSizes[vm.PageSizeBig] = b.bigPageSize
	e.pageSizes[vm.PageSizeKernel] = 4 << 10

	return e
}
