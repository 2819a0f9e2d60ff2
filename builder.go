package gpumem

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/config"
	"github.com/sarchlab/gpumem/datarecording"
	"github.com/sarchlab/gpumem/mem/ce"
	"github.com/sarchlab/gpumem/mem/vidmem"
	"github.com/sarchlab/gpumem/mem/vm/gmmu"
	"github.com/sarchlab/gpumem/memory"
	"github.com/sarchlab/gpumem/perf/cyclestats"
)

// DefaultSysmemSize is the size of the system memory that holds page
// directories placed in sysmem.
const DefaultSysmemSize = 64 << 20

// Builder can be used to build a device.
type Builder struct {
	name           string
	config         config.Config
	logger         *zap.Logger
	hw             cyclestats.HWBuffer
	recorder       datarecording.DataRecorder
	sysmemSize     uint64
	sysmemPageDirs bool
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		name:       "GPU",
		config:     config.Default(),
		logger:     zap.NewNop(),
		sysmemSize: DefaultSysmemSize,
	}
}

// WithName sets the name of the device.
func (b Builder) WithName(name string) Builder {
	b.name = name
	return b
}

// WithConfig sets the configuration of the device.
func (b Builder) WithConfig(c config.Config) Builder {
	b.config = c
	return b
}

// WithLogger sets the logger of the device.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// WithSnapshotHW sets the hardware snapshot stream. A simulated stream is
// used by default.
func (b Builder) WithSnapshotHW(hw cyclestats.HWBuffer) Builder {
	b.hw = hw
	return b
}

// WithDataRecorder records delivered snapshot entries and vidmem clears.
func (b Builder) WithDataRecorder(r datarecording.DataRecorder) Builder {
	b.recorder = r
	return b
}

// WithSysmemSize sets the size of the system memory.
func (b Builder) WithSysmemSize(size uint64) Builder {
	b.sysmemSize = size
	return b
}

// WithPageDirectoriesInSysmem places page directories in system memory
// instead of video memory.
func (b Builder) WithPageDirectoriesInSysmem() Builder {
	b.sysmemPageDirs = true
	return b
}

// Build creates a device. Its vidmem clearing thread stays paused until
// Start is called.
func (b Builder) Build() (*Device, error) {
	c := b.config
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid device configuration")
	}

	chip, err := gmmu.ParseChip(c.Chip)
	if err != nil {
		return nil, err
	}

	logger := b.logger.Named(b.name)

	d := &Device{
		name:          b.name,
		config:        c,
		logger:        logger,
		vidmemStorage: memory.NewStorage(c.Vidmem.Size),
		sysmem:        memory.NewStorage(b.sysmemSize),
		ceCtx:         ce.InvalidCtxID,
	}

	d.encoder = gmmu.MakeBuilder().
		WithLogger(logger).
		WithChip(chip).
		WithBigPageSize(c.BigPageSize).
		WithPlatformAtomic(c.PlatformAtomic).
		WithCompression(c.Compression).
		WithCompressionPageSize(c.CompressionPageSize).
		Build()

	d.engine = ce.MakeBuilder().
		WithLogger(logger).
		WithLocalFB(d.vidmemStorage).
		WithSysmem(d.sysmem).
		Build()

	d.vidmem, err = vidmem.MakeBuilder().
		WithLogger(logger).
		WithStorage(d.vidmemStorage).
		WithBootstrapSize(c.Vidmem.BootstrapSize).
		WithPageSize(c.Vidmem.PageSize).
		WithPollTimeout(c.Vidmem.PollTimeout).
		WithDestroyTimeout(c.Vidmem.DestroyTimeout, c.Vidmem.DestroyPoll).
		Build()
	if err != nil {
		return nil, errors.Wrap(err, "building vidmem manager")
	}

	if err := b.buildDirectories(d); err != nil {
		return nil, err
	}

	hw := b.hw
	if hw == nil {
		hw = cyclestats.NewSimulatedHW()
	}

	cssBuilder := cyclestats.MakeBuilder().
		WithLogger(logger).
		WithHWBuffer(hw).
		WithHWBufferSize(c.CSS.HWBufferSize)

	if b.recorder != nil {
		snapshots, err := datarecording.NewSnapshotRecorder(b.recorder, logger)
		if err != nil {
			return nil, errors.Wrap(err, "recording snapshots")
		}

		clears, err := datarecording.NewClearRecorder(b.recorder, logger)
		if err != nil {
			return nil, errors.Wrap(err, "recording clears")
		}

		cssBuilder = cssBuilder.WithRecorder(snapshots)
		d.vidmem.AcceptHook(clears)
	}

	d.css = cssBuilder.Build()
	d.hw = hw

	return d, nil
}

func (b Builder) buildDirectories(d *Device) error {
	if !b.sysmemPageDirs {
		d.dirs = newVidmemDirectories(d.vidmem)
		return nil
	}

	dirs, err := newSysmemDirectories(d.sysmem)
	if err != nil {
		return errors.Wrap(err, "building sysmem page directory allocator")
	}

	d.dirs = dirs

	return nil
}
