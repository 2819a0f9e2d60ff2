// Package gpumem models the memory management core of a GPU driver: the
// page tables the GMMU walks, the video memory allocator that clears freed
// memory in the background, and the multiplexer that shares the hardware
// performance snapshot stream among clients.
//
// A Device ties these together. It is created with a Builder, started with
// Start, and torn down with Shutdown.
package gpumem

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/config"
	"github.com/sarchlab/gpumem/mem/ce"
	"github.com/sarchlab/gpumem/mem/vidmem"
	"github.com/sarchlab/gpumem/mem/vm"
	"github.com/sarchlab/gpumem/mem/vm/gmmu"
	"github.com/sarchlab/gpumem/memory"
	"github.com/sarchlab/gpumem/perf/cyclestats"
)

// ErrNotCleared is returned when mapping memory that is not a live, cleared
// user buffer.
var ErrNotCleared = errors.New("buffer is not ready to be mapped")

// A Device owns the memory management state of one GPU.
type Device struct {
	lock sync.Mutex

	name   string
	config config.Config
	logger *zap.Logger

	vidmemStorage *memory.Storage
	sysmem        *memory.Storage

	encoder *gmmu.Encoder
	engine  *ce.Engine
	ceCtx   ce.CtxID
	vidmem  *vidmem.Manager
	dirs    directoryAllocator
	hw      cyclestats.HWBuffer
	css     *cyclestats.Multiplexer

	started bool
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// Config returns the configuration the device was built with.
func (d *Device) Config() config.Config {
	return d.config
}

// Encoder returns the page table entry encoder of the device.
func (d *Device) Encoder() *gmmu.Encoder {
	return d.encoder
}

// CopyEngine returns the copy engine the device clears memory with.
func (d *Device) CopyEngine() *ce.Engine {
	return d.engine
}

// Vidmem returns the video memory manager.
func (d *Device) Vidmem() *vidmem.Manager {
	return d.vidmem
}

// VidmemStorage returns the backing store of the video memory.
func (d *Device) VidmemStorage() *memory.Storage {
	return d.vidmemStorage
}

// Sysmem returns the backing store of the system memory.
func (d *Device) Sysmem() *memory.Storage {
	return d.sysmem
}

// CSS returns the cycle stats snapshot multiplexer.
func (d *Device) CSS() *cyclestats.Multiplexer {
	return d.css
}

// SnapshotHW returns the hardware snapshot stream.
func (d *Device) SnapshotHW() cyclestats.HWBuffer {
	return d.hw
}

// PageDirectoriesInUse returns the number of live page directory
// allocations of all address spaces.
func (d *Device) PageDirectoriesInUse() int {
	return d.dirs.InUse()
}

// Start finishes powering on the device. It creates the copy engine
// context the clearing thread uses and lets the thread run.
func (d *Device) Start() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.started {
		return errors.Errorf("device %s already started", d.name)
	}

	d.engine.Start()

	ctxID, err := d.engine.CreateContext()
	if err != nil {
		return multierr.Append(
			errors.Wrap(err, "creating copy engine context"),
			d.engine.Stop())
	}

	d.ceCtx = ctxID
	d.vidmem.SetCopyEngine(d.engine, ctxID)
	d.vidmem.Start()
	d.started = true

	d.logger.Info("device started", zap.Uint32("ce_ctx", uint32(ctxID)))

	return nil
}

// Started tells if the device is started and not yet shut down.
func (d *Device) Started() bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.started
}

// Shutdown marks the driver as dying, drains the clear list, and stops the
// clearing thread, the copy engine, and the snapshot stream. It returns
// every failure it ran into.
func (d *Device) Shutdown() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	var err error

	d.vidmem.SetDriverDying()
	err = multierr.Append(err, errors.Wrap(d.vidmem.Destroy(), "destroying vidmem"))

	d.css.Free()

	if d.started {
		err = multierr.Append(err, errors.Wrap(
			d.engine.DeleteContext(d.ceCtx), "deleting copy engine context"))
		err = multierr.Append(err, errors.Wrap(
			d.engine.Stop(), "stopping copy engine"))
		d.started = false
	}

	d.logger.Info("device shut down", zap.Error(err))

	return err
}

// NewVM creates a GPU address space whose page directories are allocated
// from the device.
func (d *Device) NewVM(name string) (*gmmu.VM, error) {
	return gmmu.NewVM(name, d.encoder, d.dirs)
}

// MapVidmem maps a user buffer at va with pages of attrs.PageSize. The
// buffer must be allocated and cleared. On failure, pages mapped so far
// are unmapped again.
func (d *Device) MapVidmem(
	v *gmmu.VM,
	va uint64,
	buf *vidmem.Buf,
	attrs vm.Attrs,
) error {
	if buf == nil || buf.Mem == nil ||
		buf.Mem.State() != vidmem.StateAllocated || !d.vidmem.Cleared() {
		return ErrNotCleared
	}

	pageSize := d.encoder.PageSizeBytes(attrs.PageSize)
	attrs.Aperture = vm.ApertureVidmem
	attrs.Valid = true

	var mapped []uint64

	off := uint64(0)
	for _, seg := range buf.Mem.SGT().Segments {
		for p := uint64(0); p < seg.Length; p += pageSize {
			err := v.MapPage(va+off, seg.Phys+p, attrs)
			if err != nil {
				d.unmapPages(v, mapped, attrs.PageSize)
				return errors.Wrapf(err, "mapping 0x%x", va+off)
			}

			mapped = append(mapped, va+off)
			off += pageSize
		}
	}

	d.logger.Debug("vidmem mapped",
		zap.String("vm", v.Name()),
		zap.String("mem", buf.Mem.ID()),
		zap.Uint64("va", va),
		zap.Int("pages", len(mapped)))

	return nil
}

// UnmapVidmem removes the mappings MapVidmem created for buf at va.
func (d *Device) UnmapVidmem(
	v *gmmu.VM,
	va uint64,
	buf *vidmem.Buf,
	pgsz vm.PageSize,
) error {
	pageSize := d.encoder.PageSizeBytes(pgsz)

	var err error
	for off := uint64(0); off < buf.Mem.AlignedSize(); off += pageSize {
		err = multierr.Append(err, v.Unmap(va+off, pgsz))
	}

	return err
}

func (d *Device) unmapPages(v *gmmu.VM, vas []uint64, pgsz vm.PageSize) {
	for _, va := range vas {
		if err := v.Unmap(va, pgsz); err != nil {
			d.logger.Warn("cannot unmap page",
				zap.Uint64("va", va), zap.Error(err))
		}
	}
}
