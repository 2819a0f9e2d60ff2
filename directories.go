package gpumem

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/sarchlab/gpumem/mem/vidmem"
	"github.com/sarchlab/gpumem/mem/vm"
	"github.com/sarchlab/gpumem/mem/vm/gmmu"
	"github.com/sarchlab/gpumem/memory"
)

// directoryAllocator hands out zeroed page directory memory and keeps
// track of what it handed out.
type directoryAllocator interface {
	gmmu.DirectoryAllocator
	InUse() int
}

// vidmemDirectories allocates page directories from video memory.
type vidmemDirectories struct {
	lock    sync.Mutex
	manager *vidmem.Manager
	mems    map[*gmmu.Mem]*vidmem.Mem
}

func newVidmemDirectories(m *vidmem.Manager) *vidmemDirectories {
	return &vidmemDirectories{
		manager: m,
		mems:    make(map[*gmmu.Mem]*vidmem.Mem),
	}
}

func (d *vidmemDirectories) AllocDirectory(size uint64) (*gmmu.Mem, error) {
	mem, err := d.manager.Alloc(size)
	if err != nil {
		return nil, err
	}

	if len(mem.SGT().Segments) != 1 {
		_ = d.manager.Free(mem)
		return nil, errors.Errorf(
			"page directory of %d bytes is not contiguous", size)
	}

	storage := d.manager.Storage()
	if err := storage.Memset(mem.Addr(), mem.AlignedSize(), 0); err != nil {
		_ = d.manager.Free(mem)
		return nil, errors.Wrap(err, "zeroing page directory")
	}

	pd := &gmmu.Mem{
		Storage:  storage,
		PhysAddr: mem.Addr(),
		Size:     size,
		Aperture: mem.Aperture(),
	}

	d.lock.Lock()
	d.mems[pd] = mem
	d.lock.Unlock()

	return pd, nil
}

func (d *vidmemDirectories) FreeDirectory(pd *gmmu.Mem) {
	d.lock.Lock()
	mem, ok := d.mems[pd]
	delete(d.mems, pd)
	d.lock.Unlock()

	if ok {
		_ = d.manager.Free(mem)
	}
}

func (d *vidmemDirectories) InUse() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return len(d.mems)
}

// sysmemDirectories allocates page directories from system memory.
type sysmemDirectories struct {
	lock      sync.Mutex
	storage   *memory.Storage
	allocator *vidmem.PageAllocator
	sgts      map[*gmmu.Mem]*vidmem.SGT
}

func newSysmemDirectories(s *memory.Storage) (*sysmemDirectories, error) {
	const pageSize = 4 << 10

	allocator, err := vidmem.NewPageAllocator("sysmem-pd",
		pageSize, s.Capacity()-pageSize, pageSize, true)
	if err != nil {
		return nil, err
	}

	return &sysmemDirectories{
		storage:   s,
		allocator: allocator,
		sgts:      make(map[*gmmu.Mem]*vidmem.SGT),
	}, nil
}

func (d *sysmemDirectories) AllocDirectory(size uint64) (*gmmu.Mem, error) {
	sgt, err := d.allocator.Alloc(size)
	if err != nil {
		return nil, err
	}

	seg := sgt.Segments[0]
	if err := d.storage.Memset(seg.Phys, seg.Length, 0); err != nil {
		d.allocator.Free(sgt)
		return nil, errors.Wrap(err, "zeroing page directory")
	}

	pd := &gmmu.Mem{
		Storage:  d.storage,
		PhysAddr: seg.Phys,
		Size:     size,
		Aperture: vm.ApertureSysmem,
	}

	d.lock.Lock()
	d.sgts[pd] = sgt
	d.lock.Unlock()

	return pd, nil
}

func (d *sysmemDirectories) FreeDirectory(pd *gmmu.Mem) {
	d.lock.Lock()
	sgt, ok := d.sgts[pd]
	delete(d.sgts, pd)
	d.lock.Unlock()

	if ok {
		d.allocator.Free(sgt)
	}
}

func (d *sysmemDirectories) InUse() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return len(d.sgts)
}
