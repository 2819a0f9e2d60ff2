package gmmu

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/mem/vm"
)

var (
	// ErrNotMapped is returned when a virtual address has no valid mapping.
	ErrNotMapped = errors.New("address not mapped")

	// ErrCorruptPDE is returned when a translation hits a dual PDE that
	// claims both a small and a big page table.
	ErrCorruptPDE = errors.New("corrupt dual PDE")

	// ErrPageSizeConflict is returned when a mapping would place small and
	// big pages under the same dual PDE.
	ErrPageSizeConflict = errors.New("page size conflicts with existing mapping")

	// ErrMisaligned is returned when an address is not page aligned.
	ErrMisaligned = errors.New("address not aligned to page size")
)

// DirectoryAllocator provides zeroed memory for new page directories.
type DirectoryAllocator interface {
	AllocDirectory(size uint64) (*Mem, error)
	FreeDirectory(mem *Mem)
}

// VM is a GPU virtual address space backed by a page table.
type VM struct {
	sync.Mutex

	name    string
	logger  *zap.Logger
	encoder *Encoder
	alloc   DirectoryAllocator
	root    *Directory
}

// NewVM creates an address space and allocates its root directory.
func NewVM(name string, encoder *Encoder, alloc DirectoryAllocator) (*VM, error) {
	levels := encoder.Levels()

	mem, err := alloc.AllocDirectory(levels[0].DirectorySize(vm.PageSizeSmall))
	if err != nil {
		return nil, errors.Wrapf(err, "allocating root directory of %s", name)
	}

	return &VM{
		name:    name,
		logger:  encoder.logger.With(zap.String("vm", name)),
		encoder: encoder,
		alloc:   alloc,
		root:    NewDirectory(mem, 0, levels[0].NumEntries(vm.PageSizeSmall)),
	}, nil
}

// Name returns the name of the address space.
func (v *VM) Name() string {
	return v.name
}

// Root returns the root page directory.
func (v *VM) Root() *Directory {
	return v.root
}

// slotPageSize returns the page size class a directory slot is indexed by.
// Only the dual PDE level keeps separate children per page size.
func slotPageSize(l *Level, pgsz vm.PageSize) vm.PageSize {
	if l.Kind == LevelDualPDE {
		return pgsz
	}

	return vm.PageSizeSmall
}

func (v *VM) checkAligned(va, pa uint64, pgsz vm.PageSize) error {
	if !pgsz.IsValid() || pgsz == vm.PageSizeKernel {
		return errors.Errorf("cannot map page size %s", pgsz)
	}

	pageBytes := v.encoder.PageSizeBytes(pgsz)
	if va%pageBytes != 0 || pa%pageBytes != 0 {
		return errors.Wrapf(ErrMisaligned,
			"va 0x%x pa 0x%x page size %d", va, pa, pageBytes)
	}

	return nil
}

// MapPage maps one page at va to the physical address pa. Directories along
// the walk are created on first use.
func (v *VM) MapPage(va, pa uint64, attrs vm.Attrs) error {
	pgsz := attrs.PageSize
	if err := v.checkAligned(va, pa, pgsz); err != nil {
		return err
	}

	v.Lock()
	defer v.Unlock()

	levels := v.encoder.Levels()
	pd := v.root

	for i := 0; i < len(levels)-1; i++ {
		l := &levels[i]
		idx := l.Index(va, pgsz)
		slot := slotPageSize(l, pgsz)

		if l.Kind == LevelDualPDE {
			if err := v.checkDualPDE(l, pd, idx, pgsz); err != nil {
				return errors.Wrapf(err, "mapping va 0x%x", va)
			}
		}

		child := pd.Next(idx, slot)
		if child == nil {
			next := &levels[i+1]

			mem, err := v.alloc.AllocDirectory(next.DirectorySize(pgsz))
			if err != nil {
				return errors.Wrapf(err, "allocating level %d directory", i+1)
			}

			child = NewDirectory(mem, 0, next.NumEntries(pgsz))
			pd.SetNext(idx, slot, child)

			pdAttrs := attrs
			v.encoder.UpdateEntry(l, pd, idx, va, child.GPUAddr(), &pdAttrs)
		}

		pd = child
	}

	leaf := &levels[len(levels)-1]
	v.encoder.UpdateEntry(leaf, pd, leaf.Index(va, pgsz), va, pa, &attrs)

	return nil
}

func (v *VM) checkDualPDE(
	l *Level,
	pd *Directory,
	idx uint32,
	pgsz vm.PageSize,
) error {
	current := v.encoder.GetPageSize(l, pd, idx)
	if current == vm.NumPageSizes {
		pde := readDualPDE(l, pd, idx)
		if pde.SmallAddr != 0 && pde.BigAddr != 0 {
			return ErrCorruptPDE
		}

		return nil
	}

	if current != pgsz {
		return errors.Wrapf(ErrPageSizeConflict,
			"slot %d holds %s pages", idx, current)
	}

	return nil
}

// Unmap invalidates the leaf entry of the page at va. Directories are kept.
func (v *VM) Unmap(va uint64, pgsz vm.PageSize) error {
	v.Lock()
	defer v.Unlock()

	levels := v.encoder.Levels()
	pd := v.root

	for i := 0; i < len(levels)-1; i++ {
		l := &levels[i]

		pd = pd.Next(l.Index(va, pgsz), slotPageSize(l, pgsz))
		if pd == nil {
			return errors.Wrapf(ErrNotMapped, "va 0x%x", va)
		}
	}

	leaf := &levels[len(levels)-1]
	attrs := vm.Attrs{PageSize: pgsz}
	v.encoder.UpdateEntry(leaf, pd, leaf.Index(va, pgsz), va, 0, &attrs)

	return nil
}

// Destroy frees every page directory of the address space. The address
// space must not be used afterwards.
func (v *VM) Destroy() {
	v.Lock()
	defer v.Unlock()

	if v.root == nil {
		return
	}

	v.freeDirectory(v.root)
	v.root = nil
}

func (v *VM) freeDirectory(pd *Directory) {
	for _, children := range [][]*Directory{pd.Entries, pd.BigEntries} {
		for _, child := range children {
			if child != nil {
				v.freeDirectory(child)
			}
		}
	}

	v.alloc.FreeDirectory(pd.Mem)
}

// Translate walks the page table the way the GMMU does, following the
// entries written to memory, and returns the physical address that va maps
// to.
func (v *VM) Translate(va uint64) (uint64, vm.Attrs, error) {
	v.Lock()
	defer v.Unlock()

	levels := v.encoder.Levels()
	pd := v.root
	pgsz := vm.PageSizeSmall

	for i := 0; i < len(levels)-1; i++ {
		l := &levels[i]
		idx := l.Index(va, pgsz)

		var (
			addr uint64
			err  error
		)

		switch l.Kind {
		case LevelPDE:
			addr, err = v.walkPDE(l, pd, idx)
		case LevelDualPDE:
			pgsz, addr, err = v.walkDualPDE(l, pd, idx)
		}

		if err != nil {
			return 0, vm.Attrs{}, errors.Wrapf(err, "va 0x%x level %d", va, i)
		}

		next := pd.Next(idx, slotPageSize(l, pgsz))
		if next == nil || next.GPUAddr() != addr {
			v.logger.Error("directory entry points to unknown table",
				zap.Int("level", i),
				zap.Uint32("i", idx),
				zap.String("addr", hex(addr)))

			return 0, vm.Attrs{}, errors.Wrapf(ErrNotMapped,
				"va 0x%x level %d", va, i)
		}

		pd = next
	}

	leaf := &levels[len(levels)-1]
	pte := readPTE(leaf, pd, leaf.Index(va, pgsz))

	if !pte.Valid {
		return 0, vm.Attrs{}, errors.Wrapf(ErrNotMapped, "va 0x%x", va)
	}

	pageBytes := v.encoder.PageSizeBytes(pgsz)
	attrs := vm.Attrs{
		PageSize:  pgsz,
		Kind:      pte.Kind,
		Cacheable: !pte.Vol,
		Priv:      pte.Priv,
		Valid:     true,
		Aperture:  pte.Aperture,
	}

	if pte.ReadOnly {
		attrs.RWFlag = vm.ReadOnly
	}

	return pte.Addr + va%pageBytes, attrs, nil
}

func (v *VM) walkPDE(l *Level, pd *Directory, idx uint32) (uint64, error) {
	pde := readPDE(l, pd, idx)
	if pde.Aperture == vm.ApertureInvalid {
		return 0, ErrNotMapped
	}

	return pde.Addr, nil
}

func (v *VM) walkDualPDE(
	l *Level,
	pd *Directory,
	idx uint32,
) (vm.PageSize, uint64, error) {
	pgsz := v.encoder.GetPageSize(l, pd, idx)
	pde := readDualPDE(l, pd, idx)

	switch pgsz {
	case vm.PageSizeSmall:
		return pgsz, pde.SmallAddr, nil
	case vm.PageSizeBig:
		return pgsz, pde.BigAddr, nil
	}

	if pde.SmallAddr != 0 && pde.BigAddr != 0 {
		return pgsz, 0, ErrCorruptPDE
	}

	return pgsz, 0, ErrNotMapped
}
