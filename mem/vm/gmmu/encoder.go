package gmmu

import (
	"log"

	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/mem/vm"
	"github.com/sarchlab/gpumem/sim"
)

// HookPosEntryWritten marks the moment an entry has been written into a
// directory. The hook item is an EntryWrite.
var HookPosEntryWritten = &sim.HookPos{Name: "GMMUEntryWritten"}

// EntryWrite describes an entry written into a page directory.
type EntryWrite struct {
	Level *Level
	Index uint32
	VA    uint64
	PA    uint64
	Words []uint32
}

// An Encoder writes page table entries in the hardware format of a chip.
type Encoder struct {
	sim.HookableBase

	name                string
	logger              *zap.Logger
	levels              []Level
	platformAtomic      bool
	compression         bool
	compressionPageSize uint64
	pageSizes           [vm.NumPageSizes]uint64
}

// Name returns the name of the encoder.
func (e *Encoder) Name() string {
	return e.name
}

// Levels returns the page table levels the encoder writes, root first.
func (e *Encoder) Levels() []Level {
	return e.levels
}

// PageSizeBytes returns the number of bytes of a page of the given size.
func (e *Encoder) PageSizeBytes(pgsz vm.PageSize) uint64 {
	return e.pageSizes[pgsz]
}

// UpdateEntry writes the entry at idx of the directory pd. For directory
// levels pa is the address of the next level directory. For the leaf level
// pa is the address of the mapped page; a zero pa writes a sparse or an
// invalid entry.
func (e *Encoder) UpdateEntry(
	l *Level,
	pd *Directory,
	idx uint32,
	va, pa uint64,
	attrs *vm.Attrs,
) {
	switch l.Kind {
	case LevelPDE:
		e.updatePDE(l, pd, idx, va, pa, attrs)
	case LevelDualPDE:
		e.updateDualPDE(l, pd, idx, va, pa, attrs)
	case LevelPTE:
		e.updatePTELocked(l, pd, idx, va, pa, attrs)
	default:
		log.Panicf("cannot update entry of level kind %s", l.Kind)
	}
}

// GetPageSize infers the page size programmed into the entry at idx. It
// returns vm.NumPageSizes when the entry does not tell.
func (e *Encoder) GetPageSize(l *Level, pd *Directory, idx uint32) vm.PageSize {
	switch l.Kind {
	case LevelPDE:
		// Big and small pages share the same directory at these levels.
		return vm.PageSizeSmall
	case LevelDualPDE:
		return e.getDualPDEPageSize(l, pd, idx)
	case LevelPTE:
		return vm.NumPageSizes
	default:
		log.Panicf("cannot get page size of level kind %s", l.Kind)
	}

	return vm.NumPageSizes
}

// apertureMask picks the aperture field for a target. Platform atomics need
// coherent system memory, so they override the requested aperture when the
// device supports them.
func (e *Encoder) apertureMask(
	ap vm.Aperture,
	platformAtomic bool,
	sysmemMask, sysmemCohMask, vidmemMask uint32,
) uint32 {
	if e.platformAtomic && platformAtomic {
		ap = vm.ApertureSysmemCoherent
	}

	return vm.ApertureMask(ap, sysmemMask, sysmemCohMask, vidmemMask)
}

func (e *Encoder) writeEntry(
	l *Level,
	pd *Directory,
	idx uint32,
	va, pa uint64,
	words []uint32,
) {
	offset := l.OffsetFromIndex(idx)
	for i, w := range words {
		pd.Write(offset+uint32(i), w)
	}

	if e.NumHooks() > 0 {
		e.InvokeHook(sim.HookCtx{
			Domain: e,
			Pos:    HookPosEntryWritten,
			Item: EntryWrite{
				Level: l,
				Index: idx,
				VA:    va,
				PA:    pa,
				Words: words,
			},
		})
	}
}

func hi32MustBeZero(v uint64, what string) {
	if v>>32 != 0 {
		log.Panicf("%s 0x%x does not fit the entry address field", what, v)
	}
}
