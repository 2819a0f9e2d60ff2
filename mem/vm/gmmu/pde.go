package gmmu

import (
	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/mem/vm"
)

func (e *Encoder) updatePDE(
	l *Level,
	pd *Directory,
	idx uint32,
	va, pa uint64,
	_ *vm.Attrs,
) {
	next := pd.Next(idx, vm.PageSizeSmall)
	addr := pa >> pdeAddressShift
	hi32MustBeZero(addr, "page directory address")

	var w [2]uint32
	w[0] |= vm.ApertureMask(next.aperture(),
		pdeApertureSysMemNcoh,
		pdeApertureSysMemCoh,
		pdeApertureVidmem)
	w[0] |= pdeAddressSys(uint32(addr))
	w[0] |= pdeVolTrue
	w[1] |= uint32(addr) >> pdeAddressHiWordShift

	e.writeEntry(l, pd, idx, va, pa, w[:])

	e.logger.Debug("PDE",
		zap.Uint32("i", idx),
		zap.Uint32("size", l.EntrySize),
		zap.Uint32("offs", l.OffsetFromIndex(idx)),
		zap.String("gpu", hex(va)),
		zap.String("phys", hex(pa)),
		zap.String("words", wordsString(w[:])))
}

// updateDualPDE writes the half of a dual PDE that matches the page size of
// the mapping. The other half keeps its content, so one entry can route small
// and big page walks to different tables.
func (e *Encoder) updateDualPDE(
	l *Level,
	pd *Directory,
	idx uint32,
	va, pa uint64,
	attrs *vm.Attrs,
) {
	offset := l.OffsetFromIndex(idx)
	smallValid := attrs.PageSize == vm.PageSizeSmall
	bigValid := attrs.PageSize == vm.PageSizeBig

	var w [4]uint32
	for i := range w {
		w[i] = pd.Read(offset + uint32(i))
	}

	if !smallValid && !bigValid {
		w = [4]uint32{}
	}

	if smallValid {
		tmp := pa >> dualPDEAddressShift
		hi32MustBeZero(tmp, "small page table address")
		smallAddr := uint32(tmp)

		w[2] = dualPDEAddressSmallSys(smallAddr)
		w[2] |= vm.ApertureMask(pd.Next(idx, vm.PageSizeSmall).aperture(),
			dualPDEApertureSysMemNcoh,
			dualPDEApertureSysMemCoh,
			dualPDEApertureVidmem)
		w[2] |= dualPDEVolTrue
		w[3] = smallAddr >> dualPDESmallHiWordShift
	}

	if bigValid {
		tmp := pa >> dualPDEAddressBigShift
		hi32MustBeZero(tmp, "big page table address")
		bigAddr := uint32(tmp)

		w[0] = dualPDEAddressBigSys(bigAddr)
		w[0] |= dualPDEVolTrue
		w[0] |= vm.ApertureMask(pd.Next(idx, vm.PageSizeBig).aperture(),
			dualPDEApertureSysMemNcoh,
			dualPDEApertureSysMemCoh,
			dualPDEApertureVidmem)
		w[1] = bigAddr >> dualPDEBigHiWordShift
	}

	e.writeEntry(l, pd, idx, va, pa, w[:])

	pgszFlags := []byte{'-', '-'}
	if smallValid {
		pgszFlags[0] = 'S'
	}

	if bigValid {
		pgszFlags[1] = 'B'
	}

	e.logger.Debug("PDE",
		zap.Uint32("i", idx),
		zap.Uint32("size", l.EntrySize),
		zap.Uint32("offs", offset),
		zap.String("pgsz", string(pgszFlags)),
		zap.String("gpu", hex(va)),
		zap.String("phys", hex(pa)),
		zap.String("words", wordsString(w[:])))
}

func (e *Encoder) getDualPDEPageSize(
	l *Level,
	pd *Directory,
	idx uint32,
) vm.PageSize {
	if pd == nil || pd.Mem == nil {
		return vm.NumPageSizes
	}

	pde := readDualPDE(l, pd, idx)
	pgsz := vm.NumPageSizes

	if pde.SmallAperture != vm.ApertureInvalid && pde.SmallAddr != 0 {
		pgsz = vm.PageSizeSmall
	}

	if pde.BigAperture != vm.ApertureInvalid && pde.BigAddr != 0 {
		// Both halves valid means the memory manager let small and big
		// pages overlap. The entry cannot be trusted.
		if pgsz == vm.PageSizeSmall {
			e.logger.Error("both small and big apertures enabled",
				zap.Uint32("i", idx),
				zap.String("small", hex(pde.SmallAddr)),
				zap.String("big", hex(pde.BigAddr)))

			return vm.NumPageSizes
		}

		pgsz = vm.PageSizeBig
	}

	return pgsz
}
