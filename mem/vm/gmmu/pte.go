package gmmu

import (
	"log"

	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/mem/vm"
)

func (e *Encoder) updatePTELocked(
	l *Level,
	pd *Directory,
	idx uint32,
	va, pa uint64,
	attrs *vm.Attrs,
) {
	var w [2]uint32

	switch {
	case pa != 0:
		e.pteValid(pa, attrs, &w)
	case attrs.Sparse:
		e.pteSparse(&w)
	}

	e.writeEntry(l, pd, idx, va, pa, w[:])

	e.logger.Debug("PTE",
		zap.Uint32("i", idx),
		zap.String("gpu", hex(va)),
		zap.String("phys", hex(pa)),
		zap.String("pgsz", attrs.PageSize.String()),
		zap.Uint8("kind", attrs.Kind),
		zap.Uint64("ctag", attrs.CTag),
		zap.String("rw", attrs.RWFlag.String()),
		zap.String("flags", attrs.String()),
		zap.String("aperture", attrs.Aperture.String()),
		zap.String("words", wordsString(w[:])))

	if pa != 0 && e.compression && attrs.CTag != 0 {
		attrs.CTag += e.pageSizes[attrs.PageSize]
	}
}

func (e *Encoder) pteValid(pa uint64, attrs *vm.Attrs, w *[2]uint32) {
	addr := pa >> pteAddressShift
	if addr>>pteAddressBits != 0 {
		log.Panicf("page address 0x%x does not fit the entry address field", pa)
	}

	w[0] = 0
	if attrs.Valid {
		w[0] = pteValidTrue
	}

	w[0] |= e.apertureMask(attrs.Aperture, attrs.PlatformAtomic,
		pteApertureSysMemNcoh,
		pteApertureSysMemCoh,
		pteApertureVidmem)
	w[0] |= pteAddress(uint32(addr))

	if attrs.Priv {
		w[0] |= ptePrivilegeTrue
	}

	w[1] = pteAddressHi(uint32(addr)) | pteKind(attrs.Kind)

	if e.compression && e.compressionPageSize != 0 {
		w[1] |= pteCompTagLine(uint32(attrs.CTag / e.compressionPageSize))
	}

	if attrs.RWFlag == vm.ReadOnly {
		w[0] |= pteReadOnlyTrue
	}

	switch {
	case !attrs.Valid && !attrs.Cacheable:
		w[0] |= pteReadOnlyTrue
	case !attrs.Cacheable:
		w[0] |= pteVolTrue
	}
}

func (e *Encoder) pteSparse(w *[2]uint32) {
	w[0] = pteVolTrue
	w[1] = 0
}
