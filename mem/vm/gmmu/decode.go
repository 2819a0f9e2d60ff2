package gmmu

import (
	"fmt"
	"strings"

	"github.com/sarchlab/gpumem/mem/vm"
)

// PDE is the decoded form of a page directory entry.
type PDE struct {
	Aperture vm.Aperture
	Addr     uint64
	Vol      bool
}

// DualPDE is the decoded form of a dual page directory entry.
type DualPDE struct {
	SmallAperture vm.Aperture
	SmallAddr     uint64
	SmallVol      bool

	BigAperture vm.Aperture
	BigAddr     uint64
	BigVol      bool
}

// PTE is the decoded form of a page table entry.
type PTE struct {
	Valid       bool
	Aperture    vm.Aperture
	Addr        uint64
	Vol         bool
	Priv        bool
	ReadOnly    bool
	Kind        uint8
	CompTagLine uint32
}

// Sparse reports whether the entry marks a reserved but unbacked page.
func (p PTE) Sparse() bool {
	return !p.Valid && p.Vol && p.Addr == 0
}

func decodePDEAperture(field uint32) vm.Aperture {
	switch field {
	case pdeApertureVidmem:
		return vm.ApertureVidmem
	case pdeApertureSysMemCoh:
		return vm.ApertureSysmemCoherent
	case pdeApertureSysMemNcoh:
		return vm.ApertureSysmem
	default:
		return vm.ApertureInvalid
	}
}

// DecodePDE decodes the two words of a page directory entry.
func DecodePDE(w0, w1 uint32) PDE {
	addr := uint64((w0>>pdeAddressFieldShift)&pdeAddressFieldMask) |
		uint64(w1)<<pdeAddressHiWordShift

	return PDE{
		Aperture: decodePDEAperture(w0 & pdeApertureMask),
		Addr:     addr << pdeAddressShift,
		Vol:      w0&pdeVolTrue != 0,
	}
}

// DecodeDualPDE decodes the four words of a dual page directory entry.
// Words 0 and 1 hold the big page half, words 2 and 3 the small page half.
func DecodeDualPDE(w [4]uint32) DualPDE {
	big := uint64((w[0]>>dualPDEBigFieldShift)&dualPDEBigFieldMask) |
		uint64(w[1])<<dualPDEBigHiWordShift
	small := uint64((w[2]>>dualPDESmallFieldShift)&dualPDESmallFieldMask) |
		uint64(w[3])<<dualPDESmallHiWordShift

	return DualPDE{
		BigAperture:   decodePDEAperture(w[0] & dualPDEApertureMask),
		BigAddr:       big << dualPDEAddressBigShift,
		BigVol:        w[0]&dualPDEVolTrue != 0,
		SmallAperture: decodePDEAperture(w[2] & dualPDEApertureMask),
		SmallAddr:     small << dualPDEAddressShift,
		SmallVol:      w[2]&dualPDEVolTrue != 0,
	}
}

// DecodePTE decodes the two words of a page table entry.
func DecodePTE(w0, w1 uint32) PTE {
	addr := uint64((w0>>pteAddressFieldShift)&pteAddressFieldMask) |
		uint64(w1&pteAddressHiMask)<<pteAddressHiWordShift

	p := PTE{
		Valid:       w0&pteValidTrue != 0,
		Addr:        addr << pteAddressShift,
		Vol:         w0&pteVolTrue != 0,
		Priv:        w0&ptePrivilegeTrue != 0,
		ReadOnly:    w0&pteReadOnlyTrue != 0,
		Kind:        uint8((w1 >> pteKindShift) & pteKindMask),
		CompTagLine: (w1 >> pteCompTagLineShift) & pteCompTagLineMask,
	}

	switch w0 & pteApertureMask {
	case pteApertureVidmem:
		if p.Valid || p.Addr != 0 {
			p.Aperture = vm.ApertureVidmem
		}
	case pteApertureSysMemCoh:
		p.Aperture = vm.ApertureSysmemCoherent
	case pteApertureSysMemNcoh:
		p.Aperture = vm.ApertureSysmem
	}

	return p
}

func readPDE(l *Level, pd *Directory, idx uint32) PDE {
	offset := l.OffsetFromIndex(idx)
	return DecodePDE(pd.Read(offset), pd.Read(offset+1))
}

func readDualPDE(l *Level, pd *Directory, idx uint32) DualPDE {
	offset := l.OffsetFromIndex(idx)

	var w [4]uint32
	for i := range w {
		w[i] = pd.Read(offset + uint32(i))
	}

	return DecodeDualPDE(w)
}

func readPTE(l *Level, pd *Directory, idx uint32) PTE {
	offset := l.OffsetFromIndex(idx)
	return DecodePTE(pd.Read(offset), pd.Read(offset+1))
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%010x", v)
}

func wordsString(w []uint32) string {
	parts := make([]string, len(w))
	for i, v := range w {
		parts[i] = fmt.Sprintf("0x%08x", v)
	}

	return "[" + strings.Join(parts, ", ") + "]"
}
