package gmmu

// Field layout of the page table entries of the new (Pascal and later)
// GMMU format.
const (
	pdeApertureVidmem     = 0x2
	pdeApertureSysMemCoh  = 0x4
	pdeApertureSysMemNcoh = 0x6
	pdeApertureMask       = 0x6
	pdeVolTrue            = 0x8
	pdeAddressShift       = 12
	pdeAddressFieldMask   = 0xffffff
	pdeAddressFieldShift  = 8
	pdeAddressHiWordShift = 24

	dualPDEApertureVidmem     = 0x2
	dualPDEApertureSysMemCoh  = 0x4
	dualPDEApertureSysMemNcoh = 0x6
	dualPDEApertureMask       = 0x6
	dualPDEVolTrue            = 0x8
	dualPDEAddressShift       = 12
	dualPDEAddressBigShift    = 8
	dualPDESmallFieldMask     = 0xffffff
	dualPDESmallFieldShift    = 8
	dualPDESmallHiWordShift   = 24
	dualPDEBigFieldMask       = 0xfffffff
	dualPDEBigFieldShift      = 4
	dualPDEBigHiWordShift     = 28

	pteValidTrue          = 0x1
	pteApertureVidmem     = 0x0
	pteApertureSysMemCoh  = 0x4
	pteApertureSysMemNcoh = 0x6
	pteApertureMask       = 0x6
	pteVolTrue            = 0x8
	ptePrivilegeTrue      = 0x20
	pteReadOnlyTrue       = 0x40
	pteAddressShift       = 12
	pteAddressFieldMask   = 0xffffff
	pteAddressFieldShift  = 8
	pteAddressHiWordShift = 24
	pteAddressHiMask      = 0xf
	pteAddressBits        = 28
	pteKindMask           = 0xff
	pteKindShift          = 24
	pteCompTagLineMask    = 0x3ffff
	pteCompTagLineShift   = 4
)

func pdeAddressSys(v uint32) uint32 {
	return (v & pdeAddressFieldMask) << pdeAddressFieldShift
}

func dualPDEAddressSmallSys(v uint32) uint32 {
	return (v & dualPDESmallFieldMask) << dualPDESmallFieldShift
}

func dualPDEAddressBigSys(v uint32) uint32 {
	return (v & dualPDEBigFieldMask) << dualPDEBigFieldShift
}

func pteAddress(v uint32) uint32 {
	return (v & pteAddressFieldMask) << pteAddressFieldShift
}

func pteAddressHi(v uint32) uint32 {
	return (v >> pteAddressHiWordShift) & pteAddressHiMask
}

func pteKind(v uint8) uint32 {
	return (uint32(v) & pteKindMask) << pteKindShift
}

func pteCompTagLine(v uint32) uint32 {
	return (v & pteCompTagLineMask) << pteCompTagLineShift
}
