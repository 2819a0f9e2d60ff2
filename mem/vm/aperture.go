// Package vm provides the types shared by the GPU virtual memory models: the
// memory apertures a physical address can live in, the page sizes a GPU
// address space supports and the attributes of a single mapping.
package vm

import "fmt"

// Aperture is the memory domain that a physical address resides in.
type Aperture int

// The apertures that a GPU can address.
const (
	ApertureInvalid Aperture = iota
	ApertureSysmem
	ApertureSysmemCoherent
	ApertureVidmem
)

func (a Aperture) String() string {
	switch a {
	case ApertureInvalid:
		return "INVAL"
	case ApertureSysmem:
		return "SYSMEM"
	case ApertureSysmemCoherent:
		return "SYSCOH"
	case ApertureVidmem:
		return "VIDMEM"
	default:
		return fmt.Sprintf("Aperture(%d)", int(a))
	}
}

// IsSysmem returns true if the aperture is one of the system memory
// apertures.
func (a Aperture) IsSysmem() bool {
	return a == ApertureSysmem || a == ApertureSysmemCoherent
}

// ApertureMask selects the register field value matching an aperture.
// Invalid apertures select the zero field.
func ApertureMask(a Aperture, sysmemMask, sysmemCohMask, vidmemMask uint32) uint32 {
	switch a {
	case ApertureSysmem:
		return sysmemMask
	case ApertureSysmemCoherent:
		return sysmemCohMask
	case ApertureVidmem:
		return vidmemMask
	default:
		return 0
	}
}
