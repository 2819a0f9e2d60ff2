package vm

import "fmt"

// PageSize selects one of the page sizes that a GPU address space supports.
type PageSize int

// The supported page sizes. NumPageSizes doubles as the "no valid page size"
// marker returned when an entry does not describe any page size.
const (
	PageSizeSmall PageSize = iota
	PageSizeBig
	PageSizeKernel
	NumPageSizes
)

func (p PageSize) String() string {
	switch p {
	case PageSizeSmall:
		return "small"
	case PageSizeBig:
		return "big"
	case PageSizeKernel:
		return "kernel"
	default:
		return "none"
	}
}

// IsValid returns true if p names an actual page size.
func (p PageSize) IsValid() bool {
	return p >= PageSizeSmall && p < NumPageSizes
}

// RWFlag is the access permission of a mapping.
type RWFlag int

// The access permissions.
const (
	RWNone RWFlag = iota
	ReadOnly
	WriteOnly
)

func (f RWFlag) String() string {
	switch f {
	case RWNone:
		return "RW"
	case ReadOnly:
		return "R"
	case WriteOnly:
		return "W"
	default:
		return "?"
	}
}

// Attrs holds the attributes of a GPU mapping.
type Attrs struct {
	PageSize       PageSize
	Kind           uint8
	CTag           uint64
	Cacheable      bool
	RWFlag         RWFlag
	Sparse         bool
	Priv           bool
	Valid          bool
	Aperture       Aperture
	PlatformAtomic bool
}

// String renders the boolean attributes as a fixed width flag string.
func (a *Attrs) String() string {
	flag := func(set bool, c byte) byte {
		if set {
			return c
		}

		return '-'
	}

	return fmt.Sprintf("%c%c%c%c%c",
		flag(a.Cacheable, 'C'),
		flag(a.Sparse, 'S'),
		flag(a.Priv, 'P'),
		flag(a.Valid, 'V'),
		flag(a.PlatformAtomic, 'A'))
}
