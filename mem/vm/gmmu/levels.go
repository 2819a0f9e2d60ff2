// Package gmmu builds the page tables that the GPU memory management unit
// walks to translate GPU virtual addresses.
//
// The page table is a radix tree. Each level of the tree is described by a
// Level, and each node of the tree is a Directory that owns a block of
// hardware-readable memory. The leaf level holds page table entries (PTEs).
// The level just above the leaves holds dual page directory entries that can
// point at a small-page and a big-page table at the same time.
package gmmu

import (
	"fmt"
	"log"
	"strings"

	"github.com/sarchlab/gpumem/mem/vm"
)

// LevelKind selects the entry format of a page table level.
type LevelKind int

// The entry formats.
const (
	LevelPDE LevelKind = iota
	LevelDualPDE
	LevelPTE
)

func (k LevelKind) String() string {
	switch k {
	case LevelPDE:
		return "PDE"
	case LevelDualPDE:
		return "DualPDE"
	case LevelPTE:
		return "PTE"
	default:
		return fmt.Sprintf("LevelKind(%d)", int(k))
	}
}

// A Level describes one level of the page table: the virtual address bits it
// decodes and the format of its entries. The bit ranges are indexed by the
// page size class (0 for small pages, 1 for big pages) since the leaf level
// decodes a different number of bits for each.
type Level struct {
	HiBit     [2]uint
	LoBit     [2]uint
	EntrySize uint32
	Kind      LevelKind
}

func bitSet(pgsz vm.PageSize) int {
	if pgsz == vm.PageSizeBig {
		return 1
	}

	return 0
}

// NumEntries returns how many entries a directory of this level holds.
func (l *Level) NumEntries(pgsz vm.PageSize) uint32 {
	set := bitSet(pgsz)
	return 1 << (l.HiBit[set] - l.LoBit[set] + 1)
}

// DirectorySize returns the number of bytes a directory of this level
// occupies.
func (l *Level) DirectorySize(pgsz vm.PageSize) uint64 {
	return uint64(l.NumEntries(pgsz)) * uint64(l.EntrySize)
}

// Index returns the entry slot that covers the virtual address.
func (l *Level) Index(va uint64, pgsz vm.PageSize) uint32 {
	set := bitSet(pgsz)
	mask := (uint64(1) << (l.HiBit[set] + 1)) - 1

	return uint32((va & mask) >> l.LoBit[set])
}

// EntryCoverage returns the number of bytes of virtual address space one
// entry of this level covers.
func (l *Level) EntryCoverage(pgsz vm.PageSize) uint64 {
	return uint64(1) << l.LoBit[bitSet(pgsz)]
}

// OffsetFromIndex returns the offset, in 32-bit words, of an entry inside its
// directory.
func (l *Level) OffsetFromIndex(idx uint32) uint32 {
	return idx * l.EntrySize / 4
}

// Chip names the GPU generations whose page table layout is modeled.
type Chip int

// The supported chips.
const (
	ChipGP10B Chip = iota
	ChipGV11B
	ChipGA10B
)

func (c Chip) String() string {
	switch c {
	case ChipGP10B:
		return "gp10b"
	case ChipGV11B:
		return "gv11b"
	case ChipGA10B:
		return "ga10b"
	default:
		return fmt.Sprintf("Chip(%d)", int(c))
	}
}

// ParseChip converts a chip name into a Chip.
func ParseChip(name string) (Chip, error) {
	switch strings.ToLower(name) {
	case "gp10b":
		return ChipGP10B, nil
	case "gv11b":
		return ChipGV11B, nil
	case "ga10b":
		return ChipGA10B, nil
	default:
		return 0, fmt.Errorf("unknown chip %q", name)
	}
}

const dualPDEEntrySize = 16

// Pascal and later use a 5 level page table where only the last level has a
// different number of entries for big and small pages.
var newGenLevels = []Level{
	{HiBit: [2]uint{48, 48}, LoBit: [2]uint{47, 47}, EntrySize: 8, Kind: LevelPDE},
	{HiBit: [2]uint{46, 46}, LoBit: [2]uint{38, 38}, EntrySize: 8, Kind: LevelPDE},
	{HiBit: [2]uint{37, 37}, LoBit: [2]uint{29, 29}, EntrySize: 8, Kind: LevelPDE},
	{HiBit: [2]uint{28, 28}, LoBit: [2]uint{21, 21}, EntrySize: dualPDEEntrySize, Kind: LevelDualPDE},
	{HiBit: [2]uint{20, 20}, LoBit: [2]uint{12, 16}, EntrySize: 8, Kind: LevelPTE},
}

// Levels returns the page table levels of a chip, from the root to the
// leaves.
func Levels(chip Chip) []Level {
	switch chip {
	case ChipGP10B, ChipGV11B, ChipGA10B:
		return append([]Level(nil), newGenLevels...)
	default:
		log.Panicf("no mmu levels for chip %s", chip)
	}

	return nil
}

// MaxPageTableLevels returns the depth of the page table of a chip.
func MaxPageTableLevels(chip Chip) int {
	return len(Levels(chip))
}

// DefaultBigPageSize returns the big page size a chip uses by default.
func DefaultBigPageSize(Chip) uint64 {
	return 64 << 10
}

// IOMMUBit returns the physical address bit that routes a system memory
// access through the IOMMU.
func IOMMUBit(Chip) uint {
	return 36
}
