package gmmu

import (
	"log"

	"github.com/sarchlab/gpumem/mem/vm"
	"github.com/sarchlab/gpumem/memory"
)

// Mem is a block of physical memory that backs one or more page
// directories.
type Mem struct {
	Storage  *memory.Storage
	PhysAddr uint64
	Size     uint64
	Aperture vm.Aperture
}

func (m *Mem) rd32(word uint64) uint32 {
	v, err := m.Storage.Read32(m.PhysAddr + word*4)
	if err != nil {
		log.Panicf("page directory read at word %d: %v", word, err)
	}

	return v
}

func (m *Mem) wr32(word uint64, value uint32) {
	err := m.Storage.Write32(m.PhysAddr+word*4, value)
	if err != nil {
		log.Panicf("page directory write at word %d: %v", word, err)
	}
}

// A Directory is one node of the page table tree. It owns the memory the
// hardware reads its entries from, and the child directories its entries
// point to. Children are created on first use.
type Directory struct {
	Mem     *Mem
	MemOffs uint32

	// Entries holds the child directories, one per entry slot.
	Entries []*Directory

	// BigEntries holds the big page children of a dual PDE directory. A dual
	// PDE slot can route small and big page walks to two different tables.
	BigEntries []*Directory
}

// NewDirectory creates a directory with numEntries child slots backed by
// mem at byte offset offs.
func NewDirectory(mem *Mem, offs uint32, numEntries uint32) *Directory {
	return &Directory{
		Mem:     mem,
		MemOffs: offs,
		Entries: make([]*Directory, numEntries),
	}
}

// GPUAddr returns the physical address of the first entry of the directory.
func (pd *Directory) GPUAddr() uint64 {
	return pd.Mem.PhysAddr + uint64(pd.MemOffs)
}

func (pd *Directory) aperture() vm.Aperture {
	if pd == nil || pd.Mem == nil {
		return vm.ApertureInvalid
	}

	return pd.Mem.Aperture
}

func (pd *Directory) wordBase() uint64 {
	return uint64(pd.MemOffs / 4)
}

// Write stores a 32-bit word into the directory memory. The word offset is
// relative to the start of the directory.
func (pd *Directory) Write(word uint32, value uint32) {
	pd.Mem.wr32(pd.wordBase()+uint64(word), value)
}

// Read loads a 32-bit word from the directory memory.
func (pd *Directory) Read(word uint32) uint32 {
	return pd.Mem.rd32(pd.wordBase() + uint64(word))
}

// Next returns the child directory that the entry at idx points to for the
// given page size. Only dual PDE directories keep separate big page
// children; other levels are always queried with the small page size.
func (pd *Directory) Next(idx uint32, pgsz vm.PageSize) *Directory {
	if pgsz == vm.PageSizeBig {
		if int(idx) >= len(pd.BigEntries) {
			return nil
		}

		return pd.BigEntries[idx]
	}

	if int(idx) >= len(pd.Entries) {
		return nil
	}

	return pd.Entries[idx]
}

// SetNext records the child directory of the entry at idx.
func (pd *Directory) SetNext(idx uint32, pgsz vm.PageSize, child *Directory) {
	if pgsz == vm.PageSizeBig {
		if pd.BigEntries == nil {
			pd.BigEntries = make([]*Directory, len(pd.Entries))
		}

		pd.BigEntries[idx] = child

		return
	}

	pd.Entries[idx] = child
}
