package vidmem

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// Segment is a physically contiguous piece of an allocation.
type Segment struct {
	Phys   uint64
	Length uint64
}

// SGT is the scatter-gather table of an allocation.
type SGT struct {
	Segments []Segment
}

// Size returns the total number of bytes the table covers.
func (t *SGT) Size() uint64 {
	var size uint64
	for _, s := range t.Segments {
		size += s.Length
	}

	return size
}

type extent struct {
	base   uint64
	length uint64
}

func (e extent) end() uint64 {
	return e.base + e.length
}

func extentLess(a, b extent) bool {
	return a.base < b.base
}

// Carveout is a range reserved out of an allocator.
type Carveout struct {
	Name   string
	Base   uint64
	Length uint64
}

// PageAllocator hands out page aligned ranges of [base, base+length). Free
// ranges are indexed by address and allocations are first-fit.
type PageAllocator struct {
	lock sync.Mutex

	name      string
	base      uint64
	length    uint64
	pageSize  uint64
	contig    bool
	free      *btree.BTreeG[extent]
	freeBytes uint64
	carveouts []Carveout
	destroyed bool
}

// NewPageAllocator creates an allocator. If contig is set every allocation
// is physically contiguous.
func NewPageAllocator(
	name string,
	base, length, pageSize uint64,
	contig bool,
) (*PageAllocator, error) {
	switch {
	case pageSize == 0 || pageSize&(pageSize-1) != 0:
		return nil, errors.Errorf("%s: page size %d is not a power of 2",
			name, pageSize)
	case base%pageSize != 0 || length%pageSize != 0:
		return nil, errors.Errorf("%s: range 0x%x+0x%x not aligned to 0x%x",
			name, base, length, pageSize)
	case length == 0:
		return nil, errors.Errorf("%s: empty range", name)
	}

	a := &PageAllocator{
		name:     name,
		base:     base,
		length:   length,
		pageSize: pageSize,
		contig:   contig,
		free:     btree.NewG(8, extentLess),
	}
	a.free.ReplaceOrInsert(extent{base: base, length: length})
	a.freeBytes = length

	return a, nil
}

// Name returns the name of the allocator.
func (a *PageAllocator) Name() string {
	return a.name
}

// Base returns the first address the allocator manages.
func (a *PageAllocator) Base() uint64 {
	return a.base
}

// Length returns the number of bytes the allocator manages.
func (a *PageAllocator) Length() uint64 {
	return a.length
}

// PageSize returns the allocation granularity.
func (a *PageAllocator) PageSize() uint64 {
	return a.pageSize
}

// AlignSize rounds size up to the allocation granularity.
func (a *PageAllocator) AlignSize(size uint64) uint64 {
	return (size + a.pageSize - 1) &^ (a.pageSize - 1)
}

// Space returns the number of free bytes.
func (a *PageAllocator) Space() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.freeBytes
}

// Carveouts returns the reserved ranges.
func (a *PageAllocator) Carveouts() []Carveout {
	a.lock.Lock()
	defer a.lock.Unlock()

	return append([]Carveout(nil), a.carveouts...)
}

// Alloc allocates size bytes, rounded up to the page size.
func (a *PageAllocator) Alloc(size uint64) (*SGT, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.destroyed {
		return nil, errors.Errorf("%s: allocator destroyed", a.name)
	}

	if size == 0 {
		return nil, errors.Errorf("%s: zero sized allocation", a.name)
	}

	size = a.AlignSize(size)
	if size > a.freeBytes {
		return nil, errors.Wrapf(ErrNoMemory,
			"%s: 0x%x bytes requested, 0x%x free", a.name, size, a.freeBytes)
	}

	if a.contig {
		return a.allocContig(size)
	}

	return a.allocScattered(size), nil
}

func (a *PageAllocator) allocContig(size uint64) (*SGT, error) {
	var (
		found extent
		ok    bool
	)

	a.free.Ascend(func(e extent) bool {
		if e.length >= size {
			found, ok = e, true
			return false
		}

		return true
	})

	if !ok {
		return nil, errors.Wrapf(ErrNoMemory,
			"%s: no contiguous 0x%x bytes", a.name, size)
	}

	a.take(found, size)

	return &SGT{Segments: []Segment{{Phys: found.base, Length: size}}}, nil
}

func (a *PageAllocator) allocScattered(size uint64) *SGT {
	var taken []extent

	left := size
	a.free.Ascend(func(e extent) bool {
		n := min(e.length, left)
		taken = append(taken, extent{base: e.base, length: n})
		left -= n

		return left > 0
	})

	sgt := &SGT{}
	for _, e := range taken {
		found, _ := a.free.Get(extent{base: e.base})
		a.take(found, e.length)
		sgt.Segments = append(sgt.Segments,
			Segment{Phys: e.base, Length: e.length})
	}

	return sgt
}

// take removes n bytes from the start of the free extent e.
func (a *PageAllocator) take(e extent, n uint64) {
	a.free.Delete(e)

	if e.length > n {
		a.free.ReplaceOrInsert(extent{base: e.base + n, length: e.length - n})
	}

	a.freeBytes -= n
}

// Free returns the ranges of an allocation to the allocator.
func (a *PageAllocator) Free(sgt *SGT) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.destroyed {
		return
	}

	for _, s := range sgt.Segments {
		a.insert(extent{base: s.Phys, length: s.Length})
	}
}

func (a *PageAllocator) insert(e extent) {
	if e.base < a.base || e.end() > a.base+a.length {
		log.Panicf("%s: freeing 0x%x+0x%x outside of the managed range",
			a.name, e.base, e.length)
	}

	a.freeBytes += e.length

	if prev, ok := a.floor(e.base); ok {
		if prev.end() > e.base {
			log.Panicf("%s: double free of 0x%x", a.name, e.base)
		}

		if prev.end() == e.base {
			a.free.Delete(prev)
			e = extent{base: prev.base, length: prev.length + e.length}
		}
	}

	if next, ok := a.ceil(e.base + 1); ok {
		if next.base < e.end() {
			log.Panicf("%s: double free of 0x%x", a.name, next.base)
		}

		if next.base == e.end() {
			a.free.Delete(next)
			e.length += next.length
		}
	}

	a.free.ReplaceOrInsert(e)
}

func (a *PageAllocator) floor(addr uint64) (e extent, ok bool) {
	a.free.DescendLessOrEqual(extent{base: addr}, func(item extent) bool {
		e, ok = item, true
		return false
	})

	return e, ok
}

func (a *PageAllocator) ceil(addr uint64) (e extent, ok bool) {
	a.free.AscendGreaterOrEqual(extent{base: addr}, func(item extent) bool {
		e, ok = item, true
		return false
	})

	return e, ok
}

// ReserveCarveout removes a free range from the allocator for good.
func (a *PageAllocator) ReserveCarveout(co Carveout) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if co.Base%a.pageSize != 0 || co.Length%a.pageSize != 0 {
		return errors.Errorf("%s: carveout %s not page aligned", a.name, co.Name)
	}

	e, ok := a.floor(co.Base)
	if !ok || e.end() < co.Base+co.Length {
		return errors.Errorf("%s: carveout %s 0x%x+0x%x is not free",
			a.name, co.Name, co.Base, co.Length)
	}

	a.free.Delete(e)

	if co.Base > e.base {
		a.free.ReplaceOrInsert(extent{base: e.base, length: co.Base - e.base})
	}

	if e.end() > co.Base+co.Length {
		a.free.ReplaceOrInsert(extent{
			base:   co.Base + co.Length,
			length: e.end() - co.Base - co.Length,
		})
	}

	a.freeBytes -= co.Length
	a.carveouts = append(a.carveouts, co)

	return nil
}

// Destroy releases the allocator. Later allocations fail and frees are
// ignored.
func (a *PageAllocator) Destroy() {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.free.Clear(false)
	a.freeBytes = 0
	a.destroyed = true
}

func (a *PageAllocator) String() string {
	return fmt.Sprintf("%s [0x%x, 0x%x) page 0x%x",
		a.name, a.base, a.base+a.length, a.pageSize)
}
