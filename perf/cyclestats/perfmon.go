package cyclestats

import (
	"github.com/RoaringBitmap/roaring"
)

// PerfmonIDs tracks which perfmon IDs are owned by clients.
type PerfmonIDs struct {
	used *roaring.Bitmap
}

// NewPerfmonIDs creates an empty ID map.
func NewPerfmonIDs() *PerfmonIDs {
	return &PerfmonIDs{used: roaring.NewBitmap()}
}

// Allocate reserves count consecutive IDs, first-fit from FirstPerfmonID,
// and returns the first one. It returns 0 if no such range is free.
func (p *PerfmonIDs) Allocate(count uint32) uint32 {
	if count == 0 || count > MaxPerfmonIDs-FirstPerfmonID {
		return 0
	}

	start := uint32(FirstPerfmonID)
	for start+count <= MaxPerfmonIDs {
		busy, found := p.firstUsed(start, start+count)
		if !found {
			for id := start; id < start+count; id++ {
				p.used.Add(id)
			}

			return start
		}

		start = busy + 1
	}

	return 0
}

func (p *PerfmonIDs) firstUsed(from, to uint32) (uint32, bool) {
	for id := from; id < to; id++ {
		if p.used.Contains(id) {
			return id, true
		}
	}

	return 0, false
}

// Release frees count IDs starting at start. It returns the number of IDs
// released, which is 0 if the range is outside of the client ID range.
func (p *PerfmonIDs) Release(start, count uint32) uint32 {
	end := uint64(start) + uint64(count)
	if start < FirstPerfmonID || end > MaxPerfmonIDs {
		return 0
	}

	for id := start; uint64(id) < end; id++ {
		p.used.Remove(id)
	}

	return count
}

// InUse returns the number of allocated IDs.
func (p *PerfmonIDs) InUse() uint64 {
	return p.used.GetCardinality()
}
