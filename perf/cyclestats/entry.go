// Package cyclestats multiplexes the hardware performance snapshot stream
// of a GPU among several clients.
//
// The hardware appends 32-byte entries to a single ring buffer. Each entry is
// tagged with a perfmon ID, and each client owns a contiguous range of
// perfmon IDs. Flush moves every completed hardware entry into the ring of
// the client that owns its ID.
package cyclestats

import (
	"encoding/binary"
	"fmt"
)

// Sizes and limits of the snapshot protocol.
const (
	// FirstPerfmonID is the first ID handed to clients. Lower IDs are
	// reserved to flag failures in the data.
	FirstPerfmonID = 32

	// MaxPerfmonIDs is the number of IDs the entry perfmon field can carry.
	MaxPerfmonIDs = 256

	// MinHWSnapshotSize is the smallest hardware buffer that is allocated.
	MinHWSnapshotSize = 128 << 10

	// EntrySize is the number of bytes of one snapshot entry.
	EntrySize = 32

	// FifoHeaderSize is the number of bytes of the client ring header.
	FifoHeaderSize = 64
)

// SnapshotEntry is one hardware snapshot record. Zero0 is zero for a
// completed record.
type SnapshotEntry struct {
	Zero0     uint32
	PerfmonID uint32
	Index     uint32
	Addr      uint32
	Timestamp uint64
	Value     uint64
}

// DecodeEntry reads an entry from the first EntrySize bytes of b.
func DecodeEntry(b []byte) SnapshotEntry {
	return SnapshotEntry{
		Zero0:     binary.LittleEndian.Uint32(b[0:]),
		PerfmonID: binary.LittleEndian.Uint32(b[4:]),
		Index:     binary.LittleEndian.Uint32(b[8:]),
		Addr:      binary.LittleEndian.Uint32(b[12:]),
		Timestamp: binary.LittleEndian.Uint64(b[16:]),
		Value:     binary.LittleEndian.Uint64(b[24:]),
	}
}

// Encode writes the entry into the first EntrySize bytes of b.
func (e SnapshotEntry) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], e.Zero0)
	binary.LittleEndian.PutUint32(b[4:], e.PerfmonID)
	binary.LittleEndian.PutUint32(b[8:], e.Index)
	binary.LittleEndian.PutUint32(b[12:], e.Addr)
	binary.LittleEndian.PutUint64(b[16:], e.Timestamp)
	binary.LittleEndian.PutUint64(b[24:], e.Value)
}

func (e SnapshotEntry) String() string {
	return fmt.Sprintf("perfmon %d idx %d addr 0x%x ts %d value %d",
		e.PerfmonID, e.Index, e.Addr, e.Timestamp, e.Value)
}
