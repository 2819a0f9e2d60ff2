package cyclestats

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// Byte offsets of the client ring header fields.
const (
	fifoStartOffset      = 0
	fifoEndOffset        = 4
	fifoHWOverflowOffset = 8
	fifoSWOverflowOffset = 12
	fifoPutOffset        = 16
	fifoGetOffset        = 32
)

// ClientFifo is the ring a client reads its snapshot entries from. The
// buffer starts with a header holding the ring pointers as byte offsets
// from the start of the buffer. The driver moves put and the overflow
// counters, the client moves get.
type ClientFifo struct {
	lock sync.Mutex
	buf  []byte
}

// NewClientFifo creates a ring in a buffer of size bytes.
func NewClientFifo(size uint32) (*ClientFifo, error) {
	if size < FifoHeaderSize+2*EntrySize {
		return nil, errors.Wrapf(ErrInvalidArgument,
			"client buffer of %d bytes cannot hold a ring", size)
	}

	f := &ClientFifo{buf: make([]byte, size)}

	slots := (size - FifoHeaderSize) / EntrySize
	f.set(fifoStartOffset, FifoHeaderSize)
	f.set(fifoEndOffset, slots*EntrySize+FifoHeaderSize)
	f.set(fifoGetOffset, FifoHeaderSize)
	f.set(fifoPutOffset, FifoHeaderSize)

	return f, nil
}

func (f *ClientFifo) field(offset int) uint32 {
	return binary.LittleEndian.Uint32(f.buf[offset:])
}

func (f *ClientFifo) set(offset int, v uint32) {
	binary.LittleEndian.PutUint32(f.buf[offset:], v)
}

func (f *ClientFifo) read(offset int) uint32 {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.field(offset)
}

// Size returns the number of bytes of the buffer.
func (f *ClientFifo) Size() uint32 {
	return uint32(len(f.buf))
}

// Start returns the offset of the first entry slot.
func (f *ClientFifo) Start() uint32 {
	return f.read(fifoStartOffset)
}

// End returns the offset just past the last entry slot.
func (f *ClientFifo) End() uint32 {
	return f.read(fifoEndOffset)
}

// Put returns the offset the next entry is written to.
func (f *ClientFifo) Put() uint32 {
	return f.read(fifoPutOffset)
}

// Get returns the offset of the oldest unread entry.
func (f *ClientFifo) Get() uint32 {
	return f.read(fifoGetOffset)
}

// SetGet moves the read pointer.
func (f *ClientFifo) SetGet(get uint32) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	start, end := f.field(fifoStartOffset), f.field(fifoEndOffset)
	if get < start || get >= end || (get-start)%EntrySize != 0 {
		return errors.Wrapf(ErrInvalidArgument, "get offset %d", get)
	}

	f.set(fifoGetOffset, get)

	return nil
}

// HWOverflowEvents returns how many hardware overflows the client saw.
func (f *ClientFifo) HWOverflowEvents() uint32 {
	return f.read(fifoHWOverflowOffset)
}

// SWOverflowEvents returns how many entries were dropped because the ring
// was full.
func (f *ClientFifo) SWOverflowEvents() uint32 {
	return f.read(fifoSWOverflowOffset)
}

// Capacity returns the number of entries the ring can hold. One slot stays
// empty to tell a full ring from an empty one.
func (f *ClientFifo) Capacity() uint32 {
	return (f.End()-f.Start())/EntrySize - 1
}

// Len returns the number of unread entries.
func (f *ClientFifo) Len() uint32 {
	f.lock.Lock()
	defer f.lock.Unlock()

	start, end := f.field(fifoStartOffset), f.field(fifoEndOffset)
	get, put := f.field(fifoGetOffset), f.field(fifoPutOffset)

	if put >= get {
		return (put - get) / EntrySize
	}

	return (end - get + put - start) / EntrySize
}

// Entries returns the unread entries, oldest first, without consuming them.
func (f *ClientFifo) Entries() []SnapshotEntry {
	f.lock.Lock()
	defer f.lock.Unlock()

	start, end := f.field(fifoStartOffset), f.field(fifoEndOffset)
	put := f.field(fifoPutOffset)

	var entries []SnapshotEntry
	for off := f.field(fifoGetOffset); off != put; {
		entries = append(entries, DecodeEntry(f.buf[off:]))

		off += EntrySize
		if off == end {
			off = start
		}
	}

	return entries
}

// Consume drops the n oldest unread entries.
func (f *ClientFifo) Consume(n uint32) {
	f.lock.Lock()
	defer f.lock.Unlock()

	start, end := f.field(fifoStartOffset), f.field(fifoEndOffset)
	get, put := f.field(fifoGetOffset), f.field(fifoPutOffset)

	for ; n > 0 && get != put; n-- {
		get += EntrySize
		if get == end {
			get = start
		}
	}

	f.set(fifoGetOffset, get)
}

// Bytes returns the raw buffer shared with the client.
func (f *ClientFifo) Bytes() []byte {
	return f.buf
}

func (f *ClientFifo) incHWOverflow() {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.set(fifoHWOverflowOffset, f.field(fifoHWOverflowOffset)+1)
}

func (f *ClientFifo) incSWOverflow() {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.set(fifoSWOverflowOffset, f.field(fifoSWOverflowOffset)+1)
}

func (f *ClientFifo) writeSlot(offset uint32, raw []byte) {
	f.lock.Lock()
	defer f.lock.Unlock()

	copy(f.buf[offset:offset+EntrySize], raw)
}

func (f *ClientFifo) setPut(put uint32) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.set(fifoPutOffset, put)
}
