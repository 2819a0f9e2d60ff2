package cyclestats

import (
	"sync"

	"github.com/pkg/errors"
)

// HWBuffer is the register interface of the hardware snapshot stream.
type HWBuffer interface {
	// Enable points the hardware at buf and starts streaming.
	Enable(buf []byte) error

	// Disable stops streaming.
	Disable()

	// Reset drops the streaming state.
	Reset()

	// PendingBytes returns the number of bytes written but not yet handled.
	PendingBytes() uint32

	// OverflowStatus reports whether the hardware ran out of buffer.
	OverflowStatus() bool

	// SetHandledBytes tells the hardware that n bytes were consumed.
	SetHandledBytes(n uint32)
}

// SimulatedHW is a HWBuffer that produces entries on request.
type SimulatedHW struct {
	lock     sync.Mutex
	buf      []byte
	put      uint32
	pending  uint32
	overflow bool
}

// NewSimulatedHW creates a disabled simulated snapshot stream.
func NewSimulatedHW() *SimulatedHW {
	return &SimulatedHW{}
}

// Enable implements HWBuffer.
func (h *SimulatedHW) Enable(buf []byte) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if len(buf) < EntrySize || len(buf)%EntrySize != 0 {
		return errors.Errorf("snapshot buffer of %d bytes", len(buf))
	}

	h.buf = buf
	h.put = 0
	h.pending = 0

	return nil
}

// Disable implements HWBuffer.
func (h *SimulatedHW) Disable() {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.buf = nil
}

// Reset implements HWBuffer.
func (h *SimulatedHW) Reset() {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.put = 0
	h.pending = 0
	h.overflow = false
}

// PendingBytes implements HWBuffer.
func (h *SimulatedHW) PendingBytes() uint32 {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.pending
}

// OverflowStatus implements HWBuffer.
func (h *SimulatedHW) OverflowStatus() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.overflow
}

// SetHandledBytes implements HWBuffer. Handling data clears the overflow
// status.
func (h *SimulatedHW) SetHandledBytes(n uint32) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if n > h.pending {
		n = h.pending
	}

	h.pending -= n
	h.overflow = false
}

// SetOverflow forces the overflow status.
func (h *SimulatedHW) SetOverflow(overflow bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.overflow = overflow
}

// Enabled returns true while the stream has a buffer.
func (h *SimulatedHW) Enabled() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.buf != nil
}

// Inject writes entries into the stream as the hardware would. Entries that
// do not fit are dropped and flag an overflow. It returns the number of
// entries written.
func (h *SimulatedHW) Inject(entries ...SnapshotEntry) (int, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.buf == nil {
		return 0, errors.New("snapshot stream disabled")
	}

	written := 0
	for _, e := range entries {
		if int(h.pending)+EntrySize > len(h.buf) {
			h.overflow = true
			continue
		}

		e.Encode(h.buf[h.put:])
		h.put = (h.put + EntrySize) % uint32(len(h.buf))
		h.pending += EntrySize
		written++
	}

	return written, nil
}
