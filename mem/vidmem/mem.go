package vidmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/gpumem/mem/vm"
)

// State is the lifecycle stage of a vidmem allocation.
type State int32

// The allocation states.
const (
	StateAllocated State = iota
	StateQueuedForClear
	StateClearing
	StateFree
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateQueuedForClear:
		return "queued"
	case StateClearing:
		return "clearing"
	case StateFree:
		return "free"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Mem is a block of video memory.
type Mem struct {
	id          string
	alignedSize uint64
	sgt         *SGT
	allocator   *PageAllocator
	user        bool
	state       int32

	lock     sync.Mutex
	size     uint64
	aperture vm.Aperture
}

// ID returns the unique ID of the allocation.
func (m *Mem) ID() string {
	return m.id
}

// Size returns the requested size. It is zero after the memory is released.
func (m *Mem) Size() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.size
}

// AlignedSize returns the number of bytes the allocation occupies.
func (m *Mem) AlignedSize() uint64 {
	return m.alignedSize
}

// Aperture returns where the memory lives. Released memory has the invalid
// aperture.
func (m *Mem) Aperture() vm.Aperture {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.aperture
}

// SGT returns the physical ranges of the allocation.
func (m *Mem) SGT() *SGT {
	return m.sgt
}

// Addr returns the physical address of the first byte.
func (m *Mem) Addr() uint64 {
	return m.sgt.Segments[0].Phys
}

// IsUser returns true if the memory was handed to user space and must be
// cleared before reuse.
func (m *Mem) IsUser() bool {
	return m.user
}

// State returns the lifecycle stage of the allocation.
func (m *Mem) State() State {
	return State(atomic.LoadInt32(&m.state))
}

func (m *Mem) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
}

func (m *Mem) release() {
	m.lock.Lock()
	m.size = 0
	m.aperture = vm.ApertureInvalid
	m.lock.Unlock()

	m.allocator.Free(m.sgt)
	m.setState(StateFree)
}

// Buf is a vidmem buffer owned by user space.
type Buf struct {
	manager *Manager
	Mem     *Mem
}

// Free hands the buffer back. The memory is cleared in the background before
// it can be allocated again.
func (b *Buf) Free() error {
	if b == nil {
		return nil
	}

	return b.manager.Free(b.Mem)
}
