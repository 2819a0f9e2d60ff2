package memory

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// ErrOutOfRange is returned when an access touches bytes beyond the capacity
// of the storage.
var ErrOutOfRange = errors.New("accessing physical address beyond the storage capacity")

// A Storage keeps the data of a simulated physical memory, such as the
// on-board video memory of a discrete GPU or the system memory that holds
// page directories.
//
// The storage manages the data in units. The unit is similar to the concept
// of page in memory management. Units that are never touched by a write do
// not consume host memory and read as zero.
type Storage struct {
	lock     sync.RWMutex
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity.
func NewStorage(capacity uint64) *Storage {
	return NewStorageWithUnitSize(capacity, 4096)
}

// NewStorageWithUnitSize creates a storage object with the specified capacity
// and storage unit size.
func NewStorageWithUnitSize(capacity, unitSize uint64) *Storage {
	if unitSize == 0 {
		panic("unit size must not be zero")
	}

	return &Storage{
		unitSize: unitSize,
		capacity: capacity,
		data:     make(map[uint64][]byte),
	}
}

// Capacity returns the number of bytes the storage can hold.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) mustBeInRange(address, length uint64) error {
	if address+length < address || address+length > s.capacity {
		return errors.Wrapf(ErrOutOfRange,
			"access [0x%x, +0x%x), capacity 0x%x", address, length, s.capacity)
	}

	return nil
}

// createOrGetStorageUnit retrieves a storage unit if the unit has been created
// before. Otherwise it initializes a storage unit in the storage object.
func (s *Storage) createOrGetStorageUnit(address uint64) []byte {
	baseAddr, _ := s.parseAddress(address)

	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr

	return
}

// forEachChunk splits [address, address+length) at unit boundaries.
func (s *Storage) forEachChunk(
	address, length uint64,
	f func(baseAddr, inUnitAddr, offset, size uint64),
) {
	currAddr := address
	offset := uint64(0)

	for offset < length {
		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		size := min(length-offset, s.unitSize-inUnitAddr)

		f(baseAddr, inUnitAddr, offset, size)

		offset += size
		currAddr += size
	}
}

// Read returns a copy of length bytes starting at address.
func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	if err := s.mustBeInRange(address, length); err != nil {
		return nil, err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	res := make([]byte, length)
	s.forEachChunk(address, length,
		func(baseAddr, inUnitAddr, offset, size uint64) {
			unit, ok := s.data[baseAddr]
			if !ok {
				return
			}

			copy(res[offset:offset+size], unit[inUnitAddr:inUnitAddr+size])
		})

	return res, nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint64, data []byte) error {
	length := uint64(len(data))
	if err := s.mustBeInRange(address, length); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.forEachChunk(address, length,
		func(_, inUnitAddr, offset, size uint64) {
			unit := s.createOrGetStorageUnit(address + offset)
			copy(unit[inUnitAddr:inUnitAddr+size], data[offset:offset+size])
		})

	return nil
}

// Memset sets length bytes starting at address to value. Clearing to zero
// releases fully covered units instead of materializing them.
func (s *Storage) Memset(address, length uint64, value byte) error {
	if err := s.mustBeInRange(address, length); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.forEachChunk(address, length,
		func(baseAddr, inUnitAddr, offset, size uint64) {
			if value == 0 && size == s.unitSize {
				delete(s.data, baseAddr)
				return
			}

			if _, ok := s.data[baseAddr]; !ok && value == 0 {
				return
			}

			unit := s.createOrGetStorageUnit(address + offset)
			for i := inUnitAddr; i < inUnitAddr+size; i++ {
				unit[i] = value
			}
		})

	return nil
}

// Read32 reads a little-endian 32-bit word.
func (s *Storage) Read32(address uint64) (uint32, error) {
	buf, err := s.Read(address, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

// Write32 writes a little-endian 32-bit word.
func (s *Storage) Write32(address uint64, value uint32) error {
	var buf [4]byte

	binary.LittleEndian.PutUint32(buf[:], value)

	return s.Write(address, buf[:])
}
