package cyclestats

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/sim"
)

var (
	// ErrInvalidArgument is returned for bad parameters and when no
	// snapshot stream exists.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoPerfmonIDs is returned when no free perfmon ID range is large
	// enough for a client.
	ErrNoPerfmonIDs = errors.New("no free perfmon IDs")

	// ErrNotAttached is returned for a client that is not attached.
	ErrNotAttached = errors.New("no snapshot clients attached")
)

// EntryRecorder receives every entry delivered to a client.
type EntryRecorder interface {
	RecordEntry(client string, e SnapshotEntry)
}

// Client is a consumer of snapshot entries.
type Client struct {
	handle       string
	fifo         *ClientFifo
	perfmonStart uint32
	perfmonCount uint32
}

// Handle returns the unique handle of the client.
func (c *Client) Handle() string {
	return c.handle
}

// Fifo returns the ring the client reads from.
func (c *Client) Fifo() *ClientFifo {
	return c.fifo
}

// PerfmonStart returns the first perfmon ID of the client.
func (c *Client) PerfmonStart() uint32 {
	return c.perfmonStart
}

// PerfmonCount returns the number of perfmon IDs of the client.
func (c *Client) PerfmonCount() uint32 {
	return c.perfmonCount
}

func (c *Client) owns(perfmon uint32) bool {
	return c.perfmonStart <= perfmon && perfmon-c.perfmonStart < c.perfmonCount
}

// sharedData exists while at least one client is attached.
type sharedData struct {
	clients []*Client
	ids     *PerfmonIDs

	hwBuf []byte
	hwGet uint32
}

func (d *sharedData) searchClient(perfmon uint32) *Client {
	for _, c := range d.clients {
		if c.owns(perfmon) {
			return c
		}
	}

	return nil
}

func (d *sharedData) removeClient(client *Client) bool {
	for i, c := range d.clients {
		if c == client {
			d.clients = append(d.clients[:i], d.clients[i+1:]...)
			return true
		}
	}

	return false
}

// Multiplexer distributes the hardware snapshot stream of a device among
// its clients.
type Multiplexer struct {
	lock sync.Mutex

	name         string
	logger       *zap.Logger
	hw           HWBuffer
	hwBufferSize uint32
	recorder     EntryRecorder
	metrics      *metrics
	data         *sharedData
	orphaned     uint64
}

// Name returns the name of the multiplexer.
func (m *Multiplexer) Name() string {
	return m.name
}

// Orphaned returns the number of entries that no client owned.
func (m *Multiplexer) Orphaned() uint64 {
	return atomic.LoadUint64(&m.orphaned)
}

// Clients returns the attached clients.
func (m *Multiplexer) Clients() []*Client {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.data == nil {
		return nil
	}

	return append([]*Client(nil), m.data.clients...)
}

// Enabled returns true while the hardware snapshot stream is running.
func (m *Multiplexer) Enabled() bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.data != nil && m.data.hwBuf != nil
}

// Attach registers a client that owns perfmonCount perfmon IDs and reads
// from a ring of clientBufferSize bytes. It returns the first perfmon ID of
// the client.
func (m *Multiplexer) Attach(
	perfmonCount uint32,
	clientBufferSize uint32,
) (*Client, uint32, error) {
	if perfmonCount == 0 || perfmonCount > MaxPerfmonIDs-FirstPerfmonID {
		return nil, 0, errors.Wrapf(ErrInvalidArgument,
			"perfmon count %d", perfmonCount)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.createSharedData()

	client, err := m.createClientData(perfmonCount, clientBufferSize)
	if err == nil {
		err = m.enableSnapshot(clientBufferSize)
	}

	if err != nil {
		if client != nil {
			_ = m.freeClientData(client)
		}

		if len(m.data.clients) == 0 {
			m.freeSharedData()
		}

		return nil, 0, err
	}

	m.logger.Debug("client attached",
		zap.String("client", client.handle),
		zap.Uint32("perfmon_start", client.perfmonStart),
		zap.Uint32("perfmon_count", client.perfmonCount))

	return client, client.perfmonStart, nil
}

func (m *Multiplexer) createSharedData() {
	if m.data != nil {
		return
	}

	m.data = &sharedData{ids: NewPerfmonIDs()}
}

func (m *Multiplexer) createClientData(
	perfmonCount uint32,
	bufferSize uint32,
) (*Client, error) {
	fifo, err := NewClientFifo(bufferSize)
	if err != nil {
		return nil, err
	}

	client := &Client{
		handle:       sim.GetIDGenerator().Generate(),
		fifo:         fifo,
		perfmonCount: perfmonCount,
	}

	client.perfmonStart = m.data.ids.Allocate(perfmonCount)
	if client.perfmonStart == 0 {
		return nil, errors.Wrapf(ErrNoPerfmonIDs, "%d IDs requested", perfmonCount)
	}

	m.data.clients = append(m.data.clients, client)

	return client, nil
}

func (m *Multiplexer) freeClientData(client *Client) error {
	if !m.data.removeClient(client) {
		return errors.Wrapf(ErrNotAttached, "client %s", client.handle)
	}

	if client.perfmonStart != 0 && client.perfmonCount != 0 {
		released := m.data.ids.Release(client.perfmonStart, client.perfmonCount)
		if released != client.perfmonCount {
			return errors.Wrapf(ErrInvalidArgument,
				"released %d of %d perfmon IDs", released, client.perfmonCount)
		}
	}

	return nil
}

func (m *Multiplexer) enableSnapshot(clientBufferSize uint32) error {
	if m.data.hwBuf != nil {
		return nil
	}

	size := max(clientBufferSize, m.hwBufferSize, uint32(MinHWSnapshotSize))
	size -= size % EntrySize

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xff
	}

	m.hw.Reset()

	if err := m.hw.Enable(buf); err != nil {
		return errors.Wrap(err, "enabling snapshot buffer")
	}

	m.data.hwBuf = buf
	m.data.hwGet = 0

	m.logger.Info("buffer for hardware snapshots enabled",
		zap.Uint32("size", size))

	return nil
}

func (m *Multiplexer) disableSnapshot() {
	if m.data.hwBuf == nil {
		return
	}

	m.hw.Reset()
	m.hw.Disable()
	m.data.hwBuf = nil

	m.logger.Info("buffer for hardware snapshots disabled")
}

func (m *Multiplexer) freeSharedData() {
	if m.data == nil {
		return
	}

	m.disableSnapshot()
	m.data = nil
}

// Detach unregisters a client. The hardware stream stops with the last
// client.
func (m *Multiplexer) Detach(client *Client) error {
	if client == nil {
		return ErrInvalidArgument
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.data == nil {
		return ErrNotAttached
	}

	err := m.freeClientData(client)
	if errors.Is(err, ErrNotAttached) {
		return err
	}

	if len(m.data.clients) == 0 {
		m.freeSharedData()
	}

	m.logger.Debug("client detached", zap.String("client", client.handle))

	return err
}

// Free detaches all clients and stops the hardware stream.
func (m *Multiplexer) Free() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.freeSharedData()
}

// Flush moves all completed hardware entries into the rings of the clients
// that own them. The client only needs to be attached to request a flush;
// every client receives its entries.
func (m *Multiplexer) Flush(client *Client) error {
	if client == nil {
		return ErrInvalidArgument
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	return m.flushSnapshots()
}

func (m *Multiplexer) checkDataAvailable() (pending uint32, overflow bool, err error) {
	if m.data.hwBuf == nil {
		return 0, false, errors.Wrap(ErrInvalidArgument, "no snapshot buffer")
	}

	pending = m.hw.PendingBytes() / EntrySize
	if pending == 0 {
		return 0, false, nil
	}

	return pending, m.hw.OverflowStatus(), nil
}

// drainTarget is the ring currently being filled by a flush.
type drainTarget struct {
	client *Client
	fifo   *ClientFifo
	get    uint32
	put    uint32
	nxt    uint32
	head   uint32
	tail   uint32
}

func newDrainTarget(c *Client) *drainTarget {
	f := c.fifo
	t := &drainTarget{
		client: c,
		fifo:   f,
		get:    f.Get(),
		put:    f.Put(),
		head:   f.Start(),
		tail:   f.End(),
	}

	t.nxt = t.advance(t.put)

	return t
}

func (t *drainTarget) advance(off uint32) uint32 {
	off += EntrySize
	if off == t.tail {
		off = t.head
	}

	return off
}

func (m *Multiplexer) flushSnapshots() error {
	css := m.data
	if css == nil {
		return errors.Wrap(ErrInvalidArgument, "no snapshot data")
	}

	if len(css.clients) == 0 {
		return ErrNotAttached
	}

	pending, hwOverflow, err := m.checkDataAvailable()
	if err != nil || pending == 0 {
		return err
	}

	if hwOverflow {
		for _, c := range css.clients {
			c.fifo.incHWOverflow()
		}

		m.metrics.hwOverflow.Inc()
		m.logger.Warn("cyclestats: hardware overflow detected")
	}

	hwEntries := uint32(len(css.hwBuf) / EntrySize)
	src := css.hwGet
	sid := uint32(0)
	completed := uint32(0)

	var cur *drainTarget

	for sid < pending {
		raw := css.hwBuf[src*EntrySize : (src+1)*EntrySize]
		entry := DecodeEntry(raw)

		if entry.Zero0 != 0 {
			break
		}

		if cur != nil && !cur.client.owns(entry.PerfmonID) {
			cur.fifo.setPut(cur.put)
			cur = nil
		}

		if cur == nil {
			if c := css.searchClient(entry.PerfmonID); c != nil {
				cur = newDrainTarget(c)
			}
		}

		switch {
		case cur == nil:
			atomic.AddUint64(&m.orphaned, 1)
			m.metrics.orphaned.Inc()
			m.logger.Warn("cyclestats: orphaned perfmon",
				zap.Uint32("perfmon", entry.PerfmonID))
		case cur.nxt == cur.get:
			cur.fifo.incSWOverflow()
			m.metrics.swOverflow.Inc()
			m.logger.Warn("cyclestats: perfmon soft overflow",
				zap.Uint32("perfmon", entry.PerfmonID))
		default:
			cur.fifo.writeSlot(cur.put, raw)
			completed++

			cur.put = cur.nxt
			cur.nxt = cur.advance(cur.nxt)

			m.metrics.entries.Inc()
			if m.recorder != nil {
				m.recorder.RecordEntry(cur.client.handle, entry)
			}
		}

		sid++
		src++
		if src >= hwEntries {
			src = 0
		}
	}

	if cur != nil {
		cur.fifo.setPut(cur.put)
	}

	if sid > 0 {
		m.resetHWEntries(css.hwGet, src)
		css.hwGet = src
		m.hw.SetHandledBytes(sid * EntrySize)
	}

	if completed != sid {
		m.logger.Warn("cyclestats: not all entries delivered",
			zap.Uint32("completed", completed),
			zap.Uint32("pending", pending))
	}

	return nil
}

// resetHWEntries marks the consumed entries [from, to) of the hardware
// buffer as not completed, taking wrapping into account.
func (m *Multiplexer) resetHWEntries(from, to uint32) {
	buf := m.data.hwBuf
	fill := func(b []byte) {
		for i := range b {
			b[i] = 0xff
		}
	}

	if from < to {
		fill(buf[from*EntrySize : to*EntrySize])
		return
	}

	fill(buf[:to*EntrySize])
	fill(buf[from*EntrySize:])
}
