package datarecording

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/mem/vidmem"
	"github.com/sarchlab/gpumem/perf/cyclestats"
	"github.com/sarchlab/gpumem/sim"
)

// SnapshotTable is the table delivered snapshot entries are stored in.
const SnapshotTable = "css_snapshots"

// ClearTable is the table vidmem clear events are stored in.
const ClearTable = "vidmem_clears"

// snapshotRow keeps the 64-bit counters as decimal text. SQLite integers
// are signed and would wrap values at or above 2^63.
type snapshotRow struct {
	Client    string
	PerfmonID uint32
	Index     uint32
	Addr      uint32
	Timestamp string
	Value     string
}

// SnapshotRecorder stores every snapshot entry a multiplexer delivers.
type SnapshotRecorder struct {
	recorder DataRecorder
	logger   *zap.Logger
	failures uint64
}

// NewSnapshotRecorder creates the snapshot table and returns a recorder that
// fills it.
func NewSnapshotRecorder(
	recorder DataRecorder,
	logger *zap.Logger,
) (*SnapshotRecorder, error) {
	if err := recorder.CreateTable(SnapshotTable, snapshotRow{}); err != nil {
		return nil, err
	}

	return &SnapshotRecorder{recorder: recorder, logger: logger}, nil
}

// RecordEntry implements cyclestats.EntryRecorder.
func (r *SnapshotRecorder) RecordEntry(client string, e cyclestats.SnapshotEntry) {
	err := r.recorder.InsertData(SnapshotTable, snapshotRow{
		Client:    client,
		PerfmonID: e.PerfmonID,
		Index:     e.Index,
		Addr:      e.Addr,
		Timestamp: strconv.FormatUint(e.Timestamp, 10),
		Value:     strconv.FormatUint(e.Value, 10),
	})
	if err != nil {
		atomic.AddUint64(&r.failures, 1)
		r.logger.Warn("cannot record snapshot entry", zap.Error(err))
	}
}

// Failures returns the number of entries that could not be stored.
func (r *SnapshotRecorder) Failures() uint64 {
	return atomic.LoadUint64(&r.failures)
}

type clearRow struct {
	Device   string
	MemID    string
	Addr     int64
	Size     int64
	Start    int64
	Duration int64
	Failed   bool
}

// ClearRecorder is a hook that stores one row per vidmem clear.
type ClearRecorder struct {
	lock     sync.Mutex
	recorder DataRecorder
	logger   *zap.Logger
	started  map[string]time.Time
}

// NewClearRecorder creates the clear table and returns a hook that fills
// it. Attach it to a vidmem.Manager with AcceptHook.
func NewClearRecorder(
	recorder DataRecorder,
	logger *zap.Logger,
) (*ClearRecorder, error) {
	if err := recorder.CreateTable(ClearTable, clearRow{}); err != nil {
		return nil, err
	}

	return &ClearRecorder{
		recorder: recorder,
		logger:   logger,
		started:  make(map[string]time.Time),
	}, nil
}

// Func implements sim.Hook.
func (r *ClearRecorder) Func(ctx sim.HookCtx) {
	mem, ok := ctx.Item.(*vidmem.Mem)
	if !ok {
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	switch ctx.Pos {
	case vidmem.HookPosBeforeClear:
		r.started[mem.ID()] = time.Now()
	case vidmem.HookPosAfterClear:
		r.finish(ctx, mem)
	}
}

func (r *ClearRecorder) finish(ctx sim.HookCtx, mem *vidmem.Mem) {
	start, ok := r.started[mem.ID()]
	if !ok {
		return
	}

	delete(r.started, mem.ID())

	device := ""
	if named, ok := ctx.Domain.(sim.Named); ok {
		device = named.Name()
	}

	err := r.recorder.InsertData(ClearTable, clearRow{
		Device:   device,
		MemID:    mem.ID(),
		Addr:     int64(mem.Addr()),
		Size:     int64(mem.AlignedSize()),
		Start:    start.UnixNano(),
		Duration: int64(time.Since(start)),
		Failed:   ctx.Detail != nil,
	})
	if err != nil {
		r.logger.Warn("cannot record clear", zap.Error(err))
	}
}
