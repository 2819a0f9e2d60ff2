// Package monitoring serves the state of a device over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
	"go.uber.org/zap"

	"github.com/sarchlab/gpumem/mem/vidmem"
	"github.com/sarchlab/gpumem/perf/cyclestats"
	"github.com/sarchlab/gpumem/sim"
)

// A CollectorSource exposes prometheus metrics.
type CollectorSource interface {
	PrometheusCollectors() []prometheus.Collector
}

// Monitor turns a device into a server that reports the video memory and
// snapshot state and lets the user pause the clearing thread.
type Monitor struct {
	logger     *zap.Logger
	portNumber int
	registry   *prometheus.Registry

	vidmem     *vidmem.Manager
	css        *cyclestats.Multiplexer
	components map[string]any

	profileDuration time.Duration

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		logger:          zap.NewNop(),
		registry:        prometheus.NewRegistry(),
		components:      make(map[string]any),
		profileDuration: time.Second,
	}
}

// WithPortNumber sets the port number of the monitor. Port 0 picks a random
// port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	m.portNumber = portNumber
	return m
}

// WithLogger sets the logger of the monitor.
func (m *Monitor) WithLogger(logger *zap.Logger) *Monitor {
	m.logger = logger
	return m
}

// WithProfileDuration sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileDuration(d time.Duration) *Monitor {
	m.profileDuration = d
	return m
}

// RegisterVidmem registers the video memory manager to report on.
func (m *Monitor) RegisterVidmem(v *vidmem.Manager) error {
	m.vidmem = v
	m.RegisterComponent(v.Name(), v)

	return m.RegisterCollectors(v)
}

// RegisterCSS registers the snapshot multiplexer to report on.
func (m *Monitor) RegisterCSS(c *cyclestats.Multiplexer) error {
	m.css = c
	m.RegisterComponent(c.Name(), c)

	return m.RegisterCollectors(c)
}

// RegisterComponent makes the fields of c browsable under
// /api/component/{name}.
func (m *Monitor) RegisterComponent(name string, c any) {
	m.components[name] = c
}

// RegisterCollectors adds the metrics of s to the /metrics endpoint.
func (m *Monitor) RegisterCollectors(s CollectorSource) error {
	for _, c := range s.PrometheusCollectors() {
		if err := m.registry.Register(c); err != nil {
			return errors.Wrap(err, "registering collector")
		}
	}

	return nil
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        sim.GetIDGenerator().Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the report.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the HTTP routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/vidmem", m.vidmemStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/vidmem/pause", m.pauseVidmem).Methods(http.MethodPost)
	r.HandleFunc("/api/vidmem/unpause", m.unpauseVidmem).
		Methods(http.MethodPost)
	r.HandleFunc("/api/css/clients", m.listCSSClients).Methods(http.MethodGet)
	r.HandleFunc("/api/progress", m.listProgressBars).Methods(http.MethodGet)
	r.HandleFunc("/api/component/{name}", m.componentDetails).
		Methods(http.MethodGet)
	r.HandleFunc("/api/resource", m.listResources).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", m.collectProfile).Methods(http.MethodGet)
	r.Handle("/metrics",
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return r
}

// StartServer starts serving in the background and returns the port the
// server listens on.
func (m *Monitor) StartServer() (int, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return 0, errors.Wrap(err, "starting monitor")
	}

	m.listener = listener
	m.server = &http.Server{Handler: m.Handler()}

	port := listener.Addr().(*net.TCPAddr).Port
	m.logger.Info("monitoring device", zap.String(
		"url", "http://localhost:"+strconv.Itoa(port)))

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("monitor stopped", zap.Error(err))
		}
	}()

	return port, nil
}

// StopServer stops the server started by StartServer.
func (m *Monitor) StopServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Warn("cannot write response", zap.Error(err))
	}
}

func (m *Monitor) writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	m.writeJSON(w, map[string]string{"error": msg})
}

type vidmemRsp struct {
	Name         string `json:"name"`
	Base         uint64 `json:"base"`
	Size         uint64 `json:"size"`
	Space        uint64 `json:"space"`
	BytesPending uint64 `json:"bytes_pending"`
	ClearListLen int    `json:"clear_list_len"`
	PauseCount   int    `json:"pause_count"`
	Cleared      bool   `json:"cleared"`
}

func (m *Monitor) vidmemOr404(w http.ResponseWriter) *vidmem.Manager {
	if m.vidmem == nil {
		m.writeError(w, http.StatusNotFound, "no vidmem registered")
	}

	return m.vidmem
}

func (m *Monitor) vidmemStatus(w http.ResponseWriter, _ *http.Request) {
	v := m.vidmemOr404(w)
	if v == nil {
		return
	}

	space, err := v.GetSpace()
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	m.writeJSON(w, vidmemRsp{
		Name:         v.Name(),
		Base:         v.Base(),
		Size:         v.Size(),
		Space:        space,
		BytesPending: v.BytesPending(),
		ClearListLen: v.ClearListLen(),
		PauseCount:   v.PauseCount(),
		Cleared:      v.Cleared(),
	})
}

func (m *Monitor) pauseVidmem(w http.ResponseWriter, _ *http.Request) {
	v := m.vidmemOr404(w)
	if v == nil {
		return
	}

	v.PauseSync()
	m.writeJSON(w, map[string]int{"pause_count": v.PauseCount()})
}

func (m *Monitor) unpauseVidmem(w http.ResponseWriter, _ *http.Request) {
	v := m.vidmemOr404(w)
	if v == nil {
		return
	}

	if v.PauseCount() == 0 {
		m.writeError(w, http.StatusConflict, "clearing thread not paused")
		return
	}

	v.Unpause()
	m.writeJSON(w, map[string]int{"pause_count": v.PauseCount()})
}

type cssClientRsp struct {
	Handle       string `json:"handle"`
	PerfmonStart uint32 `json:"perfmon_start"`
	PerfmonCount uint32 `json:"perfmon_count"`
	Pending      uint32 `json:"pending"`
	HWOverflows  uint32 `json:"hw_overflows"`
	SWOverflows  uint32 `json:"sw_overflows"`
}

type cssRsp struct {
	Enabled  bool           `json:"enabled"`
	Orphaned uint64         `json:"orphaned"`
	Clients  []cssClientRsp `json:"clients"`
}

func (m *Monitor) listCSSClients(w http.ResponseWriter, _ *http.Request) {
	if m.css == nil {
		m.writeError(w, http.StatusNotFound, "no snapshot multiplexer registered")
		return
	}

	rsp := cssRsp{
		Enabled:  m.css.Enabled(),
		Orphaned: m.css.Orphaned(),
		Clients:  []cssClientRsp{},
	}

	for _, c := range m.css.Clients() {
		rsp.Clients = append(rsp.Clients, cssClientRsp{
			Handle:       c.Handle(),
			PerfmonStart: c.PerfmonStart(),
			PerfmonCount: c.PerfmonCount(),
			Pending:      c.Fifo().Len(),
			HWOverflows:  c.Fifo().HWOverflowEvents(),
			SWOverflows:  c.Fifo().SWOverflowEvents(),
		})
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	m.writeJSON(w, bars)
}

// componentDetails serializes a registered component. The field query
// parameter, such as "allocator.free", selects a nested field.
func (m *Monitor) componentDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	c, ok := m.components[name]
	if !ok {
		m.writeError(w, http.StatusNotFound, "no component "+name)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(c)
	serializer.SetMaxDepth(1)

	if field := r.URL.Query().Get("field"); field != "" {
		err := serializer.SetEntryPoint(strings.Split(field, "."))
		if err != nil {
			m.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	buf := new(bytes.Buffer)
	if err := serializer.Serialize(buf); err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	memInfo, err := p.MemoryInfo()
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memInfo.RSS,
	})
}

type profileEntryRsp struct {
	Function string `json:"function"`
	Samples  int64  `json:"samples"`
}

// collectProfile samples the CPU and reports the functions the samples
// landed in, most frequent first.
func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := new(bytes.Buffer)

	if err := pprof.StartCPUProfile(buf); err != nil {
		m.writeError(w, http.StatusConflict, err.Error())
		return
	}

	time.Sleep(m.profileDuration)
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	m.writeJSON(w, summarizeProfile(prof))
}

func summarizeProfile(prof *profile.Profile) []profileEntryRsp {
	counts := make(map[string]int64)

	for _, s := range prof.Sample {
		if len(s.Location) == 0 || len(s.Value) == 0 {
			continue
		}

		lines := s.Location[0].Line
		if len(lines) == 0 || lines[0].Function == nil {
			continue
		}

		counts[lines[0].Function.Name] += s.Value[0]
	}

	rsp := make([]profileEntryRsp, 0, len(counts))
	for fn, n := range counts {
		rsp = append(rsp, profileEntryRsp{Function: fn, Samples: n})
	}

	sort.Slice(rsp, func(i, j int) bool {
		if rsp[i].Samples != rsp[j].Samples {
			return rsp[i].Samples > rsp[j].Samples
		}

		return rsp[i].Function < rsp[j].Function
	})

	return rsp
}
