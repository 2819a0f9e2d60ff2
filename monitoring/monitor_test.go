package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	"github.com/google/pprof/profile"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpumem/mem/vidmem"
	"github.com/sarchlab/gpumem/memory"
	"github.com/sarchlab/gpumem/perf/cyclestats"
)

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	return rec
}

var _ = Describe("Monitor", func() {
	var (
		m       *Monitor
		handler http.Handler
	)

	BeforeEach(func() {
		m = NewMonitor()
		handler = m.Handler()
	})

	It("should report missing components", func() {
		Expect(serve(handler, http.MethodGet, "/api/vidmem").Code).
			To(Equal(http.StatusNotFound))
		Expect(serve(handler, http.MethodGet, "/api/css/clients").Code).
			To(Equal(http.StatusNotFound))
	})

	It("should list progress bars", func() {
		bar := m.CreateProgressBar("alloc", 10)
		bar.IncrementInProgress(3)
		bar.MoveInProgressToFinished(2)
		other := m.CreateProgressBar("free", 10)
		m.CompleteProgressBar(other)

		rec := serve(handler, http.MethodGet, "/api/progress")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var bars []progressRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Name).To(Equal("alloc"))
		Expect(bars[0].Finished).To(Equal(uint64(2)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))
	})

	It("should serialize registered components", func() {
		m.RegisterComponent("Counter", &struct{ Count int }{Count: 3})

		Expect(serve(handler, http.MethodGet, "/api/component/Other").Code).
			To(Equal(http.StatusNotFound))

		rec := serve(handler, http.MethodGet, "/api/component/Counter")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("Count"))
	})

	It("should report process resources", func() {
		rec := serve(handler, http.MethodGet, "/api/resource")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var rsp resourceRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should summarize a CPU profile by leaf function", func() {
		hot := &profile.Function{ID: 1, Name: "hot"}
		cold := &profile.Function{ID: 2, Name: "cold"}
		loc := func(id uint64, fn *profile.Function) *profile.Location {
			return &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		}
		hotLoc, coldLoc := loc(1, hot), loc(2, cold)

		prof := &profile.Profile{Sample: []*profile.Sample{
			{Location: []*profile.Location{hotLoc, coldLoc}, Value: []int64{5}},
			{Location: []*profile.Location{coldLoc}, Value: []int64{2}},
			{Location: []*profile.Location{hotLoc}, Value: []int64{1}},
			{Value: []int64{7}},
		}}

		Expect(summarizeProfile(prof)).To(Equal([]profileEntryRsp{
			{Function: "hot", Samples: 6},
			{Function: "cold", Samples: 2},
		}))
	})

	It("should collect a CPU profile", func() {
		m.WithProfileDuration(10 * time.Millisecond)

		rec := serve(handler, http.MethodGet, "/api/profile")
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	Context("with vidmem", func() {
		var v *vidmem.Manager

		BeforeEach(func() {
			var err error
			v, err = vidmem.MakeBuilder().
				WithStorage(memory.NewStorage(4 << 20)).
				WithBootstrapSize(1 << 20).
				WithDestroyTimeout(100*time.Millisecond, 10*time.Millisecond).
				Build()
			Expect(err).ToNot(HaveOccurred())
			Expect(m.RegisterVidmem(v)).To(Succeed())
		})

		AfterEach(func() {
			Expect(v.Destroy()).To(Succeed())
		})

		It("should report the vidmem state", func() {
			rec := serve(handler, http.MethodGet, "/api/vidmem")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var rsp vidmemRsp
			Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
			Expect(rsp.Name).To(Equal("Vidmem"))
			Expect(rsp.Base).To(Equal(v.Base()))
			Expect(rsp.PauseCount).To(Equal(1))
			Expect(rsp.Cleared).To(BeFalse())
			Expect(rsp.Space).To(Equal(uint64(3<<20 - 64<<10)))
		})

		It("should pause and unpause the clearing thread", func() {
			rec := serve(handler, http.MethodPost, "/api/vidmem/pause")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(v.PauseCount()).To(Equal(2))

			serve(handler, http.MethodPost, "/api/vidmem/unpause")
			serve(handler, http.MethodPost, "/api/vidmem/unpause")
			Expect(v.PauseCount()).To(BeZero())

			rec = serve(handler, http.MethodPost, "/api/vidmem/unpause")
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})

		It("should only pause on POST", func() {
			rec := serve(handler, http.MethodGet, "/api/vidmem/pause")
			Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
		})

		It("should serve vidmem metrics", func() {
			rec := serve(handler, http.MethodGet, "/metrics")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).
				To(ContainSubstring("gpumem_vidmem_bytes_pending"))
		})
	})

	Context("with cycle stats", func() {
		var (
			hw  *cyclestats.SimulatedHW
			css *cyclestats.Multiplexer
		)

		BeforeEach(func() {
			hw = cyclestats.NewSimulatedHW()
			css = cyclestats.MakeBuilder().WithHWBuffer(hw).Build()
			Expect(m.RegisterCSS(css)).To(Succeed())
		})

		It("should list the clients", func() {
			c, _, err := css.Attach(4, 1024)
			Expect(err).ToNot(HaveOccurred())
			_, _ = hw.Inject(cyclestats.SnapshotEntry{PerfmonID: 33},
				cyclestats.SnapshotEntry{PerfmonID: 200})
			Expect(css.Flush(c)).To(Succeed())

			rec := serve(handler, http.MethodGet, "/api/css/clients")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var rsp cssRsp
			Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
			Expect(rsp.Enabled).To(BeTrue())
			Expect(rsp.Orphaned).To(Equal(uint64(1)))
			Expect(rsp.Clients).To(HaveLen(1))
			Expect(rsp.Clients[0].Handle).To(Equal(c.Handle()))
			Expect(rsp.Clients[0].PerfmonStart).To(Equal(uint32(32)))
			Expect(rsp.Clients[0].Pending).To(Equal(uint32(1)))
		})

		It("should reject registering the same metrics twice", func() {
			Expect(m.RegisterCSS(css)).ToNot(Succeed())
		})
	})

	It("should serve on a random port", func() {
		port, err := m.StartServer()
		Expect(err).ToNot(HaveOccurred())
		defer m.StopServer(context.Background())

		rsp, err := http.Get("http://localhost:" + strconv.Itoa(port) + "/metrics")
		Expect(err).ToNot(HaveOccurred())
		defer rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusOK))
	})
})
