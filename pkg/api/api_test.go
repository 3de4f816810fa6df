package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goplant/pkg/calib"
	"github.com/itohio/goplant/pkg/config"
	"github.com/itohio/goplant/pkg/controller"
	"github.com/itohio/goplant/pkg/protocol"
	"github.com/itohio/goplant/pkg/watering"
)

type fixedClock uint64

func (c fixedClock) NowMs() uint64 { return uint64(c) }

// constSource returns raw +-1 around a fixed value.
type constSource struct {
	raw int32
	n   int
}

func (s *constSource) ReadRaw(time.Duration) (int32, error) {
	s.n++
	return s.raw + int32(s.n%2)*2 - 1, nil
}

type fixture struct {
	srv   *Server
	ctrl  *controller.Controller
	sched *watering.Scheduler
	src   *constSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sched := watering.NewScheduler(nil, nil, nil, watering.Options{})
	require.NoError(t, sched.Register(watering.Scale{ID: 1}))
	require.NoError(t, sched.Register(watering.Scale{ID: 2}))

	cfg := config.ControlConfig{Samples: 4, Timeout: time.Second, HistoryWindow: time.Hour}
	ctrl := controller.New(cfg, fixedClock(1_000), sched, nil, nil)

	src := &constSource{raw: 80}
	unity := calib.Calibration{Slope: 1, OffsetSet: true, SlopeSet: true}
	rec := protocol.ToRecord([]protocol.Step{protocol.MustHoldWeight(100, 5, time.Minute)})
	require.NoError(t, ctrl.AddStation(1, src, unity, rec))
	require.NoError(t, ctrl.AddStation(2, &constSource{raw: 500}, calib.Calibration{}, rec))

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))

	return &fixture{
		srv:   New(ctrl, sched, reg, 4),
		ctrl:  ctrl,
		sched: sched,
		src:   src,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestListScales(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Cycle()
	f.ctrl.MarkWatered(1, time.Now().Add(-3*time.Minute))

	rec := f.do(t, http.MethodGet, "/api/scales", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []ScaleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)

	assert.Equal(t, uint8(1), views[0].ID)
	require.NotNil(t, views[0].Weight)
	assert.InDelta(t, 80, *views[0].Weight, 1e-3)
	assert.True(t, views[0].Calibrated)
	// The cycle asked for water, so scale 1 is queued.
	assert.True(t, views[0].Queued)
	assert.Equal(t, "3 minutes ago", views[0].Watered)

	assert.Nil(t, views[1].Weight)
	assert.False(t, views[1].Calibrated)
	assert.Equal(t, "never", views[1].Watered)
	assert.Equal(t, uint8(1), views[1].Steps)
}

func TestWater(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/scales/2/water", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []uint8{2}, f.sched.Pending())

	for i := 1; i < watering.QueueSize; i++ {
		require.NoError(t, f.sched.Enqueue(1))
	}
	rec = f.do(t, http.MethodPost, "/api/scales/2/water", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/scales/9/water", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/scales/x/water", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/scales/1/water", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProtocol(t *testing.T) {
	f := newFixture(t)

	body := `{"n_steps":2,"steps":[{"type":1,"step":{"wait_ms":500}},{"type":3,"step":{"weight_lo":10,"weight_up":20,"n_cycles":2}}]}`
	rec := f.do(t, http.MethodPut, "/api/scales/1/protocol", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/scales/1/protocol", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, body, rec.Body.String())

	rec = f.do(t, http.MethodPut, "/api/scales/1/protocol", `{"n_steps":1,"steps":[{"type":2,"step":{"weight":-1,"weight_tol":1,"wait_ms":1}}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid protocol step")

	rec = f.do(t, http.MethodPut, "/api/scales/1/protocol", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unchanged by the rejected updates.
	rec = f.do(t, http.MethodGet, "/api/scales/1/protocol", "")
	assert.JSONEq(t, body, rec.Body.String())
}

func TestCalibration(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/scales/2/calibration/slope", `{"weight":200}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/scales/2/calibration/offset", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/scales/2/calibration/slope", `{"weight":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/scales/2/calibration/slope", `{"samples":6,"weight":200,"weight_err":0.1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/scales/2/calibration", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var cal calib.Calibration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cal))
	assert.True(t, cal.Populated())
	assert.Equal(t, uint8(2), cal.Scale)
	assert.InDelta(t, (200.0-500.0)/500.0, cal.Slope, 1e-6)

	rec = f.do(t, http.MethodDelete, "/api/scales/2/calibration", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cal))
	assert.Equal(t, calib.Calibration{Scale: 2}, cal)

	info, err := f.ctrl.Station(2)
	require.NoError(t, err)
	assert.False(t, info.Calibration.Populated())

	rec = f.do(t, http.MethodDelete, "/api/scales/9/calibration", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.ctrl.Cycle()
	}

	rec := f.do(t, http.MethodGet, "/api/scales/1/history?points=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	assert.Len(t, samples, 2)

	rec = f.do(t, http.MethodGet, "/api/scales/2/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = f.do(t, http.MethodGet, "/api/scales/1/history?points=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_total 0")
}
