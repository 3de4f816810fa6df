// Package api serves the HTTP front end: scale status, manual watering, protocol and
// calibration management and the Prometheus endpoint.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itohio/goplant/pkg/calib"
	"github.com/itohio/goplant/pkg/controller"
	"github.com/itohio/goplant/pkg/protocol"
	"github.com/itohio/goplant/pkg/sample"
	"github.com/itohio/goplant/pkg/watering"
)

const defaultHistoryPoints = 200

// Controller is the part of the controller the API drives.
type Controller interface {
	Stations() []controller.StationInfo
	Station(id uint8) (controller.StationInfo, error)
	History(id uint8, points int) ([]sample.Sample, error)
	SetProtocol(id uint8, rec protocol.Record) error
	CalibrateOffset(id uint8, n uint32) (calib.Calibration, error)
	CalibrateSlope(id uint8, n uint32, known, knownErr float32) (calib.Calibration, error)
	ResetCalibration(id uint8) (calib.Calibration, error)
}

// Queue accepts manual watering requests.
type Queue interface {
	Enqueue(id uint8) error
	Pending() []uint8
}

// ScaleView is one entry of the scale listing.
type ScaleView struct {
	ID          uint8     `json:"id"`
	Weight      *float32  `json:"weight,omitempty"`
	WeightErr   *float32  `json:"weight_err,omitempty"`
	Calibrated  bool      `json:"calibrated"`
	Step        int       `json:"step"`
	Steps       uint8     `json:"n_steps"`
	Queued      bool      `json:"queued"`
	LastWatered time.Time `json:"last_watered,omitzero"`
	Watered     string    `json:"watered"` // Human readable LastWatered
}

// CalibrationRequest is the body of the calibration endpoints.
type CalibrationRequest struct {
	Samples   uint32  `json:"samples"`
	Weight    float32 `json:"weight"`     // Known weight, slope only
	WeightErr float32 `json:"weight_err"` // Known weight uncertainty, slope only
}

// Server handles the HTTP API.
type Server struct {
	ctrl    Controller
	queue   Queue
	samples uint32
	router  *mux.Router
}

// New returns a server. gatherer, if not nil, is served at /metrics. samples is the
// default batch size of calibration requests.
func New(ctrl Controller, queue Queue, gatherer prometheus.Gatherer, samples uint32) *Server {
	if samples == 0 {
		samples = calib.DefaultSamples
	}

	s := &Server{
		ctrl:    ctrl,
		queue:   queue,
		samples: samples,
		router:  mux.NewRouter(),
	}

	r := s.router.PathPrefix("/api").Subrouter()
	r.HandleFunc("/scales", s.listScales).Methods(http.MethodGet)
	r.HandleFunc("/scales/{id}/water", s.water).Methods(http.MethodPost)
	r.HandleFunc("/scales/{id}/protocol", s.getProtocol).Methods(http.MethodGet)
	r.HandleFunc("/scales/{id}/protocol", s.putProtocol).Methods(http.MethodPut)
	r.HandleFunc("/scales/{id}/calibration", s.getCalibration).Methods(http.MethodGet)
	r.HandleFunc("/scales/{id}/calibration", s.resetCalibration).Methods(http.MethodDelete)
	r.HandleFunc("/scales/{id}/calibration/offset", s.calibrateOffset).Methods(http.MethodPost)
	r.HandleFunc("/scales/{id}/calibration/slope", s.calibrateSlope).Methods(http.MethodPost)
	r.HandleFunc("/scales/{id}/history", s.history).Methods(http.MethodGet)

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) listScales(w http.ResponseWriter, r *http.Request) {
	pending := s.queue.Pending()
	stations := s.ctrl.Stations()

	views := make([]ScaleView, 0, len(stations))
	for _, st := range stations {
		st := st
		v := ScaleView{
			ID:          st.Scale,
			Calibrated:  st.Calibration.Populated(),
			Step:        st.CurrentStep,
			Steps:       st.Protocol.NSteps,
			Queued:      slices.Contains(pending, st.Scale),
			LastWatered: st.LastWatered,
			Watered:     "never",
		}
		if st.HasSample {
			v.Weight = &st.Last.Weight
			v.WeightErr = &st.Last.WeightErr
		}
		if !st.LastWatered.IsZero() {
			v.Watered = humanize.Time(st.LastWatered)
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, views)
}

func (s *Server) water(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scaleID(w, r)
	if !ok {
		return
	}

	if err := s.queue.Enqueue(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, watering.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"queued": s.queue.Pending()})
}

func (s *Server) getProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scaleID(w, r)
	if !ok {
		return
	}
	st, _ := s.ctrl.Station(id)
	writeJSON(w, http.StatusOK, st.Protocol)
}

func (s *Server) putProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scaleID(w, r)
	if !ok {
		return
	}

	var rec protocol.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to parse protocol: %w", err))
		return
	}

	if err := s.ctrl.SetProtocol(id, rec); err != nil {
		writeError(w, statusOf(err, http.StatusBadRequest), err)
		return
	}

	st, _ := s.ctrl.Station(id)
	writeJSON(w, http.StatusOK, st.Protocol)
}

func (s *Server) getCalibration(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scaleID(w, r)
	if !ok {
		return
	}
	st, _ := s.ctrl.Station(id)
	writeJSON(w, http.StatusOK, st.Calibration)
}

func (s *Server) resetCalibration(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scaleID(w, r)
	if !ok {
		return
	}

	cal, err := s.ctrl.ResetCalibration(id)
	if err != nil {
		writeError(w, statusOf(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func (s *Server) calibrateOffset(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.calibrationRequest(w, r)
	if !ok {
		return
	}

	cal, err := s.ctrl.CalibrateOffset(id, req.Samples)
	if err != nil {
		writeError(w, statusOf(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func (s *Server) calibrateSlope(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.calibrationRequest(w, r)
	if !ok {
		return
	}
	if req.Weight <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("known weight must be positive"))
		return
	}

	cal, err := s.ctrl.CalibrateSlope(id, req.Samples, req.Weight, req.WeightErr)
	if err != nil {
		writeError(w, statusOf(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func (s *Server) calibrationRequest(w http.ResponseWriter, r *http.Request) (uint8, CalibrationRequest, bool) {
	var req CalibrationRequest

	id, ok := s.scaleID(w, r)
	if !ok {
		return 0, req, false
	}

	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("failed to parse calibration request: %w", err))
			return 0, req, false
		}
	}
	if req.Samples == 0 {
		req.Samples = s.samples
	}
	return id, req, true
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scaleID(w, r)
	if !ok {
		return
	}

	points := defaultHistoryPoints
	if p := r.URL.Query().Get("points"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid points %q", p))
			return
		}
		points = n
	}

	samples, err := s.ctrl.History(id, points)
	if err != nil {
		writeError(w, statusOf(err, http.StatusInternalServerError), err)
		return
	}
	if samples == nil {
		samples = []sample.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// scaleID parses the {id} path variable and checks the scale exists.
func (s *Server) scaleID(w http.ResponseWriter, r *http.Request) (uint8, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid scale id %q", raw))
		return 0, false
	}
	if _, err := s.ctrl.Station(uint8(id)); err != nil {
		writeError(w, http.StatusNotFound, err)
		return 0, false
	}
	return uint8(id), true
}

func statusOf(err error, fallback int) int {
	switch {
	case errors.Is(err, controller.ErrUnknownStation):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidStep), errors.Is(err, protocol.ErrCapacity):
		return http.StatusBadRequest
	case errors.Is(err, calib.ErrNotCalibrated), errors.Is(err, calib.ErrDegenerate):
		return http.StatusConflict
	case errors.Is(err, calib.ErrTimeout), errors.Is(err, calib.ErrInsufficientSamples):
		return http.StatusServiceUnavailable
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
