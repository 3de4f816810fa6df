// Package controller runs the control cycle: read every scale's weight, tick its
// protocol and queue the scales that need water.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itohio/goplant/pkg/calib"
	"github.com/itohio/goplant/pkg/config"
	"github.com/itohio/goplant/pkg/protocol"
	"github.com/itohio/goplant/pkg/sample"
)

var (
	ErrUnknownStation   = errors.New("unknown scale")
	ErrDuplicateStation = errors.New("scale already added")
)

// Clock supplies the millisecond timestamps protocols are ticked with.
type Clock interface {
	NowMs() uint64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// NowMs returns Unix time in milliseconds.
func (SystemClock) NowMs() uint64 { return uint64(time.Now().UnixMilli()) }

// Enqueuer accepts watering requests.
type Enqueuer interface {
	Enqueue(id uint8) error
}

// Persister stores calibrations and protocols when they change.
type Persister interface {
	SaveCalibration(c calib.Calibration) error
	DeleteCalibration(scale uint8) error
	SaveProtocol(scale uint8, rec protocol.Record) error
}

// Update is the outcome of one scale in one control cycle.
type Update struct {
	Scale   uint8
	Time    time.Time
	Reading calib.Reading
	Water   bool
	Err     error // Read failure: no decision was made
}

// Station binds a scale's sample source, calibration, protocol and history.
type Station struct {
	id      uint8
	src     calib.Source
	proto   *protocol.Protocol
	history *sample.History

	mu          sync.RWMutex
	cal         calib.Calibration
	lastWatered time.Time
}

// StationInfo is a snapshot of a station.
type StationInfo struct {
	Scale       uint8
	Calibration calib.Calibration
	Protocol    protocol.Record
	CurrentStep int
	Last        sample.Sample
	HasSample   bool
	LastWatered time.Time
}

// Controller owns the stations and runs the control cycle.
type Controller struct {
	cfg      config.ControlConfig
	clock    Clock
	queue    Enqueuer
	loadCell sync.Locker
	store    Persister

	mu       sync.RWMutex
	stations []*Station

	callbacks []func(Update)
	cbMu      sync.RWMutex
}

// New creates a controller. loadCell is held for every averaged read; store may be nil.
func New(cfg config.ControlConfig, clock Clock, queue Enqueuer, loadCell sync.Locker, store Persister) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	if loadCell == nil {
		loadCell = &sync.Mutex{}
	}
	if cfg.Samples == 0 {
		cfg.Samples = calib.DefaultSamples
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = calib.DefaultTimeout
	}

	return &Controller{
		cfg:      cfg,
		clock:    clock,
		queue:    queue,
		loadCell: loadCell,
		store:    store,
	}
}

// AddStation registers a scale. The protocol is loaded from rec.
func (c *Controller) AddStation(id uint8, src calib.Source, cal calib.Calibration, rec protocol.Record) error {
	proto := &protocol.Protocol{}
	if err := proto.LoadRecord(rec); err != nil {
		return fmt.Errorf("scale %d: %w", id, err)
	}
	cal.Scale = id

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range c.stations {
		if st.id == id {
			return fmt.Errorf("%w: %d", ErrDuplicateStation, id)
		}
	}

	c.stations = append(c.stations, &Station{
		id:      id,
		src:     src,
		proto:   proto,
		history: sample.NewHistory(c.cfg.HistoryWindow),
		cal:     cal,
	})
	return nil
}

func (c *Controller) station(id uint8) (*Station, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, st := range c.stations {
		if st.id == id {
			return st, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownStation, id)
}

func (c *Controller) all() []*Station {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Station, len(c.stations))
	copy(out, c.stations)
	return out
}

// Cycle runs one control cycle over all stations and returns their updates. A station
// whose weight cannot be read makes no decision this cycle.
func (c *Controller) Cycle() []Update {
	stations := c.all()
	updates := make([]Update, 0, len(stations))

	for _, st := range stations {
		u := c.cycleStation(st)
		updates = append(updates, u)
		c.notifyCallbacks(u)
	}
	return updates
}

func (c *Controller) cycleStation(st *Station) Update {
	st.mu.RLock()
	cal := st.cal
	st.mu.RUnlock()

	c.loadCell.Lock()
	reading, err := cal.ReadWeight(st.src, c.cfg.Samples, c.cfg.Timeout)
	c.loadCell.Unlock()

	nowMs := c.clock.NowMs()
	u := Update{Scale: st.id, Time: time.UnixMilli(int64(nowMs)), Reading: reading}
	if err != nil {
		log.Printf("scale %d: no decision this cycle: %v", st.id, err)
		u.Err = err
		return u
	}

	u.Water = st.proto.Tick(reading.Weight, nowMs)
	if u.Water && c.queue != nil {
		if err := c.queue.Enqueue(st.id); err != nil {
			log.Printf("scale %d: failed to queue watering: %v", st.id, err)
		}
	}

	st.history.Add(sample.Sample{
		Timestamp: u.Time,
		Weight:    reading.Weight,
		WeightErr: reading.WeightErr,
		Raw:       reading.Raw.Mean,
		Water:     u.Water,
	})
	return u
}

// Run runs Cycle on the configured cron schedule until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	sched := cron.New()
	if _, err := sched.AddFunc(c.cfg.Schedule, func() { c.Cycle() }); err != nil {
		return fmt.Errorf("failed to schedule control cycle %q: %w", c.cfg.Schedule, err)
	}

	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	return nil
}

// Stations returns snapshots of all stations.
func (c *Controller) Stations() []StationInfo {
	stations := c.all()
	out := make([]StationInfo, 0, len(stations))
	for _, st := range stations {
		out = append(out, st.info())
	}
	return out
}

// Station returns a snapshot of one station.
func (c *Controller) Station(id uint8) (StationInfo, error) {
	st, err := c.station(id)
	if err != nil {
		return StationInfo{}, err
	}
	return st.info(), nil
}

func (st *Station) info() StationInfo {
	st.mu.RLock()
	info := StationInfo{
		Scale:       st.id,
		Calibration: st.cal,
		LastWatered: st.lastWatered,
	}
	st.mu.RUnlock()

	info.Protocol = st.proto.Record()
	info.CurrentStep = st.proto.CurrentIndex()
	info.Last, info.HasSample = st.history.Last()
	return info
}

// History returns the weight history of a scale decimated to at most points.
func (c *Controller) History(id uint8, points int) ([]sample.Sample, error) {
	st, err := c.station(id)
	if err != nil {
		return nil, err
	}
	return st.history.Samples(points), nil
}

// SetProtocol replaces a scale's protocol and persists it.
func (c *Controller) SetProtocol(id uint8, rec protocol.Record) error {
	st, err := c.station(id)
	if err != nil {
		return err
	}
	if err := st.proto.LoadRecord(rec); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.SaveProtocol(id, st.proto.Record()); err != nil {
			return fmt.Errorf("failed to save protocol: %w", err)
		}
	}
	return nil
}

// CalibrateOffset runs offset calibration on an unloaded scale and persists it.
func (c *Controller) CalibrateOffset(id uint8, n uint32) (calib.Calibration, error) {
	return c.calibrate(id, func(cal *calib.Calibration, src calib.Source) error {
		_, err := cal.CalibrateOffset(src, n, c.cfg.Timeout)
		return err
	})
}

// CalibrateSlope runs slope calibration with a known weight on the scale and persists it.
func (c *Controller) CalibrateSlope(id uint8, n uint32, known, knownErr float32) (calib.Calibration, error) {
	return c.calibrate(id, func(cal *calib.Calibration, src calib.Source) error {
		_, err := cal.CalibrateSlope(src, n, known, knownErr, c.cfg.Timeout)
		return err
	})
}

func (c *Controller) calibrate(id uint8, fn func(*calib.Calibration, calib.Source) error) (calib.Calibration, error) {
	st, err := c.station(id)
	if err != nil {
		return calib.Calibration{}, err
	}

	// Calibrations of one station are serialised by the load cell lock, so the
	// snapshot must be taken under it.
	c.loadCell.Lock()
	defer c.loadCell.Unlock()

	st.mu.RLock()
	cal := st.cal
	st.mu.RUnlock()

	if err := fn(&cal, st.src); err != nil {
		return cal, err
	}

	st.mu.Lock()
	st.cal = cal
	st.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveCalibration(cal); err != nil {
			return cal, fmt.Errorf("failed to save calibration: %w", err)
		}
	}
	return cal, nil
}

// ResetCalibration clears a scale's calibration and removes the stored copy. The scale
// makes no watering decisions until it is calibrated again; after a restart the
// configured calibration applies.
func (c *Controller) ResetCalibration(id uint8) (calib.Calibration, error) {
	st, err := c.station(id)
	if err != nil {
		return calib.Calibration{}, err
	}

	c.loadCell.Lock()
	defer c.loadCell.Unlock()

	cal := calib.Calibration{Scale: id}
	st.mu.Lock()
	st.cal = cal
	st.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteCalibration(id); err != nil {
			return cal, fmt.Errorf("failed to delete calibration: %w", err)
		}
	}
	return cal, nil
}

// MarkWatered records that a scale was just watered.
func (c *Controller) MarkWatered(id uint8, t time.Time) {
	st, err := c.station(id)
	if err != nil {
		log.Printf("watered unknown scale %d", id)
		return
	}

	st.mu.Lock()
	st.lastWatered = t
	st.mu.Unlock()
}

// OnUpdate registers a callback invoked for every station after each control cycle.
// The callback should return quickly.
func (c *Controller) OnUpdate(callback func(Update)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, callback)
}

func (c *Controller) notifyCallbacks(u Update) {
	c.cbMu.RLock()
	callbacks := make([]func(Update), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(u)
		}
	}
}
