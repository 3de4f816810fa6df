package rig

import (
	"fmt"
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/goplant/pkg/calib"
	"github.com/itohio/goplant/pkg/config"
	"github.com/itohio/goplant/pkg/watering"
)

// Mock simulates a watering rig: every scale holds a plant that loses weight to
// evaporation and gains weight while the pump runs with the nozzle lowered over it.
type Mock struct {
	cfg *config.MockConfig
	now func() time.Time

	mu        sync.RWMutex
	connected bool
	plants    map[uint8]*plant
	samples   uint64

	// Actuator state
	position int32
	angle    uint8
	attached bool
	duty     uint16

	loadCell sync.Mutex
	stepper  *mockStepper
	servo    *mockServo
	pump     *mockPump
}

type plant struct {
	stepper int32
	servo   uint8
	weight  float32
	updated time.Time
}

// NewMock creates a simulated rig with one plant per configured scale.
func NewMock(cfg *config.MockConfig, scales []config.ScaleConfig) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}

	m := &Mock{
		cfg:    cfg,
		now:    time.Now,
		plants: make(map[uint8]*plant, len(scales)),
		angle:  watering.DefaultNeutralAngle,
	}
	for _, s := range scales {
		m.plants[s.ID] = &plant{
			stepper: s.Stepper,
			servo:   s.Servo,
			weight:  cfg.InitialWeight,
		}
	}
	m.stepper = &mockStepper{m: m}
	m.servo = &mockServo{m: m}
	m.pump = &mockPump{m: m}
	return m
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	now := m.now()
	for _, p := range m.plants {
		p.updated = now
	}
	m.connected = true

	return nil
}

// Close stops the simulation.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}
	m.settle(m.now())
	m.duty = 0
	m.connected = false

	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// LoadCell returns the load cell lock.
func (m *Mock) LoadCell() sync.Locker { return &m.loadCell }

// Channel returns the raw sample source of one scale.
func (m *Mock) Channel(scale uint8) calib.Source {
	return calib.SourceFunc(func(timeout time.Duration) (int32, error) {
		return m.readRaw(scale, timeout)
	})
}

func (m *Mock) Stepper() watering.Stepper { return m.stepper }
func (m *Mock) Servo() watering.Servo     { return m.servo }
func (m *Mock) Pump() watering.Pump       { return m.pump }

// Weight returns the simulated weight of a plant in grams.
func (m *Mock) Weight(scale uint8) (float32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plants[scale]
	if !ok {
		return 0, false
	}
	m.settle(m.now())
	return p.weight, true
}

// SetWeight replaces the simulated weight of a plant.
func (m *Mock) SetWeight(scale uint8, weight float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.plants[scale]; ok {
		m.settle(m.now())
		p.weight = weight
	}
}

func (m *Mock) readRaw(scale uint8, timeout time.Duration) (int32, error) {
	if m.cfg.SampleDelay > timeout {
		time.Sleep(timeout)
		return 0, calib.ErrTimeout
	}
	if m.cfg.SampleDelay > 0 {
		time.Sleep(m.cfg.SampleDelay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}
	p, ok := m.plants[scale]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNoChannel, scale)
	}

	m.settle(m.now())
	m.samples++

	// Deterministic pseudo-noise
	x := float32(m.samples)
	noise := (math32.Sin(x*1.3) + math32.Cos(x*0.7)) * m.cfg.NoiseLevel * 0.5

	raw := float32(m.cfg.RawOffset) + p.weight*m.cfg.CountsPerGram + noise
	return int32(raw), nil
}

// settle advances every plant to now: evaporation everywhere, and pump flow into the
// plant the nozzle is lowered over. Callers hold m.mu.
func (m *Mock) settle(now time.Time) {
	var flow float32
	if m.duty > 0 {
		flow = m.cfg.FlowRate * float32(m.duty) / 65535
	}

	for _, p := range m.plants {
		dt := float32(now.Sub(p.updated).Seconds())
		p.updated = now
		if dt <= 0 {
			continue
		}

		p.weight -= m.cfg.Evaporation * dt
		if flow > 0 && m.over(p) {
			p.weight += flow * dt
		}
		p.weight = max(p.weight, 0)
	}
}

// over reports whether the nozzle is lowered over p.
func (m *Mock) over(p *plant) bool {
	return m.attached && m.position == p.stepper && m.angle == p.servo
}

type mockStepper struct {
	sync.Mutex
	m *Mock
}

func (s *mockStepper) Position() int32 {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	return s.m.position
}

func (s *mockStepper) MoveTo(pos int32) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if !s.m.connected {
		return ErrNotConnected
	}
	s.m.settle(s.m.now())
	s.m.position = pos
	return nil
}

type mockServo struct {
	sync.Mutex
	m *Mock
}

func (s *mockServo) SetAngle(angle uint8) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if !s.m.connected {
		return ErrNotConnected
	}
	s.m.settle(s.m.now())
	s.m.angle = angle
	s.m.attached = true
	return nil
}

func (s *mockServo) SweepTo(angle uint8, _ time.Duration, _ uint8) error {
	return s.SetAngle(angle)
}

func (s *mockServo) Release() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	s.m.settle(s.m.now())
	s.m.attached = false
	return nil
}

type mockPump struct {
	m *Mock
}

func (p *mockPump) SetDuty(duty uint16) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()

	if !p.m.connected {
		return ErrNotConnected
	}
	p.m.settle(p.m.now())
	p.m.duty = duty
	return nil
}
