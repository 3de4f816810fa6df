package watering

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// DefaultNeutralAngle is the servo angle at which the stepper can travel freely.
	DefaultNeutralAngle = 90
	// DefaultServoStep is the servo sweep increment in degrees.
	DefaultServoStep = 1
	// DefaultServoStepDelay is the pause between servo sweep increments.
	DefaultServoStepDelay = 15 * time.Millisecond
	// DoseFraction is where between the min and max dose a watering lands.
	DoseFraction = 0.2
	// DefaultPollInterval is how often Run checks the queue without a notification.
	DefaultPollInterval = time.Second
)

var (
	ErrQueueFull       = errors.New("watering queue is full")
	ErrQueueEmpty      = errors.New("watering queue is empty")
	ErrRegistryFull    = errors.New("scale registry is full")
	ErrIndexOutOfRange = errors.New("scale index out of range")
	ErrUnknownScale    = errors.New("unknown scale")
)

// Stepper positions the watering carriage. Callers hold the lock for one move.
type Stepper interface {
	sync.Locker
	Position() int32
	MoveTo(pos int32) error
}

// Servo raises and lowers the nozzle. Callers hold the lock for one positioning.
type Servo interface {
	sync.Locker
	SetAngle(angle uint8) error
	SweepTo(angle uint8, delay time.Duration, step uint8) error
	Release() error
}

// Pump drives the water pump with a 16-bit duty cycle. Only the Scheduler writes to it.
type Pump interface {
	SetDuty(duty uint16) error
}

// Options tune the actuation sequence. Zero values fall back to defaults, except for
// NeutralAngle where 0 is a valid angle and nil selects DefaultNeutralAngle.
type Options struct {
	NeutralAngle   *uint8
	ServoStep      uint8
	ServoStepDelay time.Duration
	DoseFraction   float32
	PollInterval   time.Duration

	// Sleep waits while the pump runs. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

func (o *Options) ensureDefaults() {
	if o.NeutralAngle == nil {
		angle := uint8(DefaultNeutralAngle)
		o.NeutralAngle = &angle
	}
	if o.ServoStep == 0 {
		o.ServoStep = DefaultServoStep
	}
	if o.ServoStepDelay == 0 {
		o.ServoStepDelay = DefaultServoStepDelay
	}
	if o.DoseFraction == 0 {
		o.DoseFraction = DoseFraction
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
}

// Scheduler owns the scale registry and the watering queue and services queued scales
// one at a time on the shared hardware.
type Scheduler struct {
	stepper Stepper
	servo   Servo
	pump    Pump
	opts    Options
	neutral uint8

	regMu  sync.RWMutex
	scales [MaxScales]Scale
	nScale int

	qMu    sync.Mutex
	q      queue
	notify chan struct{}

	// serviceMu serialises ServiceNext and with it pump ownership.
	serviceMu sync.Mutex
}

// NewScheduler returns a scheduler driving the given actuators.
func NewScheduler(stepper Stepper, servo Servo, pump Pump, opts Options) *Scheduler {
	opts.ensureDefaults()
	return &Scheduler{
		stepper: stepper,
		servo:   servo,
		pump:    pump,
		opts:    opts,
		neutral: *opts.NeutralAngle,
		notify:  make(chan struct{}, 1),
	}
}

// Register appends a scale to the registry.
func (s *Scheduler) Register(sc Scale) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	if s.nScale >= MaxScales {
		return ErrRegistryFull
	}
	s.scales[s.nScale] = sc
	s.nScale++
	return nil
}

// Overwrite replaces the registry entry at index.
func (s *Scheduler) Overwrite(sc Scale, index int) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	if index < 0 || index >= s.nScale {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	s.scales[index] = sc
	return nil
}

// Scales returns a copy of the registry.
func (s *Scheduler) Scales() []Scale {
	s.regMu.RLock()
	defer s.regMu.RUnlock()

	out := make([]Scale, s.nScale)
	copy(out, s.scales[:s.nScale])
	return out
}

// Lookup returns the registered scale with the given id.
func (s *Scheduler) Lookup(id uint8) (Scale, bool) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()

	for i := 0; i < s.nScale; i++ {
		if s.scales[i].ID == id {
			return s.scales[i], true
		}
	}
	return Scale{}, false
}

// Enqueue adds a scale id to the pending queue. A full queue is left unchanged.
func (s *Scheduler) Enqueue(id uint8) error {
	s.qMu.Lock()
	ok := s.q.push(id)
	s.qMu.Unlock()

	if !ok {
		return ErrQueueFull
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the queued scale ids in their current order.
func (s *Scheduler) Pending() []uint8 {
	s.qMu.Lock()
	defer s.qMu.Unlock()
	return s.q.items()
}

// Dose returns the dose the scheduler would pour for a scale.
func (s *Scheduler) Dose(sc Scale) Dose {
	return sc.Watering.Interpolate(s.opts.DoseFraction)
}

// ServiceNext waters the nearest pending scale and returns it. It blocks for the whole
// actuation sequence. ErrQueueEmpty is returned without touching any actuator.
func (s *Scheduler) ServiceNext() (Scale, error) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()

	s.qMu.Lock()
	id, ok := s.q.popNearest()
	s.qMu.Unlock()
	if !ok {
		return Scale{}, ErrQueueEmpty
	}

	sc, ok := s.Lookup(id)
	if !ok {
		log.Printf("watering: scale %d is queued but not registered", id)
		return Scale{}, fmt.Errorf("%w: %d", ErrUnknownScale, id)
	}

	if err := s.withServo(func() error { return s.servo.SetAngle(s.neutral) }); err != nil {
		return sc, fmt.Errorf("failed to raise nozzle: %w", s.park(err))
	}

	err := s.withStepper(func() error {
		if s.stepper.Position() == sc.Stepper {
			return nil
		}
		return s.stepper.MoveTo(sc.Stepper)
	})
	if err != nil {
		return sc, fmt.Errorf("failed to move to scale %d: %w", sc.ID, s.park(err))
	}

	if err := s.withServo(func() error { return s.sweep(sc.Servo) }); err != nil {
		return sc, fmt.Errorf("failed to lower nozzle: %w", s.park(err))
	}

	dose := s.Dose(sc)
	if err := s.pour(dose); err != nil {
		return sc, fmt.Errorf("failed to water scale %d: %w", sc.ID, s.park(err))
	}

	if err := s.park(nil); err != nil {
		return sc, fmt.Errorf("failed to raise nozzle: %w", err)
	}

	return sc, nil
}

// park raises the nozzle to the neutral angle and releases the servo. It runs after
// every attach, including failed sequences; cause is returned joined with any park error.
func (s *Scheduler) park(cause error) error {
	err := s.withServo(func() error {
		sweepErr := s.sweep(s.neutral)
		return errors.Join(sweepErr, s.servo.Release())
	})
	if err != nil {
		log.Printf("watering: failed to park nozzle: %v", err)
	}
	return errors.Join(cause, err)
}

func (s *Scheduler) pour(d Dose) error {
	if err := s.pump.SetDuty(d.Duty()); err != nil {
		// The pump may have started anyway.
		_ = s.pump.SetDuty(0)
		return err
	}
	s.opts.Sleep(d.Duration)
	return s.pump.SetDuty(0)
}

func (s *Scheduler) sweep(angle uint8) error {
	return s.servo.SweepTo(angle, s.opts.ServoStepDelay, s.opts.ServoStep)
}

func (s *Scheduler) withServo(fn func() error) error {
	s.servo.Lock()
	defer s.servo.Unlock()
	return fn()
}

func (s *Scheduler) withStepper(fn func() error) error {
	s.stepper.Lock()
	defer s.stepper.Unlock()
	return fn()
}

// Run services the queue until ctx is done. It wakes on Enqueue or every PollInterval
// and drains the queue. A watering in progress is always completed before Run returns.
// onServiced, if not nil, is called after every successful watering.
func (s *Scheduler) Run(ctx context.Context, onServiced func(Scale, Dose)) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		case <-ticker.C:
		}

		for ctx.Err() == nil {
			sc, err := s.ServiceNext()
			if errors.Is(err, ErrQueueEmpty) {
				break
			}
			if err != nil {
				log.Printf("watering: %v", err)
				continue
			}
			if onServiced != nil {
				onServiced(sc, s.Dose(sc))
			}
		}
	}
}
