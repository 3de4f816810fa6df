package watering

import (
	"fmt"
	"sync"
	"time"
)

// recorder is a stepper, servo and pump that records every call in order.
type recorder struct {
	mu    sync.Mutex
	calls []string

	stepperPos int32
	failMove   error
	failDuty   error
	failLower  error // SweepTo away from the default neutral angle

	stepperLock sync.Mutex
	servoLock   sync.Mutex
}

func (r *recorder) log(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type recStepper struct{ *recorder }

func (s recStepper) Lock()   { s.stepperLock.Lock(); s.log("stepper.lock") }
func (s recStepper) Unlock() { s.log("stepper.unlock"); s.stepperLock.Unlock() }

func (s recStepper) Position() int32 { return s.stepperPos }

func (s recStepper) MoveTo(pos int32) error {
	if s.failMove != nil {
		return s.failMove
	}
	s.log("stepper.move %d", pos)
	s.stepperPos = pos
	return nil
}

type recServo struct{ *recorder }

func (s recServo) Lock()   { s.servoLock.Lock(); s.log("servo.lock") }
func (s recServo) Unlock() { s.log("servo.unlock"); s.servoLock.Unlock() }

func (s recServo) SetAngle(angle uint8) error {
	s.log("servo.set %d", angle)
	return nil
}

func (s recServo) SweepTo(angle uint8, delay time.Duration, step uint8) error {
	s.log("servo.sweep %d %s %d", angle, delay, step)
	if angle != DefaultNeutralAngle && s.failLower != nil {
		return s.failLower
	}
	return nil
}

func (s recServo) Release() error {
	s.log("servo.release")
	return nil
}

type recPump struct{ *recorder }

func (p recPump) SetDuty(duty uint16) error {
	p.log("pump %d", duty)
	if duty != 0 && p.failDuty != nil {
		return p.failDuty
	}
	return nil
}

func newRecorded(opts Options) (*Scheduler, *recorder) {
	r := &recorder{}
	if opts.Sleep == nil {
		opts.Sleep = func(d time.Duration) { r.log("sleep %s", d) }
	}
	return NewScheduler(recStepper{r}, recServo{r}, recPump{r}, opts), r
}
