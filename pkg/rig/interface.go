// Package rig connects the controller to the watering hardware: load cells, the
// carriage stepper, the nozzle servo and the pump.
package rig

import (
	"errors"
	"sync"

	"github.com/itohio/goplant/pkg/calib"
	"github.com/itohio/goplant/pkg/watering"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoChannel    = errors.New("no such load cell channel")
)

// Device defines the interface for watering rigs (real or mocked).
type Device interface {
	Connect() error
	Close() error
	IsConnected() bool

	// LoadCell guards the multiplexed load cell amplifier. Hold it for one averaged read.
	LoadCell() sync.Locker
	Channel(scale uint8) calib.Source

	Stepper() watering.Stepper
	Servo() watering.Servo
	Pump() watering.Pump
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)
