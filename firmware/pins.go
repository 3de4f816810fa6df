//go:build rp2040

package main

import "machine"

const (
	// Load cells: one HX711 per scale, DOUT lines routed through a 74HC4051 mux.
	PIN_HX711_SCK  = machine.D4
	PIN_HX711_DOUT = machine.D5
	PIN_MUX_S0     = machine.D6
	PIN_MUX_S1     = machine.D7
	PIN_MUX_S2     = machine.D8
	MUX_CHANNELS   = 8

	// HX711 needs 60us of power-down clock and settles within 400ms after a channel switch
	HX711_SETTLE_MS = 400

	// Gantry stepper (28BYJ-48 behind ULN2003), driven in half steps
	PIN_STEPPER1  = machine.D0
	PIN_STEPPER2  = machine.D1
	PIN_STEPPER3  = machine.D2
	PIN_STEPPER4  = machine.D3
	STEPPER_STEPS = 4096
	STEPPER_RPM   = 10

	// Nozzle servo: 500us..2500us for 0..180 degrees at 50Hz
	PIN_SERVO       = machine.D10
	SERVO_MIN_US    = 500
	SERVO_MAX_US    = 2500
	SERVO_MAX_ANGLE = 180

	// Pump MOSFET gate
	PIN_PUMP        = machine.D9
	PUMP_PWM_PERIOD = 1e9 / 1000 // 1kHz

	// Longest accepted command line
	LINE_LENGTH = 32
)
