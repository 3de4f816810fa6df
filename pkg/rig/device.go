package rig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/itohio/goplant/pkg/calib"
	"github.com/itohio/goplant/pkg/config"
	"github.com/itohio/goplant/pkg/mathx"
	"github.com/itohio/goplant/pkg/watering"
)

const (
	// DefaultBaudRate is the USB CDC baud rate of the rig firmware.
	DefaultBaudRate = 115200
	// DefaultTimeout bounds a reply to an actuator command.
	DefaultTimeout = 30 * time.Second

	// pollInterval is the serial read timeout used while waiting for a reply line.
	pollInterval = 50 * time.Millisecond
	// replyMargin is added on top of the expected duration of a command.
	replyMargin = time.Second
)

var (
	// ErrDevice wraps an "err" reply from the firmware.
	ErrDevice = errors.New("device error")
	// ErrReplyTimeout is returned when the firmware does not answer a command in time.
	ErrReplyTimeout = errors.New("device reply timed out")
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// port is the part of serial.Port used by Serial.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Serial talks to the rig firmware over a line protocol. Every request is one line
// tagged "@<seq>", answered by exactly one "@<seq> ok ..." or "@<seq> err ..." line.
// Replies carrying another tag arrived after their command timed out and are dropped.
type Serial struct {
	portName     string
	baudRate     int
	timeout      time.Duration
	stepperSpeed float32

	open func(name string, baudRate int) (port, error)

	mu        sync.RWMutex
	conn      port
	connected bool

	// io serialises request/reply transactions.
	io      sync.Mutex
	pending []byte
	seq     uint32

	loadCell sync.Mutex
	stepper  *serialStepper
	servo    *serialServo
	pump     *serialPump
}

// New creates a new Serial rig from the serial configuration.
func New(cfg config.SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StepperSpeed <= 0 {
		cfg.StepperSpeed = config.DefaultStepperSpeed
	}

	d := &Serial{
		portName:     cfg.Port,
		baudRate:     cfg.BaudRate,
		timeout:      cfg.Timeout,
		stepperSpeed: cfg.StepperSpeed,
		open:         openSerial,
	}
	d.stepper = &serialStepper{d: d}
	d.servo = &serialServo{d: d, angle: watering.DefaultNeutralAngle}
	d.pump = &serialPump{d: d}
	return d
}

func openSerial(name string, baudRate int) (port, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baudRate})
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	conn, err := d.open(d.portName, d.baudRate)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.portName, err)
	}
	if err := conn.SetReadTimeout(pollInterval); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	d.conn = conn
	d.connected = true
	d.pending = d.pending[:0]

	return nil
}

// Close closes the connection.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	if err := d.conn.Close(); err != nil {
		log.Printf("error closing serial port: %v", err)
	}
	d.conn = nil
	d.connected = false

	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// LoadCell returns the load cell lock.
func (d *Serial) LoadCell() sync.Locker { return &d.loadCell }

// Channel returns the raw sample source of one scale.
func (d *Serial) Channel(scale uint8) calib.Source {
	return calib.SourceFunc(func(timeout time.Duration) (int32, error) {
		return d.readRaw(scale, timeout)
	})
}

func (d *Serial) Stepper() watering.Stepper { return d.stepper }
func (d *Serial) Servo() watering.Servo     { return d.servo }
func (d *Serial) Pump() watering.Pump       { return d.pump }

func (d *Serial) readRaw(scale uint8, timeout time.Duration) (int32, error) {
	fields, err := d.command(timeout+replyMargin, "r", scale, timeout.Milliseconds())
	if errors.Is(err, ErrReplyTimeout) {
		return 0, fmt.Errorf("%w: %w", calib.ErrTimeout, err)
	}
	if err != nil {
		return 0, err
	}
	if len(fields) != 1 {
		return 0, fmt.Errorf("invalid raw reading reply: expected 1 value, got %d", len(fields))
	}
	raw, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid raw reading: %w", err)
	}
	return int32(raw), nil
}

// command sends one request line built from args and waits up to timeout for its reply.
func (d *Serial) command(timeout time.Duration, args ...any) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return nil, ErrNotConnected
	}

	d.io.Lock()
	defer d.io.Unlock()

	d.seq++
	seq := d.seq
	line := fmt.Sprintf("@%d %s", seq, fmt.Sprintln(args...))
	if _, err := io.WriteString(d.conn, line); err != nil {
		return nil, fmt.Errorf("failed to send command %q: %w", strings.TrimSpace(line), err)
	}

	deadline := time.Now().Add(timeout)
	for {
		reply, err := d.readLine(deadline)
		if err != nil {
			return nil, fmt.Errorf("command %q: %w", strings.TrimSpace(line), err)
		}

		tag, rest, ok := splitTag(reply)
		if !ok || tag != seq {
			log.Printf("discarding stale reply %q", reply)
			continue
		}
		return parseReply(rest)
	}
}

// splitTag splits "@<seq> <reply>" into its sequence number and reply.
func splitTag(line string) (uint32, string, bool) {
	head, rest, _ := strings.Cut(line, " ")
	if !strings.HasPrefix(head, "@") {
		return 0, line, false
	}
	seq, err := strconv.ParseUint(head[1:], 10, 32)
	if err != nil {
		return 0, line, false
	}
	return uint32(seq), strings.TrimSpace(rest), true
}

// readLine returns the next non-empty line. Bytes after the newline are kept for the
// next call.
func (d *Serial) readLine(deadline time.Time) (string, error) {
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(d.pending, '\n'); i >= 0 {
			line := strings.TrimSpace(string(d.pending[:i]))
			d.pending = append(d.pending[:0], d.pending[i+1:]...)
			if line == "" {
				continue
			}
			return line, nil
		}

		if time.Now().After(deadline) {
			return "", ErrReplyTimeout
		}

		n, err := d.conn.Read(buf)
		if err != nil {
			return "", fmt.Errorf("failed to read reply: %w", err)
		}
		d.pending = append(d.pending, buf[:n]...)
	}
}

// parseReply parses an untagged reply line from the firmware.
// Format: "ok [value...]" or "err <reason>"
// Example: "ok 84211", "err timeout"
func parseReply(line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty reply")
	}

	switch fields[0] {
	case "ok":
		return fields[1:], nil
	case "err":
		reason := strings.Join(fields[1:], " ")
		if reason == "timeout" {
			return nil, calib.ErrTimeout
		}
		return nil, fmt.Errorf("%w: %s", ErrDevice, reason)
	default:
		return nil, fmt.Errorf("invalid reply %q", line)
	}
}

type serialStepper struct {
	sync.Mutex
	d   *Serial
	pos int32
}

func (s *serialStepper) Position() int32 { return s.pos }

// moveTimeout bounds a move from one position to another at the slowest expected speed.
func (s *serialStepper) moveTimeout(from, to int32) time.Duration {
	steps := mathx.AbsDiff(int64(from), int64(to))
	travel := time.Duration(float64(steps) / float64(s.d.stepperSpeed) * float64(time.Second))
	return max(s.d.timeout, travel+replyMargin)
}

func (s *serialStepper) MoveTo(pos int32) error {
	fields, err := s.d.command(s.moveTimeout(s.pos, pos), "m", pos)
	if err != nil {
		return err
	}
	s.pos = pos
	if len(fields) == 1 {
		if p, err := strconv.ParseInt(fields[0], 10, 32); err == nil {
			s.pos = int32(p)
		}
	}
	return nil
}

type serialServo struct {
	sync.Mutex
	d     *Serial
	angle uint8
}

func (s *serialServo) SetAngle(angle uint8) error {
	if _, err := s.d.command(s.d.timeout, "a", angle); err != nil {
		return err
	}
	s.angle = angle
	return nil
}

func (s *serialServo) SweepTo(angle uint8, delay time.Duration, step uint8) error {
	if step == 0 {
		step = 1
	}
	steps := int64(mathx.AbsDiff(s.angle, angle))/int64(step) + 1
	timeout := max(s.d.timeout, time.Duration(steps)*delay+replyMargin)

	if _, err := s.d.command(timeout, "s", angle, delay.Milliseconds(), step); err != nil {
		return err
	}
	s.angle = angle
	return nil
}

func (s *serialServo) Release() error {
	_, err := s.d.command(s.d.timeout, "x")
	return err
}

type serialPump struct {
	d *Serial
}

func (p *serialPump) SetDuty(duty uint16) error {
	_, err := p.d.command(p.d.timeout, "p", duty)
	return err
}
