//go:build rp2040

//go:generate tinygo flash -target=xiao-rp2040

package main

import (
	"machine"
	"strconv"
	"strings"
	"time"

	"tinygo.org/x/drivers/easystepper"
	"tinygo.org/x/drivers/servo"
)

var (
	serial = machine.Serial

	stepper  *easystepper.Device
	position int32

	nozzle servo.Servo
	angle  int = -1

	pump        = machine.PWM2
	pumpChannel uint8

	channel = -1

	// Sequence tag of the command being executed, echoed in its reply
	tag string

	// Serial buffer for reading lines
	lineBuffer [LINE_LENGTH]byte
	linePos    int
	overflow   bool
)

func main() {
	PIN_HX711_SCK.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_HX711_DOUT.Configure(machine.PinConfig{Mode: machine.PinInput})
	PIN_MUX_S0.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_MUX_S1.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_MUX_S2.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_HX711_SCK.Low()

	var err error
	stepper, err = easystepper.New(easystepper.DeviceConfig{
		Pin1:      PIN_STEPPER1,
		Pin2:      PIN_STEPPER2,
		Pin3:      PIN_STEPPER3,
		Pin4:      PIN_STEPPER4,
		StepCount: STEPPER_STEPS,
		RPM:       STEPPER_RPM,
		Mode:      easystepper.ModeEight,
	})
	if err != nil {
		fatal("stepper")
	}
	stepper.Configure()

	nozzle, err = servo.New(machine.PWM1, PIN_SERVO)
	if err != nil {
		fatal("servo")
	}

	if err := pump.Configure(machine.PWMConfig{Period: PUMP_PWM_PERIOD}); err != nil {
		fatal("pump")
	}
	pumpChannel, err = pump.Channel(PIN_PUMP)
	if err != nil {
		fatal("pump")
	}
	pump.Set(pumpChannel, 0)

	for {
		if line, ok := readLine(); ok {
			execute(line)
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

// fatal keeps reporting a setup failure. The lines are untagged, so the host logs
// them and its commands time out.
func fatal(reason string) {
	for {
		reply("err", reason)
		time.Sleep(time.Second)
	}
}

// readLine collects bytes until a newline. Overlong lines are discarded whole.
func readLine() (string, bool) {
	for serial.Buffered() > 0 {
		data, err := serial.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			n := linePos
			linePos = 0
			if overflow {
				overflow = false
				tag = ""
				reply("err", "line too long")
				continue
			}
			if n == 0 {
				continue
			}
			return string(lineBuffer[:n]), true
		}

		if linePos < len(lineBuffer) {
			lineBuffer[linePos] = data
			linePos++
		} else {
			overflow = true
		}
	}
	return "", false
}

func execute(line string) {
	fields := strings.Fields(line)
	tag = ""
	if len(fields) > 0 && strings.HasPrefix(fields[0], "@") {
		tag = fields[0]
		fields = fields[1:]
	}
	if len(fields) == 0 {
		reply("err", "empty command")
		return
	}
	args := make([]int64, 0, len(fields))
	for _, f := range fields[1:] {
		v, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			reply("err", "invalid argument")
			return
		}
		args = append(args, v)
	}

	switch {
	case fields[0] == "r" && len(args) == 2:
		readScale(int(args[0]), time.Duration(args[1])*time.Millisecond)
	case fields[0] == "m" && len(args) == 1:
		stepper.Move(int32(args[0]) - position)
		position = int32(args[0])
		stepper.Off()
		reply("ok", strconv.Itoa(int(position)))
	case fields[0] == "a" && len(args) == 1:
		setAngle(int(args[0]))
		reply("ok")
	case fields[0] == "s" && len(args) == 3:
		sweep(int(args[0]), time.Duration(args[1])*time.Millisecond, int(args[2]))
		reply("ok")
	case fields[0] == "x" && len(args) == 0:
		nozzle.SetMicroseconds(0)
		angle = -1
		reply("ok")
	case fields[0] == "p" && len(args) == 1:
		duty := uint64(min(max(args[0], 0), 65535))
		pump.Set(pumpChannel, uint32(uint64(pump.Top())*duty/65535))
		reply("ok")
	default:
		reply("err", "unknown command")
	}
}

func reply(status string, values ...string) {
	if tag != "" {
		print(tag)
		print(" ")
	}
	print(status)
	for _, v := range values {
		print(" ")
		print(v)
	}
	print("\n")
}

func setAngle(a int) {
	a = min(max(a, 0), SERVO_MAX_ANGLE)
	us := SERVO_MIN_US + a*(SERVO_MAX_US-SERVO_MIN_US)/SERVO_MAX_ANGLE
	nozzle.SetMicroseconds(int16(us))
	angle = a
}

// sweep moves the nozzle in increments of step degrees, pausing delay between them.
func sweep(target int, delay time.Duration, step int) {
	target = min(max(target, 0), SERVO_MAX_ANGLE)
	if step <= 0 {
		step = 1
	}
	if angle < 0 {
		setAngle(target)
		return
	}

	for angle != target {
		if angle < target {
			setAngle(min(angle+step, target))
		} else {
			setAngle(max(angle-step, target))
		}
		time.Sleep(delay)
	}
}

func selectChannel(ch int) {
	if ch == channel {
		return
	}
	PIN_MUX_S0.Set(ch&1 != 0)
	PIN_MUX_S1.Set(ch&2 != 0)
	PIN_MUX_S2.Set(ch&4 != 0)
	channel = ch
	time.Sleep(HX711_SETTLE_MS * time.Millisecond)
}

func readScale(ch int, timeout time.Duration) {
	if ch < 0 || ch >= MUX_CHANNELS {
		reply("err", "no channel")
		return
	}
	selectChannel(ch)

	raw, ok := readHX711(timeout)
	if !ok {
		reply("err", "timeout")
		return
	}
	reply("ok", strconv.Itoa(int(raw)))
}

// readHX711 clocks out one 24-bit two's complement conversion at gain 128.
func readHX711(timeout time.Duration) (int32, bool) {
	deadline := time.Now().Add(timeout)
	for PIN_HX711_DOUT.Get() {
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(time.Millisecond)
	}

	var value uint32
	for range 24 {
		PIN_HX711_SCK.High()
		time.Sleep(time.Microsecond)
		value = value<<1 | b2u(PIN_HX711_DOUT.Get())
		PIN_HX711_SCK.Low()
		time.Sleep(time.Microsecond)
	}

	// 25th pulse selects channel A, gain 128 for the next conversion
	PIN_HX711_SCK.High()
	time.Sleep(time.Microsecond)
	PIN_HX711_SCK.Low()

	return int32(value<<8) >> 8, true
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
