package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/itohio/goplant/pkg/calib"
	"github.com/itohio/goplant/pkg/protocol"
	"github.com/itohio/goplant/pkg/watering"
)

// Config represents the application configuration.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Scales    []ScaleConfig   `yaml:"scales"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Control   ControlConfig   `yaml:"control"`
	Store     StoreConfig     `yaml:"store"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
	Mock      MockConfig      `yaml:"mock"`
}

// SerialConfig contains serial port configuration of the rig firmware.
type SerialConfig struct {
	Port     string        `yaml:"port"`
	BaudRate int           `yaml:"baud_rate"`
	Timeout  time.Duration `yaml:"timeout"` // Reply timeout for actuator commands

	// StepperSpeed is the slowest expected carriage speed in steps per second.
	// Move timeouts are derived from it.
	StepperSpeed float32 `yaml:"stepper_speed"`
}

// DefaultStepperSpeed matches the firmware's half-stepped 28BYJ-48 at 10 RPM
// (about 680 steps/s) with some headroom.
const DefaultStepperSpeed = 600

// ScaleConfig describes one plant: where it sits, how it is watered, its calibration
// and its protocol. Stored calibrations and protocols take precedence at start-up.
type ScaleConfig struct {
	ID          uint8                 `yaml:"id"`
	Stepper     int32                 `yaml:"stepper"`
	Servo       uint8                 `yaml:"servo"`
	Watering    watering.WateringData `yaml:"watering"`
	Calibration calib.Calibration     `yaml:"calibration"`
	Protocol    protocol.Record       `yaml:"protocol"`
}

// Scale returns the scheduler record of the scale.
func (s ScaleConfig) Scale() watering.Scale {
	return watering.Scale{
		ID:       s.ID,
		Stepper:  s.Stepper,
		Servo:    s.Servo,
		Watering: s.Watering,
	}
}

// SchedulerConfig tunes the watering sequence.
// NeutralAngle may be 0; it is a pointer so that an omitted value can be told apart.
type SchedulerConfig struct {
	NeutralAngle   *uint8        `yaml:"neutral_angle"`
	ServoStep      uint8         `yaml:"servo_step"`       // Degrees per sweep increment
	ServoStepDelay time.Duration `yaml:"servo_step_delay"` // Pause between sweep increments
	DoseFraction   float32       `yaml:"dose_fraction"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// Options returns scheduler options.
func (s SchedulerConfig) Options() watering.Options {
	return watering.Options{
		NeutralAngle:   s.NeutralAngle,
		ServoStep:      s.ServoStep,
		ServoStepDelay: s.ServoStepDelay,
		DoseFraction:   s.DoseFraction,
		PollInterval:   s.PollInterval,
	}
}

// ControlConfig contains the control cycle parameters.
type ControlConfig struct {
	Schedule      string        `yaml:"schedule"` // cron expression, e.g. "@every 10s"
	Samples       uint32        `yaml:"samples"`  // Raw samples per weight reading
	Timeout       time.Duration `yaml:"timeout"`  // Per-sample read timeout
	HistoryWindow time.Duration `yaml:"history_window"`
}

// StoreConfig contains persistence configuration.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig contains the MQTT publisher configuration. An empty broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"`
}

// HTTPConfig contains the API server configuration.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// MockConfig contains simulated rig configuration.
type MockConfig struct {
	InitialWeight float32       `yaml:"initial_weight"`  // Plant weight at start (g)
	Evaporation   float32       `yaml:"evaporation"`     // Weight loss (g/s)
	FlowRate      float32       `yaml:"flow_rate"`       // Pump flow at full duty (g/s)
	RawOffset     int32         `yaml:"raw_offset"`      // Raw reading of an empty scale
	CountsPerGram float32       `yaml:"counts_per_gram"` // Load cell gain
	NoiseLevel    float32       `yaml:"noise_level"`     // Noise amplitude (counts)
	SampleDelay   time.Duration `yaml:"sample_delay"`    // Time per raw sample
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
			Timeout:      30 * time.Second,
			StepperSpeed: DefaultStepperSpeed,
		},
		Scales: []ScaleConfig{
			defaultScale(0, 0, 30),
			defaultScale(1, 2000, 30),
		},
		Scheduler: SchedulerConfig{
			NeutralAngle:   angle(watering.DefaultNeutralAngle),
			ServoStep:      watering.DefaultServoStep,
			ServoStepDelay: watering.DefaultServoStepDelay,
			DoseFraction:   watering.DoseFraction,
			PollInterval:   watering.DefaultPollInterval,
		},
		Control: ControlConfig{
			Schedule:      "@every 10s",
			Samples:       calib.DefaultSamples,
			Timeout:       calib.DefaultTimeout,
			HistoryWindow: 24 * time.Hour,
		},
		Store: StoreConfig{
			Path: "goplant.db",
		},
		MQTT: MQTTConfig{
			ClientID: "goplant",
			Prefix:   "goplant",
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		Mock: MockConfig{
			InitialWeight: 350,
			Evaporation:   0.01,
			FlowRate:      5,
			RawOffset:     0,
			CountsPerGram: 420,
			NoiseLevel:    50,
			SampleDelay:   10 * time.Millisecond,
		},
	}
}

func angle(a uint8) *uint8 {
	return &a
}

func defaultScale(id uint8, stepper int32, servo uint8) ScaleConfig {
	return ScaleConfig{
		ID:      id,
		Stepper: stepper,
		Servo:   servo,
		Watering: watering.WateringData{
			Min: watering.Dose{Intensity: 40, Duration: 2 * time.Second},
			Max: watering.Dose{Intensity: 100, Duration: 10 * time.Second},
		},
		Calibration: calib.Calibration{Scale: id},
		Protocol: protocol.ToRecord([]protocol.Step{
			protocol.MustOscillate(300, 400, 4),
			protocol.NewWait(time.Hour),
		}),
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Scales are replaced, not merged, when the file lists any.
	cfg.Scales = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the parts of the configuration that cannot fall back to defaults.
// Its errors are fatal configuration errors.
func (c *Config) Validate() error {
	if len(c.Scales) > watering.MaxScales {
		return fmt.Errorf("%w: %d scales configured, max %d", watering.ErrRegistryFull, len(c.Scales), watering.MaxScales)
	}

	if _, err := cron.ParseStandard(c.Control.Schedule); err != nil {
		return fmt.Errorf("control schedule %q: %w", c.Control.Schedule, err)
	}

	seen := make(map[uint8]bool, len(c.Scales))
	for _, s := range c.Scales {
		if seen[s.ID] {
			return fmt.Errorf("scale %d is configured twice", s.ID)
		}
		seen[s.ID] = true

		if _, err := protocol.FromRecord(s.Protocol); err != nil {
			return fmt.Errorf("scale %d protocol: %w", s.ID, err)
		}
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = def.Serial.Timeout
	}
	if c.Serial.StepperSpeed <= 0 {
		c.Serial.StepperSpeed = def.Serial.StepperSpeed
	}

	if len(c.Scales) == 0 {
		c.Scales = def.Scales
	}
	for i := range c.Scales {
		c.Scales[i].Calibration.Scale = c.Scales[i].ID
	}

	if c.Scheduler.NeutralAngle == nil {
		c.Scheduler.NeutralAngle = def.Scheduler.NeutralAngle
	}
	if c.Scheduler.ServoStep == 0 {
		c.Scheduler.ServoStep = def.Scheduler.ServoStep
	}
	if c.Scheduler.ServoStepDelay == 0 {
		c.Scheduler.ServoStepDelay = def.Scheduler.ServoStepDelay
	}
	if c.Scheduler.DoseFraction == 0 {
		c.Scheduler.DoseFraction = def.Scheduler.DoseFraction
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = def.Scheduler.PollInterval
	}

	if c.Control.Schedule == "" {
		c.Control.Schedule = def.Control.Schedule
	}
	if c.Control.Samples == 0 {
		c.Control.Samples = def.Control.Samples
	}
	if c.Control.Timeout == 0 {
		c.Control.Timeout = def.Control.Timeout
	}
	if c.Control.HistoryWindow == 0 {
		c.Control.HistoryWindow = def.Control.HistoryWindow
	}

	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = def.MQTT.Prefix
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = def.HTTP.Listen
	}

	if c.Mock.CountsPerGram == 0 {
		c.Mock.CountsPerGram = def.Mock.CountsPerGram
	}
	if c.Mock.FlowRate == 0 {
		c.Mock.FlowRate = def.Mock.FlowRate
	}
	if c.Mock.InitialWeight == 0 {
		c.Mock.InitialWeight = def.Mock.InitialWeight
	}
}
