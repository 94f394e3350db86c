package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the gyroaimd daemon.
//
// It is read once at startup. Runtime settings changes (IPC) are never
// written back to it.
type Config struct {
	Input     InputConfig     `yaml:"input"`
	Output    OutputConfig    `yaml:"output"`
	Engine    EngineConfig    `yaml:"engine"`
	Motion    MotionConfig    `yaml:"motion"`
	Aim       AimConfig       `yaml:"aim"`
	IPC       IPCConfig       `yaml:"ipc"`
	Websocket WebsocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type InputConfig struct {
	Controller       string `yaml:"controller,omitempty"` // event node; empty means auto-detect
	Motion           string `yaml:"motion,omitempty"`     // motion sensor node; empty means "<name> Motion Sensors"
	NameMatch        string `yaml:"name_match,omitempty"` // substring filter for auto-detect
	Grab             bool   `yaml:"grab"`
	RescanIntervalMS int    `yaml:"rescan_interval_ms"`
	GyroResolution   int    `yaml:"gyro_resolution"` // units per deg/s when the kernel reports none
}

type OutputConfig struct {
	UinputPath  string `yaml:"uinput_path"`
	GamepadName string `yaml:"gamepad_name"`
	MouseName   string `yaml:"mouse_name"`
}

type EngineConfig struct {
	TickHz int `yaml:"tick_hz"`

	StabilityThreshold  float64 `yaml:"stability_threshold"` // rad/s
	StabilityDurationMS int     `yaml:"stability_duration_ms"`
	CalibrationSamples  int     `yaml:"calibration_samples"`
}

type MotionConfig struct {
	IntervalUS int `yaml:"interval_us"`
	BatchSize  int `yaml:"batch_size"`
	MaxDtMS    int `yaml:"max_dt_ms"`
}

// AimConfig holds the settings the daemon starts with (and resets to).
type AimConfig struct {
	MouseMode        bool    `yaml:"mouse_mode"`
	FlickStick       bool    `yaml:"flick_stick"`
	AlwaysOnGyro     bool    `yaml:"always_on_gyro"`
	InvertX          bool    `yaml:"invert_x"`
	InvertY          bool    `yaml:"invert_y"`
	Sensitivity      float64 `yaml:"sensitivity"`
	MouseSensitivity float64 `yaml:"mouse_sensitivity"`
	AntiDeadzone     float64 `yaml:"anti_deadzone"`
	FlickValue       float64 `yaml:"flick_value"`
	Button           string  `yaml:"button,omitempty"`  // e.g. "left_shoulder"
	Trigger          string  `yaml:"trigger,omitempty"` // "left_trigger" or "right_trigger"
	LEDColor         string  `yaml:"led_color"`         // "#RRGGBB"
}

type IPCConfig struct {
	SocketPath     string `yaml:"socket_path"`
	ReplyTimeoutMS int    `yaml:"reply_timeout_ms"`
}

type WebsocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type MQTTConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Broker           string `yaml:"broker"`
	ClientID         string `yaml:"client_id"`
	TopicPrefix      string `yaml:"topic_prefix"`
	QoS              byte   `yaml:"qos"`
	Username         string `yaml:"username,omitempty"`
	Password         string `yaml:"password,omitempty"`
	PublishTimeoutMS int    `yaml:"publish_timeout_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	s := DefaultSettings()
	return Config{
		Input: InputConfig{
			Grab:             true,
			RescanIntervalMS: int(defaultRescanInterval / time.Millisecond),
			GyroResolution:   defaultGyroResolution,
		},
		Output: OutputConfig{
			UinputPath:  defaultUinputPath,
			GamepadName: defaultGamepadDeviceName,
			MouseName:   defaultMouseDeviceName,
		},
		Engine: EngineConfig{
			TickHz:              defaultTickHz,
			StabilityThreshold:  gyroStabilityThreshold,
			StabilityDurationMS: int(gyroStabilityDuration / time.Millisecond),
			CalibrationSamples:  gyroCalibrationSamples,
		},
		Motion: MotionConfig{
			IntervalUS: int(defaultIntegratorPeriod / time.Microsecond),
			BatchSize:  defaultMotionBatchSize,
			MaxDtMS:    int(defaultMaxDt / time.Millisecond),
		},
		Aim: AimConfig{
			Sensitivity:      s.Mode.Sensitivity,
			MouseSensitivity: s.Mode.MouseSensitivity,
			FlickValue:       s.Flick.Value,
			LEDColor:         s.LED.String(),
		},
		IPC: IPCConfig{
			SocketPath:     "/tmp/gyroaim.sock",
			ReplyTimeoutMS: int(defaultIPCReplyTimeout / time.Millisecond),
		},
		Websocket: WebsocketConfig{
			Enabled: true,
			Listen:  "127.0.0.1:3002",
			Path:    defaultWebsocketPath,
		},
		MQTT: MQTTConfig{
			Broker:           "tcp://127.0.0.1:1883",
			ClientID:         "gyroaimd",
			TopicPrefix:      defaultMQTTTopicPrefix,
			PublishTimeoutMS: int(defaultMQTTPublishWait / time.Millisecond),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
// Unknown fields and trailing documents are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var rest yaml.Node
	if err := dec.Decode(&rest); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds command-line overrides. Each non-nil pointer is
// applied, even if it points at a zero value; main.go decides which flags
// exist and only fills pointers for flags that were set.
type FlagOverrides struct {
	Controller *string
	Motion     *string
	NameMatch  *string
	Grab       *bool

	TickHz *int

	IPCSocketPath *string
	WSListen      *string
	WSEnabled     *bool

	MQTTEnabled *bool
	MQTTBroker  *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Controller != nil {
		cfg.Input.Controller = *o.Controller
	}
	if o.Motion != nil {
		cfg.Input.Motion = *o.Motion
	}
	if o.NameMatch != nil {
		cfg.Input.NameMatch = *o.NameMatch
	}
	if o.Grab != nil {
		cfg.Input.Grab = *o.Grab
	}
	if o.TickHz != nil {
		cfg.Engine.TickHz = *o.TickHz
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.WSListen != nil {
		cfg.Websocket.Listen = *o.WSListen
	}
	if o.WSEnabled != nil {
		cfg.Websocket.Enabled = *o.WSEnabled
	}
	if o.MQTTEnabled != nil {
		cfg.MQTT.Enabled = *o.MQTTEnabled
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	if c.Input.RescanIntervalMS <= 0 {
		return errors.New("input.rescan_interval_ms must be > 0")
	}
	if c.Input.GyroResolution <= 0 {
		return errors.New("input.gyro_resolution must be > 0")
	}

	if c.Output.UinputPath == "" {
		return errors.New("output.uinput_path must not be empty")
	}
	if c.Output.GamepadName == "" || c.Output.MouseName == "" {
		return errors.New("output.gamepad_name and output.mouse_name must not be empty")
	}

	if c.Engine.TickHz <= 0 || c.Engine.TickHz > 1000 {
		return errors.New("engine.tick_hz must be between 1 and 1000")
	}
	if c.Engine.StabilityThreshold <= 0 {
		return errors.New("engine.stability_threshold must be > 0")
	}
	if c.Engine.StabilityDurationMS < 0 {
		return errors.New("engine.stability_duration_ms must be >= 0")
	}
	if c.Engine.CalibrationSamples <= 0 {
		return errors.New("engine.calibration_samples must be > 0")
	}

	if c.Motion.IntervalUS <= 0 {
		return errors.New("motion.interval_us must be > 0")
	}
	if c.Motion.BatchSize <= 0 {
		return errors.New("motion.batch_size must be > 0")
	}
	if c.Motion.MaxDtMS < 0 {
		return errors.New("motion.max_dt_ms must be >= 0")
	}

	if _, err := c.InitialSettings(); err != nil {
		return err
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.IPC.ReplyTimeoutMS <= 0 {
		return errors.New("ipc.reply_timeout_ms must be > 0")
	}

	if c.Websocket.Enabled {
		if c.Websocket.Listen == "" {
			return errors.New("websocket.enabled is true but websocket.listen is empty")
		}
		if !strings.HasPrefix(c.Websocket.Path, "/") {
			return errors.New("websocket.path must start with /")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.enabled is true but mqtt.broker is empty")
		}
		if c.MQTT.ClientID == "" {
			return errors.New("mqtt.enabled is true but mqtt.client_id is empty")
		}
		if c.MQTT.QoS > 2 {
			return errors.New("mqtt.qos must be 0, 1 or 2")
		}
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// InitialSettings converts the aim section into the settings the store
// starts with. Values are checked with the same rules as runtime updates.
func (c *Config) InitialSettings() (Settings, error) {
	a := c.Aim
	s := DefaultSettings()

	patch := SettingsPatch{
		MouseMode:        &a.MouseMode,
		FlickStick:       &a.FlickStick,
		InvertX:          &a.InvertX,
		InvertY:          &a.InvertY,
		Sensitivity:      &a.Sensitivity,
		MouseSensitivity: &a.MouseSensitivity,
		AntiDeadzone:     &a.AntiDeadzone,
		FlickValue:       &a.FlickValue,
	}
	if !a.FlickStick {
		patch.AlwaysOnGyro = &a.AlwaysOnGyro
	}
	if err := patch.Apply(&s); err != nil {
		return Settings{}, fmt.Errorf("aim: %w", err)
	}

	switch {
	case a.Button != "" && a.Trigger != "":
		return Settings{}, errors.New("aim.button and aim.trigger are mutually exclusive")
	case a.Button != "":
		b, err := parseButton(a.Button)
		if err != nil {
			return Settings{}, fmt.Errorf("aim.button: %w", err)
		}
		s.Aim = buttonAimBinding(b)
	case a.Trigger != "":
		ax, err := parseAxis(a.Trigger)
		if err != nil {
			return Settings{}, fmt.Errorf("aim.trigger: %w", err)
		}
		if !ax.IsTrigger() {
			return Settings{}, fmt.Errorf("aim.trigger: %q is not a trigger", a.Trigger)
		}
		s.Aim = triggerAimBinding(ax)
	}

	if a.LEDColor != "" {
		led, err := parseLEDColor(a.LEDColor)
		if err != nil {
			return Settings{}, fmt.Errorf("aim.led_color: %w", err)
		}
		s.LED = led
	}
	return s, nil
}

// CalibrationConfig returns the calibrator tuning from the engine section.
func (c *Config) CalibrationConfig() CalibrationConfig {
	cal := DefaultCalibrationConfig()
	cal.StabilityThreshold = c.Engine.StabilityThreshold
	cal.StabilityDuration = time.Duration(c.Engine.StabilityDurationMS) * time.Millisecond
	cal.Samples = c.Engine.CalibrationSamples
	return cal
}

// IntegratorConfig returns the motion integrator tuning.
func (c *Config) IntegratorConfig() IntegratorConfig {
	ic := DefaultIntegratorConfig()
	ic.Interval = time.Duration(c.Motion.IntervalUS) * time.Microsecond
	ic.BatchSize = c.Motion.BatchSize
	ic.MaxDt = time.Duration(c.Motion.MaxDtMS) * time.Millisecond
	return ic
}

// parseLEDColor parses "#RRGGBB" (the leading # is optional).
func parseLEDColor(s string) (LEDColor, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return LEDColor{}, fmt.Errorf("invalid colour %q: want #RRGGBB", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return LEDColor{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return LEDColor{R: r, G: g, B: b}, nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
