// Package config loads and validates the navlink daemon configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete navlink configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Tools     []ToolConfig    `yaml:"tools"`
	Defaults  ClientDefaults  `yaml:"default_client_info"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains the OpenIGTLink broadcast server settings.
type ServerConfig struct {
	ListeningPort                 int     `yaml:"listening_port"`
	OutputChannelID               string  `yaml:"output_channel_id"` // empty = first available
	MaxTimeSpentWithProcessingMs  float64 `yaml:"max_time_spent_with_processing_ms"`
	MaxNumberOfIgtlMessagesToSend int     `yaml:"max_number_of_igtl_messages_to_send"`
	NumberOfRetryAttempts         int     `yaml:"number_of_retry_attempts"`
	DelayBetweenRetryAttemptsSec  float64 `yaml:"delay_between_retry_attempts_sec"`
	KeepAliveIntervalSec          float64 `yaml:"keep_alive_interval_sec"`
	MissingInputGracePeriodSec    float64 `yaml:"missing_input_grace_period_sec"`
	SendValidTransformsOnly       *bool   `yaml:"send_valid_transforms_only"`
	IgtlMessageCrcCheckEnabled    bool    `yaml:"igtl_message_crc_check_enabled"`
	LogWarningOnNoDataAvailable   *bool   `yaml:"log_warning_on_no_data_available"`
	ClientSendTimeoutSec          float64 `yaml:"client_send_timeout_sec"`
	ClientReceiveTimeoutSec       float64 `yaml:"client_receive_timeout_sec"`
}

// TrackerConfig contains the optical tracker settings.
type TrackerConfig struct {
	// SerialPort is the zero-based serial port index. -1 probes ports 0-19.
	SerialPort int `yaml:"serial_port"`
	// BaudRate must be one of 9600, 14400, 19200, 38400, 57600, 115200,
	// 921600, 1228739.
	BaudRate int `yaml:"baud_rate"`
	// MeasurementVolumeNumber selects a measurement volume (0 = default).
	MeasurementVolumeNumber int `yaml:"measurement_volume_number"`
	// MaxNumberOfStrays is the stray marker slot count (0 disables strays).
	MaxNumberOfStrays int `yaml:"max_number_of_strays"`
	// ReferenceFrame names the frame tool transforms are expressed in.
	ReferenceFrame string `yaml:"reference_frame"`
	// StrayReferenceFrame names the reference frame of stray transforms.
	StrayReferenceFrame string `yaml:"stray_reference_frame"`
	// AcquisitionRateHz is the polling rate of the acquisition loop.
	AcquisitionRateHz float64 `yaml:"acquisition_rate_hz"`
}

// ToolConfig describes one tool data source.
type ToolConfig struct {
	ID string `yaml:"id"`
	// PortName is the wired port number (>= 0). Nil means wireless.
	PortName *int `yaml:"port_name"`
	// RomFile is the path to a 1024-byte SROM image. Optional for wired
	// tools, required for wireless tools.
	RomFile string `yaml:"rom_file"`
}

// ClientDefaults is the subscription applied to newly connected clients
// until they send their own client info.
type ClientDefaults struct {
	MessageTypes   []string `yaml:"message_types"`
	TransformNames []string `yaml:"transform_names"`
	ImageStreams   []string `yaml:"image_streams"`
	StringNames    []string `yaml:"string_names"`
}

// TelemetryConfig configures the optional MQTT status emitter.
type TelemetryConfig struct {
	Broker      string  `yaml:"broker"` // empty = telemetry disabled
	Topic       string  `yaml:"topic"`
	IntervalSec float64 `yaml:"interval_sec"`
	Encoding    string  `yaml:"encoding"` // "json" (default) or "msgpack"
	ClientID    string  `yaml:"client_id"`
}

var validBaudRates = map[int]bool{
	9600: true, 14400: true, 19200: true, 38400: true,
	57600: true, 115200: true, 921600: true, 1228739: true,
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all optional fields at their
// default values. Required fields (listening port) are left zero.
func Default() *Config {
	validOnly := true
	warnOnNoData := true
	return &Config{
		Server: ServerConfig{
			MaxTimeSpentWithProcessingMs:  50,
			MaxNumberOfIgtlMessagesToSend: 100,
			NumberOfRetryAttempts:         10,
			DelayBetweenRetryAttemptsSec:  0.05,
			KeepAliveIntervalSec:          0.25,
			SendValidTransformsOnly:       &validOnly,
			LogWarningOnNoDataAvailable:   &warnOnNoData,
			ClientSendTimeoutSec:          0.5,
			ClientReceiveTimeoutSec:       0.5,
		},
		Tracker: TrackerConfig{
			SerialPort:          -1,
			BaudRate:            9600,
			ReferenceFrame:      "Tracker",
			StrayReferenceFrame: "Tracker",
			AcquisitionRateHz:   50,
		},
		Telemetry: TelemetryConfig{
			Topic:       "navlink/status",
			IntervalSec: 5,
			Encoding:    "json",
		},
	}
}

// Validate checks the configuration for fail-fast errors.
func (c *Config) Validate() error {
	if c.Server.ListeningPort <= 0 || c.Server.ListeningPort > 65535 {
		return fmt.Errorf("config: server.listening_port %d is invalid (must be 1-65535)", c.Server.ListeningPort)
	}
	if !validBaudRates[c.Tracker.BaudRate] {
		return fmt.Errorf("config: tracker.baud_rate %d is invalid (valid: 9600, 14400, 19200, 38400, 57600, 115200, 921600, 1228739)", c.Tracker.BaudRate)
	}
	if c.Tracker.SerialPort < -1 {
		return fmt.Errorf("config: tracker.serial_port %d is invalid (>= 0, or -1 to probe)", c.Tracker.SerialPort)
	}
	if c.Tracker.MaxNumberOfStrays < 0 {
		return fmt.Errorf("config: tracker.max_number_of_strays must not be negative")
	}
	if c.Tracker.AcquisitionRateHz <= 0 || c.Tracker.AcquisitionRateHz > 120 {
		return fmt.Errorf("config: tracker.acquisition_rate_hz %.1f is invalid (must be above 0 and at most 120)", c.Tracker.AcquisitionRateHz)
	}
	seen := make(map[string]bool)
	for i, tool := range c.Tools {
		if tool.ID == "" {
			return fmt.Errorf("config: tools[%d].id is required", i)
		}
		if seen[tool.ID] {
			return fmt.Errorf("config: duplicate tool id %q", tool.ID)
		}
		seen[tool.ID] = true
		if tool.PortName == nil && tool.RomFile == "" {
			return fmt.Errorf("config: tool %q needs a port_name or a rom_file", tool.ID)
		}
		if tool.PortName != nil && *tool.PortName < 0 {
			return fmt.Errorf("config: tool %q port_name must be >= 0", tool.ID)
		}
	}
	switch c.Telemetry.Encoding {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("config: telemetry.encoding %q is invalid (json or msgpack)", c.Telemetry.Encoding)
	}
	if c.Telemetry.Broker != "" && c.Telemetry.IntervalSec <= 0 {
		return fmt.Errorf("config: telemetry.interval_sec must be positive when telemetry is enabled")
	}
	return nil
}
