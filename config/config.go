// Package config loads the host tool configuration: which backend reaches
// the MCP2515 and how it is wired.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"mcpcan/host/bridge"
	"mcpcan/host/periphspi"
	"mcpcan/host/serial"
)

// Backends
const (
	BackendBridge = "bridge" // bridge firmware over a serial link
	BackendPeriph = "periph" // Linux spidev and GPIO
	BackendSim    = "sim"    // in-process firmware and simulated chip
)

// NoPin marks an unconnected bridge pin.
const NoPin = -1

// Config is the root of the JSON configuration file.
type Config struct {
	Backend          string `json:"backend"`
	CommandTimeoutMS int    `json:"command_timeout_ms"`

	Serial SerialConfig  `json:"serial"`
	Bridge *BridgeConfig `json:"bridge,omitempty"`
	Linux  *LinuxConfig  `json:"linux,omitempty"`
}

type SerialConfig struct {
	Device        string `json:"device"`
	Baud          int    `json:"baud"`
	ReadTimeoutMS int    `json:"read_timeout_ms"`
	Driver        string `json:"driver"` // tarm or bugst
}

// BridgeConfig places the chip on the bridge firmware's pins.
type BridgeConfig struct {
	SPIOID       uint8  `json:"spi_oid"`
	SPIBus       uint32 `json:"spi_bus"`
	SPIMode      uint32 `json:"spi_mode"`
	SPIRate      uint32 `json:"spi_rate"`
	CSPin        int    `json:"cs_pin"`
	CSActiveHigh bool   `json:"cs_active_high"`
	ResetOID     uint8  `json:"reset_oid"`
	ResetPin     int    `json:"reset_pin"`
	IntOID       uint8  `json:"int_oid"`
	IntPin       int    `json:"int_pin"`
}

// LinuxConfig names the spidev port and GPIO lines for the periph backend.
type LinuxConfig struct {
	Port      string `json:"port"`
	Frequency int64  `json:"frequency"`
	Mode      int    `json:"mode"`
	CSPin     string `json:"cs_pin"`
	ResetPin  string `json:"reset_pin"`
	IntPin    string `json:"int_pin"`
}

// LoadConfig parses a JSON configuration and applies defaults.
func LoadConfig(jsonData []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(jsonData, &config); err != nil {
		return nil, err
	}
	applyDefaults(&config)
	return &config, nil
}

// LoadFile reads and parses the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	config, err := LoadConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}

// Default returns the configuration used without a file.
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.Backend == "" {
		config.Backend = BackendBridge
	}
	if config.CommandTimeoutMS == 0 {
		config.CommandTimeoutMS = 1000
	}

	if config.Serial.Device == "" {
		config.Serial.Device = "/dev/ttyACM0"
	}
	if config.Serial.Baud == 0 {
		config.Serial.Baud = 250000
	}
	if config.Serial.ReadTimeoutMS == 0 {
		config.Serial.ReadTimeoutMS = 100
	}
	if config.Serial.Driver == "" {
		config.Serial.Driver = string(serial.DriverTarm)
	}

	// Pins are only defaulted together: 0 is a valid pin number.
	if config.Bridge == nil {
		d := bridge.DefaultDeviceConfig()
		config.Bridge = &BridgeConfig{
			SPIOID:   d.SPIOID,
			SPIBus:   d.Bus,
			SPIMode:  d.Mode,
			SPIRate:  d.Rate,
			CSPin:    int(d.CSPin),
			ResetOID: d.ResetOID,
			ResetPin: int(d.ResetPin),
			IntOID:   d.IntOID,
			IntPin:   int(d.IntPin),
		}
	}
	if config.Bridge.SPIRate == 0 {
		config.Bridge.SPIRate = 4_000_000
	}

	if config.Linux == nil {
		d := periphspi.DefaultConfig()
		config.Linux = &LinuxConfig{
			Port:      d.Port,
			Frequency: d.Frequency,
			Mode:      d.Mode,
			CSPin:     d.CSPin,
			ResetPin:  d.ResetPin,
			IntPin:    d.IntPin,
		}
	}
	if config.Linux.Frequency == 0 {
		config.Linux.Frequency = 8_000_000
	}
}

// Validate checks values the backends would otherwise reject late.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendBridge, BackendPeriph, BackendSim:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.CommandTimeoutMS < 0 {
		return fmt.Errorf("command_timeout_ms must be positive")
	}

	switch serial.Driver(c.Serial.Driver) {
	case serial.DriverTarm, serial.DriverBugst:
	default:
		return fmt.Errorf("unknown serial driver %q", c.Serial.Driver)
	}

	b := c.Bridge
	if b.SPIMode != 0 && b.SPIMode != 3 {
		return fmt.Errorf("bridge spi_mode %d: the MCP2515 supports modes 0 and 3", b.SPIMode)
	}
	if b.SPIRate > 10_000_000 {
		return fmt.Errorf("bridge spi_rate %d above the MCP2515's 10 MHz", b.SPIRate)
	}
	for name, pin := range map[string]int{"cs_pin": b.CSPin, "reset_pin": b.ResetPin, "int_pin": b.IntPin} {
		if pin < NoPin {
			return fmt.Errorf("bridge %s %d invalid", name, pin)
		}
	}
	if b.SPIOID == b.ResetOID && b.ResetPin != NoPin || b.SPIOID == b.IntOID && b.IntPin != NoPin ||
		b.ResetOID == b.IntOID && b.ResetPin != NoPin && b.IntPin != NoPin {
		return fmt.Errorf("bridge object ids must be distinct")
	}

	l := c.Linux
	if l.Mode != 0 && l.Mode != 3 {
		return fmt.Errorf("linux mode %d: the MCP2515 supports modes 0 and 3", l.Mode)
	}
	if l.Frequency < 0 || l.Frequency > 10_000_000 {
		return fmt.Errorf("linux frequency %d out of range", l.Frequency)
	}
	return nil
}

// CommandTimeout returns the response timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

// SerialPort returns the serial settings for the bridge backend.
func (c *Config) SerialPort() *serial.Config {
	return &serial.Config{
		Device:      c.Serial.Device,
		Baud:        c.Serial.Baud,
		ReadTimeout: c.Serial.ReadTimeoutMS,
		Driver:      serial.Driver(c.Serial.Driver),
	}
}

// BridgeDevice returns the firmware object layout.
func (c *Config) BridgeDevice() bridge.DeviceConfig {
	b := c.Bridge
	return bridge.DeviceConfig{
		SPIOID:   b.SPIOID,
		Bus:      b.SPIBus,
		Mode:     b.SPIMode,
		Rate:     b.SPIRate,
		CSPin:    uint32(max(b.CSPin, 0)),
		NoCS:     b.CSPin == NoPin,
		CSHigh:   b.CSActiveHigh,
		ResetOID: b.ResetOID,
		ResetPin: uint32(max(b.ResetPin, 0)),
		NoReset:  b.ResetPin == NoPin,
		IntOID:   b.IntOID,
		IntPin:   uint32(max(b.IntPin, 0)),
		NoInt:    b.IntPin == NoPin,
	}
}

// LinuxSPI returns the periph backend settings.
func (c *Config) LinuxSPI() periphspi.Config {
	l := c.Linux
	return periphspi.Config{
		Port:      l.Port,
		Frequency: l.Frequency,
		Mode:      l.Mode,
		CSPin:     l.CSPin,
		ResetPin:  l.ResetPin,
		IntPin:    l.IntPin,
	}
}
