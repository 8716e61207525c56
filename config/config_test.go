package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mcpcan/host/serial"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.Backend != BackendBridge || c.CommandTimeout() != time.Second {
		t.Errorf("backend %q timeout %v", c.Backend, c.CommandTimeout())
	}

	sp := c.SerialPort()
	if sp.Device != "/dev/ttyACM0" || sp.Baud != 250000 || sp.ReadTimeout != 100 || sp.Driver != serial.DriverTarm {
		t.Errorf("serial = %+v", sp)
	}

	dev := c.BridgeDevice()
	if dev.CSPin != 17 || dev.ResetPin != 20 || dev.IntPin != 21 || dev.NoCS || dev.NoReset || dev.NoInt {
		t.Errorf("bridge device = %+v", dev)
	}
	if dev.Rate != 4_000_000 {
		t.Errorf("rate = %d", dev.Rate)
	}

	if l := c.LinuxSPI(); l.Port != "SPI0.0" || l.Frequency != 8_000_000 {
		t.Errorf("linux = %+v", l)
	}
}

func TestLoadConfig(t *testing.T) {
	c, err := LoadConfig([]byte(`{
		"backend": "sim",
		"serial": {"device": "/dev/ttyUSB1", "driver": "bugst"},
		"bridge": {"spi_oid": 4, "cs_pin": 5, "reset_pin": -1, "int_oid": 6, "int_pin": 0, "spi_mode": 3},
		"linux": {"port": "/dev/spidev1.0", "cs_pin": "GPIO8"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if c.Serial.Baud != 250000 || c.Serial.Device != "/dev/ttyUSB1" {
		t.Errorf("serial = %+v", c.Serial)
	}
	dev := c.BridgeDevice()
	if dev.SPIOID != 4 || dev.CSPin != 5 || !dev.NoReset || dev.IntPin != 0 || dev.NoInt || dev.Mode != 3 {
		t.Errorf("bridge device = %+v", dev)
	}
	if dev.Rate != 4_000_000 {
		t.Errorf("rate default not applied: %d", dev.Rate)
	}
	l := c.LinuxSPI()
	if l.Port != "/dev/spidev1.0" || l.CSPin != "GPIO8" || l.Frequency != 8_000_000 || l.ResetPin != "" {
		t.Errorf("linux = %+v", l)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		json string
		want string
	}{
		{"backend", `{"backend": "usb"}`, "unknown backend"},
		{"driver", `{"serial": {"driver": "ftdi"}}`, "unknown serial driver"},
		{"mode", `{"bridge": {"spi_mode": 1, "reset_oid": 1, "int_oid": 2}}`, "spi_mode"},
		{"rate", `{"bridge": {"spi_rate": 20000000, "reset_oid": 1, "int_oid": 2}}`, "spi_rate"},
		{"pin", `{"bridge": {"cs_pin": -2, "reset_oid": 1, "int_oid": 2}}`, "cs_pin"},
		{"oids", `{"bridge": {"spi_oid": 1, "reset_oid": 1, "int_oid": 2}}`, "distinct"},
		{"linux mode", `{"linux": {"mode": 2}}`, "linux mode"},
	}
	for _, tc := range cases {
		c, err := LoadConfig([]byte(tc.json))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		err = c.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: Validate = %v, want %q", tc.name, err, tc.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpcan.json")
	if err := os.WriteFile(path, []byte(`{"command_timeout_ms": 250}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.CommandTimeout() != 250*time.Millisecond {
		t.Errorf("timeout = %v", c.CommandTimeout())
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file accepted")
	}
	bad := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(bad, []byte("{"), 0o644)
	if _, err := LoadFile(bad); err == nil {
		t.Error("bad json accepted")
	}
}
