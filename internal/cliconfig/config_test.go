package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bft-labs/devlink/pkg/sampler"
	"github.com/bft-labs/devlink/pkg/sender"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network != "tcp" {
		t.Errorf("Network = %v, want tcp", cfg.Network)
	}
	if cfg.DetectionInterval != time.Second {
		t.Errorf("DetectionInterval = %v, want 1s", cfg.DetectionInterval)
	}
	if cfg.DetectionCount != 3 {
		t.Errorf("DetectionCount = %v, want 3", cfg.DetectionCount)
	}
	if cfg.PacketLength != 1<<20 {
		t.Errorf("PacketLength = %v, want 1MiB", cfg.PacketLength)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"udp network", func(c *Config) { c.Network = "udp" }, false},
		{"serial network", func(c *Config) { c.Network = "serial" }, false},
		{"unknown network", func(c *Config) { c.Network = "sctp" }, true},
		{"zero receive timeout", func(c *Config) { c.ReceiveTimeout = 0 }, true},
		{"negative connect timeout", func(c *Config) { c.ConnectTimeout = -1 }, true},
		{"zero detection interval", func(c *Config) { c.DetectionInterval = 0 }, true},
		{"zero detection count", func(c *Config) { c.DetectionCount = 0 }, true},
		{"single mode", func(c *Config) { c.SamplerMode = "single" }, false},
		{"unknown mode", func(c *Config) { c.SamplerMode = "shared" }, true},
		{"zero retry attempts", func(c *Config) { c.RetryAttempts = 0 }, true},
		{"packet length too large", func(c *Config) { c.PacketLength = 9 << 20 }, true},
		{"sha256", func(c *Config) { c.HashAlgo = "sha256" }, false},
		{"unknown hash", func(c *Config) { c.HashAlgo = "crc32" }, true},
		{"drop newest", func(c *Config) { c.OutboxPolicy = "drop-newest" }, false},
		{"unknown policy", func(c *Config) { c.OutboxPolicy = "block" }, true},
		{"zero outbox", func(c *Config) { c.OutboxCapacity = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() expected error but got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestConfig_Derived(t *testing.T) {
	cfg := DefaultConfig()

	if _, err := cfg.Device(); err == nil {
		t.Error("Device() expected error without address")
	}

	cfg.Address = "10.0.0.7:502"
	cfg.DeviceName = "plc-7"
	dev, err := cfg.Device()
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if dev.Name != "plc-7" || dev.Address != "10.0.0.7:502" || dev.ReceiveTimeout != cfg.ReceiveTimeout {
		t.Errorf("Device() = %+v", dev)
	}

	cfg.SamplerMode = "single"
	sc, err := cfg.Sampler()
	if err != nil {
		t.Fatalf("Sampler() error = %v", err)
	}
	if sc.Mode != sampler.ModeSingle || sc.DetectionCount != cfg.DetectionCount {
		t.Errorf("Sampler() = %+v", sc)
	}

	cfg.RetryAttempts = 5
	if r := cfg.Retry(); r.Attempts != 5 || r.Sleep != cfg.RetrySleep {
		t.Errorf("Retry() = %+v", r)
	}

	cfg.UDPListen = ":7001"
	cfg.OutboxPolicy = "drop-newest"
	srv := cfg.Server()
	if srv.UDPAddr != ":7001" || srv.OutboxPolicy != sender.DropNewest {
		t.Errorf("Server() = %+v", srv)
	}

	cfg.OutboxCapacity = 2
	ring := cfg.Outbox()
	for _, p := range []string{"a", "b", "c"} {
		ring.Push([]byte(p))
	}
	if ring.Cap() != 2 || ring.Dropped() != 1 {
		t.Errorf("Outbox() cap=%d dropped=%d", ring.Cap(), ring.Dropped())
	}
	if got := ring.Drain(); string(got[0]) != "a" {
		t.Errorf("Outbox() kept %q first, want drop-newest", got[0])
	}
}

func TestConfigSetter_RespectsChangedFlags(t *testing.T) {
	s := newConfigSetter(map[string]bool{"address": true})

	dst := "flag"
	s.setString("address", "file", &dst)
	if dst != "flag" {
		t.Errorf("setString overwrote a changed flag: %v", dst)
	}

	n := 1
	s.setInt("retry-attempts", 0, &n)
	if n != 1 {
		t.Errorf("setInt applied a non-positive value: %v", n)
	}
	if err := s.setIntFromString("retry-attempts", "x", &n); err == nil {
		t.Error("setIntFromString() expected error for invalid int")
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
address = "file:1"
device_name = "from-file"
detection_count = 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DEVLINK_DEVICE_NAME", "from-env")

	cfg := DefaultConfig()
	cfg.DetectionCount = 7 // set by flag
	used, err := Load(&cfg, path, map[string]bool{"detection-count": true})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if used != path {
		t.Errorf("Load() path = %v, want %v", used, path)
	}
	if cfg.Address != "file:1" {
		t.Errorf("Address = %v, want file:1", cfg.Address)
	}
	if cfg.DeviceName != "from-env" {
		t.Errorf("DeviceName = %v, want from-env", cfg.DeviceName)
	}
	if cfg.DetectionCount != 7 {
		t.Errorf("DetectionCount = %v, want 7", cfg.DetectionCount)
	}
}

func TestLoad_MissingFileIsSkipped(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := Load(&cfg, filepath.Join(t.TempDir(), "none.toml"), nil); err != nil {
		t.Errorf("Load() error = %v", err)
	}
}

func TestLoad_InvalidConfigFails(t *testing.T) {
	t.Setenv("DEVLINK_SAMPLER_MODE", "shared")
	cfg := DefaultConfig()
	if _, err := Load(&cfg, filepath.Join(t.TempDir(), "none.toml"), nil); err == nil {
		t.Error("Load() expected validation error")
	}
}
