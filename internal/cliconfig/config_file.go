package cliconfig

import (
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Network        string `toml:"network"`
	Address        string `toml:"address"`
	DeviceName     string `toml:"device_name"`
	ReceiveTimeout string `toml:"receive_timeout"`
	ConnectTimeout string `toml:"connect_timeout"`

	DetectionInterval string `toml:"detection_interval"`
	ResumeInterval    string `toml:"resume_interval"`
	DetectionCount    int    `toml:"detection_count"`
	SamplerMode       string `toml:"sampler_mode"`
	PollInterval      string `toml:"poll_interval"`

	RetryAttempts int    `toml:"retry_attempts"`
	RetrySleep    string `toml:"retry_sleep"`
	PacketLength  int    `toml:"packet_length"`
	HashAlgo      string `toml:"hash"`

	TCPListen      string `toml:"tcp_listen"`
	UDPListen      string `toml:"udp_listen"`
	FileRoot       string `toml:"file_root"`
	OutboxCapacity int    `toml:"outbox_capacity"`
	OutboxPolicy   string `toml:"outbox_policy"`

	MetricsAddr string `toml:"metrics_addr"`
	LogLevel    string `toml:"log_level"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.devlink/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".devlink", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("network", fc.Network, &cfg.Network)
	s.setString("address", fc.Address, &cfg.Address)
	s.setString("device-name", fc.DeviceName, &cfg.DeviceName)
	s.setString("sampler-mode", fc.SamplerMode, &cfg.SamplerMode)
	s.setString("hash", fc.HashAlgo, &cfg.HashAlgo)
	s.setString("tcp-listen", fc.TCPListen, &cfg.TCPListen)
	s.setString("udp-listen", fc.UDPListen, &cfg.UDPListen)
	s.setString("file-root", fc.FileRoot, &cfg.FileRoot)
	s.setString("outbox-policy", fc.OutboxPolicy, &cfg.OutboxPolicy)
	s.setString("metrics-addr", fc.MetricsAddr, &cfg.MetricsAddr)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"receive-timeout", fc.ReceiveTimeout, &cfg.ReceiveTimeout},
		{"connect-timeout", fc.ConnectTimeout, &cfg.ConnectTimeout},
		{"detection-interval", fc.DetectionInterval, &cfg.DetectionInterval},
		{"resume-interval", fc.ResumeInterval, &cfg.ResumeInterval},
		{"poll-interval", fc.PollInterval, &cfg.PollInterval},
		{"retry-sleep", fc.RetrySleep, &cfg.RetrySleep},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}

	s.setInt("detection-count", fc.DetectionCount, &cfg.DetectionCount)
	s.setInt("retry-attempts", fc.RetryAttempts, &cfg.RetryAttempts)
	s.setInt("packet-length", fc.PacketLength, &cfg.PacketLength)
	s.setInt("outbox-capacity", fc.OutboxCapacity, &cfg.OutboxCapacity)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
