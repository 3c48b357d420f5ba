package cliconfig

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/pool"
	"github.com/bft-labs/devlink/pkg/sampler"
	"github.com/bft-labs/devlink/pkg/sender"
	"github.com/bft-labs/devlink/pkg/server"
	"github.com/bft-labs/devlink/pkg/transfer"
)

// Config holds CLI configuration for devlink.
type Config struct {
	// Client side.
	Network        string
	Address        string
	DeviceName     string
	ReceiveTimeout time.Duration
	ConnectTimeout time.Duration

	DetectionInterval time.Duration
	ResumeInterval    time.Duration
	DetectionCount    int
	SamplerMode       string
	PollInterval      time.Duration

	RetryAttempts int
	RetrySleep    time.Duration
	PacketLength  int
	HashAlgo      string

	// Server side.
	TCPListen      string
	UDPListen      string
	FileRoot       string
	OutboxCapacity int
	OutboxPolicy   string

	MetricsAddr string
	LogLevel    string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Network:           channel.NetworkTCP,
		ReceiveTimeout:    3 * time.Second,
		ConnectTimeout:    5 * time.Second,
		DetectionInterval: sampler.DefaultDetectionInterval,
		ResumeInterval:    sampler.DefaultResumeInterval,
		DetectionCount:    sampler.DefaultDetectionCount,
		SamplerMode:       sampler.ModeMulti.String(),
		PollInterval:      sampler.DefaultPollInterval,
		RetryAttempts:     3,
		RetrySleep:        200 * time.Millisecond,
		PacketLength:      transfer.DefaultPacketLength,
		HashAlgo:          transfer.MD5.Name(),
		FileRoot:          ".",
		OutboxCapacity:    server.DefaultOutboxCapacity,
		OutboxPolicy:      sender.DropOldest.String(),
		LogLevel:          "info",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Network {
	case channel.NetworkTCP, channel.NetworkUDP, channel.NetworkSerial:
	default:
		return fmt.Errorf("network must be one of tcp, udp, serial (got %q)", c.Network)
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("receive timeout must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}
	if c.PacketLength <= 0 || c.PacketLength > transfer.MaxPacketLength {
		return fmt.Errorf("packet length must be in (0, %d]", transfer.MaxPacketLength)
	}
	if _, err := transfer.HasherByName(c.HashAlgo); err != nil {
		return err
	}
	if _, err := sender.ParseOverflowPolicy(c.OutboxPolicy); err != nil {
		return err
	}
	if c.OutboxCapacity <= 0 {
		return fmt.Errorf("outbox capacity must be positive")
	}
	if _, err := c.Sampler(); err != nil {
		return err
	}
	return nil
}

// Device returns the endpoint the client commands talk to.
func (c *Config) Device() (channel.Device, error) {
	if c.Address == "" {
		return channel.Device{}, fmt.Errorf("address is required")
	}
	return channel.Device{
		Name:           c.DeviceName,
		Network:        c.Network,
		Address:        c.Address,
		ReceiveTimeout: c.ReceiveTimeout,
		ConnectTimeout: c.ConnectTimeout,
	}, nil
}

// Sampler returns the sampler parameters.
func (c *Config) Sampler() (sampler.Config, error) {
	mode, err := sampler.ParseMode(c.SamplerMode)
	if err != nil {
		return sampler.Config{}, err
	}
	cfg := sampler.Config{
		DetectionInterval: c.DetectionInterval,
		ResumeInterval:    c.ResumeInterval,
		DetectionCount:    c.DetectionCount,
		Mode:              mode,
	}
	return cfg, cfg.Validate()
}

// Retry returns the call-site retry policy.
func (c *Config) Retry() pool.Retry {
	r := pool.DefaultRetry()
	r.Attempts = c.RetryAttempts
	r.Sleep = c.RetrySleep
	return r
}

// Server returns the server listen configuration.
func (c *Config) Server() server.Config {
	policy, _ := sender.ParseOverflowPolicy(c.OutboxPolicy)
	return server.Config{
		TCPAddr:        c.TCPListen,
		UDPAddr:        c.UDPListen,
		OutboxCapacity: c.OutboxCapacity,
		OutboxPolicy:   policy,
	}
}

// Outbox returns an empty ring sized and policed like the server outbox.
func (c *Config) Outbox() *sender.Ring {
	policy, _ := sender.ParseOverflowPolicy(c.OutboxPolicy)
	return sender.NewRing(c.OutboxCapacity, policy)
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// Load fills cfg from the config file and the environment, leaving values
// of changed flags alone, then validates it. An empty path selects
// DefaultConfigPath; a missing file is skipped. It returns the file path
// that was considered.
func Load(cfg *Config, path string, changed map[string]bool) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if path != "" && FileExists(path) {
		fc, err := LoadFileConfig(path)
		if err != nil {
			return path, fmt.Errorf("load config: %w", err)
		}
		if err := ApplyFileConfig(cfg, fc, changed); err != nil {
			return path, err
		}
	}
	if err := ApplyEnvConfig(cfg, changed); err != nil {
		return path, err
	}
	if err := SetLogLevel(cfg.LogLevel); err != nil {
		return path, err
	}
	return path, cfg.Validate()
}
