package cliconfig

import (
	"os"
	"time"
)

// EnvPrefix prefixes every environment variable read by ApplyEnvConfig.
const EnvPrefix = "DEVLINK_"

// ApplyEnvConfig applies configuration from environment variables (DEVLINK_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)
	env := func(name string) string { return os.Getenv(EnvPrefix + name) }

	s.setString("network", env("NETWORK"), &cfg.Network)
	s.setString("address", env("ADDRESS"), &cfg.Address)
	s.setString("device-name", env("DEVICE_NAME"), &cfg.DeviceName)
	s.setString("sampler-mode", env("SAMPLER_MODE"), &cfg.SamplerMode)
	s.setString("hash", env("HASH"), &cfg.HashAlgo)
	s.setString("tcp-listen", env("TCP_LISTEN"), &cfg.TCPListen)
	s.setString("udp-listen", env("UDP_LISTEN"), &cfg.UDPListen)
	s.setString("file-root", env("FILE_ROOT"), &cfg.FileRoot)
	s.setString("outbox-policy", env("OUTBOX_POLICY"), &cfg.OutboxPolicy)
	s.setString("metrics-addr", env("METRICS_ADDR"), &cfg.MetricsAddr)
	s.setString("log-level", env("LOG_LEVEL"), &cfg.LogLevel)

	durations := []struct {
		flag string
		name string
		dst  *time.Duration
	}{
		{"receive-timeout", "RECEIVE_TIMEOUT", &cfg.ReceiveTimeout},
		{"connect-timeout", "CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"detection-interval", "DETECTION_INTERVAL", &cfg.DetectionInterval},
		{"resume-interval", "RESUME_INTERVAL", &cfg.ResumeInterval},
		{"poll-interval", "POLL_INTERVAL", &cfg.PollInterval},
		{"retry-sleep", "RETRY_SLEEP", &cfg.RetrySleep},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, env(d.name), d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		flag string
		name string
		dst  *int
	}{
		{"detection-count", "DETECTION_COUNT", &cfg.DetectionCount},
		{"retry-attempts", "RETRY_ATTEMPTS", &cfg.RetryAttempts},
		{"packet-length", "PACKET_LENGTH", &cfg.PacketLength},
		{"outbox-capacity", "OUTBOX_CAPACITY", &cfg.OutboxCapacity},
	}
	for _, i := range ints {
		if err := s.setIntFromString(i.flag, env(i.name), i.dst); err != nil {
			return err
		}
	}

	return nil
}
