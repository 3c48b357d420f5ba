package cliconfig

import (
	"testing"
	"time"
)

func TestApplyEnvConfig(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		changed  map[string]bool
		initial  Config
		expected Config
		wantErr  bool
	}{
		{
			name: "applies all valid env vars",
			envVars: map[string]string{
				"DEVLINK_NETWORK":            "udp",
				"DEVLINK_ADDRESS":            "10.0.0.1:9000",
				"DEVLINK_DETECTION_INTERVAL": "2s",
				"DEVLINK_DETECTION_COUNT":    "4",
				"DEVLINK_SAMPLER_MODE":       "single",
				"DEVLINK_OUTBOX_CAPACITY":    "16",
			},
			changed: map[string]bool{},
			initial: Config{},
			expected: Config{
				Network:           "udp",
				Address:           "10.0.0.1:9000",
				DetectionInterval: 2 * time.Second,
				DetectionCount:    4,
				SamplerMode:       "single",
				OutboxCapacity:    16,
			},
			wantErr: false,
		},
		{
			name: "respects changed flags",
			envVars: map[string]string{
				"DEVLINK_ADDRESS":     "env:1",
				"DEVLINK_DEVICE_NAME": "env-device",
			},
			changed: map[string]bool{"address": true},
			initial: Config{
				Address: "flag:1",
			},
			expected: Config{
				Address:    "flag:1",
				DeviceName: "env-device",
			},
			wantErr: false,
		},
		{
			name: "returns error for invalid duration",
			envVars: map[string]string{
				"DEVLINK_RECEIVE_TIMEOUT": "not-a-duration",
			},
			changed:  map[string]bool{},
			initial:  Config{},
			expected: Config{},
			wantErr:  true,
		},
		{
			name: "returns error for invalid int",
			envVars: map[string]string{
				"DEVLINK_RETRY_ATTEMPTS": "not-a-number",
			},
			changed:  map[string]bool{},
			initial:  Config{},
			expected: Config{},
			wantErr:  true,
		},
		{
			name: "ignores non-positive int",
			envVars: map[string]string{
				"DEVLINK_PACKET_LENGTH": "0",
			},
			changed:  map[string]bool{},
			initial:  Config{PacketLength: 512},
			expected: Config{PacketLength: 512},
			wantErr:  false,
		},
		{
			name: "handles all field types correctly",
			envVars: map[string]string{
				"DEVLINK_NETWORK":            "serial",
				"DEVLINK_ADDRESS":            "/dev/ttyUSB0",
				"DEVLINK_DEVICE_NAME":        "meter",
				"DEVLINK_RECEIVE_TIMEOUT":    "1s",
				"DEVLINK_CONNECT_TIMEOUT":    "2s",
				"DEVLINK_DETECTION_INTERVAL": "3s",
				"DEVLINK_RESUME_INTERVAL":    "4s",
				"DEVLINK_DETECTION_COUNT":    "5",
				"DEVLINK_SAMPLER_MODE":       "single",
				"DEVLINK_POLL_INTERVAL":      "50ms",
				"DEVLINK_RETRY_ATTEMPTS":     "6",
				"DEVLINK_RETRY_SLEEP":        "7ms",
				"DEVLINK_PACKET_LENGTH":      "4096",
				"DEVLINK_HASH":               "sha256",
				"DEVLINK_TCP_LISTEN":         ":7000",
				"DEVLINK_UDP_LISTEN":         ":7001",
				"DEVLINK_FILE_ROOT":          "/srv",
				"DEVLINK_OUTBOX_CAPACITY":    "8",
				"DEVLINK_OUTBOX_POLICY":      "drop-newest",
				"DEVLINK_METRICS_ADDR":       ":9100",
				"DEVLINK_LOG_LEVEL":          "debug",
			},
			changed: map[string]bool{},
			initial: Config{},
			expected: Config{
				Network:           "serial",
				Address:           "/dev/ttyUSB0",
				DeviceName:        "meter",
				ReceiveTimeout:    time.Second,
				ConnectTimeout:    2 * time.Second,
				DetectionInterval: 3 * time.Second,
				ResumeInterval:    4 * time.Second,
				DetectionCount:    5,
				SamplerMode:       "single",
				PollInterval:      50 * time.Millisecond,
				RetryAttempts:     6,
				RetrySleep:        7 * time.Millisecond,
				PacketLength:      4096,
				HashAlgo:          "sha256",
				TCPListen:         ":7000",
				UDPListen:         ":7001",
				FileRoot:          "/srv",
				OutboxCapacity:    8,
				OutboxPolicy:      "drop-newest",
				MetricsAddr:       ":9100",
				LogLevel:          "debug",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := tt.initial
			err := ApplyEnvConfig(&cfg, tt.changed)

			if tt.wantErr && err == nil {
				t.Error("ApplyEnvConfig() expected error but got nil")
				return
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ApplyEnvConfig() unexpected error: %v", err)
				return
			}

			if !tt.wantErr && cfg != tt.expected {
				t.Errorf("ApplyEnvConfig() = %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}
