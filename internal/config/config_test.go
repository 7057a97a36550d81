package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT",
		"MIDDLEMAN_STEER_CANCEL_TIMEOUT",
		"MIDDLEMAN_GRACEFUL_STOP_TIMEOUT",
		"MIDDLEMAN_RPC_TIMEOUT",
		"MIDDLEMAN_HISTORY_PER_AGENT",
		"MIDDLEMAN_SUBSCRIBER_QUEUE",
		"MIDDLEMAN_RPC_COMPAT_REJECT_OLDEST",
	} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "7070" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Timeout.GracefulStop != 5*time.Second {
		t.Errorf("GracefulStop = %v", cfg.Timeout.GracefulStop)
	}
	if cfg.Timeout.SteerCancel != 15*time.Second {
		t.Errorf("SteerCancel = %v", cfg.Timeout.SteerCancel)
	}
	if cfg.Timeout.RPC != 300*time.Second {
		t.Errorf("RPC = %v", cfg.Timeout.RPC)
	}
	if cfg.Capacity.HistoryPerAgent != 2000 {
		t.Errorf("HistoryPerAgent = %d", cfg.Capacity.HistoryPerAgent)
	}
	if cfg.Capacity.SubscriberQueue != 1000 {
		t.Errorf("SubscriberQueue = %d", cfg.Capacity.SubscriberQueue)
	}
	if cfg.RPCCompatRejectOldest {
		t.Error("RPCCompatRejectOldest should default to off")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("MIDDLEMAN_STEER_CANCEL_TIMEOUT", "30s")
	t.Setenv("MIDDLEMAN_RUNTIME_CMD", "/usr/bin/agent --serve")
	t.Setenv("MIDDLEMAN_RPC_COMPAT_REJECT_OLDEST", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Timeout.SteerCancel != 30*time.Second {
		t.Errorf("SteerCancel = %v", cfg.Timeout.SteerCancel)
	}
	if len(cfg.Runtime.Command) != 2 || cfg.Runtime.Command[0] != "/usr/bin/agent" {
		t.Errorf("Runtime.Command = %v", cfg.Runtime.Command)
	}
	if !cfg.RPCCompatRejectOldest {
		t.Error("RPCCompatRejectOldest override not applied")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Port:    "7070",
			DataDir: "/tmp/mm",
			Runtime: RuntimeConfig{Command: []string{"agent"}},
			Capacity: CapacityConfig{
				HistoryPerAgent: 2000,
				SubscriberQueue: 1000,
			},
			Timeout: TimeoutConfig{SteerCancel: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty port", func(c *Config) { c.Port = "" }, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, true},
		{"empty runtime command", func(c *Config) { c.Runtime.Command = nil }, true},
		{"history below floor", func(c *Config) { c.Capacity.HistoryPerAgent = 100 }, true},
		{"zero subscriber queue", func(c *Config) { c.Capacity.SubscriberQueue = 0 }, true},
		{"zero steer timeout", func(c *Config) { c.Timeout.SteerCancel = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
