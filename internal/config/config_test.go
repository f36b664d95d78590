package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if err := cfg.ValidateAgent(); err == nil {
		t.Fatal("default agent config has no user id and must not validate")
	}
	if cfg.Call.RingTimeout() != 30*time.Second || cfg.Call.DeleteGrace() != 5*time.Second {
		t.Fatalf("durations: %s %s", cfg.Call.RingTimeout(), cfg.Call.DeleteGrace())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Signal.Backend = "redis" }, "signal.backend"},
		{"hub url scheme", func(c *Config) {
			c.Signal.Backend = BackendHub
			c.Signal.HubURL = "http://hub:8790/ws"
		}, "signal.hub_url"},
		{"hub url unspecified", func(c *Config) {
			c.Signal.Backend = BackendHub
			c.Signal.HubURL = "ws://0.0.0.0:8790/ws"
		}, "signal.hub_url"},
		{"ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }, "ring_timeout"},
		{"stale window", func(c *Config) { c.Call.StaleAfterSec = 30 }, "stale_after"},
		{"turn without credentials", func(c *Config) {
			c.Call.ICEServers = []ICEServer{{URLs: []string{"turn:relay.example.org:3478"}}}
		}, "ice_servers[0]"},
		{"ice scheme", func(c *Config) {
			c.Call.ICEServers = []ICEServer{{URLs: []string{"http://x"}}}
		}, "ice_servers[0]"},
		{"ice timeouts", func(c *Config) { c.Media.ICEFailedSec = 5 }, "ice_failed"},
		{"agent addr", func(c *Config) { c.Agent.HTTPAddr = "nope" }, "agent.http_addr"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"subsystem level", func(c *Config) { c.Log.Subsystems = map[string]string{"call": "chatty"} }, "log.subsystems.call"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	ok := Default()
	ok.Signal.Backend = BackendHub
	ok.Call.ICEServers = append(ok.Call.ICEServers, ICEServer{
		URLs: []string{"turn:relay.example.org:3478?transport=udp"}, Username: "u", Credential: "p",
	})
	if err := ok.Validate(); err != nil {
		t.Fatalf("hub config: %v", err)
	}
}

func TestEnsureAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("Ensure = %v, created=%v", err, created)
	}
	cfg.Identity.UserID = "guardian-7"
	cfg.Identity.Name = "Greta"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, created, err := Ensure(path)
	if err != nil || created {
		t.Fatalf("second Ensure = %v, created=%v", err, created)
	}
	if got.Identity.UserID != "guardian-7" || got.Identity.Name != "Greta" {
		t.Fatalf("identity = %+v", got.Identity)
	}
	if err := got.ValidateAgent(); err != nil {
		t.Fatalf("ValidateAgent: %v", err)
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	raw := "\xEF\xBB\xBF" + `{"identity":{"user_id":"u1"},"call":{"ring_timeout_seconds":45}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Call.RingTimeoutSec != 45 || cfg.Call.StaleAfterSec != 120 || cfg.Signal.Backend != BackendSQLite {
		t.Fatalf("cfg = %+v", cfg.Call)
	}
}

func TestLoadPartialSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(`{"signal":{"backend":"carrier-pigeon"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted an invalid backend")
	}
	cfg, err := LoadPartial(path)
	if err != nil || cfg.Signal.Backend != "carrier-pigeon" {
		t.Fatalf("LoadPartial = %+v, %v", cfg.Signal, err)
	}
}
