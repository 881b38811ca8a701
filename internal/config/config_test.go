package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GetSession().MaxClients != DefaultMaxClients {
		t.Fatalf("MaxClients = %d, want %d", cfg.GetSession().MaxClients, DefaultMaxClients)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := `{"session": {"max_clients": 4, "crc_rate_ticks": 0}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.GetSession()
	if s.MaxClients != 4 {
		t.Errorf("MaxClients = %d, want 4", s.MaxClients)
	}
	if s.CRCRate != 0 {
		t.Errorf("CRCRate = %d, want 0", s.CRCRate)
	}
	if s.FixedRate != 33 {
		t.Errorf("FixedRate = %d, want default 33", s.FixedRate)
	}
	if cfg.GetNetwork().SessionPort != DefaultSessionPort {
		t.Errorf("SessionPort = %d, want default", cfg.GetNetwork().SessionPort)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestUpdateSessionField(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.UpdateSessionField("send_threshold", 9); err != nil {
		t.Fatalf("UpdateSessionField: %v", err)
	}
	if got := cfg.GetSession().SendThreshold; got != 9 {
		t.Fatalf("SendThreshold = %d, want 9", got)
	}
	if err := cfg.UpdateSessionField("no_such_field", 1); err == nil {
		t.Fatal("expected error for unknown field")
	}
	if err := cfg.UpdateSessionField("max_clients", "eight"); err == nil {
		t.Fatal("expected error for wrong type")
	}
}

func TestValidateDefaults(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("default config invalid: %v", result.Errors)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero clients", func(c *Config) { c.Session.MaxClients = 0 }, "session.max_clients"},
		{"too many clients", func(c *Config) { c.Session.MaxClients = 33 }, "session.max_clients"},
		{"crc without limit", func(c *Config) { c.Session.CRCResponseLimit = 0 }, "session.crc_response_limit_ticks"},
		{"tiny buffer", func(c *Config) { c.Session.BufferSize = 10 }, "session.buffer_size"},
		{"port clash", func(c *Config) { c.Network.APIPort = c.Network.SessionPort }, "network.ports"},
		{"bad address", func(c *Config) { c.Network.ListenAddress = "nowhere" }, "network.listen_address"},
		{"bad prune time", func(c *Config) { c.ApplicationData.History.PruneTime = "4am" }, "application_data.history.prune_time"},
		{"mqtt without broker", func(c *Config) { c.ApplicationData.MQTT.Enabled = true }, "application_data.mqtt.broker_url"},
		{"bad level", func(c *Config) { c.ApplicationData.Logging.Level = "loud" }, "application_data.logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := Validate(cfg)
			for _, e := range result.Errors {
				if e.Field == tt.field {
					return
				}
			}
			t.Fatalf("no error for %s, got %v", tt.field, result.Errors)
		})
	}
}

func TestValidateCRCDisabledNeedsNoLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.CRCRate = 0
	cfg.Session.CRCResponseLimit = 0
	if result := Validate(cfg); !result.IsValid() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	answers := strings.Join([]string{
		"4",    // max clients
		"",     // tick period
		"2",    // send threshold
		"0",    // crc disabled, no limit prompt
		"",     // listen address
		"7400", // session port
		"",     // api port
		"",     // database path
		"no",   // history
		"",     // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("RunSetupWizard: %v\n%s", err, out.String())
	}

	s := cfg.GetSession()
	if s.MaxClients != 4 || s.SendThreshold != 2 || s.CRCRate != 0 || s.FixedRate != 33 {
		t.Fatalf("unexpected session config %+v", s)
	}
	if cfg.GetNetwork().SessionPort != 7400 {
		t.Fatalf("SessionPort = %d, want 7400", cfg.GetNetwork().SessionPort)
	}
	if cfg.GetApplicationData().History.Enabled {
		t.Fatal("history should be disabled")
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("config not saved: %v", err)
	}
}

func TestSetupWizardGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	// an invalid client count, then decline the retry
	answers := "0\n\n\n\n\n\n\n\n\n\n\nno\n"

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out.String(), "session.max_clients") {
		t.Fatalf("error not reported to user:\n%s", out.String())
	}
}
