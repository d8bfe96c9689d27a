package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultFillsExpectedValues(t *testing.T) {
	cfg := Default()
	if cfg.Port != 3333 {
		t.Errorf("Port = %d, want 3333", cfg.Port)
	}
	if cfg.MaxMinersPerConnection != 100 {
		t.Errorf("MaxMinersPerConnection = %d, want 100", cfg.MaxMinersPerConnection)
	}
	if cfg.Path != "/" {
		t.Errorf("Path = %q, want /", cfg.Path)
	}
}

func TestValidateRequiresHostAndPort(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for missing host")
	}
	cfg.Host = "pool.example"
	cfg.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for missing port")
	}
}

func TestValidateDonationFields(t *testing.T) {
	cfg := Default()
	cfg.Host = "pool.example"
	cfg.Donations = []DonationConfig{{Address: "donate"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for donation missing host/port")
	}

	cfg.Donations = []DonationConfig{{Address: "donate", Host: "d.example", Port: 3333, Percentage: 1.5}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for percentage out of (0, 1]")
	}

	cfg.Donations = []DonationConfig{{Address: "donate", Host: "d.example", Port: 3333, Percentage: 0.1}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error for a valid donation: %v", err)
	}
}

func TestValidateRequiresMatchingKeyAndCert(t *testing.T) {
	cfg := Default()
	cfg.Host = "pool.example"
	cfg.Key = "server.key"
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for key without cert")
	}
	cfg.Cert = "server.crt"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error with matching key and cert: %v", err)
	}
}

func TestLoadParsesFileAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"host": "pool.example", "port": 4444, "pass": "x"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Host != "pool.example" || cfg.Port != 4444 {
		t.Errorf("Load did not parse upstream fields: %+v", cfg)
	}
	if cfg.MaxMinersPerConnection != 100 {
		t.Errorf("Load did not apply defaults: %+v", cfg)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 3333}`), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation to fail for a missing host")
	}
}
