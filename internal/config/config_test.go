package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is api",
			check:  func(c *Config) bool { return c.Mode == "api" },
			expect: "api",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default slot IDs",
			check: func(c *Config) bool {
				return len(c.SlotIDs) == 3 && c.SlotIDs[0] == "preview-1" && c.SlotIDs[2] == "preview-3"
			},
			expect: "[preview-1 preview-2 preview-3]",
		},
		{
			name:   "default slot lease TTL is 1800s",
			check:  func(c *Config) bool { return c.SlotLeaseTTL == 1800*time.Second },
			expect: "1800s",
		},
		{
			name:   "default expire-to-failed policy is enabled",
			check:  func(c *Config) bool { return c.ExpireToFailed },
			expect: "true",
		},
		{
			name:   "default merge gate recheck is required",
			check:  func(c *Config) bool { return c.MergeGateRecheckRequired },
			expect: "true",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestPreviewDBName(t *testing.T) {
	cfg := &Config{PreviewDBNameTemplate: "app_preview_{n}"}

	cases := map[string]string{
		"preview-1": "app_preview_1",
		"preview-2": "app_preview_2",
		"preview-3": "app_preview_3",
	}
	for slotID, want := range cases {
		if got := cfg.PreviewDBName(slotID); got != want {
			t.Errorf("PreviewDBName(%q) = %q, want %q", slotID, got, want)
		}
	}
}

func TestSeedAndSnapshotFilePath(t *testing.T) {
	cfg := &Config{
		SeedFileTemplate:     "seeds/{version}.sql",
		SnapshotFileTemplate: "snapshots/{version}.sql",
	}

	if got, want := cfg.SeedFilePath("v3"), "seeds/v3.sql"; got != want {
		t.Errorf("SeedFilePath = %q, want %q", got, want)
	}
	if got, want := cfg.SnapshotFilePath("v3"), "snapshots/v3.sql"; got != want {
		t.Errorf("SnapshotFilePath = %q, want %q", got, want)
	}
}
