package main

import (
	"testing"
	"time"

	"github.com/jwilder/dashcache/internal/config"
	"github.com/spf13/pflag"
)

func TestApplyOverrides_OnlyChangedFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addServerFlags(fs)
	if err := fs.Parse([]string{"--workers", "3", "--sweep", "250ms"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg := config.Default()
	cfg.Listen = ":9999"
	applyOverrides(fs, &cfg)

	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Workers)
	}
	if time.Duration(cfg.SweepInterval) != 250*time.Millisecond {
		t.Errorf("SweepInterval = %v, want 250ms", time.Duration(cfg.SweepInterval))
	}
	if cfg.Listen != ":9999" {
		t.Errorf("Listen = %q, want the file value to survive", cfg.Listen)
	}
}

func TestGenerateDeterministicKey(t *testing.T) {
	tests := []struct {
		size, index int
		want        string
	}{
		{16, 7, "key:000000000007"},
		{8, 42, "key:0042"},
		{6, 123456, "123456"},
	}
	for _, tt := range tests {
		if got := string(generateDeterministicKey(tt.size, tt.index)); got != tt.want {
			t.Errorf("generateDeterministicKey(%d, %d) = %q, want %q", tt.size, tt.index, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:              "512 B",
		2048:             "2.00 KB",
		16 * 1024 * 1024: "16.00 MB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
