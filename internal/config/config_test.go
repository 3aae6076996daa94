package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":11211", cfg.Listen)
	require.GreaterOrEqual(t, cfg.Workers, 1)
}

func TestParse_JSONCOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		// comments and trailing commas are allowed
		"listen": "127.0.0.1:9999",
		"workers": 3,
		"sweep_interval": "250ms",
	}`))
	require.NoError(t, err)

	want := Default()
	want.Listen = "127.0.0.1:9999"
	want.Workers = 3
	want.SweepInterval = Duration(250 * time.Millisecond)
	require.Equal(t, want, cfg)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"malformed", `{"listen": `},
		{"unknown field", `{"listn": ":1"}`},
		{"bad duration", `{"sweep_interval": "soon"}`},
		{"zero workers", `{"workers": 0}`},
		{"min not power of two", `{"min_block_size": 100}`},
		{"min above max", `{"min_block_size": 1024, "max_block_size": 512}`},
		{"regular equals segment", `{"segment_size": 8, "regular_size": 8}`},
		{"depth too deep", `{"max_depth": 33}`},
		{"negative sweep", `{"sweep_interval": "-1s"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.ErrorIs(t, err, errConfigInvalid)
		})
	}
}

func TestParse_DepthCap(t *testing.T) {
	cfg, err := Parse([]byte(`{"max_depth": 32}`))
	require.NoError(t, err)
	require.Equal(t, 32, cfg.MaxDepth)
}

func TestWriteLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dashcache.json")

	cfg := Default()
	cfg.Workers = 7
	cfg.SweepInterval = Duration(5 * time.Second)
	require.NoError(t, Write(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"sweep_interval": "5s"`)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, errConfigFileRead)
	require.ErrorIs(t, err, os.ErrNotExist)
}
