package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/cardbridge/bridge"
	"github.com/ardnew/cardbridge/card"
	"github.com/ardnew/cardbridge/pkg"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, bridge.DefaultConfig(), cfg.BridgeConfig())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"vendor_id": "ACME",
		"card_path": "/dev/mmcblk0",
		"media_debounce": "200ms",
		"class_debounce": 5000000,
		"pins": {"clk": 14, "cmd": 15, "d0": 2, "one_bit": false}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ACME", cfg.VendorID)
	require.Equal(t, bridge.DefaultProductID, cfg.ProductID)
	require.Equal(t, "/dev/mmcblk0", cfg.CardPath)
	require.Equal(t, card.Pins{CLK: 14, CMD: 15, D0: 2}, cfg.Pins)

	bc := cfg.BridgeConfig()
	require.Equal(t, 200*time.Millisecond, bc.MediaDebounce)
	require.Equal(t, 5*time.Millisecond, bc.ClassDebounce)
	require.Equal(t, "ACME", bc.VendorID)
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"vendor_id": `},
		{"bad duration", `{"media_debounce": "soon"}`},
		{"long vendor", `{"vendor_id": "VENDORNAME"}`},
		{"sector size", `{"sector_size": 1000}`},
		{"shared pin", `{"pins": {"clk": 1, "cmd": 1, "d0": 2}}`},
		{"log level", `{"log_level": "loud"}`},
		{"buffer", `{"transfer_buffer_size": 0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))

			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.VendorID = ""
	cfg.BusDir = ""
	cfg.MediaDebounce = Duration(-time.Second)

	err := cfg.Validate()
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
	require.ErrorContains(t, err, "vendor_id")
	require.ErrorContains(t, err, "bus_dir")
	require.ErrorContains(t, err, "debounce")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.json")

	cfg := Default()
	cfg.CardPath = "/var/lib/cardbridge/card.img"
	cfg.ReadOnly = true
	cfg.MediaDebounce = Duration(75 * time.Millisecond)
	require.NoError(t, Save(path, cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.Equal(t, "75ms", fields["media_debounce"])

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.TransferBufferSize = -1
	path := filepath.Join(t.TempDir(), "config.json")

	require.ErrorIs(t, Save(path, cfg), pkg.ErrInvalidParameter)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestMedium(t *testing.T) {
	cfg := Default()
	cfg.RAMSectors = 8
	mem, ok := cfg.Medium().(*card.MemoryCard)
	require.True(t, ok)
	g, err := mem.Open(cfg.Pins)
	require.NoError(t, err)
	require.Equal(t, card.Geometry{SectorSize: 512, SectorCount: 8}, g)

	cfg.CardPath = "/nonexistent/card.img"
	file, ok := cfg.Medium().(*card.FileCard)
	require.True(t, ok)
	require.Equal(t, "/nonexistent/card.img", file.Path())
}
