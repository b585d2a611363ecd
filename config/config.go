// Package config loads and stores the cardbridge configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ardnew/cardbridge/bridge"
	"github.com/ardnew/cardbridge/card"
	"github.com/ardnew/cardbridge/msc"
	"github.com/ardnew/cardbridge/pkg"
)

// Default file locations.
var (
	DefaultDir        = "/etc/cardbridge"
	DefaultPath       = filepath.Join(DefaultDir, "config.json")
	DefaultBusDir     = "/run/cardbridge/bus"
	DefaultPIDFile    = "/run/cardbridge/cardbridge.pid"
	DefaultStatusFile = "/run/cardbridge/status.json"
)

// DefaultRAMSectors sizes the RAM card used when no card path is set.
const DefaultRAMSectors = 2048

// Duration is a time.Duration stored as a string such as "50ms".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Bare numbers are taken as
// nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration %s: %w", data, pkg.ErrInvalidParameter)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, pkg.ErrInvalidParameter)
	}
	*d = Duration(v)
	return nil
}

// Config is the on-disk configuration.
type Config struct {
	VendorID  string    `json:"vendor_id"`
	ProductID string    `json:"product_id"`
	Revision  string    `json:"revision"`
	Pins      card.Pins `json:"pins"`

	// CardPath is a block device or image file. Empty selects a RAM card
	// of RAMSectors sectors.
	CardPath   string `json:"card_path"`
	SectorSize uint32 `json:"sector_size"`
	RAMSectors uint64 `json:"ram_sectors"`
	ReadOnly   bool   `json:"read_only"`

	BusDir             string   `json:"bus_dir"`
	TransferBufferSize int      `json:"transfer_buffer_size"`
	MediaDebounce      Duration `json:"media_debounce"`
	ClassDebounce      Duration `json:"class_debounce"`
	AutoMount          bool     `json:"auto_mount"`

	PIDFile    string `json:"pid_file"`
	StatusFile string `json:"status_file"`
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	b := bridge.DefaultConfig()
	return Config{
		VendorID:           b.VendorID,
		ProductID:          b.ProductID,
		Revision:           b.Revision,
		Pins:               b.Pins,
		SectorSize:         msc.MinBlockSize,
		RAMSectors:         DefaultRAMSectors,
		BusDir:             DefaultBusDir,
		TransferBufferSize: msc.DefaultTransferBufferSize,
		MediaDebounce:      Duration(b.MediaDebounce),
		ClassDebounce:      Duration(b.ClassDebounce),
		AutoMount:          true,
		PIDFile:            DefaultPIDFile,
		StatusFile:         DefaultStatusFile,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate reports every unusable value, wrapped in
// pkg.ErrInvalidParameter.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.VendorID != "" && len(c.VendorID) <= msc.VendorIDLength,
		"vendor_id %q must be 1-%d bytes", c.VendorID, msc.VendorIDLength)
	check(c.ProductID != "" && len(c.ProductID) <= msc.ProductIDLength,
		"product_id %q must be 1-%d bytes", c.ProductID, msc.ProductIDLength)
	check(len(c.Revision) <= msc.ProductRevisionLength,
		"revision %q exceeds %d bytes", c.Revision, msc.ProductRevisionLength)
	if err := c.Pins.Validate(); err != nil {
		errs = append(errs, err)
	}
	check(c.SectorSize >= msc.MinBlockSize && c.SectorSize <= msc.MaxBlockSize && c.SectorSize%msc.MinBlockSize == 0,
		"sector_size %d must be a multiple of %d up to %d", c.SectorSize, msc.MinBlockSize, msc.MaxBlockSize)
	check(c.CardPath != "" || c.RAMSectors > 0, "ram_sectors must be positive without card_path")
	check(c.BusDir != "", "bus_dir is required")
	check(c.TransferBufferSize > 0 && c.TransferBufferSize <= msc.MaxTransferBufferSize,
		"transfer_buffer_size %d must be 1-%d", c.TransferBufferSize, msc.MaxTransferBufferSize)
	check(c.MediaDebounce >= 0 && c.ClassDebounce >= 0, "debounce durations must not be negative")
	if _, err := pkg.ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := pkg.ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", pkg.ErrInvalidParameter, errors.Join(errs...))
}

// BridgeConfig derives the bridge configuration.
func (c Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		VendorID:      c.VendorID,
		ProductID:     c.ProductID,
		Revision:      c.Revision,
		Pins:          c.Pins,
		MediaDebounce: time.Duration(c.MediaDebounce),
		ClassDebounce: time.Duration(c.ClassDebounce),
	}
}

// Medium builds the configured medium without opening it.
func (c Config) Medium() card.Medium {
	if c.CardPath == "" {
		return card.NewMemoryCard(c.SectorSize, c.RAMSectors)
	}
	opts := []card.FileOption{card.WithSectorSize(c.SectorSize)}
	if c.ReadOnly {
		opts = append(opts, card.WithReadOnly())
	}
	return card.NewFileCard(c.CardPath, opts...)
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		pkg.LogDebug(pkg.ComponentCLI, "no config file, using defaults", "path", path)
		return cfg, nil
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes c to path as indented JSON, creating the directory.
func Save(path string, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	pkg.LogInfo(pkg.ComponentCLI, "config saved", "path", path)
	return nil
}
