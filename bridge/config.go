package bridge

import (
	"time"

	"github.com/ardnew/cardbridge/card"
)

// Default identity strings reported to the host.
const (
	DefaultVendorID  = "ESP32"
	DefaultProductID = "SD-USB"
	DefaultRevision  = "1.0"
)

// Default unmount debounce intervals.
const (
	DefaultMediaDebounce = 50 * time.Millisecond
	DefaultClassDebounce = 10 * time.Millisecond
)

// Config holds the bridge identity and timing.
type Config struct {
	VendorID  string
	ProductID string
	Revision  string
	Pins      card.Pins

	// MediaDebounce is the pause after clearing media-present before the
	// class is stopped, giving the host time to notice the removal.
	MediaDebounce time.Duration
	// ClassDebounce is the pause after stopping the class before the
	// medium is closed.
	ClassDebounce time.Duration
}

// DefaultConfig returns the reference board configuration.
func DefaultConfig() Config {
	return Config{
		VendorID:      DefaultVendorID,
		ProductID:     DefaultProductID,
		Revision:      DefaultRevision,
		Pins:          card.DefaultPins,
		MediaDebounce: DefaultMediaDebounce,
		ClassDebounce: DefaultClassDebounce,
	}
}
