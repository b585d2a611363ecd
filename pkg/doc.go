// Package pkg provides shared utilities for cardbridge.
//
// This package contains common functionality used by the card, bridge,
// msc and usb packages:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for medium, mount and transport failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentBridge, "mounted", "sectors", 1000)
//
// # Errors
//
// Failures are reported as sentinel values and wrapped with %w:
//
//	if errors.Is(err, pkg.ErrMediaAbsent) {
//	    // no card inserted
//	}
package pkg
