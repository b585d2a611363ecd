// Package usb provides the device-side USB stack used by the bridge: a
// [Stack] that starts a [HAL] once, exposes its bulk endpoint pair as a
// byte pipe, and reports host link changes as [Event] values.
//
// The stack knows nothing about mass storage. Class drivers read commands
// with [Stack.ReadBulk] and answer with [Stack.WriteBulk]; owners that
// care about the host connection register handlers with [Stack.OnEvent].
//
// The usb/fifo subpackage implements HAL with named pipes so the whole
// device can run and be tested without USB hardware.
package usb
