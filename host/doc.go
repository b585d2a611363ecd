// Package host is the host side of a bulk-only mass-storage link.
//
// [Initiator] wraps SCSI commands in Bulk-Only Transport command and
// status wrappers and moves them over any [BulkPipe]. The command-line
// probe and the end-to-end tests drive a bridge through it using the
// FIFO transport in package usb/fifo.
//
//	h, _ := fifo.Dial(deviceDir)
//	ini := host.NewInitiator(h)
//	capacity, err := ini.ReadCapacity(ctx)
package host
