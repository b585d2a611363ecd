package usb

import "context"

// MaxPacketSize is the largest bulk packet a HAL must accept.
const MaxPacketSize = 512

// HAL is the hardware layer beneath a Stack: one bulk endpoint pair plus
// a source of link events.
//
// Init and Start are called once per Begin; Stop undoes both and must make
// blocked reads return.
type HAL interface {
	// Init prepares the controller.
	Init(ctx context.Context) error

	// Start attaches to the bus.
	Start() error

	// Stop detaches from the bus and releases resources.
	Stop() error

	// Read receives one bulk OUT packet into buf.
	Read(ctx context.Context, buf []byte) (int, error)

	// Write sends data as one bulk IN packet of at most MaxPacketSize bytes.
	Write(ctx context.Context, data []byte) (int, error)

	// ReadLink blocks until the host changes the link state.
	ReadLink(ctx context.Context) (EventKind, error)
}
