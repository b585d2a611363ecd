package bridge

import (
	"context"

	"github.com/ardnew/cardbridge/msc"
	"github.com/ardnew/cardbridge/usb"
)

// MassStorageClass is the part of the mass-storage class the bridge
// drives. *msc.Class implements it.
type MassStorageClass interface {
	SetVendorID(id string)
	SetProductID(id string)
	SetProductRevision(rev string)
	OnRead(fn msc.ReadFunc)
	OnWrite(fn msc.WriteFunc)
	OnStartStop(fn msc.StartStopFunc)
	SetMediaPresent(present bool)
	Begin(blockCount, blockSize uint32) error
	End()
}

// DeviceStack is the part of the USB device stack the bridge drives.
// *usb.Stack implements it. Begin must be idempotent.
type DeviceStack interface {
	Begin(ctx context.Context) error
	OnEvent(fn usb.EventHandler)
}

var (
	_ MassStorageClass = (*msc.Class)(nil)
	_ DeviceStack      = (*usb.Stack)(nil)
)
