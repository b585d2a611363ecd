package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ardnew/cardbridge/card"
	"github.com/ardnew/cardbridge/pkg"
)

// Status is a point-in-time snapshot of the bridge.
type Status struct {
	State       string          `json:"state"`
	Mounted     bool            `json:"mounted"`
	UsbOnline   bool            `json:"usb_online"`
	SectorSize  uint32          `json:"sector_size"`
	SectorCount uint64          `json:"sector_count"`
	Generation  uint64          `json:"generation"`
	MountedAt   time.Time       `json:"mounted_at"`
	LinkChanged time.Time       `json:"link_changed"`
	VendorID    string          `json:"vendor_id"`
	ProductID   string          `json:"product_id"`
	Revision    string          `json:"revision"`
	Stats       TranslatorStats `json:"stats"`
}

// Bridge exposes a medium to a USB host through a mass-storage class and
// lets local code take it back.
//
// It is the surface used by the rest of the program: Mount, Unmount,
// IsMounted and IsUsbOnline.
type Bridge struct {
	ctx        context.Context
	cfg        Config
	lifecycle  *Lifecycle
	translator *Translator
	adapter    *Adapter
	link       *LinkMonitor
	stack      DeviceStack

	attachOnce sync.Once
	listeners  []func(Status)
	mutex      sync.RWMutex
}

// New wires a bridge over medium, class and stack. ctx bounds Mount calls
// made without an explicit context. Nothing is opened or started until
// Mount.
func New(ctx context.Context, cfg Config, medium card.Medium, class MassStorageClass, stack DeviceStack) *Bridge {
	lc := newLifecycle(cfg, medium, class, stack)
	tr := NewTranslator(lc)
	ad := NewAdapter(class, tr, lc.HandleStartStop, cfg)
	lc.adapter = ad

	b := &Bridge{
		ctx:        ctx,
		cfg:        cfg,
		lifecycle:  lc,
		translator: tr,
		adapter:    ad,
		link:       NewLinkMonitor(),
		stack:      stack,
	}
	lc.OnStateChange(func(MountState) { b.notify() })
	b.link.OnChange(func(LinkState) { b.notify() })
	return b
}

// Mount exposes the medium to the host and reports whether it is mounted
// afterwards. Mounting while mounted succeeds without side effects.
func (b *Bridge) Mount() bool {
	return b.MountContext(b.ctx) == nil
}

// MountContext is Mount with an explicit context and error.
func (b *Bridge) MountContext(ctx context.Context) error {
	err := b.lifecycle.Mount(ctx)
	if errors.Is(err, pkg.ErrAlreadyInState) {
		return nil
	}
	return err
}

// Unmount withdraws the medium from the host and closes it. It is a no-op
// when not mounted.
func (b *Bridge) Unmount() {
	err := b.lifecycle.Unmount()
	if err != nil && !errors.Is(err, pkg.ErrAlreadyInState) {
		pkg.LogWarn(pkg.ComponentBridge, "unmount", "error", err)
	}
}

// IsMounted reports whether the medium is exposed to the host.
func (b *Bridge) IsMounted() bool {
	return b.lifecycle.State() == Mounted
}

// IsUsbOnline reports whether the host link is up.
func (b *Bridge) IsUsbOnline() bool {
	return b.link.IsOnline()
}

// AttachUsbEvents subscribes the link monitor to the device stack's
// events. Later calls do nothing.
func (b *Bridge) AttachUsbEvents() {
	b.attachOnce.Do(func() {
		b.stack.OnEvent(b.link.HandleEvent)
	})
}

// Translator returns the block translator serving the class.
func (b *Bridge) Translator() *Translator {
	return b.translator
}

// Lifecycle returns the mount lifecycle.
func (b *Bridge) Lifecycle() *Lifecycle {
	return b.lifecycle
}

// Status returns a snapshot of the bridge.
func (b *Bridge) Status() Status {
	state := b.lifecycle.State()
	geometry := b.lifecycle.Geometry()
	return Status{
		State:       state.String(),
		Mounted:     state == Mounted,
		UsbOnline:   b.link.IsOnline(),
		SectorSize:  geometry.SectorSize,
		SectorCount: geometry.SectorCount,
		Generation:  b.lifecycle.Generation(),
		MountedAt:   b.lifecycle.MountedAt(),
		LinkChanged: b.link.Changed(),
		VendorID:    b.cfg.VendorID,
		ProductID:   b.cfg.ProductID,
		Revision:    b.cfg.Revision,
		Stats:       b.translator.Stats(),
	}
}

// OnChange registers fn to receive a fresh Status after every mount or
// link state change.
func (b *Bridge) OnChange(fn func(Status)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *Bridge) notify() {
	b.mutex.RLock()
	listeners := make([]func(Status), len(b.listeners))
	copy(listeners, b.listeners)
	b.mutex.RUnlock()

	if len(listeners) == 0 {
		return
	}
	status := b.Status()
	for _, fn := range listeners {
		fn(status)
	}
}
