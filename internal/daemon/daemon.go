// Package daemon runs a bridge as a long-lived process: it owns the
// medium, class and device stack, reacts to control signals, and
// publishes the bridge status for other processes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ardnew/cardbridge/bridge"
	"github.com/ardnew/cardbridge/card"
	"github.com/ardnew/cardbridge/config"
	"github.com/ardnew/cardbridge/msc"
	"github.com/ardnew/cardbridge/pkg"
	"github.com/ardnew/cardbridge/usb"
	"github.com/ardnew/cardbridge/usb/fifo"
)

// Control signals understood by a running daemon.
const (
	SignalMount   = syscall.SIGUSR1
	SignalUnmount = syscall.SIGUSR2
)

// Daemon wires one bridge over the configured medium and the FIFO
// device stack.
type Daemon struct {
	cfg    config.Config
	medium card.Medium
	class  *msc.Class
	hal    *fifo.HAL
	stack  *usb.Stack
	bridge *bridge.Bridge

	signals chan os.Signal
	ready   chan struct{}

	statusMutex sync.Mutex
}

// New builds the daemon's components from cfg. Nothing is opened or
// started until Run.
func New(ctx context.Context, cfg config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	class := msc.New()
	if err := class.SetTransferBufferSize(cfg.TransferBufferSize); err != nil {
		return nil, err
	}

	hal := fifo.New(cfg.BusDir)
	stack := usb.NewStack(hal)
	medium := cfg.Medium()

	return &Daemon{
		cfg:     cfg,
		medium:  medium,
		class:   class,
		hal:     hal,
		stack:   stack,
		bridge:  bridge.New(ctx, cfg.BridgeConfig(), medium, class, stack),
		signals: make(chan os.Signal, 4),
		ready:   make(chan struct{}),
	}, nil
}

// Bridge returns the daemon's bridge.
func (d *Daemon) Bridge() *bridge.Bridge {
	return d.bridge
}

// DeviceDir returns the FIFO device directory, empty until the stack has
// started.
func (d *Daemon) DeviceDir() string {
	return d.hal.DeviceDir()
}

// Ready is closed once Run has installed its handlers.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Run serves until ctx is done, then unmounts and stops the stack.
//
// SignalMount and SignalUnmount sent to the process mount and unmount
// the medium. The pid file is held for the lifetime of Run and the
// status file is rewritten after every state change.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.PIDFile != "" {
		if err := WritePIDFile(ctx, d.cfg.PIDFile); err != nil {
			return err
		}
		defer RemovePIDFile(d.cfg.PIDFile)
	}

	d.bridge.OnChange(d.publish)
	d.publish(d.bridge.Status())

	d.stack.OnEvent(func(ev usb.Event) {
		if ev.Kind == usb.EventReset {
			d.class.Reset()
		}
	})
	d.bridge.AttachUsbEvents()

	signal.Notify(d.signals, SignalMount, SignalUnmount)
	defer signal.Stop(d.signals)

	runCtx, cancel := context.WithCancel(ctx)
	classDone := make(chan error, 1)
	go func() {
		classDone <- d.class.Run(runCtx, d.stack)
	}()

	pkg.LogInfo(pkg.ComponentCLI, "daemon started",
		"busDir", d.cfg.BusDir,
		"card", d.describeMedium(),
		"autoMount", d.cfg.AutoMount)

	if d.cfg.AutoMount {
		d.mount(ctx)
	}
	close(d.ready)

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case sig := <-d.signals:
			switch sig {
			case SignalMount:
				d.mount(ctx)
			case SignalUnmount:
				d.bridge.Unmount()
			}
		}
	}

	pkg.LogInfo(pkg.ComponentCLI, "daemon stopping")
	d.bridge.Unmount()
	cancel()
	if err := <-classDone; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pkg.ErrCancelled) {
		pkg.LogWarn(pkg.ComponentCLI, "class stopped", "error", err)
	}
	if err := d.stack.End(); err != nil {
		pkg.LogWarn(pkg.ComponentCLI, "stack stop", "error", err)
	}
	d.publish(d.bridge.Status())
	return nil
}

func (d *Daemon) mount(ctx context.Context) {
	if err := d.bridge.MountContext(ctx); err != nil {
		pkg.LogWarn(pkg.ComponentCLI, "mount failed", "error", err)
	}
}

// publish writes status to the status file.
func (d *Daemon) publish(status bridge.Status) {
	if d.cfg.StatusFile == "" {
		return
	}
	d.statusMutex.Lock()
	defer d.statusMutex.Unlock()
	if err := WriteStatus(d.cfg.StatusFile, status); err != nil {
		pkg.LogWarn(pkg.ComponentCLI, "write status", "error", err)
	}
}

func (d *Daemon) describeMedium() string {
	if d.cfg.CardPath == "" {
		return fmt.Sprintf("ram:%dx%d", d.cfg.RAMSectors, d.cfg.SectorSize)
	}
	return d.cfg.CardPath
}
