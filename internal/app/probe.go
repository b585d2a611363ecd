package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/cardbridge/card"
	"github.com/ardnew/cardbridge/host"
	"github.com/ardnew/cardbridge/pkg"
	"github.com/ardnew/cardbridge/usb"
	"github.com/ardnew/cardbridge/usb/fifo"
)

// probeReport is the probe command output.
type probeReport struct {
	Path        string            `json:"path"`
	SectorSize  uint32            `json:"sector_size"`
	SectorCount uint64            `json:"sector_count"`
	Bytes       uint64            `json:"bytes"`
	LocalMounts []card.LocalMount `json:"local_mounts"`
}

func newProbeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe [path]",
		Short: "Open the card once and report its geometry and local mounts",
		Long: "Open the card once and report its geometry and local mounts.\n" +
			"The card must not be in use by a running daemon.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.cfg.CardPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no card path configured: %w", pkg.ErrInvalidParameter)
			}

			report, err := probe(cmd.Context(), path, opts.cfg.SectorSize, opts.cfg.Pins)
			if err != nil {
				return err
			}
			return opts.report(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Card:     %s\n", report.Path)
				fmt.Fprintf(w, "Geometry: %d x %d bytes (%s)\n",
					report.SectorCount, report.SectorSize, humanBytes(report.Bytes))
				if len(report.LocalMounts) == 0 {
					fmt.Fprintln(w, "Local:    not mounted")
				}
				for _, m := range report.LocalMounts {
					fmt.Fprintf(w, "Local:    %s on %s (%s), %s of %s used\n",
						m.Device, m.Mountpoint, m.Fstype, humanBytes(m.Used), humanBytes(m.Total))
				}
			})
		},
	}
}

func probe(ctx context.Context, path string, sectorSize uint32, pins card.Pins) (probeReport, error) {
	medium := card.NewFileCard(path,
		card.WithSectorSize(sectorSize),
		card.WithReadOnly(),
		card.WithoutLocalMountCheck())

	g, err := medium.Open(pins)
	if err != nil {
		return probeReport{}, fmt.Errorf("open %s: %w", path, err)
	}
	if err := medium.Close(); err != nil {
		return probeReport{}, err
	}

	mounts, err := card.LocalMounts(ctx, path)
	if err != nil {
		pkg.LogWarn(pkg.ComponentCLI, "list local mounts", "error", err)
	}
	return probeReport{
		Path:        path,
		SectorSize:  g.SectorSize,
		SectorCount: g.SectorCount,
		Bytes:       g.Bytes(),
		LocalMounts: mounts,
	}, nil
}

// inspectReport is the inspect command output.
type inspectReport struct {
	DeviceDir string        `json:"device_dir"`
	Identity  host.Identity `json:"identity"`
	Ready     bool          `json:"ready"`
	Sense     *host.Sense   `json:"sense,omitempty"`
	Capacity  host.Capacity `json:"capacity"`
}

func newInspectCommand(opts *options) *cobra.Command {
	var eject bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "inspect [device-dir]",
		Short: "Act as a USB host on the FIFO bus and query the bridge",
		Long: "Act as a USB host on the FIFO bus: bring the link up, then issue\n" +
			"INQUIRY, TEST UNIT READY and READ CAPACITY. Without an argument the\n" +
			"first device under bus_dir is used.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			dir := ""
			if len(args) > 0 {
				dir = args[0]
			} else {
				devices, err := fifo.FindDevices(opts.cfg.BusDir)
				if err != nil {
					return err
				}
				if len(devices) == 0 {
					return fmt.Errorf("no device under %s: %w", opts.cfg.BusDir, pkg.ErrNotRunning)
				}
				dir = devices[0]
			}

			report, err := inspect(ctx, dir, eject)
			if err != nil {
				return err
			}
			return opts.report(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Device:   %s\n", report.DeviceDir)
				fmt.Fprintf(w, "Identity: %s %s %s\n",
					report.Identity.VendorID, report.Identity.ProductID, report.Identity.Revision)
				if !report.Ready {
					fmt.Fprintf(w, "Ready:    no (sense %02X/%02X/%02X)\n",
						report.Sense.Key, report.Sense.ASC, report.Sense.ASCQ)
					return
				}
				fmt.Fprintf(w, "Ready:    yes\n")
				fmt.Fprintf(w, "Capacity: %d x %d bytes (%s)\n",
					report.Capacity.Blocks, report.Capacity.BlockSize, humanBytes(report.Capacity.Bytes()))
			})
		},
	}
	cmd.Flags().BoolVar(&eject, "eject", false, "eject the medium afterwards")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}

// inspect queries the device at dir. A pending unit attention is
// consumed and the readiness check retried once.
func inspect(ctx context.Context, dir string, eject bool) (inspectReport, error) {
	h, err := fifo.Dial(dir)
	if err != nil {
		return inspectReport{}, err
	}
	defer h.Close()

	if err := h.SendLink(ctx, usb.EventStarted); err != nil {
		return inspectReport{}, err
	}

	ini := host.NewInitiator(h)
	report := inspectReport{DeviceDir: dir}

	if report.Identity, err = ini.Inquiry(ctx); err != nil {
		return report, fmt.Errorf("inquiry: %w", err)
	}

	for attempt := 0; attempt < 2 && !report.Ready; attempt++ {
		err := ini.TestUnitReady(ctx)
		var cmdErr *host.CommandError
		switch {
		case err == nil:
			report.Ready = true
			report.Sense = nil
		case errors.As(err, &cmdErr):
			sense, err := ini.RequestSense(ctx)
			if err != nil {
				return report, fmt.Errorf("request sense: %w", err)
			}
			report.Sense = &sense
		default:
			return report, fmt.Errorf("test unit ready: %w", err)
		}
	}

	if report.Ready {
		if report.Capacity, err = ini.ReadCapacity(ctx); err != nil {
			return report, fmt.Errorf("read capacity: %w", err)
		}
	}
	if eject {
		if err := ini.Eject(ctx); err != nil {
			return report, fmt.Errorf("eject: %w", err)
		}
	}
	return report, nil
}
