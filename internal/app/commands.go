package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/cardbridge/bridge"
	"github.com/ardnew/cardbridge/config"
	"github.com/ardnew/cardbridge/internal/daemon"
	"github.com/ardnew/cardbridge/pkg"
)

func newServeCommand(opts *options) *cobra.Command {
	var ram bool
	var noMount bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge in the foreground",
		Long: "Run the bridge in the foreground. SIGUSR1 mounts the card, SIGUSR2\n" +
			"unmounts it, and SIGINT or SIGTERM unmount and exit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if ram {
				cfg.CardPath = ""
			}
			if noMount {
				cfg.AutoMount = false
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&ram, "ram", false, "serve a RAM card instead of card_path")
	cmd.Flags().BoolVar(&noMount, "no-mount", false, "start unmounted regardless of auto_mount")
	return cmd
}

func newMountCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mount",
		Short: "Ask the running daemon to expose the card to the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalAndWait(cmd, opts, daemon.SignalMount, true)
		},
	}
}

func newUnmountCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "unmount",
		Short: "Ask the running daemon to release the card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalAndWait(cmd, opts, daemon.SignalUnmount, false)
		},
	}
}

// signalAndWait signals the daemon and polls its status file until the
// mount state matches.
func signalAndWait(cmd *cobra.Command, opts *options, sig os.Signal, mounted bool) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	if err := daemon.SignalDaemon(ctx, opts.cfg.PIDFile, sig); err != nil {
		return err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if status, err := daemon.ReadStatus(opts.cfg.StatusFile); err == nil && status.Mounted == mounted {
			return printStatus(cmd.OutOrStdout(), opts, status)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon did not report %s: %w", stateName(mounted), ctx.Err())
		case <-ticker.C:
		}
	}
}

func stateName(mounted bool) string {
	if mounted {
		return bridge.Mounted.String()
	}
	return bridge.Unmounted.String()
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state published by the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := daemon.ReadStatus(opts.cfg.StatusFile)
			if err != nil {
				return fmt.Errorf("read status: %w", err)
			}

			if !opts.json {
				running := "not running"
				if pid, err := daemon.ReadPIDFile(opts.cfg.PIDFile); err == nil {
					running = fmt.Sprintf("pid %d", pid)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon:      %s\n", running)
			}
			return printStatus(cmd.OutOrStdout(), opts, status)
		},
	}
}

func printStatus(w io.Writer, opts *options, s bridge.Status) error {
	return opts.report(w, s, func(w io.Writer) {
		fmt.Fprintf(w, "State:       %s\n", s.State)
		fmt.Fprintf(w, "USB link:    %s\n", onlineName(s.UsbOnline))
		fmt.Fprintf(w, "Identity:    %s %s %s\n", s.VendorID, s.ProductID, s.Revision)
		if s.Mounted {
			fmt.Fprintf(w, "Geometry:    %d x %d bytes (%s)\n",
				s.SectorCount, s.SectorSize, humanBytes(s.SectorCount*uint64(s.SectorSize)))
			fmt.Fprintf(w, "Mounted at:  %s\n", s.MountedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "Generation:  %d\n", s.Generation)
		fmt.Fprintf(w, "Requests:    %d (%d failed)\n", s.Stats.Requests, s.Stats.Failures)
		fmt.Fprintf(w, "Sectors:     %d read, %d written, %d read-modify-write\n",
			s.Stats.SectorReads, s.Stats.SectorWrites, s.Stats.ReadModifyWrites)
	})
}

func onlineName(online bool) string {
	if online {
		return bridge.LinkOnline.String()
	}
	return bridge.LinkOffline.String()
}

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"config": "optional"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				return fmt.Errorf("%s exists: %w", opts.configPath, pkg.ErrAlreadyInState)
			}
			if err := config.Save(opts.configPath, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", opts.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o := *opts
			o.json = true
			return o.report(cmd.OutOrStdout(), opts.cfg, nil)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func newServiceCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage cardbridge as a system service",
	}

	action := func(use, short string, fn func(*daemon.ServiceManager) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				sm, err := daemon.NewServiceManager(opts.configPath)
				if err != nil {
					return err
				}
				if err := fn(sm); err != nil {
					return fmt.Errorf("service %s: %w", use, err)
				}
				if use != "run" {
					fmt.Fprintf(cmd.OutOrStdout(), "service %s: ok\n", use)
				}
				return nil
			},
		}
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the service state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := daemon.NewServiceManager(opts.configPath)
			if err != nil {
				return err
			}
			status, err := sm.Status()
			if err != nil {
				return fmt.Errorf("service status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", status, sm.Platform())
			return nil
		},
	}

	cmd.AddCommand(
		action("install", "Install the service", (*daemon.ServiceManager).Install),
		action("uninstall", "Remove the service", (*daemon.ServiceManager).Uninstall),
		action("start", "Start the service", (*daemon.ServiceManager).Start),
		action("stop", "Stop the service", (*daemon.ServiceManager).Stop),
		action("run", "Run under the service manager", (*daemon.ServiceManager).Run),
		statusCmd,
	)
	return cmd
}
