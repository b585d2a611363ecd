// Package app builds the cardbridge command tree.
package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ardnew/cardbridge/config"
	"github.com/ardnew/cardbridge/pkg"
)

// options holds the persistent flags shared by every command.
type options struct {
	configPath string
	verbose    bool
	json       bool

	cfg config.Config
}

// NewRootCommand returns the cardbridge root command.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "cardbridge",
		Short:         "Expose a storage card to a USB host as a mass-storage device",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "configuration file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&opts.json, "json", false, "write logs and reports as JSON")

	root.AddCommand(
		newServeCommand(opts),
		newMountCommand(opts),
		newUnmountCommand(opts),
		newStatusCommand(opts),
		newProbeCommand(opts),
		newInspectCommand(opts),
		newConfigCommand(opts),
		newServiceCommand(opts),
	)
	return root
}

// load reads the configuration and applies its logging settings. The
// config init command runs without an existing valid file.
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil && cmd.Annotations["config"] != "optional" {
		return err
	}
	if err != nil {
		cfg = config.Default()
	}
	o.cfg = cfg

	level, err := pkg.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if o.verbose {
		level = slog.LevelDebug
	}
	format, err := pkg.ParseLogFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	if o.json {
		format = pkg.LogFormatJSON
	}

	pkg.SetLogLevel(level)
	pkg.SetLogOutput(cmd.ErrOrStderr(), format)
	return nil
}

// report writes v as indented JSON when --json is set, otherwise calls
// text.
func (o *options) report(w io.Writer, v any, text func(io.Writer)) error {
	if o.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
