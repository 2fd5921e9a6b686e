// Command tgfsim evaluates the geomagnetic field used by the TGF transport
// simulation, validates the field model against reference samples, tabulates
// field grids, and replays recorded detections through the worker pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tgfsim/catalog"
	"tgfsim/config"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

const defaultConfigPath = "tgfsim.yaml"

var validFormats = []string{"auto", "text", "json"}

// rootOptions holds global flags and the state prepared for every command.
type rootOptions struct {
	ConfigPath string
	Format     string
	Quiet      bool

	cfg     *config.Config
	source  string
	logs    *logRouter
	catalog *catalog.Catalog
}

// Purpose: Report whether stdout is a TTY.
// Key aspects: Uses term.IsTerminal on stdout fd.
// Upstream: output format selection, logging timestamps.
// Downstream: term.IsTerminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from flag, env, or the default location.
// Key aspects: A missing default file falls back to built-in defaults; an
// explicit path that does not exist is an error.
// Upstream: root PersistentPreRunE.
// Downstream: config.LoadFile.
func loadRunConfig(flagPath string) (*config.Config, string, error) {
	explicit := strings.TrimSpace(flagPath)
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(config.EnvPath))
	}
	if explicit != "" {
		cfg, err := config.LoadFile(explicit)
		if err != nil {
			return nil, explicit, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	cfg, err := config.LoadFile(defaultConfigPath)
	if err == nil {
		return cfg, cfg.LoadedFrom, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, defaultConfigPath, err
	}
	cfg, err = config.LoadFile("")
	if err != nil {
		return nil, "defaults", err
	}
	return cfg, "built-in defaults", nil
}

func newRootCommand() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tgfsim",
		Short:         "Geomagnetic field and detection recording core for TGF transport runs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			cfg, source, err := loadRunConfig(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("loading config from %s: %w", source, err)
			}
			opts.cfg = cfg
			opts.source = source

			logs, err := setupLogging(cfg.Logging, cmd.ErrOrStderr(), isStdoutTTY(), opts.Quiet)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Logging: file logging disabled: %v\n", err)
			}
			opts.logs = logs
			log.SetFlags(0)
			log.SetOutput(logs)
			log.Printf("tgfsim %s: loaded configuration from %s", Version, source)

			if cfg.Catalog.Path != "" {
				cat, err := catalog.Open(cfg.Catalog.Path)
				if err != nil {
					log.Printf("Catalog: disabled: %v", err)
				} else {
					opts.catalog = cat
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "settings file or directory (default $"+config.EnvPath+" or "+defaultConfigPath+")")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "auto", "output format (auto|text|json); auto is text on a terminal")
	cmd.PersistentFlags().BoolVarP(&opts.Quiet, "quiet", "q", false, "only failures on stderr; the daily log file still gets every line")

	cmd.AddCommand(newFieldCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newGridCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd, opts
}

func (o *rootOptions) close() {
	if o.catalog != nil {
		if err := o.catalog.Close(); err != nil {
			log.Printf("Catalog: close: %v", err)
		}
		o.catalog = nil
	}
	if o.logs != nil {
		_ = o.logs.Close()
		o.logs = nil
	}
}

func (o *rootOptions) jsonOutput() bool {
	switch o.Format {
	case "json":
		return true
	case "text":
		return false
	}
	return !isStdoutTTY()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Purpose: Program entrypoint.
// Key aspects: Any command error, including fatal field or sanity failures,
// exits with status 1 after recorders have been flushed by the pool.
// Upstream: OS process start.
// Downstream: cobra command tree.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, opts := newRootCommand()
	err := root.ExecuteContext(ctx)
	if err != nil {
		log.Printf("Error: %v", err)
	}
	opts.close()
	if err != nil {
		stop()
		os.Exit(1)
	}
}
