package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meigma/apkpack/config"
)

// app carries state shared by every subcommand.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "apkpack",
		Short: "Repack, align, verify and sign APK archives",
		Long: `apkpack rewrites APK archives so that selected entries are stored
uncompressed and every stored entry starts on an aligned boundary. Each
rewritten archive is verified before it is signed or stored.`,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides the config file)")

	root.AddCommand(
		newRepackCmd(a),
		newAlignCmd(a),
		newVerifyCmd(a),
		newSignCmd(a),
		newRunCmd(a),
		newServeCmd(a),
	)
	return root
}

// init loads configuration and builds the logger.
func (a *app) init() error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	return nil
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}
