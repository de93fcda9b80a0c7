// Command furyd applies a static color to Kingston FURY DDR4 RGB modules and
// re-applies it whenever the machine resumes from suspend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"furyrgb-go/services/config"
	"furyrgb-go/x/mathx"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var version = "dev"

// options holds the flags that are not part of config.Config.
type options struct {
	configPath string
	verbose    int
	simulate   int
}

type app struct {
	root   *cobra.Command
	opts   options
	logger *logrus.Logger
	fs     afero.Fs
	cfg    config.Config
}

func newApp() *app {
	a := &app{logger: logrus.New(), fs: afero.NewOsFs()}
	a.logger.SetOutput(os.Stderr)

	a.root = &cobra.Command{
		Use:           "furyd",
		Short:         "keep Kingston FURY DDR4 RGB modules at a static color",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			return a.setup(c)
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return a.runDaemon(c.Context())
		},
	}

	pf := a.root.PersistentFlags()
	pf.StringVarP(&a.opts.configPath, "config", "c", "", "YAML configuration file")
	pf.CountVarP(&a.opts.verbose, "verbose", "v", "raise log verbosity (repeatable)")
	pf.IntVar(&a.opts.simulate, "simulate", 0, "drive N simulated modules instead of hardware (bench testing)")
	config.BindFlags(pf)

	a.root.AddCommand(
		&cobra.Command{
			Use:   "detect",
			Short: "discover and verify modules, print their slots",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				return a.runDetect(c.Context(), c.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "set",
			Short: "apply the configured color once and exit",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				return a.runSet(c.Context())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "print the version",
			Args:  cobra.NoArgs,
			// No config or logger needed.
			PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
			Run: func(c *cobra.Command, _ []string) {
				fmt.Fprintln(c.OutOrStdout(), "furyd", version)
			},
		},
	)
	return a
}

// loadConfig layers file, then flags, over the defaults and validates.
func (a *app) loadConfig(fl *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(a.fs, a.opts.configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyFlags(fl); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (a *app) setup(c *cobra.Command) error {
	cfg, err := a.loadConfig(c.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.setLogLevel()
	return nil
}

// setLogLevel starts at the configured level; each -v raises it one step.
func (a *app) setLogLevel() {
	base, err := logrus.ParseLevel(a.cfg.LogLevel)
	if err != nil {
		base = logrus.WarnLevel
	}
	lvl := mathx.Clamp(int(base)+a.opts.verbose, int(logrus.PanicLevel), int(logrus.TraceLevel))
	a.logger.SetLevel(logrus.Level(lvl))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := newApp()
	err := a.root.ExecuteContext(ctx)
	stop()
	if err != nil {
		a.logger.WithError(err).Error("furyd failed")
		os.Exit(1)
	}
}
