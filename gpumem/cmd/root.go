// Package cmd provides the command-line interface for gpumem.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sarchlab/gpumem"
	"github.com/sarchlab/gpumem/config"
	"github.com/sarchlab/gpumem/datarecording"
	"github.com/sarchlab/gpumem/logging"
	"github.com/sarchlab/gpumem/monitoring"
)

// session holds what every command needs: the loaded configuration and the
// logger built from it.
type session struct {
	config  config.Config
	logger  *zap.Logger
	monitor *monitoring.Monitor
}

var current session

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gpumem",
	Short: "gpumem exercises the memory management core of a GPU driver.",
	Long: `gpumem builds GPU page tables, allocates and clears video ` +
		`memory, and multiplexes the hardware performance snapshot stream ` +
		`among clients.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSession,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("env-file", "", "dotenv file with GPUMEM_* variables")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "console", "log format, console or json")
	flags.Int("monitor-port", 0, "serve the monitoring API on this port")
	flags.Bool("monitor-open", false, "open the monitoring API in a browser")
}

func loadSession(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	configFile, _ := flags.GetString("config")
	envFile, _ := flags.GetString("env-file")

	c, err := config.MakeLoader().
		WithConfigFile(configFile).
		WithEnvFile(envFile).
		WithFlag("log.level", flags.Lookup("log-level")).
		WithFlag("log.format", flags.Lookup("log-format")).
		WithFlag("monitor.port", flags.Lookup("monitor-port")).
		WithFlag("monitor.open_browser", flags.Lookup("monitor-open")).
		Load()
	if err != nil {
		return err
	}

	if err := c.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, c.Log)
	if err != nil {
		return err
	}

	current = session{config: c, logger: logger}

	return nil
}

// buildDevice creates and starts a device from the loaded configuration.
// The monitor is started when a port is configured.
func buildDevice(recorder datarecording.DataRecorder) (*gpumem.Device, error) {
	b := gpumem.MakeBuilder().
		WithConfig(current.config).
		WithLogger(current.logger)
	if recorder != nil {
		b = b.WithDataRecorder(recorder)
	}

	d, err := b.Build()
	if err != nil {
		return nil, err
	}

	if err := startDevice(d); err != nil {
		return nil, err
	}

	return d, nil
}

// startDevice starts d and its monitor. A device that fails to start is
// shut down before the error is returned.
func startDevice(d *gpumem.Device) error {
	err := d.Start()
	if err == nil {
		err = startMonitor(d)
	}

	if err != nil {
		return multierr.Append(err, d.Shutdown())
	}

	return nil
}

func startMonitor(d *gpumem.Device) error {
	if current.config.Monitor.Port == 0 {
		return nil
	}

	m := monitoring.NewMonitor().
		WithPortNumber(current.config.Monitor.Port).
		WithLogger(current.logger)

	if err := m.RegisterVidmem(d.Vidmem()); err != nil {
		return err
	}

	if err := m.RegisterCSS(d.CSS()); err != nil {
		return err
	}

	m.RegisterComponent(d.Encoder().Name(), d.Encoder())
	m.RegisterComponent(d.CopyEngine().Name(), d.CopyEngine())

	port, err := m.StartServer()
	if err != nil {
		return errors.Wrap(err, "starting monitor")
	}

	current.monitor = m

	if current.config.Monitor.OpenBrowser {
		url := fmt.Sprintf("http://localhost:%d/api/vidmem", port)
		if err := browser.OpenURL(url); err != nil {
			current.logger.Warn("cannot open browser", zap.Error(err))
		}
	}

	return nil
}

// closeDevice shuts a device and the monitor down.
func closeDevice(d *gpumem.Device) error {
	err := d.Shutdown()

	if current.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if stopErr := current.monitor.StopServer(ctx); stopErr != nil {
			current.logger.Warn("cannot stop monitor", zap.Error(stopErr))
		}

		current.monitor = nil
	}

	return err
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	return rootCmd.Execute()
}
