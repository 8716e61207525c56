package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcpcan/config"
)

var (
	configPath   string
	backend      string
	portName     string
	baudRate     int
	serialDriver string
	timeout      time.Duration
	verbose      bool

	cfg *config.Config
	log *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "mcpcan-host",
	Short: "MCP2515 CAN controller host tool",
	Long: `mcpcan-host issues MCP2515 SPI instructions and prints the results.

Backends:
  bridge: bridge firmware on a microcontroller, over --port
  periph: Linux spidev and GPIO lines (see the "linux" config section)
  sim:    bridge firmware and a simulated chip, in process

Settings come from --config (JSON) and are overridden by flags.`,
	Version:           "0.2.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "JSON configuration file")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "bridge, periph or sim")
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device (bridge backend)")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Baud rate (ignored for USB CDC)")
	rootCmd.PersistentFlags().StringVar(&serialDriver, "serial-driver", "", "Serial library: tarm or bugst")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Response timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if log, err = newLogger(verbose); err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	if configPath != "" {
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = backend
	}
	if flags.Changed("port") {
		cfg.Serial.Device = portName
	}
	if flags.Changed("baud") {
		cfg.Serial.Baud = baudRate
	}
	if flags.Changed("serial-driver") {
		cfg.Serial.Driver = serialDriver
	}
	if flags.Changed("timeout") {
		cfg.CommandTimeoutMS = int(timeout / time.Millisecond)
	}
	return cfg.Validate()
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true
	zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if verbose {
		zc.Level.SetLevel(zap.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Execute runs the root command
func Execute() error {
	defer func() {
		if log != nil {
			_ = log.Sync()
		}
	}()
	return rootCmd.Execute()
}
