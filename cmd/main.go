// Package main provides the entry point for the WaterFurnace bridge.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/resident-x/go-waterfurnace/internal/api"
	"github.com/resident-x/go-waterfurnace/internal/config"
	"github.com/resident-x/go-waterfurnace/internal/transport"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

var (
	configFile string
	portName   string
	address    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "waterfurnace",
	Short: "WaterFurnace ABC board bridge",
	Long: `waterfurnace talks to the ABC control board of a WaterFurnace geothermal
heat pump over its RS-485 AID port.

The serve command polls the board and publishes every sensor and thermostat
to MQTT (with Home Assistant discovery), Prometheus and an HTTP API. The
other commands are one-shot diagnostics against the same connection.

Connection modes:
  Serial: --port /dev/ttyUSB0
  TCP:    --address 192.168.1.50:2000 (an RS-485 to TCP bridge)`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device (overrides device.port)")
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "", "TCP serial bridge host:port (overrides device.address)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides logging.level)")
	rootCmd.InitDefaultVersionFlag()
}

func main() {
	code := run(os.Args[1:])
	os.Exit(code)
}

func run(args []string) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig reads the configuration, applies command line overrides and
// sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if portName != "" {
		cfg.Device.Port = portName
		cfg.Device.Address = ""
	}
	if address != "" {
		cfg.Device.Address = address
		cfg.Device.Port = ""
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	initLogger(cfg.Logging.Level, cfg.Logging.Format)
	api.Version = Version
	return cfg, nil
}

// openTransport connects to the board over TCP or serial.
func openTransport(ctx context.Context, cfg *config.Config) (*transport.Conn, error) {
	if cfg.Device.Address != "" {
		return transport.DialTCP(ctx, cfg.Device.Address, cfg.Device.Timeout)
	}
	return transport.OpenSerial(transport.SerialConfig{
		Port:     cfg.Device.Port,
		BaudRate: cfg.Device.Baud,
		Parity:   cfg.Device.Parity,
		Timeout:  cfg.Device.Timeout,
	})
}

// initLogger configures the global zerolog logger.
func initLogger(level, format string) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
