// Command abc-sim simulates a WaterFurnace ABC board for testing the bridge
// without a heat pump.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/resident-x/go-waterfurnace/internal/registers"
	"github.com/resident-x/go-waterfurnace/internal/simulator"
)

var (
	listenAddr string
	portName   string
	baudRate   int
	iz2Zones   int
	interval   time.Duration
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "abc-sim",
	Short: "Simulate a WaterFurnace ABC board",
	Long: `abc-sim answers ABC register reads and writes like a 5-series unit with an
AWL thermostat and an AXB, over TCP or a serial port.

Point the bridge at it with --address (TCP) or, with a virtual serial pair
such as socat, --port.`,
	Example: `  abc-sim --listen 127.0.0.1:2000
  abc-sim --listen :2000 --iz2 3 --interval 5s
  abc-sim --port /dev/pts/4`,
	SilenceUsage: true,
	RunE:         runSim,
}

func init() {
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "127.0.0.1:2000", "TCP address to listen on")
	rootCmd.Flags().StringVarP(&portName, "port", "p", "", "Serve on a serial port instead of TCP")
	rootCmd.Flags().IntVarP(&baudRate, "baud", "b", 19200, "Baud rate (serial only)")
	rootCmd.Flags().IntVar(&iz2Zones, "iz2", 0, "Fit an IZ2 zoning panel with this many zones")
	rootCmd.Flags().DurationVarP(&interval, "interval", "i", 10*time.Second, "Interval between value changes (0 disables)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSim(cmd *cobra.Command, _ []string) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if iz2Zones < 0 || iz2Zones > registers.MaxIZ2Zones {
		return fmt.Errorf("--iz2 must be between 0 and %d", registers.MaxIZ2Zones)
	}

	board := simulator.NewDefaultBoard()
	if iz2Zones > 0 {
		board.AddIZ2(iz2Zones)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if interval > 0 {
		go vary(ctx, board, interval)
	}

	if portName != "" {
		return serveSerial(ctx, board)
	}

	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	log.Info().Str("address", l.Addr().String()).Int("iz2_zones", iz2Zones).Msg("Simulated ABC board listening")
	err = board.ServeListener(ctx, l)
	log.Info().Int("requests", board.Requests()).Int("writes", len(board.Writes())).Msg("Simulator stopped")
	return err
}

func serveSerial(ctx context.Context, board *simulator.Board) error {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	go func() {
		<-ctx.Done()
		port.Close()
	}()

	log.Info().Str("port", portName).Int("baud", baudRate).Msg("Simulated ABC board on serial port")
	if err := board.Serve(ctx, port); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func vary(ctx context.Context, board *simulator.Board, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			board.Vary()
			log.Debug().Msg("Values varied")
		}
	}
}
