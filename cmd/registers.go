package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/resident-x/go-waterfurnace/internal/api"
	"github.com/resident-x/go-waterfurnace/internal/hub"
	"github.com/resident-x/go-waterfurnace/internal/validation"
)

const maxReadCount = 64

var (
	registerFormat string
	forceWrite     bool
)

var readCmd = &cobra.Command{
	Use:   "read <address> [count]",
	Short: "Read raw registers from the board",
	Example: `  waterfurnace read 16
  waterfurnace read 92 12 --format text
  waterfurnace read 740 4 --format hex`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write <address> <value>",
	Short: "Write one raw register on the board",
	Long: `Write one raw register on the board.

The write is checked by the strict validator first: identity registers are
refused and addresses the bridge never writes itself produce a warning.
--force skips validation.`,
	Example: `  waterfurnace write 12619 700
  waterfurnace write 400 0x0001 --format hex`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

func init() {
	readCmd.Flags().StringVarP(&registerFormat, "format", "f", "dec", "Output format: dec, hex or text")
	writeCmd.Flags().StringVarP(&registerFormat, "format", "f", "dec", "Value format: dec, hex or text")
	writeCmd.Flags().BoolVar(&forceWrite, "force", false, "Skip validation")
	rootCmd.AddCommand(readCmd, writeCmd)
}

func parseAddress(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid register address %q", s)
	}
	return uint16(v), nil
}

func runRead(cmd *cobra.Command, args []string) error {
	fc := api.NewFormatConverter()
	format, err := fc.ParseFormat(registerFormat)
	if err != nil {
		return err
	}
	start, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	count := 1
	if len(args) == 2 {
		count, err = strconv.Atoi(args[1])
		if err != nil || count < 1 || count > maxReadCount {
			return fmt.Errorf("count must be between 1 and %d", maxReadCount)
		}
	}
	if int(start)+count > 0x10000 {
		return fmt.Errorf("range %d+%d runs past the last register", start, count)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addrs := make([]uint16, count)
	for i := range addrs {
		addrs[i] = start + uint16(i)
	}

	return withHub(cmd.Context(), cfg, func(ctx context.Context, h *hub.Hub) error {
		values, err := h.ReadRegisters(ctx, addrs)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch rendered := fc.FormatValues(values, format).(type) {
		case string:
			fmt.Fprintln(out, rendered)
		case []string:
			for i, v := range rendered {
				fmt.Fprintf(out, "%5d  %s\n", addrs[i], v)
			}
		case []int:
			for i, v := range rendered {
				fmt.Fprintf(out, "%5d  %d\n", addrs[i], v)
			}
		}
		return nil
	})
}

func runWrite(cmd *cobra.Command, args []string) error {
	fc := api.NewFormatConverter()
	format, err := fc.ParseFormat(registerFormat)
	if err != nil {
		return err
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	value, err := fc.ParseValue(args[1], format)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !forceWrite {
		v := validation.NewValidator(validation.ValidationLevelStrict, log.Logger)
		result := v.ValidateRegisterWrite(int(addr), int(value))
		if err := result.Err(); err != nil {
			return fmt.Errorf("refusing write (use --force to override): %w", err)
		}
		for _, w := range result.Warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w.Message)
		}
	}

	return withHub(cmd.Context(), cfg, func(ctx context.Context, h *hub.Hub) error {
		if err := h.WriteRegister(ctx, addr, value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d <- %d (0x%04x)\n", addr, value, value)
		return nil
	})
}
