package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/resident-x/go-waterfurnace/internal/bus"
	"github.com/resident-x/go-waterfurnace/internal/config"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/hub"
)

const oneShotTimeout = 30 * time.Second

var infoJSON bool

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Detect the board and print its identity and capabilities",
	RunE:  runInfo,
}

func init() {
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Print the identity as JSON")
	rootCmd.AddCommand(infoCmd)
}

// withHub opens the board, starts a hub without polling and runs fn.
func withHub(parent context.Context, cfg *config.Config, fn func(ctx context.Context, h *hub.Hub) error) error {
	ctx, cancel := context.WithTimeout(parent, oneShotTimeout)
	defer cancel()

	conn, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	h := hub.New(conn, bus.New(), hub.Config{ConnectedTimeout: cfg.Polling.ConnectedTimeout})
	if err := h.Start(ctx); err != nil {
		return err
	}
	defer h.Stop()

	return fn(ctx, h)
}

func runInfo(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	return withHub(cmd.Context(), cfg, func(ctx context.Context, h *hub.Hub) error {
		id, err := h.Setup(ctx)
		if err != nil {
			return err
		}
		if infoJSON {
			out, err := json.MarshalIndent(id, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), renderIdentity(id))
		return nil
	})
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true).
			Width(16)

	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	missingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func renderIdentity(id domain.DeviceIdentity) string {
	row := func(label, value string) string {
		return labelStyle.Render(label) + valueStyle.Render(value)
	}
	flag := func(label string, on bool) string {
		if on {
			return labelStyle.Render(label) + valueStyle.Render("yes")
		}
		return labelStyle.Render(label) + missingStyle.Render("no")
	}

	board := []string{
		row("Model", id.Model),
		row("Serial", id.Serial),
		row("ABC program", id.ABCProgram),
		row("ABC version", fmt.Sprintf("%.2f", id.ABCVersion)),
		row("Blower type", fmt.Sprintf("%d", id.BlowerType)),
		row("Pump type", fmt.Sprintf("%d", id.PumpType)),
		row("Energy monitor", fmt.Sprintf("%d", id.EnergyMonitor)),
		row("IZ2 zones", fmt.Sprintf("%d", id.IZ2Zones)),
	}

	var components []string
	for _, c := range id.Components {
		if c.Present {
			components = append(components, row(c.Name, fmt.Sprintf("v%.2f", c.Version)))
		} else {
			components = append(components, labelStyle.Render(c.Name)+missingStyle.Render("missing"))
		}
	}

	f := id.Capabilities
	capabilities := []string{
		flag("AWL thermostat", f.AWLThermostat),
		flag("AWL AXB", f.AWLAXB),
		flag("AWL IZ2", f.AWLIZ2),
		flag("AXB", f.HasAXB),
		flag("VS drive", f.HasVSDrive),
		flag("Energy", f.HasEnergyMonitoring),
		flag("Refrigeration", f.HasRefrigerationMonitoring),
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("WATERFURNACE ABC BOARD"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(strings.Join(board, "\n")))
	s.WriteString("\n")
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		boxStyle.Render(strings.Join(components, "\n")),
		boxStyle.Render(strings.Join(capabilities, "\n")),
	))
	s.WriteString("\n")
	return s.String()
}
