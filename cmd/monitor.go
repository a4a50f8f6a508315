package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/resident-x/go-waterfurnace/internal/climate"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/hub"
	"github.com/resident-x/go-waterfurnace/internal/pubsub"
	"github.com/resident-x/go-waterfurnace/internal/service"
)

const (
	commandTimeout = 30 * time.Second
	maxLogEntries  = 5
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI showing live entity states",
	Long: `Poll the board and show every entity in a live table.

Commands typed at the prompt are applied like MQTT commands:
  <entity> <field> <value>
for example "zone_0 temperature 70", "zone_0 mode cool" or
"dhw_enable state OFF". Tab switches between the table and the prompt.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.MQTT.Enabled = false

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	conn, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	srv, err := service.NewHeatPumpServer(cfg, conn, pubsub.NewNoopPublisher())
	if err != nil {
		return err
	}

	m := newMonitorModel(srv.Hub(), srv.Store(), srv.Controller(), conn.Endpoint())
	p := tea.NewProgram(m, tea.WithAltScreen())

	unsubscribe := srv.Store().Subscribe(func(state domain.EntityState) {
		p.Send(stateMsg(state))
	})
	defer unsubscribe()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		srv.Stop(stopCtx)
	}()

	_, err = p.Run()
	return err
}

// commandApplier applies one text command to an entity.
type commandApplier interface {
	Apply(ctx context.Context, entityID, field, payload string) error
}

// entityStore is the part of the state store the monitor reads.
type entityStore interface {
	Infos() []domain.EntityInfo
	All() []domain.EntityState
}

type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

type (
	tickMsg   time.Time
	stateMsg  domain.EntityState
	resultMsg struct {
		command string
		err     error
	}
)

type monitorModel struct {
	hub      *hub.Hub
	store    entityStore
	control  commandApplier
	endpoint string

	table  table.Model
	input  textinput.Model
	states map[string]domain.EntityState
	infos  map[string]domain.EntityInfo
	order  []string
	log    []logEntry

	stats    hub.Stats
	width    int
	height   int
	quitting bool
}

func newMonitorModel(h *hub.Hub, store entityStore, control commandApplier, endpoint string) monitorModel {
	columns := []table.Column{
		{Title: "Entity", Width: 36},
		{Title: "Value", Width: 40},
		{Title: "Unit", Width: 6},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)

	ti := textinput.New()
	ti.Placeholder = "zone_0 temperature 70"
	ti.Prompt = "> "
	ti.CharLimit = 64
	ti.Width = 48

	m := monitorModel{
		hub:      h,
		store:    store,
		control:  control,
		endpoint: endpoint,
		table:    t,
		input:    ti,
		states:   make(map[string]domain.EntityState),
		infos:    make(map[string]domain.EntityInfo),
		width:    100,
		height:   30,
	}
	for _, s := range store.All() {
		m.states[s.ID] = s
	}
	m.refreshInfos()
	return m
}

func (m monitorModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "q":
			if !m.input.Focused() {
				m.quitting = true
				return m, tea.Quit
			}
		case "tab":
			if m.input.Focused() {
				m.input.Blur()
				m.table.Focus()
			} else {
				m.table.Blur()
				return m, m.input.Focus()
			}
			return m, nil
		case "enter":
			if m.input.Focused() {
				line := strings.TrimSpace(m.input.Value())
				m.input.SetValue("")
				if line == "" {
					return m, nil
				}
				return m, m.applyCmd(line)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(msg.Height-14, 5))
		return m, nil

	case tickMsg:
		if m.hub != nil {
			m.stats = m.hub.Stats()
		}
		if len(m.infos) != len(m.store.Infos()) {
			m.refreshInfos()
		}
		return m, tickCmd()

	case stateMsg:
		state := domain.EntityState(msg)
		m.states[state.ID] = state
		if _, ok := m.infos[state.ID]; !ok {
			m.refreshInfos()
		}
		m.table.SetRows(m.rows())
		return m, nil

	case resultMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("%s: %v", msg.command, msg.err), true)
		} else {
			m.addLogEntry(msg.command+": ok", false)
		}
		return m, nil
	}

	var cmd tea.Cmd
	if m.input.Focused() {
		m.input, cmd = m.input.Update(msg)
	} else {
		m.table, cmd = m.table.Update(msg)
	}
	return m, cmd
}

// applyCmd parses "<entity> <field> <value>" and applies it off the UI loop.
func (m monitorModel) applyCmd(line string) tea.Cmd {
	return func() tea.Msg {
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return resultMsg{command: line, err: fmt.Errorf("expected <entity> <field> <value>")}
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		err := m.control.Apply(ctx, parts[0], parts[1], strings.Join(parts[2:], " "))
		return resultMsg{command: line, err: err}
	}
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, logEntry{timestamp: time.Now(), message: message, isError: isError})
	if len(m.log) > maxLogEntries {
		m.log = m.log[len(m.log)-maxLogEntries:]
	}
}

func (m *monitorModel) refreshInfos() {
	infos := m.store.Infos()
	m.order = make([]string, 0, len(infos))
	for _, info := range infos {
		m.infos[info.ID] = info
		m.order = append(m.order, info.ID)
	}
	sort.SliceStable(m.order, func(i, j int) bool {
		a, b := m.infos[m.order[i]], m.infos[m.order[j]]
		if a.Kind != b.Kind {
			return kindRank(a.Kind) < kindRank(b.Kind)
		}
		return a.ID < b.ID
	})
	m.table.SetRows(m.rows())
}

func kindRank(k domain.EntityKind) int {
	switch k {
	case domain.KindClimate:
		return 0
	case domain.KindSwitch:
		return 1
	case domain.KindSensor:
		return 2
	case domain.KindBinarySensor:
		return 3
	}
	return 4
}

func (m monitorModel) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		info := m.infos[id]
		name := info.Name
		if name == "" {
			name = id
		}
		rows = append(rows, table.Row{name, formatValue(m.states[id], info), info.Unit})
	}
	return rows
}

// formatValue renders a state for the table.
func formatValue(state domain.EntityState, info domain.EntityInfo) string {
	if !state.Available || state.Value == nil {
		return "-"
	}
	switch v := state.Value.(type) {
	case climate.State:
		return formatClimate(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "-"
		}
		return fmt.Sprintf("%.*f", info.Precision, v)
	}
	payload, err := pubsub.FormatState(state)
	if err != nil {
		return "?"
	}
	return string(payload)
}

func formatClimate(s climate.State) string {
	temp := func(f float64) string {
		if math.IsNaN(f) {
			return "-"
		}
		return fmt.Sprintf("%.1f", f)
	}
	out := fmt.Sprintf("%s %s  heat %s  cool %s  fan %s",
		s.Mode, temp(s.Current), temp(s.Low), temp(s.High), s.Fan)
	if s.Preset != "" {
		out += "  " + s.Preset
	}
	return out
}

var (
	headerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statsValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("WATERFURNACE MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Board: %s | Tab: switch focus | q: quit", m.endpoint)))
	s.WriteString("\n\n")

	switch {
	case !m.stats.Ready:
		s.WriteString(warningStyle.Render("Waiting for board detection..."))
	case !m.stats.Connected:
		s.WriteString(errorStyle.Render("Board not responding"))
	default:
		s.WriteString(statsValueStyle.Render(fmt.Sprintf("Connected  polls %d  failed %d  groups %d",
			m.stats.Polls, m.stats.PollFailures, m.stats.PollGroups)))
	}
	s.WriteString("\n")

	s.WriteString(boxStyle.Render(m.table.View()))
	s.WriteString("\n")
	s.WriteString(m.input.View())
	s.WriteString("\n")

	for _, e := range m.log {
		line := fmt.Sprintf("[%s] %s", e.timestamp.Format("15:04:05"), e.message)
		if e.isError {
			s.WriteString(errorStyle.Render(line))
		} else {
			s.WriteString(headerStyle.Render(line))
		}
		s.WriteString("\n")
	}
	return s.String()
}
