package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetwatch/console/internal/command"
	"fleetwatch/console/internal/gpsapi"
	"fleetwatch/console/internal/logger"
	"fleetwatch/console/internal/session"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const historyWindow = 24 * time.Hour

type DeviceDetailModel struct {
	Session *session.Session
	Device  gpsapi.Device
	Width   int
	Height  int

	Positions  table.Model
	positions  []gpsapi.Position
	Trips      []gpsapi.Trip
	Summary    *gpsapi.Summary
	Events     []gpsapi.Event
	Commands   []command.Command
	CommandLog viewport.Model

	Request *RequestModel // open request modal, if any
	Err     error
	Status  string
}

type detailLoadedMsg struct {
	DeviceID  int64
	Positions []gpsapi.Position
	Trips     []gpsapi.Trip
	Summary   []gpsapi.Summary
	Events    []gpsapi.Event
}

type commandsLoadedMsg struct {
	Commands []command.Command
	Err      error
}

type commandForwardedMsg struct {
	Command *command.Command
	Err     error
}

func NewDeviceDetailModel(s *session.Session, d gpsapi.Device, width, height int) DeviceDetailModel {
	columns := []table.Column{
		{Title: "Fix time", Width: 19},
		{Title: "Position", Width: 22},
		{Title: "Speed", Width: 9},
		{Title: "Address", Width: 24},
	}
	vp := viewport.New(max(width/2-6, 30), 10)
	vp.Style = lipgloss.NewStyle().PaddingLeft(1)

	return DeviceDetailModel{
		Session:    s,
		Device:     d,
		Width:      width,
		Height:     height,
		Positions:  newTable(columns, height/2-4),
		CommandLog: vp,
	}
}

func (m DeviceDetailModel) Init() tea.Cmd {
	return tea.Batch(m.load(), m.loadCommands())
}

func (m DeviceDetailModel) load() tea.Cmd {
	id := m.Device.ID
	return withAPI(m.Session, func(ctx context.Context, c *gpsapi.Client) tea.Msg {
		to := time.Now()
		q := gpsapi.Query{DeviceID: id, From: to.Add(-historyWindow), To: to}

		out := detailLoadedMsg{DeviceID: id}
		var err error
		if out.Positions, err = c.Positions(ctx, q); err != nil {
			return errMsg(fmt.Errorf("load positions: %w", err))
		}
		if out.Trips, err = c.Trips(ctx, q); err != nil {
			return errMsg(fmt.Errorf("load trips: %w", err))
		}
		if out.Summary, err = c.Summary(ctx, q); err != nil {
			return errMsg(fmt.Errorf("load summary: %w", err))
		}
		if out.Events, err = c.Events(ctx, q); err != nil {
			return errMsg(fmt.Errorf("load events: %w", err))
		}
		return out
	})
}

func (m DeviceDetailModel) loadCommands() tea.Cmd {
	s, id := m.Session, m.Device.ID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		list, err := s.Commands().ListByDevice(ctx, id, s.Organization())
		return commandsLoadedMsg{Commands: list, Err: err}
	}
}

func (m DeviceDetailModel) openRequest(typ command.Type) DeviceDetailModel {
	d := m.Device
	w := m.Session.NewRequest(d.ID, typ, func(c command.Command) {
		logger.Infof("%s request %s recorded for device %d by %s", c.Type, c.ID, c.DeviceID, c.UserID)
	})
	req := NewRequestModel(w, d)
	m.Request = &req
	m.Status = ""
	return m
}

// lastRequested is the newest command still waiting to be forwarded.
func (m DeviceDetailModel) lastRequested() (command.Command, bool) {
	for i := len(m.Commands) - 1; i >= 0; i-- {
		if m.Commands[i].Status == command.StatusRequested {
			return m.Commands[i], true
		}
	}
	return command.Command{}, false
}

func (m DeviceDetailModel) Update(msg tea.Msg) (DeviceDetailModel, tea.Cmd) {
	var cmd tea.Cmd

	if m.Request != nil {
		if closed, ok := msg.(requestClosedMsg); ok {
			m.Request = nil
			if closed.Command != nil {
				m.Status = fmt.Sprintf("%s request recorded (%s)", closed.Command.Type, closed.Command.ID[:8])
				return m, m.loadCommands()
			}
			m.Status = "Request cancelled"
			return m, nil
		}
		if _, ok := msg.(tea.KeyMsg); ok {
			req, cmd := m.Request.Update(msg)
			m.Request = &req
			return m, cmd
		}
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			return m, emit(BackToDashboardMsg{})
		case "i":
			return m.openRequest(command.TypeImmobilise), textinput.Blink
		case "p":
			return m.openRequest(command.TypeRestorePower), textinput.Blink
		case "f":
			return m.forward()
		case "r":
			m.Status = "Refreshing..."
			return m, tea.Batch(m.load(), m.loadCommands())
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Positions.SetHeight(max(msg.Height/2-4, 3))
		m.CommandLog.Width = max(msg.Width/2-6, 30)

	case detailLoadedMsg:
		if msg.DeviceID != m.Device.ID {
			return m, nil
		}
		m.Err = nil
		m.Status = ""
		m.positions = msg.Positions
		m.Trips = msg.Trips
		m.Events = msg.Events
		m.Summary = nil
		if len(msg.Summary) > 0 {
			m.Summary = &msg.Summary[0]
		}
		m.syncPositions()
		return m, nil

	case commandsLoadedMsg:
		if msg.Err != nil {
			m.Err = msg.Err
			return m, nil
		}
		m.Commands = msg.Commands
		m.syncCommandLog()
		return m, nil

	case commandForwardedMsg:
		if msg.Err != nil {
			m.Err = msg.Err
		} else {
			m.Err = nil
			m.Status = fmt.Sprintf("Command %s forwarded, now %s", msg.Command.ID[:8], msg.Command.Status)
		}
		return m, m.loadCommands()

	case RealtimeMsg:
		m.apply(msg.Update)
		return m, nil

	case errMsg:
		m.Err = msg
		return m, nil
	}

	m.Positions, cmd = m.Positions.Update(msg)
	return m, cmd
}

func (m DeviceDetailModel) forward() (DeviceDetailModel, tea.Cmd) {
	if !m.Session.ForwardingEnabled() {
		m.Err = session.ErrForwardingDisabled
		return m, nil
	}
	c, ok := m.lastRequested()
	if !ok {
		m.Status = "No request waiting to be forwarded"
		return m, nil
	}
	s := m.Session
	m.Status = "Forwarding..."
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		updated, err := s.Forward(ctx, c.ID)
		return commandForwardedMsg{Command: updated, Err: err}
	}
}

func (m *DeviceDetailModel) apply(u session.Update) {
	for _, p := range u.Positions {
		if p.DeviceID == m.Device.ID {
			m.positions = append(m.positions, p)
		}
	}
	for _, d := range u.Devices {
		if d.ID == m.Device.ID {
			m.Device = d
		}
	}
	for _, e := range u.Events {
		if e.DeviceID == m.Device.ID {
			m.Events = append(m.Events, e)
		}
	}
	if len(u.Positions) > 0 {
		m.syncPositions()
	}
}

func (m *DeviceDetailModel) syncPositions() {
	rows := make([]table.Row, 0, len(m.positions))
	for i := len(m.positions) - 1; i >= 0; i-- {
		p := m.positions[i]
		rows = append(rows, table.Row{
			formatTime(p.FixTime),
			formatCoord(p.Latitude, p.Longitude),
			formatSpeed(p.Speed),
			truncate(p.Address, 24),
		})
	}
	m.Positions.SetRows(rows)
}

func (m *DeviceDetailModel) syncCommandLog() {
	var b strings.Builder
	if len(m.Commands) == 0 {
		b.WriteString(blurredStyle.Render("No requests recorded for this device."))
	}
	for _, c := range m.Commands {
		fmt.Fprintf(&b, "%s  %-13s %-9s by %s\n", formatTime(c.Timestamp), c.Type, c.Status, c.UserID)
		fmt.Fprintf(&b, "    %s\n", c.Reason)
		if c.Notes != "" {
			fmt.Fprintf(&b, "    %s\n", blurredStyle.Render(c.Notes))
		}
	}
	m.CommandLog.SetContent(b.String())
	m.CommandLog.GotoBottom()
}

func (m DeviceDetailModel) View() string {
	if m.Request != nil {
		return lipgloss.Place(m.Width, m.Height, lipgloss.Center, lipgloss.Center, m.Request.View())
	}

	d := m.Device
	header := titleStyle.Render(fmt.Sprintf("%s (%d)", d.Name, d.ID)) + "  " +
		blurredStyle.Render(fmt.Sprintf("status %s • last update %s", d.Status, formatTimePtr(d.LastUpdate)))

	left := lipgloss.JoinVertical(lipgloss.Left,
		sectionStyle.Render("Positions (24h)"),
		m.Positions.View(),
		"",
		sectionStyle.Render("Trips (24h)"),
		m.tripsView(),
	)
	right := lipgloss.JoinVertical(lipgloss.Left,
		sectionStyle.Render("Summary (24h)"),
		m.summaryView(),
		"",
		sectionStyle.Render("Events (24h)"),
		m.eventsView(),
		"",
		sectionStyle.Render("Command log"),
		m.CommandLog.View(),
	)
	width := max(m.Width/2-4, 40)
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Width(width).Render(left),
		panelStyle.Width(width).Render(right),
	)

	help := "i: immobilise • p: restore power • r: refresh • esc: dashboard"
	if m.Session.ForwardingEnabled() {
		help = "i: immobilise • p: restore power • f: forward last request • r: refresh • esc: dashboard"
	}
	out := lipgloss.JoinVertical(lipgloss.Left, header, body, helpStyle.Render(help))
	if m.Status != "" {
		out += "\n" + statusMessageStyle(m.Status)
	}
	if m.Err != nil {
		out += "\n" + errorMessageStyle(describeDetailError(m.Err))
	}
	return out
}

func (m DeviceDetailModel) tripsView() string {
	if len(m.Trips) == 0 {
		return blurredStyle.Render("No trips.")
	}
	var b strings.Builder
	for _, t := range m.Trips {
		fmt.Fprintf(&b, "%s → %s  %.1f km  max %s\n",
			t.StartTime.Local().Format("15:04"), t.EndTime.Local().Format("15:04"),
			t.Distance/1000, formatSpeed(t.MaxSpeed))
	}
	return b.String()
}

func (m DeviceDetailModel) summaryView() string {
	if m.Summary == nil {
		return blurredStyle.Render("No summary.")
	}
	s := m.Summary
	return fmt.Sprintf("Distance %.1f km • avg %s • max %s • engine %s",
		s.Distance/1000, formatSpeed(s.AverageSpeed), formatSpeed(s.MaxSpeed),
		(time.Duration(s.EngineHours) * time.Millisecond).Round(time.Minute))
}

func (m DeviceDetailModel) eventsView() string {
	if len(m.Events) == 0 {
		return blurredStyle.Render("No events.")
	}
	var b strings.Builder
	start := max(len(m.Events)-6, 0)
	for i := len(m.Events) - 1; i >= start; i-- {
		e := m.Events[i]
		fmt.Fprintf(&b, "%s  %s\n", formatTime(e.EventTime), e.Type)
	}
	return b.String()
}

func describeDetailError(err error) string {
	switch {
	case errors.Is(err, session.ErrForwardingDisabled):
		return "Forwarding is disabled (console.commands.forward)."
	case errors.Is(err, gpsapi.ErrAuthenticationFailed):
		return "Authentication failed, check the connection settings."
	}
	return err.Error()
}
