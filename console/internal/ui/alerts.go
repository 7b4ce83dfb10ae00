package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"fleetwatch/console/internal/gpsapi"
	"fleetwatch/console/internal/session"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

const maxAlerts = 200

// AlertsModel shows live events first, followed by the last day of history
// for every device on the dashboard.
type AlertsModel struct {
	Session *session.Session
	Devices map[int64]string
	Events  []gpsapi.Event
	Feed    viewport.Model
	Err     error
	Status  string
}

type alertsLoadedMsg struct {
	Events []gpsapi.Event
}

func NewAlertsModel(s *session.Session, devices []gpsapi.Device, width, height int) AlertsModel {
	names := make(map[int64]string, len(devices))
	for _, d := range devices {
		names[d.ID] = d.Name
	}
	return AlertsModel{
		Session: s,
		Devices: names,
		Feed:    viewport.New(max(width-4, 40), max(height-8, 5)),
	}
}

func (m AlertsModel) Init() tea.Cmd {
	return m.loadHistory()
}

func (m AlertsModel) loadHistory() tea.Cmd {
	ids := make([]int64, 0, len(m.Devices))
	for id := range m.Devices {
		ids = append(ids, id)
	}
	return withAPI(m.Session, func(ctx context.Context, c *gpsapi.Client) tea.Msg {
		to := time.Now()
		var all []gpsapi.Event
		for _, id := range ids {
			events, err := c.Events(ctx, gpsapi.Query{DeviceID: id, From: to.Add(-historyWindow), To: to})
			if err != nil {
				return errMsg(fmt.Errorf("load events for device %d: %w", id, err))
			}
			all = append(all, events...)
		}
		return alertsLoadedMsg{Events: all}
	})
}

func (m AlertsModel) Update(msg tea.Msg) (AlertsModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			return m, emit(BackToDashboardMsg{})
		case "r":
			m.Status = "Refreshing..."
			return m, m.loadHistory()
		}

	case tea.WindowSizeMsg:
		m.Feed.Width = max(msg.Width-4, 40)
		m.Feed.Height = max(msg.Height-8, 5)

	case alertsLoadedMsg:
		m.Err = nil
		m.Status = fmt.Sprintf("%d events in the last 24h", len(msg.Events))
		m.merge(msg.Events)
		return m, nil

	case RealtimeMsg:
		if len(msg.Update.Events) > 0 {
			m.merge(msg.Update.Events)
		}
		return m, nil

	case errMsg:
		m.Err = msg
		return m, nil
	}

	m.Feed, cmd = m.Feed.Update(msg)
	return m, cmd
}

// merge adds events not seen yet and keeps the newest first.
func (m *AlertsModel) merge(events []gpsapi.Event) {
	seen := make(map[int64]bool, len(m.Events))
	for _, e := range m.Events {
		seen[e.ID] = true
	}
	for _, e := range events {
		if e.ID != 0 && seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		m.Events = append(m.Events, e)
	}
	sort.SliceStable(m.Events, func(i, j int) bool {
		return m.Events[i].EventTime.After(m.Events[j].EventTime)
	})
	if len(m.Events) > maxAlerts {
		m.Events = m.Events[:maxAlerts]
	}
	m.render()
}

func (m *AlertsModel) render() {
	var b strings.Builder
	for _, e := range m.Events {
		name := m.Devices[e.DeviceID]
		if name == "" {
			name = fmt.Sprintf("device %d", e.DeviceID)
		}
		line := fmt.Sprintf("%s  %-22s %s", formatTime(e.EventTime), truncate(name, 22), e.Type)
		if alarm, ok := e.Attributes["alarm"].(string); ok {
			line += " (" + alarm + ")"
		}
		b.WriteString(line + "\n")
	}
	m.Feed.SetContent(b.String())
	m.Feed.GotoTop()
}

func (m AlertsModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Alerts") + "\n\n")
	if len(m.Events) == 0 {
		b.WriteString(blurredStyle.Render("No events yet.") + "\n")
	} else {
		b.WriteString(m.Feed.View() + "\n")
	}
	b.WriteString(helpStyle.Render("r: refresh • up/down: scroll • esc: dashboard"))
	if m.Status != "" {
		b.WriteString("\n" + statusMessageStyle(m.Status))
	}
	if m.Err != nil {
		b.WriteString("\n" + errorMessageStyle(m.Err.Error()))
	}
	return b.String()
}
