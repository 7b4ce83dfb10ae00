package ui

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"fleetwatch/console/internal/gpsapi"
	"fleetwatch/console/internal/realtime"
	"fleetwatch/console/internal/session"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

type DashboardModel struct {
	Session  *session.Session
	Table    table.Model
	Devices  []gpsapi.Device
	Latest   map[int64]gpsapi.Position
	RTState  realtime.State
	Err      error
	Status   string
	Width    int
	Height   int
	deleting int64 // device awaiting a second x
}

type DeviceSelectedMsg struct {
	Device gpsapi.Device
}

type devicesLoadedMsg struct {
	Devices   []gpsapi.Device
	Positions []gpsapi.Position
}

type deviceDeletedMsg struct {
	ID int64
}

func NewDashboardModel(s *session.Session, width, height int) DashboardModel {
	columns := []table.Column{
		{Title: "ID", Width: 6},
		{Title: "Name", Width: 22},
		{Title: "Status", Width: 9},
		{Title: "Last update", Width: 19},
		{Title: "Position", Width: 22},
		{Title: "Speed", Width: 9},
	}
	return DashboardModel{
		Session: s,
		Table:   newTable(columns, height-10),
		Latest:  make(map[int64]gpsapi.Position),
		RTState: s.RealtimeState(),
		Width:   width,
		Height:  height,
	}
}

func (m DashboardModel) Init() tea.Cmd {
	return m.refresh()
}

func (m DashboardModel) refresh() tea.Cmd {
	org := m.Session.Organization()
	return withAPI(m.Session, func(ctx context.Context, c *gpsapi.Client) tea.Msg {
		devices, err := c.Devices(ctx)
		if err != nil {
			return errMsg(fmt.Errorf("load devices: %w", err))
		}
		positions, err := c.Positions(ctx, gpsapi.Query{})
		if err != nil {
			return errMsg(fmt.Errorf("load positions: %w", err))
		}
		return devicesLoadedMsg{
			Devices:   gpsapi.FilterByOrganization(devices, org, func(d gpsapi.Device) string { return d.OrganizationID }),
			Positions: positions,
		}
	})
}

// Selected returns the device under the cursor.
func (m DashboardModel) Selected() (gpsapi.Device, bool) {
	row := m.Table.SelectedRow()
	if len(row) == 0 {
		return gpsapi.Device{}, false
	}
	id, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return gpsapi.Device{}, false
	}
	for _, d := range m.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return gpsapi.Device{}, false
}

func (m DashboardModel) Update(msg tea.Msg) (DashboardModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		if key != "x" {
			m.deleting = 0
		}
		switch key {
		case "r":
			m.Status = "Refreshing..."
			return m, m.refresh()
		case "n":
			return m, emit(openDeviceFormMsg{})
		case "e":
			if d, ok := m.Selected(); ok {
				return m, emit(openDeviceFormMsg{Device: &d})
			}
			return m, nil
		case "x":
			d, ok := m.Selected()
			if !ok {
				return m, nil
			}
			if m.deleting != d.ID {
				m.deleting = d.ID
				m.Status = fmt.Sprintf("Press x again to delete %s", d.Name)
				return m, nil
			}
			m.deleting = 0
			return m, withAPI(m.Session, func(ctx context.Context, c *gpsapi.Client) tea.Msg {
				if err := c.DeleteDevice(ctx, d.ID); err != nil {
					return errMsg(fmt.Errorf("delete device: %w", err))
				}
				return deviceDeletedMsg{ID: d.ID}
			})
		case "enter":
			if d, ok := m.Selected(); ok {
				return m, emit(DeviceSelectedMsg{Device: d})
			}
			return m, nil
		case "a":
			return m, emit(openAlertsMsg{})
		case "g":
			return m, emit(openGeofencesMsg{})
		case "s":
			return m, emit(openSettingsMsg{})
		case "q":
			return m, tea.Quit
		}

	case devicesLoadedMsg:
		m.Err = nil
		m.Status = fmt.Sprintf("%d devices", len(msg.Devices))
		m.Devices = msg.Devices
		for _, p := range msg.Positions {
			m.Latest[p.DeviceID] = p
		}
		m.syncRows()
		return m, nil

	case deviceDeletedMsg:
		m.Status = fmt.Sprintf("Device %d deleted", msg.ID)
		for i, d := range m.Devices {
			if d.ID == msg.ID {
				m.Devices = append(m.Devices[:i:i], m.Devices[i+1:]...)
				break
			}
		}
		delete(m.Latest, msg.ID)
		m.syncRows()
		return m, nil

	case RealtimeMsg:
		m.apply(msg.Update)
		return m, nil

	case errMsg:
		m.Err = msg
		return m, nil
	}

	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m *DashboardModel) apply(u session.Update) {
	switch {
	case u.State != nil:
		m.RTState = *u.State
	case len(u.Positions) > 0:
		for _, p := range u.Positions {
			m.Latest[p.DeviceID] = p
		}
		m.syncRows()
	case len(u.Devices) > 0:
		for _, d := range u.Devices {
			m.upsert(d)
		}
		m.syncRows()
	}
}

func (m *DashboardModel) upsert(d gpsapi.Device) {
	for i := range m.Devices {
		if m.Devices[i].ID == d.ID {
			m.Devices[i] = d
			return
		}
	}
	m.Devices = append(m.Devices, d)
}

func (m *DashboardModel) syncRows() {
	sort.SliceStable(m.Devices, func(i, j int) bool {
		return strings.ToLower(m.Devices[i].Name) < strings.ToLower(m.Devices[j].Name)
	})
	rows := make([]table.Row, 0, len(m.Devices))
	for _, d := range m.Devices {
		position, speed := "-", "-"
		if p, ok := m.Latest[d.ID]; ok {
			position = formatCoord(p.Latitude, p.Longitude)
			speed = formatSpeed(p.Speed)
		}
		status := d.Status
		if status == "" {
			status = "unknown"
		}
		rows = append(rows, table.Row{
			strconv.FormatInt(d.ID, 10),
			truncate(d.Name, 22),
			status,
			formatTimePtr(d.LastUpdate),
			position,
			speed,
		})
	}
	m.Table.SetRows(rows)
	if m.Table.Cursor() >= len(rows) && len(rows) > 0 {
		m.Table.SetCursor(len(rows) - 1)
	}
}

func (m DashboardModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Fleetwatch - "+m.Session.Organization()) + "  ")
	b.WriteString(realtimeBadge(m.RTState) + "\n\n")
	b.WriteString(m.Table.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter: details • n: new • e: edit • x: delete • a: alerts • g: geofences • s: settings • r: refresh • q: quit"))

	if m.Status != "" {
		b.WriteString("\n" + statusMessageStyle(m.Status))
	}
	if m.Err != nil {
		b.WriteString("\n" + errorMessageStyle(m.Err.Error()))
	}
	return b.String()
}

func realtimeBadge(s realtime.State) string {
	label := "live: " + s.String()
	if s == realtime.StateConnected {
		return focusedStyle.Render(label)
	}
	return blurredStyle.Render(label)
}
