package ui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"fleetwatch/console/internal/gpsapi"
	"fleetwatch/console/internal/session"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type GeofencesModel struct {
	Session   *session.Session
	Table     table.Model
	Geofences []gpsapi.Geofence
	Creating  bool              // form open
	editing   int64             // geofence being edited, zero for a new one
	Inputs    []textinput.Model // name, area
	Focused   int
	Err       error
	Status    string
	deleting  int64
}

type geofencesLoadedMsg struct {
	Geofences []gpsapi.Geofence
}

type geofenceChangedMsg struct {
	Status string
}

func NewGeofencesModel(s *session.Session, width, height int) GeofencesModel {
	columns := []table.Column{
		{Title: "ID", Width: 6},
		{Title: "Name", Width: 24},
		{Title: "Area", Width: max(width-44, 30)},
	}

	name := textinput.New()
	name.Prompt = "Name: "
	name.Placeholder = "Depot"
	name.CharLimit = 128

	area := textinput.New()
	area.Prompt = "Area: "
	area.Placeholder = "CIRCLE (51.5 -0.12, 500)"
	area.CharLimit = 4096
	area.Width = max(width-12, 40)

	return GeofencesModel{
		Session: s,
		Table:   newTable(columns, height-10),
		Inputs:  []textinput.Model{name, area},
	}
}

func (m GeofencesModel) Init() tea.Cmd {
	return m.load()
}

func (m GeofencesModel) load() tea.Cmd {
	org := m.Session.Organization()
	return withAPI(m.Session, func(ctx context.Context, c *gpsapi.Client) tea.Msg {
		list, err := c.Geofences(ctx)
		if err != nil {
			return errMsg(fmt.Errorf("load geofences: %w", err))
		}
		return geofencesLoadedMsg{Geofences: gpsapi.FilterByOrganization(list, org, func(g gpsapi.Geofence) string { return g.OrganizationID })}
	})
}

func (m GeofencesModel) selected() (gpsapi.Geofence, bool) {
	row := m.Table.SelectedRow()
	if len(row) == 0 {
		return gpsapi.Geofence{}, false
	}
	id, _ := strconv.ParseInt(row[0], 10, 64)
	for _, g := range m.Geofences {
		if g.ID == id {
			return g, true
		}
	}
	return gpsapi.Geofence{}, false
}

func (m GeofencesModel) Update(msg tea.Msg) (GeofencesModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.Creating {
			return m.updateForm(msg)
		}
		key := msg.String()
		if key != "x" {
			m.deleting = 0
		}
		switch key {
		case "esc":
			return m, emit(BackToDashboardMsg{})
		case "r":
			return m, m.load()
		case "n":
			return m.openForm(gpsapi.Geofence{}), textinput.Blink
		case "e":
			if g, ok := m.selected(); ok {
				return m.openForm(g), textinput.Blink
			}
			return m, nil
		case "x":
			g, ok := m.selected()
			if !ok {
				return m, nil
			}
			if m.deleting != g.ID {
				m.deleting = g.ID
				m.Status = fmt.Sprintf("Press x again to delete %s", g.Name)
				return m, nil
			}
			m.deleting = 0
			return m, withAPI(m.Session, func(ctx context.Context, c *gpsapi.Client) tea.Msg {
				if err := c.DeleteGeofence(ctx, g.ID); err != nil {
					return errMsg(fmt.Errorf("delete geofence: %w", err))
				}
				return geofenceChangedMsg{Status: fmt.Sprintf("Geofence %s deleted", g.Name)}
			})
		}

	case geofencesLoadedMsg:
		m.Err = nil
		m.Geofences = msg.Geofences
		rows := make([]table.Row, 0, len(msg.Geofences))
		for _, g := range msg.Geofences {
			rows = append(rows, table.Row{strconv.FormatInt(g.ID, 10), truncate(g.Name, 24), g.Area})
		}
		m.Table.SetRows(rows)
		return m, nil

	case geofenceChangedMsg:
		m.Creating = false
		m.Status = msg.Status
		return m, m.load()

	case errMsg:
		m.Err = msg
		return m, nil
	}

	if m.Creating {
		m.Inputs[m.Focused], cmd = m.Inputs[m.Focused].Update(msg)
		return m, cmd
	}
	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m GeofencesModel) openForm(g gpsapi.Geofence) GeofencesModel {
	m.Creating = true
	m.editing = g.ID
	m.Focused = 0
	m.Err = nil
	m.Inputs[0].SetValue(g.Name)
	m.Inputs[1].SetValue(g.Area)
	m.Inputs[0].Focus()
	m.Inputs[1].Blur()
	return m
}

func (m GeofencesModel) updateForm(msg tea.KeyMsg) (GeofencesModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg.String() {
	case "esc":
		m.Creating = false
		m.Err = nil
		return m, nil
	case "tab", "shift+tab", "up", "down":
		m.Inputs[m.Focused].Blur()
		m.Focused = 1 - m.Focused
		m.Inputs[m.Focused].Focus()
		return m, nil
	case "enter":
		if m.Focused == 0 {
			m.Inputs[0].Blur()
			m.Focused = 1
			m.Inputs[1].Focus()
			return m, nil
		}
		g := gpsapi.Geofence{ID: m.editing}
		for _, existing := range m.Geofences {
			if existing.ID == m.editing {
				g = existing
			}
		}
		g.Name = strings.TrimSpace(m.Inputs[0].Value())
		g.Area = strings.TrimSpace(m.Inputs[1].Value())
		if g.Name == "" || g.Area == "" {
			m.Err = fmt.Errorf("name and area are required")
			return m, nil
		}
		return m, withAPI(m.Session, func(ctx context.Context, c *gpsapi.Client) tea.Msg {
			if g.ID != 0 {
				updated, err := c.UpdateGeofence(ctx, g)
				if err != nil {
					return errMsg(fmt.Errorf("update geofence: %w", err))
				}
				return geofenceChangedMsg{Status: fmt.Sprintf("Geofence %s updated", updated.Name)}
			}
			created, err := c.CreateGeofence(ctx, g)
			if err != nil {
				return errMsg(fmt.Errorf("create geofence: %w", err))
			}
			return geofenceChangedMsg{Status: fmt.Sprintf("Geofence %s created", created.Name)}
		})
	}
	m.Inputs[m.Focused], cmd = m.Inputs[m.Focused].Update(msg)
	return m, cmd
}

func (m GeofencesModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Geofences") + "\n\n")
	if m.Creating {
		title := "New geofence (WKT area)"
		if m.editing != 0 {
			title = fmt.Sprintf("Edit geofence %d (WKT area)", m.editing)
		}
		b.WriteString(sectionStyle.Render(title) + "\n")
		b.WriteString(m.Inputs[0].View() + "\n")
		b.WriteString(m.Inputs[1].View() + "\n")
		b.WriteString(helpStyle.Render("tab: switch field • enter: save • esc: cancel"))
	} else {
		b.WriteString(m.Table.View() + "\n")
		b.WriteString(helpStyle.Render("n: new • e: edit • x: delete • r: refresh • esc: dashboard"))
	}
	if m.Status != "" {
		b.WriteString("\n" + statusMessageStyle(m.Status))
	}
	if m.Err != nil {
		b.WriteString("\n" + errorMessageStyle(m.Err.Error()))
	}
	return b.String()
}
