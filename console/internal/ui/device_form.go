package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fleetwatch/console/internal/gpsapi"
	"fleetwatch/console/internal/session"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type deviceSavedMsg struct {
	Device *gpsapi.Device
}

type fieldDef struct {
	Name        string
	Placeholder string
	Required    bool
}

var deviceFields = []fieldDef{
	{Name: "Name", Placeholder: "Truck 12", Required: true},
	{Name: "Unique ID", Placeholder: "IMEI or tracker identifier", Required: true},
	{Name: "Phone", Placeholder: "+44..."},
	{Name: "Model", Placeholder: "FMB920"},
	{Name: "Category", Placeholder: "truck, car, van..."},
}

// DeviceFormModel creates or edits one device. Focus indexes past the inputs
// select the Save and Back buttons.
type DeviceFormModel struct {
	Session *session.Session
	Device  gpsapi.Device
	Inputs  []textinput.Model
	Focused int
	Err     error
	Busy    bool
}

func NewDeviceFormModel(s *session.Session, d *gpsapi.Device) DeviceFormModel {
	m := DeviceFormModel{Session: s}
	if d != nil {
		m.Device = *d
	}
	values := []string{m.Device.Name, m.Device.UniqueID, m.Device.Phone, m.Device.Model, m.Device.Category}
	m.Inputs = make([]textinput.Model, len(deviceFields))
	for i, field := range deviceFields {
		ti := textinput.New()
		ti.Placeholder = field.Placeholder
		ti.CharLimit = 128
		ti.SetValue(values[i])
		if i == 0 {
			ti.Focus()
		}
		m.Inputs[i] = ti
	}
	return m
}

func (m DeviceFormModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m DeviceFormModel) Update(msg tea.Msg) (DeviceFormModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.Busy {
			return m, nil
		}
		switch msg.String() {
		case "esc":
			return m, emit(BackToDashboardMsg{})
		case "ctrl+s":
			return m.submit()
		case "enter":
			if m.Focused == len(m.Inputs) {
				return m.submit()
			} else if m.Focused == len(m.Inputs)+1 {
				return m, emit(BackToDashboardMsg{})
			}
			m.move(1)
			return m, nil
		case "tab", "down":
			m.move(1)
			return m, nil
		case "shift+tab", "up":
			m.move(-1)
			return m, nil
		}

	case errMsg:
		m.Busy = false
		m.Err = msg
		return m, nil
	}

	if m.Focused >= 0 && m.Focused < len(m.Inputs) {
		m.Inputs[m.Focused], cmd = m.Inputs[m.Focused].Update(msg)
	}
	return m, cmd
}

func (m *DeviceFormModel) move(delta int) {
	n := len(m.Inputs) + 2
	m.Focused = (m.Focused + delta + n) % n
	for i := range m.Inputs {
		if i == m.Focused {
			m.Inputs[i].Focus()
		} else {
			m.Inputs[i].Blur()
		}
	}
}

func (m DeviceFormModel) value(i int) string { return strings.TrimSpace(m.Inputs[i].Value()) }

func (m DeviceFormModel) submit() (DeviceFormModel, tea.Cmd) {
	for i, field := range deviceFields {
		if field.Required && m.value(i) == "" {
			m.Err = fmt.Errorf("%s is required", strings.ToLower(field.Name))
			return m, nil
		}
	}
	d := m.Device
	d.Name = m.value(0)
	d.UniqueID = m.value(1)
	d.Phone = m.value(2)
	d.Model = m.value(3)
	d.Category = m.value(4)

	m.Busy = true
	m.Err = nil
	return m, withAPI(m.Session, func(ctx context.Context, c *gpsapi.Client) tea.Msg {
		var (
			saved *gpsapi.Device
			err   error
		)
		if d.ID == 0 {
			saved, err = c.CreateDevice(ctx, d)
		} else {
			saved, err = c.UpdateDevice(ctx, d)
		}
		var apiErr *gpsapi.APIError
		if errors.As(err, &apiErr) && apiErr.Body != "" {
			return errMsg(fmt.Errorf("save device: %s", strings.TrimSpace(apiErr.Body)))
		}
		if err != nil {
			return errMsg(fmt.Errorf("save device: %w", err))
		}
		return deviceSavedMsg{Device: saved}
	})
}

func (m DeviceFormModel) View() string {
	var s strings.Builder

	title := "New device"
	if m.Device.ID != 0 {
		title = fmt.Sprintf("Edit device %d", m.Device.ID)
	}
	s.WriteString(titleStyle.Render(title) + "\n\n")

	for i, field := range deviceFields {
		label := field.Name
		if field.Required {
			label += " *"
		}
		labelStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
		if i == m.Focused {
			labelStyle = labelStyle.Foreground(lipgloss.Color("205")).Bold(true)
		}
		s.WriteString(labelStyle.Render(label) + "\n")
		s.WriteString(m.Inputs[i].View() + "\n\n")
	}

	saveBtn := renderButton("Save", m.Focused == len(m.Inputs))
	backBtn := renderButton("Back", m.Focused == len(m.Inputs)+1)
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, saveBtn, lipgloss.NewStyle().MarginLeft(2).Render(backBtn)))

	if m.Busy {
		s.WriteString("\n\n" + statusMessageStyle("Saving..."))
	}
	if m.Err != nil {
		s.WriteString("\n\n" + errorMessageStyle(m.Err.Error()))
	}
	return docStyle.Render(s.String())
}
