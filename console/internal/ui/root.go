package ui

import (
	"fmt"

	"fleetwatch/console/internal/logger"
	"fleetwatch/console/internal/session"

	tea "github.com/charmbracelet/bubbletea"
)

type state int

const (
	stateSettings state = iota
	stateDashboard
	stateDeviceDetail
	stateDeviceForm
	stateAlerts
	stateGeofences
)

type RootModel struct {
	State      state
	Session    *session.Session
	Settings   SettingsModel
	Dashboard  DashboardModel
	Detail     DeviceDetailModel
	DeviceForm DeviceFormModel
	Alerts     AlertsModel
	Geofences  GeofencesModel
	Quitting   bool
	width      int
	height     int
}

// NewRootModel starts on the dashboard when the session already has a
// connection and on the settings page otherwise.
func NewRootModel(s *session.Session) RootModel {
	m := RootModel{
		Session:   s,
		Settings:  NewSettingsModel(s),
		Dashboard: NewDashboardModel(s, 80, 24),
		width:     80,
		height:    24,
	}
	if _, ok := s.Connection(); ok {
		m.State = stateDashboard
	}
	return m
}

func (m RootModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForUpdate(m.Session)}
	if m.State == stateDashboard {
		cmds = append(cmds, m.Dashboard.Init(), startRealtime(m.Session))
	} else {
		cmds = append(cmds, m.Settings.Init())
	}
	return tea.Batch(cmds...)
}

func (m RootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.Dashboard.Table.SetHeight(max(msg.Height-10, 3))
		switch m.State {
		case stateDeviceDetail:
			m.Detail, _ = m.Detail.Update(msg)
		case stateAlerts:
			m.Alerts, _ = m.Alerts.Update(msg)
		}
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.Quitting = true
			m.Session.Close()
			return m, tea.Quit
		}

	case RealtimeMsg:
		// every page that shows live data sees the update, visible or not
		m.Dashboard, _ = m.Dashboard.Update(msg)
		if m.State == stateDeviceDetail {
			m.Detail, _ = m.Detail.Update(msg)
		}
		if m.State == stateAlerts {
			m.Alerts, _ = m.Alerts.Update(msg)
		}
		return m, waitForUpdate(m.Session)

	case realtimeStartedMsg:
		if msg.Err != nil {
			logger.Warn("live updates unavailable: ", msg.Err)
			m.Dashboard.Err = fmt.Errorf("live updates: %w", msg.Err)
		}
		return m, nil

	case SettingsSavedMsg:
		m.Settings, _ = m.Settings.Update(msg)
		if msg.Err != nil {
			return m, nil
		}
		m.State = stateDashboard
		m.Dashboard = NewDashboardModel(m.Session, m.width, m.height)
		return m, tea.Batch(m.Dashboard.Init(), startRealtime(m.Session))

	case BackToDashboardMsg:
		m.State = stateDashboard
		return m, m.Dashboard.Init() // refresh list

	case openSettingsMsg:
		m.State = stateSettings
		m.Settings = NewSettingsModel(m.Session)
		return m, m.Settings.Init()

	case openAlertsMsg:
		m.State = stateAlerts
		m.Alerts = NewAlertsModel(m.Session, m.Dashboard.Devices, m.width, m.height)
		return m, m.Alerts.Init()

	case openGeofencesMsg:
		m.State = stateGeofences
		m.Geofences = NewGeofencesModel(m.Session, m.width, m.height)
		return m, m.Geofences.Init()

	case openDeviceFormMsg:
		m.State = stateDeviceForm
		m.DeviceForm = NewDeviceFormModel(m.Session, msg.Device)
		return m, m.DeviceForm.Init()

	case deviceSavedMsg:
		m.State = stateDashboard
		m.Dashboard.Status = fmt.Sprintf("Device %s saved", msg.Device.Name)
		return m, m.Dashboard.Init()

	case DeviceSelectedMsg:
		m.State = stateDeviceDetail
		m.Detail = NewDeviceDetailModel(m.Session, msg.Device, m.width, m.height)
		return m, m.Detail.Init()
	}

	// State-specific logic
	var cmd tea.Cmd
	switch m.State {
	case stateSettings:
		m.Settings, cmd = m.Settings.Update(msg)
	case stateDashboard:
		m.Dashboard, cmd = m.Dashboard.Update(msg)
	case stateDeviceDetail:
		m.Detail, cmd = m.Detail.Update(msg)
	case stateDeviceForm:
		m.DeviceForm, cmd = m.DeviceForm.Update(msg)
	case stateAlerts:
		m.Alerts, cmd = m.Alerts.Update(msg)
	case stateGeofences:
		m.Geofences, cmd = m.Geofences.Update(msg)
	}
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m RootModel) View() string {
	if m.Quitting {
		return "Bye!\n"
	}
	switch m.State {
	case stateSettings:
		return m.Settings.View()
	case stateDashboard:
		return m.Dashboard.View()
	case stateDeviceDetail:
		return m.Detail.View()
	case stateDeviceForm:
		return m.DeviceForm.View()
	case stateAlerts:
		return m.Alerts.View()
	case stateGeofences:
		return m.Geofences.View()
	}
	return "Unknown state"
}
