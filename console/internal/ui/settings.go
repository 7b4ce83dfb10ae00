package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fleetwatch/console/internal/gpsapi"
	"fleetwatch/console/internal/session"
	"fleetwatch/console/internal/settings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// SettingsSavedMsg reports a stored connection. Info is set when the
// connection was verified first.
type SettingsSavedMsg struct {
	Info *gpsapi.ServerInfo
	Err  error
}

type SettingsModel struct {
	Session  *session.Session
	Inputs   []textinput.Model
	FocusIdx int
	Err      error
	Status   string
	Busy     bool
}

const (
	inputServerURL = iota
	inputAuthMethod
	inputAPIToken
	inputUsername
	inputPassword
)

func NewSettingsModel(s *session.Session) SettingsModel {
	cfg, _ := s.Connection()
	inputs := make([]textinput.Model, 5)

	inputs[inputServerURL] = textinput.New()
	inputs[inputServerURL].Placeholder = "https://gps.example.com"
	inputs[inputServerURL].Prompt = "Server URL: "
	inputs[inputServerURL].SetValue(cfg.ServerURL)
	inputs[inputServerURL].Focus()

	inputs[inputAuthMethod] = textinput.New()
	inputs[inputAuthMethod].Placeholder = "token or basic"
	inputs[inputAuthMethod].Prompt = "Auth method: "
	inputs[inputAuthMethod].SetValue(string(cfg.AuthMethod))

	inputs[inputAPIToken] = textinput.New()
	inputs[inputAPIToken].Placeholder = "API token"
	inputs[inputAPIToken].Prompt = "API token: "
	inputs[inputAPIToken].EchoMode = textinput.EchoPassword
	inputs[inputAPIToken].SetValue(cfg.APIToken)

	inputs[inputUsername] = textinput.New()
	inputs[inputUsername].Placeholder = "admin"
	inputs[inputUsername].Prompt = "Username: "
	inputs[inputUsername].SetValue(cfg.Username)

	inputs[inputPassword] = textinput.New()
	inputs[inputPassword].Placeholder = "password"
	inputs[inputPassword].Prompt = "Password: "
	inputs[inputPassword].EchoMode = textinput.EchoPassword
	inputs[inputPassword].SetValue(cfg.Password)

	m := SettingsModel{Session: s, Inputs: inputs}
	if cfg.LastTested != nil {
		m.Status = "Last tested " + formatTime(*cfg.LastTested)
	}
	return m
}

func (m SettingsModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m SettingsModel) Update(msg tea.Msg) (SettingsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.Busy {
			return m, nil
		}
		switch msg.String() {
		case "ctrl+t":
			return m.submit(true)
		case "ctrl+s":
			return m.submit(false)
		case "esc":
			if _, ok := m.Session.Connection(); ok {
				return m, emit(BackToDashboardMsg{})
			}
			return m, nil
		case "enter":
			if m.FocusIdx == len(m.Inputs)-1 {
				return m.submit(true)
			}
			m.nextInput()
			return m, nil
		case "tab", "down":
			m.nextInput()
			return m, nil
		case "shift+tab", "up":
			m.prevInput()
			return m, nil
		}

	case SettingsSavedMsg:
		m.Busy = false
		if msg.Err != nil {
			m.Err = msg.Err
			m.Status = ""
			return m, nil
		}
		m.Err = nil
		if msg.Info != nil {
			m.Status = fmt.Sprintf("Connected to server %s, settings saved", msg.Info.Version)
		} else {
			m.Status = "Settings saved without a connection test"
		}
		return m, nil
	}

	cmds := make([]tea.Cmd, len(m.Inputs))
	for i := range m.Inputs {
		m.Inputs[i], cmds[i] = m.Inputs[i].Update(msg)
	}
	return m, tea.Batch(cmds...)
}

func (m *SettingsModel) nextInput() {
	m.Inputs[m.FocusIdx].Blur()
	m.FocusIdx = (m.FocusIdx + 1) % len(m.Inputs)
	m.Inputs[m.FocusIdx].Focus()
}

func (m *SettingsModel) prevInput() {
	m.Inputs[m.FocusIdx].Blur()
	m.FocusIdx--
	if m.FocusIdx < 0 {
		m.FocusIdx = len(m.Inputs) - 1
	}
	m.Inputs[m.FocusIdx].Focus()
}

// Config builds a connection config from the form. Credentials that do not
// belong to the chosen method are dropped.
func (m SettingsModel) Config() settings.ConnectionConfig {
	cfg := settings.ConnectionConfig{
		ServerURL:      m.Inputs[inputServerURL].Value(),
		AuthMethod:     settings.AuthMethod(strings.ToLower(strings.TrimSpace(m.Inputs[inputAuthMethod].Value()))),
		OrganizationID: m.Session.Organization(),
	}
	switch cfg.AuthMethod {
	case settings.AuthBasic:
		cfg.Username = m.Inputs[inputUsername].Value()
		cfg.Password = m.Inputs[inputPassword].Value()
	default:
		cfg.APIToken = m.Inputs[inputAPIToken].Value()
	}
	return cfg
}

func (m SettingsModel) submit(verify bool) (SettingsModel, tea.Cmd) {
	cfg := m.Config()
	if err := cfg.Normalize().Validate(); err != nil {
		m.Err = err
		return m, nil
	}
	m.Busy = true
	m.Err = nil
	if verify {
		m.Status = "Testing connection..."
	} else {
		m.Status = "Saving..."
	}
	s := m.Session
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if verify {
			info, err := s.TestAndSave(ctx, cfg)
			return SettingsSavedMsg{Info: info, Err: describeConnError(err)}
		}
		return SettingsSavedMsg{Err: s.Save(ctx, cfg)}
	}
}

func describeConnError(err error) error {
	var apiErr *gpsapi.APIError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gpsapi.ErrAuthenticationFailed):
		return errors.New("authentication failed, check the credentials")
	case errors.Is(err, gpsapi.ErrNotFound):
		return errors.New("no GPS API found at this URL")
	case errors.As(err, &apiErr):
		return fmt.Errorf("server answered %s", apiErr.Status)
	}
	return err
}

func (m SettingsModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Fleetwatch - Connection Settings") + "\n")
	b.WriteString(blurredStyle.Render("Organization: "+m.Session.Organization()+"  User: "+m.Session.User()) + "\n\n")

	for i := range m.Inputs {
		b.WriteString(m.Inputs[i].View())
		if i < len(m.Inputs)-1 {
			b.WriteRune('\n')
		}
	}

	b.WriteString("\n\n")
	b.WriteString(blurredStyle.Render("Tab to change fields, ctrl+t to test and save, ctrl+s to save, esc to go back"))

	if m.Status != "" {
		b.WriteString("\n\n" + statusMessageStyle(m.Status))
	}
	if m.Err != nil {
		b.WriteString("\n\n" + errorMessageStyle(m.Err.Error()))
	}
	return docStyle.Render(b.String())
}
