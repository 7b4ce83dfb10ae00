package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fleetwatch/console/internal/command"
	"fleetwatch/console/internal/gpsapi"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// requestClosedMsg is emitted when the modal closes. Command is nil on cancel.
type requestClosedMsg struct {
	Command *command.Command
}

// RequestModel renders a command.Workflow. The workflow owns every rule; the
// model only maps keys onto it.
type RequestModel struct {
	Workflow *command.Workflow
	Device   gpsapi.Device
	Cursor   int
	Reason   textinput.Model
	Confirm  textinput.Model
	Err      error
}

func NewRequestModel(w *command.Workflow, device gpsapi.Device) RequestModel {
	reason := textinput.New()
	reason.Placeholder = "Why is this needed?"
	reason.CharLimit = 500
	reason.Width = 50

	confirm := textinput.New()
	confirm.Placeholder = w.RequiredPhrase()
	confirm.CharLimit = 32
	confirm.Width = 30

	return RequestModel{Workflow: w, Device: device, Reason: reason, Confirm: confirm}
}

func (m RequestModel) Update(msg tea.Msg) (RequestModel, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m.updateInputs(msg)
	}

	switch m.Workflow.Step() {
	case command.StepChecklist:
		switch key.String() {
		case "esc":
			m.Workflow.Cancel()
			return m, emit(requestClosedMsg{})
		case "up", "k":
			if m.Cursor > 0 {
				m.Cursor--
			}
		case "down", "j":
			if m.Cursor < len(command.ChecklistItems)-1 {
				m.Cursor++
			}
		case " ", "x":
			m.Workflow.Toggle(command.ChecklistItems[m.Cursor])
			m.Err = nil
		case "enter":
			m.advance()
		}
		return m, nil

	case command.StepReason:
		switch key.String() {
		case "esc":
			m.Workflow.SetReason(m.Reason.Value())
			m.Workflow.Back()
			m.Reason.Blur()
			m.Err = nil
			return m, nil
		case "enter":
			m.Workflow.SetReason(m.Reason.Value())
			m.advance()
			return m, nil
		}

	case command.StepConfirm:
		switch key.String() {
		case "esc":
			m.Workflow.SetConfirmation(m.Confirm.Value())
			m.Workflow.Back()
			m.Confirm.Blur()
			m.Reason.Focus()
			m.Err = nil
			return m, nil
		case "enter":
			m.Workflow.SetConfirmation(m.Confirm.Value())
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			cmd, err := m.Workflow.Submit(ctx)
			cancel()
			if err != nil {
				m.Err = err
				return m, nil
			}
			m.Err = nil
			return m, emit(requestClosedMsg{Command: cmd})
		}
	}
	return m.updateInputs(msg)
}

func (m *RequestModel) advance() {
	if err := m.Workflow.Next(); err != nil {
		m.Err = err
		return
	}
	m.Err = nil
	switch m.Workflow.Step() {
	case command.StepReason:
		m.Reason.SetValue(m.Workflow.Reason())
		m.Reason.Focus()
	case command.StepConfirm:
		m.Reason.Blur()
		m.Confirm.SetValue(m.Workflow.Confirmation())
		m.Confirm.Focus()
	}
}

func (m RequestModel) updateInputs(msg tea.Msg) (RequestModel, tea.Cmd) {
	var cmd tea.Cmd
	switch m.Workflow.Step() {
	case command.StepReason:
		m.Reason, cmd = m.Reason.Update(msg)
	case command.StepConfirm:
		m.Confirm, cmd = m.Confirm.Update(msg)
	}
	return m, cmd
}

func (m RequestModel) View() string {
	var b strings.Builder
	typ := m.Workflow.Type()

	b.WriteString(dangerTitleStyle.Render(typ.Label()) + "\n")
	b.WriteString(fmt.Sprintf("Device: %s (%d)\n", m.Device.Name, m.Device.ID))
	b.WriteString(blurredStyle.Render(fmt.Sprintf("Step %d of 3: %s", int(m.Workflow.Step())+1, m.Workflow.Step())) + "\n\n")

	switch m.Workflow.Step() {
	case command.StepChecklist:
		b.WriteString(sectionStyle.Render("Safety checklist") + "\n")
		checklist := m.Workflow.Checklist()
		for i, item := range command.ChecklistItems {
			box := "[ ]"
			if checklist.Checked(item) {
				box = "[x]"
			}
			line := box + " " + item.Label()
			if i == m.Cursor {
				line = focusedStyle.Render("> " + line)
			} else {
				line = noStyle.Render("  " + line)
			}
			b.WriteString(line + "\n")
		}
		b.WriteString(helpStyle.Render("space: toggle • enter: continue • esc: cancel"))

	case command.StepReason:
		b.WriteString(sectionStyle.Render("Reason") + "\n")
		b.WriteString(m.Reason.View() + "\n")
		b.WriteString(helpStyle.Render("enter: continue • esc: back"))

	case command.StepConfirm:
		b.WriteString(sectionStyle.Render("Confirm") + "\n")
		b.WriteString(fmt.Sprintf("Reason: %s\n", m.Workflow.Reason()))
		b.WriteString(fmt.Sprintf("Type %s to record this request.\n", focusedStyle.Render(m.Workflow.RequiredPhrase())))
		b.WriteString(m.Confirm.View() + "\n")
		b.WriteString(helpStyle.Render("enter: submit • esc: back"))
	}

	if m.Err != nil {
		b.WriteString("\n\n" + errorMessageStyle(describeRequestError(m.Err)))
	}
	return modalStyle.Render(b.String())
}

func describeRequestError(err error) string {
	switch {
	case errors.Is(err, command.ErrChecklistIncomplete):
		return "Tick every checklist item to continue."
	case errors.Is(err, command.ErrReasonRequired):
		return "A reason is required."
	case errors.Is(err, command.ErrConfirmationMismatch):
		return err.Error()
	}
	return "Could not record the request: " + err.Error()
}
