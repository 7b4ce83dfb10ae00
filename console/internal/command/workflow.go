package command

import (
	"context"
	"strings"
)

type Step int

const (
	StepChecklist Step = iota
	StepReason
	StepConfirm
	StepSubmitted
)

func (s Step) String() string {
	switch s {
	case StepChecklist:
		return "checklist"
	case StepReason:
		return "reason"
	case StepConfirm:
		return "confirm"
	case StepSubmitted:
		return "submitted"
	}
	return "unknown"
}

type ChecklistItem int

const (
	ItemVehicleStationary ChecklistItem = iota
	ItemUserAuthorized
	ItemActionAudited
)

// ChecklistItems is the display order of the safety checklist.
var ChecklistItems = []ChecklistItem{ItemVehicleStationary, ItemUserAuthorized, ItemActionAudited}

func (i ChecklistItem) Label() string {
	switch i {
	case ItemVehicleStationary:
		return "Vehicle is stationary and in a safe location"
	case ItemUserAuthorized:
		return "I am authorized to request this action"
	case ItemActionAudited:
		return "I understand this action will be recorded"
	}
	return ""
}

type Checklist struct {
	VehicleStationary bool
	UserAuthorized    bool
	ActionAudited     bool
}

func (c Checklist) Complete() bool {
	return c.VehicleStationary && c.UserAuthorized && c.ActionAudited
}

func (c Checklist) Checked(item ChecklistItem) bool {
	switch item {
	case ItemVehicleStationary:
		return c.VehicleStationary
	case ItemUserAuthorized:
		return c.UserAuthorized
	case ItemActionAudited:
		return c.ActionAudited
	}
	return false
}

func (c *Checklist) set(item ChecklistItem, v bool) {
	switch item {
	case ItemVehicleStationary:
		c.VehicleStationary = v
	case ItemUserAuthorized:
		c.UserAuthorized = v
	case ItemActionAudited:
		c.ActionAudited = v
	}
}

// Creator is the part of Store the workflow needs.
type Creator interface {
	Create(ctx context.Context, cmd Command) (*Command, error)
}

// Workflow guards one immobilise or restore request through checklist,
// reason and typed confirmation. It holds no UI state and is not safe for
// concurrent use.
type Workflow struct {
	store     Creator
	typ       Type
	deviceID  int64
	orgID     string
	userID    string
	onSuccess func(Command)

	step         Step
	checklist    Checklist
	reason       string
	confirmation string
}

func NewWorkflow(store Creator, typ Type, deviceID int64, orgID, userID string, onSuccess func(Command)) *Workflow {
	return &Workflow{
		store:     store,
		typ:       typ,
		deviceID:  deviceID,
		orgID:     orgID,
		userID:    userID,
		onSuccess: onSuccess,
	}
}

func (w *Workflow) Step() Step                { return w.step }
func (w *Workflow) Type() Type                { return w.typ }
func (w *Workflow) DeviceID() int64           { return w.deviceID }
func (w *Workflow) Checklist() Checklist      { return w.checklist }
func (w *Workflow) Reason() string            { return w.reason }
func (w *Workflow) Confirmation() string      { return w.confirmation }
func (w *Workflow) RequiredPhrase() string    { return w.typ.Phrase() }
func (w *Workflow) SetReason(reason string)   { w.reason = reason }
func (w *Workflow) SetConfirmation(in string) { w.confirmation = in }

func (w *Workflow) SetChecked(item ChecklistItem, v bool) { w.checklist.set(item, v) }

func (w *Workflow) Toggle(item ChecklistItem) {
	w.checklist.set(item, !w.checklist.Checked(item))
}

func (w *Workflow) checkChecklist() error {
	if !w.checklist.Complete() {
		return &ValidationError{Err: ErrChecklistIncomplete}
	}
	return nil
}

func (w *Workflow) checkReason() error {
	if strings.TrimSpace(w.reason) == "" {
		return &ValidationError{Err: ErrReasonRequired}
	}
	return nil
}

func (w *Workflow) checkConfirmation() error {
	if strings.ToUpper(w.confirmation) != w.RequiredPhrase() {
		return invalid(ErrConfirmationMismatch, "type %s to confirm", w.RequiredPhrase())
	}
	return nil
}

// Gate reports why the current step cannot advance, or nil.
func (w *Workflow) Gate() error {
	switch w.step {
	case StepChecklist:
		return w.checkChecklist()
	case StepReason:
		return w.checkReason()
	case StepConfirm:
		return w.checkConfirmation()
	}
	return invalid(ErrInvalidCommand, "no step to advance from %s", w.step)
}

// Next advances from checklist to reason or from reason to confirm.
// Submitting from confirm goes through Submit.
func (w *Workflow) Next() error {
	if w.step == StepConfirm {
		return invalid(ErrInvalidCommand, "use submit to leave the confirm step")
	}
	if err := w.Gate(); err != nil {
		return err
	}
	w.step++
	return nil
}

func (w *Workflow) Back() {
	if w.step == StepReason || w.step == StepConfirm {
		w.step--
	}
}

// Submit records the request once every gate holds. On success the workflow
// resets and the success callback receives the stored command; on failure
// all input is kept.
func (w *Workflow) Submit(ctx context.Context) (*Command, error) {
	if w.step != StepConfirm {
		return nil, invalid(ErrInvalidCommand, "cannot submit from %s", w.step)
	}
	for _, check := range []func() error{w.checkChecklist, w.checkReason, w.checkConfirmation} {
		if err := check(); err != nil {
			return nil, err
		}
	}

	w.step = StepSubmitted
	cmd, err := w.store.Create(ctx, Command{
		Type:           w.typ,
		Status:         StatusRequested,
		DeviceID:       w.deviceID,
		OrganizationID: w.orgID,
		UserID:         w.userID,
		Reason:         strings.TrimSpace(w.reason),
	})
	if err != nil {
		w.step = StepConfirm
		return nil, err
	}

	w.reset()
	if w.onSuccess != nil {
		w.onSuccess(*cmd)
	}
	return cmd, nil
}

// Cancel drops all input and returns to the checklist.
func (w *Workflow) Cancel() { w.reset() }

func (w *Workflow) reset() {
	w.step = StepChecklist
	w.checklist = Checklist{}
	w.reason = ""
	w.confirmation = ""
}
