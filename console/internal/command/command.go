package command

import (
	"errors"
	"fmt"
	"time"

	"fleetwatch/console/internal/gpsapi"
)

type Type string

const (
	TypeImmobilise   Type = "IMMOBILISE"
	TypeRestorePower Type = "RESTORE_POWER"
)

func (t Type) Valid() bool { return t == TypeImmobilise || t == TypeRestorePower }

// Phrase is what the operator must type to confirm a request of this type.
func (t Type) Phrase() string {
	switch t {
	case TypeImmobilise:
		return "IMMOBILISE"
	case TypeRestorePower:
		return "RESTORE POWER"
	}
	return ""
}

func (t Type) Label() string {
	switch t {
	case TypeImmobilise:
		return "Immobilise vehicle"
	case TypeRestorePower:
		return "Restore power"
	}
	return string(t)
}

// RemoteType maps a request to the GPS server's command type.
func (t Type) RemoteType() (string, bool) {
	switch t {
	case TypeImmobilise:
		return gpsapi.RemoteEngineStop, true
	case TypeRestorePower:
		return gpsapi.RemoteEngineResume, true
	}
	return "", false
}

type Status string

const (
	StatusRequested Status = "requested"
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusPending, StatusExecuted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Command is one recorded immobilise or restore request. Only Status,
// ExecutedAt and Notes change after creation.
type Command struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	Status         Status     `json:"status"`
	DeviceID       int64      `json:"deviceId"`
	OrganizationID string     `json:"organizationId"`
	UserID         string     `json:"userId"`
	Reason         string     `json:"reason"`
	Timestamp      time.Time  `json:"timestamp"`
	ExecutedAt     *time.Time `json:"executedAt,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

var (
	ErrNotFound = errors.New("command not found")

	ErrChecklistIncomplete  = errors.New("safety checklist incomplete")
	ErrReasonRequired       = errors.New("reason required")
	ErrConfirmationMismatch = errors.New("confirmation does not match")
	ErrInvalidCommand       = errors.New("invalid command")
)

// ValidationError reports a failed gate or a rejected command. It unwraps to
// one of the Err* sentinels above.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(sentinel error, format string, args ...any) error {
	return &ValidationError{Err: sentinel, Detail: fmt.Sprintf(format, args...)}
}
