package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetwatch/console/internal/db"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store is the append-only command log. Rows are never deleted and only
// status, executed-at and notes are ever updated.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb, now: time.Now}
}

// WithClock replaces the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Patch lists the mutable fields; nil leaves a field untouched.
type Patch struct {
	Status     *Status
	ExecutedAt *time.Time
	Notes      *string
}

func toRow(c Command) db.CommandRow {
	return db.CommandRow{
		ID:             c.ID,
		Type:           string(c.Type),
		Status:         string(c.Status),
		DeviceID:       c.DeviceID,
		OrganizationID: c.OrganizationID,
		UserID:         c.UserID,
		Reason:         c.Reason,
		Timestamp:      c.Timestamp,
		ExecutedAt:     c.ExecutedAt,
		Notes:          c.Notes,
	}
}

func fromRow(r db.CommandRow) Command {
	return Command{
		ID:             r.ID,
		Type:           Type(r.Type),
		Status:         Status(r.Status),
		DeviceID:       r.DeviceID,
		OrganizationID: r.OrganizationID,
		UserID:         r.UserID,
		Reason:         r.Reason,
		Timestamp:      r.Timestamp,
		ExecutedAt:     r.ExecutedAt,
		Notes:          r.Notes,
	}
}

func fromRows(rows []db.CommandRow) []Command {
	out := make([]Command, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out
}

// Create appends cmd as a new requested command with a fresh id and timestamp.
// Any status or executed-at time on cmd is ignored.
func (s *Store) Create(ctx context.Context, cmd Command) (*Command, error) {
	cmd.Reason = strings.TrimSpace(cmd.Reason)
	switch {
	case !cmd.Type.Valid():
		return nil, invalid(ErrInvalidCommand, "unknown type %q", cmd.Type)
	case cmd.DeviceID <= 0:
		return nil, invalid(ErrInvalidCommand, "device id required")
	case strings.TrimSpace(cmd.OrganizationID) == "":
		return nil, invalid(ErrInvalidCommand, "organization required")
	case cmd.Reason == "":
		return nil, &ValidationError{Err: ErrReasonRequired}
	}

	// later statuses are only reached through Update
	cmd.Status = StatusRequested
	cmd.ExecutedAt = nil
	cmd.ID = uuid.NewString()
	cmd.Timestamp = s.now().UTC()

	row := toRow(cmd)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}
	return &cmd, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Command, error) {
	var row db.CommandRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get command %s: %w", id, err)
	}
	cmd := fromRow(row)
	return &cmd, nil
}

func (s *Store) list(ctx context.Context, q *gorm.DB) ([]Command, error) {
	var rows []db.CommandRow
	if err := q.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return fromRows(rows), nil
}

// ListByOrganization returns every command of org in insertion order.
func (s *Store) ListByOrganization(ctx context.Context, org string) ([]Command, error) {
	return s.list(ctx, s.db.Where("organization_id = ?", org))
}

func (s *Store) ListByDevice(ctx context.Context, deviceID int64, org string) ([]Command, error) {
	return s.list(ctx, s.db.Where("device_id = ? AND organization_id = ?", deviceID, org))
}

// ListPending returns commands of org that are still requested or pending.
func (s *Store) ListPending(ctx context.Context, org string) ([]Command, error) {
	q := s.db.Where("organization_id = ?", org).
		Where("status IN ?", []string{string(StatusRequested), string(StatusPending)})
	return s.list(ctx, q)
}

// Update applies p to the command with id and returns the result.
func (s *Store) Update(ctx context.Context, id string, p Patch) (*Command, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if p.Status != nil {
		if !p.Status.Valid() {
			return nil, invalid(ErrInvalidCommand, "unknown status %q", *p.Status)
		}
		fields["status"] = string(*p.Status)
	}
	if p.ExecutedAt != nil {
		fields["executed_at"] = p.ExecutedAt.UTC()
	}
	if p.Notes != nil {
		fields["notes"] = *p.Notes
	}
	if len(fields) > 0 {
		err := s.db.WithContext(ctx).Model(&db.CommandRow{}).
			Where("id = ?", id).
			Updates(fields).Error
		if err != nil {
			return nil, fmt.Errorf("update command %s: %w", id, err)
		}
	}
	return s.Get(ctx, id)
}
