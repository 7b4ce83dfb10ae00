package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fleetwatch/console/internal/db"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConfigurationMissing means no connection has been saved for the organization yet.
var ErrConfigurationMissing = errors.New("no connection configured")

const (
	keyCurrentUser         = "current_user"
	keyCurrentOrganization = "current_organization"
)

func connectionKey(org string) string { return "connection/" + org }

// Store persists console settings as JSON values keyed by name.
// Writers are not coordinated; the last write wins.
type Store struct {
	db *gorm.DB
}

func NewStore(gdb *gorm.DB) *Store { return &Store{db: gdb} }

// get decodes key into out and reports whether the key existed.
func (s *Store) get(ctx context.Context, key string, out any) (bool, error) {
	var row db.Setting
	err := s.db.WithContext(ctx).Where(&db.Setting{Key: key}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(row.Value), out); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, key string, val any) error {
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	row := db.Setting{Key: key, Value: string(b)}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) Connection(ctx context.Context, org string) (ConnectionConfig, error) {
	var cfg ConnectionConfig
	ok, err := s.get(ctx, connectionKey(org), &cfg)
	if err != nil {
		return ConnectionConfig{}, err
	}
	if !ok {
		return ConnectionConfig{}, ErrConfigurationMissing
	}
	return cfg, nil
}

// SaveConnection validates and stores cfg under its organization.
func (s *Store) SaveConnection(ctx context.Context, cfg ConnectionConfig) error {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.put(ctx, connectionKey(cfg.OrganizationID), cfg)
}

func (s *Store) ClearConnection(ctx context.Context, org string) error {
	err := s.db.WithContext(ctx).Where(&db.Setting{Key: connectionKey(org)}).Delete(&db.Setting{}).Error
	if err != nil {
		return fmt.Errorf("clear connection: %w", err)
	}
	return nil
}

// CurrentUser returns "" when no user has been recorded.
func (s *Store) CurrentUser(ctx context.Context) (string, error) {
	var user string
	if _, err := s.get(ctx, keyCurrentUser, &user); err != nil {
		return "", err
	}
	return user, nil
}

func (s *Store) SetCurrentUser(ctx context.Context, user string) error {
	return s.put(ctx, keyCurrentUser, strings.TrimSpace(user))
}

// CurrentOrganization returns "" when no organization has been recorded.
func (s *Store) CurrentOrganization(ctx context.Context) (string, error) {
	var org string
	if _, err := s.get(ctx, keyCurrentOrganization, &org); err != nil {
		return "", err
	}
	return org, nil
}

func (s *Store) SetCurrentOrganization(ctx context.Context, org string) error {
	return s.put(ctx, keyCurrentOrganization, strings.TrimSpace(org))
}
