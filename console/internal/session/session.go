// Package session owns everything that depends on who is operating the
// console and which organization they are looking at: the stored connection,
// the REST and realtime clients built from it, and the command log.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fleetwatch/console/internal/command"
	"fleetwatch/console/internal/config"
	"fleetwatch/console/internal/gpsapi"
	"fleetwatch/console/internal/logger"
	"fleetwatch/console/internal/realtime"
	"fleetwatch/console/internal/settings"

	"gorm.io/gorm"
)

var (
	ErrNotConfigured      = errors.New("no connection configured for this organization")
	ErrForwardingDisabled = errors.New("command forwarding is disabled")
	ErrNotForwardable     = errors.New("only requested commands can be forwarded")
	ErrClosed             = errors.New("session closed")
)

// Update is one realtime delivery. Exactly one field is set.
type Update struct {
	Positions []gpsapi.Position
	Devices   []gpsapi.Device
	Events    []gpsapi.Event
	State     *realtime.State
}

type Session struct {
	app      config.AppConfig
	settings *settings.Store
	commands *command.Store
	user     string
	org      string
	now      func() time.Time

	mu   sync.RWMutex
	conn *settings.ConnectionConfig
	api  *gpsapi.Client
	rt   *realtime.Client

	updates   chan Update
	done      chan struct{}
	closeOnce sync.Once
}

func New(gdb *gorm.DB, app config.AppConfig, user, org string) *Session {
	return &Session{
		app:      app,
		settings: settings.NewStore(gdb),
		commands: command.NewStore(gdb),
		user:     strings.TrimSpace(user),
		org:      strings.TrimSpace(org),
		now:      time.Now,
		updates:  make(chan Update, 64),
		done:     make(chan struct{}),
	}
}

func (s *Session) User() string              { return s.user }
func (s *Session) Organization() string      { return s.org }
func (s *Session) Commands() *command.Store  { return s.commands }
func (s *Session) Settings() *settings.Store { return s.settings }
func (s *Session) Updates() <-chan Update    { return s.updates }

func (s *Session) ForwardingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.app.Forward
}

// SetConfig applies a reloaded app config. Clients already built keep their
// settings until the next connection change.
func (s *Session) SetConfig(a config.AppConfig) {
	s.mu.Lock()
	s.app = a
	s.mu.Unlock()
}

// Open records the current user and organization and loads the stored
// connection. settings.ErrConfigurationMissing means the operator has to
// fill in the settings page first.
func (s *Session) Open(ctx context.Context) error {
	if s.user == "" || s.org == "" {
		return fmt.Errorf("session needs a user and an organization")
	}
	if err := s.settings.SetCurrentUser(ctx, s.user); err != nil {
		return err
	}
	if err := s.settings.SetCurrentOrganization(ctx, s.org); err != nil {
		return err
	}
	cfg, err := s.settings.Connection(ctx, s.org)
	if err != nil {
		return err
	}
	if err := s.install(cfg); err != nil {
		return err
	}
	logger.Infof("session opened for %s in %s against %s", s.user, s.org, cfg.ServerURL)
	return nil
}

// Connection returns the active connection config, if any.
func (s *Session) Connection() (settings.ConnectionConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return settings.ConnectionConfig{OrganizationID: s.org, AuthMethod: settings.AuthToken}, false
	}
	return *s.conn, true
}

// API returns the REST client or ErrNotConfigured.
func (s *Session) API() (*gpsapi.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.api == nil {
		return nil, ErrNotConfigured
	}
	return s.api, nil
}

func (s *Session) RealtimeState() realtime.State {
	s.mu.RLock()
	rt := s.rt
	s.mu.RUnlock()
	if rt == nil {
		return realtime.StateIdle
	}
	return rt.State()
}

func (s *Session) prepare(cfg settings.ConnectionConfig) (settings.ConnectionConfig, error) {
	if strings.TrimSpace(cfg.OrganizationID) == "" {
		cfg.OrganizationID = s.org
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *Session) newClient(cfg settings.ConnectionConfig) (*gpsapi.Client, error) {
	s.mu.RLock()
	api := s.app.API
	s.mu.RUnlock()
	return gpsapi.NewClient(cfg,
		gpsapi.WithTimeout(api.Timeout),
		gpsapi.WithRateLimit(api.Rate, api.Burst),
	)
}

// TestAndSave checks cfg with GET /api/server and persists it only when the
// check succeeds. The session then switches to the new connection.
func (s *Session) TestAndSave(ctx context.Context, cfg settings.ConnectionConfig) (*gpsapi.ServerInfo, error) {
	cfg, err := s.prepare(cfg)
	if err != nil {
		return nil, err
	}
	client, err := s.newClient(cfg)
	if err != nil {
		return nil, err
	}
	info, err := client.Server(ctx)
	if err != nil {
		return nil, fmt.Errorf("connection test failed: %w", err)
	}

	tested := s.now().UTC()
	cfg.IsValid = true
	cfg.LastTested = &tested
	if err := s.settings.SaveConnection(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.install(cfg); err != nil {
		return nil, err
	}
	logger.Infof("connection to %s verified (server %s)", client.BaseURL(), info.Version)
	return info, nil
}

// Save persists cfg without probing it.
func (s *Session) Save(ctx context.Context, cfg settings.ConnectionConfig) error {
	cfg, err := s.prepare(cfg)
	if err != nil {
		return err
	}
	if err := s.settings.SaveConnection(ctx, cfg); err != nil {
		return err
	}
	return s.install(cfg)
}

// install swaps in clients for cfg. A running realtime feed is stopped.
func (s *Session) install(cfg settings.ConnectionConfig) error {
	client, err := s.newClient(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.rt
	s.conn = &cfg
	s.api = client
	s.rt = nil
	s.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	return nil
}

// StartRealtime opens the live feed and forwards its deliveries to Updates.
// Calling it while the feed is running is a no-op.
func (s *Session) StartRealtime(ctx context.Context) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	select {
	case <-s.done:
		s.mu.Unlock()
		return ErrClosed
	default:
	}
	cfg := *s.conn
	rt := s.rt
	if rt == nil {
		rt = realtime.New(realtime.Options{
			BaseDelay:   s.app.Realtime.BaseDelay,
			MaxAttempts: s.app.Realtime.MaxAttempts,
			ReadTimeout: s.app.Realtime.ReadTimeout,
			OnState: func(st realtime.State) {
				s.publish(Update{State: &st})
			},
		})
		rt.OnPositions(func(p []gpsapi.Position) { s.publish(Update{Positions: p}) })
		rt.OnDevices(func(d []gpsapi.Device) { s.publish(Update{Devices: d}) })
		rt.OnEvents(func(e []gpsapi.Event) { s.publish(Update{Events: e}) })
		s.rt = rt
	}
	s.mu.Unlock()

	logger.Debugf("starting realtime feed for %s at %s", s.org, cfg.ServerURL)
	return rt.Connect(ctx, cfg)
}

func (s *Session) publish(u Update) {
	select {
	case s.updates <- u:
	case <-s.done:
	}
}

// NewRequest starts an immobilise or restore workflow for deviceID on
// behalf of the session's user.
func (s *Session) NewRequest(deviceID int64, typ command.Type, onSuccess func(command.Command)) *command.Workflow {
	return command.NewWorkflow(s.commands, typ, deviceID, s.org, s.user, onSuccess)
}

// Forward sends a requested command to the GPS server. The local record moves
// to pending on success or to failed with the error in its notes.
func (s *Session) Forward(ctx context.Context, id string) (*command.Command, error) {
	if !s.ForwardingEnabled() {
		return nil, ErrForwardingDisabled
	}
	api, err := s.API()
	if err != nil {
		return nil, err
	}
	cmd, err := s.commands.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd.Status != command.StatusRequested {
		return cmd, fmt.Errorf("%w: %s is %s", ErrNotForwardable, id, cmd.Status)
	}
	remoteType, ok := cmd.Type.RemoteType()
	if !ok {
		return cmd, fmt.Errorf("%w: %s", command.ErrInvalidCommand, cmd.Type)
	}

	sent, sendErr := api.SendCommand(ctx, gpsapi.RemoteCommand{
		DeviceID:    cmd.DeviceID,
		Type:        remoteType,
		Description: cmd.Reason,
	})
	status := command.StatusPending
	notes := fmt.Sprintf("sent as %s", remoteType)
	if sendErr != nil {
		status = command.StatusFailed
		notes = sendErr.Error()
	} else if sent != nil && sent.ID != 0 {
		notes = fmt.Sprintf("sent as %s (remote id %d)", remoteType, sent.ID)
	}

	updated, err := s.commands.Update(ctx, id, command.Patch{Status: &status, Notes: &notes})
	if err != nil {
		return cmd, err
	}
	if sendErr != nil {
		logger.Warnf("forward %s to device %d failed: %v", id, cmd.DeviceID, sendErr)
		return updated, fmt.Errorf("forward command: %w", sendErr)
	}
	logger.Infof("forwarded %s to device %d", id, cmd.DeviceID)
	return updated, nil
}

// Close stops the realtime feed and releases Updates readers. Safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		rt := s.rt
		s.rt = nil
		s.mu.Unlock()
		if rt != nil {
			rt.Disconnect()
		}
	})
}

// Done is closed by Close.
func (s *Session) Done() <-chan struct{} { return s.done }
