package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fleetwatch/console/internal/command"
	"fleetwatch/console/internal/config"
	"fleetwatch/console/internal/db"
	"fleetwatch/console/internal/gpsapi"
	"fleetwatch/console/internal/realtime"
	"fleetwatch/console/internal/settings"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type fakeServer struct {
	*httptest.Server
	commands chan gpsapi.RemoteCommand
	sockets  chan *websocket.Conn
	status   atomic.Int32 // for /api/server and /api/commands; zero means 200
}

func newFakeServer(t *testing.T, status int) *fakeServer {
	t.Helper()
	f := &fakeServer{
		commands: make(chan gpsapi.RemoteCommand, 4),
		sockets:  make(chan *websocket.Conn, 2),
	}
	f.status.Store(int32(status))
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/server", func(w http.ResponseWriter, r *http.Request) {
		if code := int(f.status.Load()); code != 0 {
			w.WriteHeader(code)
			return
		}
		_ = json.NewEncoder(w).Encode(gpsapi.ServerInfo{ID: 1, Version: "6.6"})
	})
	mux.HandleFunc("/api/commands", func(w http.ResponseWriter, r *http.Request) {
		var cmd gpsapi.RemoteCommand
		_ = json.NewDecoder(r.Body).Decode(&cmd)
		f.commands <- cmd
		if code := int(f.status.Load()); code != 0 {
			http.Error(w, "device offline", code)
			return
		}
		cmd.ID = 77
		_ = json.NewEncoder(w).Encode(cmd)
	})
	mux.HandleFunc("/api/socket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.sockets <- conn
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) config() settings.ConnectionConfig {
	return settings.ConnectionConfig{ServerURL: f.URL, AuthMethod: settings.AuthToken, APIToken: "tok"}
}

func testAppConfig(forward bool) config.AppConfig {
	return config.AppConfig{
		API:      config.API{Timeout: 5 * time.Second},
		Realtime: config.Realtime{BaseDelay: time.Hour, MaxAttempts: 1},
		Forward:  forward,
	}
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return gdb
}

func newSession(t *testing.T, gdb *gorm.DB, forward bool) *Session {
	t.Helper()
	s := New(gdb, testAppConfig(forward), "alice", "acme")
	t.Cleanup(s.Close)
	return s
}

func TestOpenWithoutConnection(t *testing.T) {
	gdb := openDB(t)
	s := newSession(t, gdb, false)
	ctx := context.Background()

	if err := s.Open(ctx); !errors.Is(err, settings.ErrConfigurationMissing) {
		t.Fatalf("Open error = %v, want ErrConfigurationMissing", err)
	}
	if _, err := s.API(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("API error = %v", err)
	}
	if u, _ := s.Settings().CurrentUser(ctx); u != "alice" {
		t.Errorf("current user = %q", u)
	}
	if o, _ := s.Settings().CurrentOrganization(ctx); o != "acme" {
		t.Errorf("current organization = %q", o)
	}
}

func TestTestAndSavePersistsOnlyAfterProbe(t *testing.T) {
	srv := newFakeServer(t, 0)
	gdb := openDB(t)
	s := newSession(t, gdb, false)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	info, err := s.TestAndSave(ctx, srv.config())
	if err != nil {
		t.Fatalf("TestAndSave: %v", err)
	}
	if info.Version != "6.6" {
		t.Errorf("Version = %q", info.Version)
	}
	stored, err := s.Settings().Connection(ctx, "acme")
	if err != nil {
		t.Fatalf("stored connection: %v", err)
	}
	if !stored.IsValid || stored.LastTested == nil || !stored.LastTested.Equal(now) || stored.OrganizationID != "acme" {
		t.Errorf("stored = %+v", stored)
	}
	api, err := s.API()
	if err != nil || api.Organization() != "acme" {
		t.Errorf("API = %v, %v", api, err)
	}

	// a second session on the same database picks the connection up
	again := newSession(t, gdb, false)
	if err := again.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if cfg, ok := again.Connection(); !ok || cfg.ServerURL != srv.URL {
		t.Errorf("Connection = %+v, %v", cfg, ok)
	}
}

func TestTestAndSaveRejectedProbeSavesNothing(t *testing.T) {
	srv := newFakeServer(t, http.StatusUnauthorized)
	s := newSession(t, openDB(t), false)
	ctx := context.Background()

	if _, err := s.TestAndSave(ctx, srv.config()); !errors.Is(err, gpsapi.ErrAuthenticationFailed) {
		t.Fatalf("TestAndSave error = %v", err)
	}
	if _, err := s.Settings().Connection(ctx, "acme"); !errors.Is(err, settings.ErrConfigurationMissing) {
		t.Errorf("connection saved after failed check: %v", err)
	}
	if _, ok := s.Connection(); ok {
		t.Error("session switched to an unverified connection")
	}
}

func TestSaveSkipsProbe(t *testing.T) {
	s := newSession(t, openDB(t), false)
	ctx := context.Background()
	cfg := settings.ConnectionConfig{ServerURL: "http://127.0.0.1:1", AuthMethod: settings.AuthBasic, Username: "u", Password: "p"}

	if err := s.Save(ctx, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	stored, err := s.Settings().Connection(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if stored.IsValid || stored.LastTested != nil {
		t.Errorf("Save marked connection as tested: %+v", stored)
	}

	var verr *settings.ValidationError
	if err := s.Save(ctx, settings.ConnectionConfig{ServerURL: "http://x", AuthMethod: settings.AuthToken}); !errors.As(err, &verr) {
		t.Errorf("Save(invalid) error = %v", err)
	}
}

func TestNewRequestRecordsCommand(t *testing.T) {
	s := newSession(t, openDB(t), false)
	ctx := context.Background()

	var created command.Command
	w := s.NewRequest(12, command.TypeImmobilise, func(c command.Command) { created = c })
	for _, item := range command.ChecklistItems {
		w.SetChecked(item, true)
	}
	_ = w.Next()
	w.SetReason("unauthorised use")
	_ = w.Next()
	w.SetConfirmation("immobilise")
	if _, err := w.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	list, err := s.Commands().ListByDevice(ctx, 12, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != created.ID || list[0].UserID != "alice" || list[0].Status != command.StatusRequested {
		t.Errorf("commands = %+v", list)
	}
}

func storedRequest(t *testing.T, s *Session) *command.Command {
	t.Helper()
	cmd, err := s.Commands().Create(context.Background(), command.Command{
		Type: command.TypeImmobilise, DeviceID: 4, OrganizationID: "acme", UserID: "alice", Reason: "theft",
	})
	if err != nil {
		t.Fatal(err)
	}
	return cmd
}

func TestForwardDisabledByDefault(t *testing.T) {
	srv := newFakeServer(t, 0)
	s := newSession(t, openDB(t), false)
	if _, err := s.TestAndSave(context.Background(), srv.config()); err != nil {
		t.Fatal(err)
	}
	cmd := storedRequest(t, s)

	if _, err := s.Forward(context.Background(), cmd.ID); !errors.Is(err, ErrForwardingDisabled) {
		t.Fatalf("Forward error = %v", err)
	}
	select {
	case <-srv.commands:
		t.Error("server received a command while forwarding is disabled")
	default:
	}
}

func TestForwardMovesToPending(t *testing.T) {
	srv := newFakeServer(t, 0)
	s := newSession(t, openDB(t), true)
	ctx := context.Background()
	if _, err := s.TestAndSave(ctx, srv.config()); err != nil {
		t.Fatal(err)
	}
	cmd := storedRequest(t, s)

	got, err := s.Forward(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got.Status != command.StatusPending {
		t.Errorf("status = %q", got.Status)
	}
	sent := <-srv.commands
	if sent.Type != gpsapi.RemoteEngineStop || sent.DeviceID != 4 {
		t.Errorf("server received %+v", sent)
	}

	if _, err := s.Forward(ctx, cmd.ID); !errors.Is(err, ErrNotForwardable) {
		t.Errorf("second Forward error = %v", err)
	}
}

func TestForwardFailureMarksFailed(t *testing.T) {
	srv := newFakeServer(t, 0)
	s := newSession(t, openDB(t), true)
	ctx := context.Background()
	if _, err := s.TestAndSave(ctx, srv.config()); err != nil {
		t.Fatal(err)
	}
	cmd := storedRequest(t, s)
	srv.status.Store(http.StatusBadRequest)

	got, err := s.Forward(ctx, cmd.ID)
	var apiErr *gpsapi.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Forward error = %v", err)
	}
	if got.Status != command.StatusFailed || got.Notes == "" {
		t.Errorf("command after failure = %+v", got)
	}
}

func TestStartRealtimeForwardsUpdates(t *testing.T) {
	srv := newFakeServer(t, 0)
	s := newSession(t, openDB(t), false)
	ctx := context.Background()
	if _, err := s.TestAndSave(ctx, srv.config()); err != nil {
		t.Fatal(err)
	}
	if err := s.StartRealtime(ctx); err != nil {
		t.Fatalf("StartRealtime: %v", err)
	}
	if s.RealtimeState() != realtime.StateConnected {
		t.Errorf("state = %v", s.RealtimeState())
	}

	var conn *websocket.Conn
	select {
	case conn = <-srv.sockets:
	case <-time.After(2 * time.Second):
		t.Fatal("no socket")
	}
	defer conn.Close()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"positions":[{"id":1,"deviceId":4,"latitude":1.5,"longitude":2.5}]}`))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-s.Updates():
			if len(u.Positions) == 0 {
				continue
			}
			if u.Positions[0].DeviceID != 4 || u.Positions[0].OrganizationID != "acme" {
				t.Errorf("position = %+v", u.Positions[0])
			}
			return
		case <-deadline:
			t.Fatal("no position update")
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(openDB(t), testAppConfig(false), "alice", "acme")
	s.Close()
	s.Close()
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
	if err := s.StartRealtime(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("StartRealtime error = %v", err)
	}
}
