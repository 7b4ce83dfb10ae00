package gpsapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fleetwatch/console/internal/settings"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

func tokenConfig(serverURL string) settings.ConnectionConfig {
	return settings.ConnectionConfig{
		ServerURL:      serverURL,
		AuthMethod:     settings.AuthToken,
		APIToken:       "abc",
		OrganizationID: "org-1",
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithHTTPClient(srv.Client())}, opts...)
	c, err := NewClient(tokenConfig(srv.URL), opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	_, err := NewClient(settings.ConnectionConfig{ServerURL: "https://x.test", AuthMethod: settings.AuthToken})
	var verr *settings.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("NewClient error = %v, want *settings.ValidationError", err)
	}
}

func TestNewClientTrimsBaseURL(t *testing.T) {
	c, err := NewClient(tokenConfig(" https://gps.test/traccar/ "))
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL() != "https://gps.test/traccar" {
		t.Errorf("BaseURL = %q", c.BaseURL())
	}
}

func TestTimeoutAppliesToCustomHTTPClient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	for _, tt := range []struct {
		name string
		opts func(*http.Client) []Option
	}{
		{"timeout first", func(hc *http.Client) []Option { return []Option{WithTimeout(50 * time.Millisecond), WithHTTPClient(hc)} }},
		{"client first", func(hc *http.Client) []Option { return []Option{WithHTTPClient(hc), WithTimeout(50 * time.Millisecond)} }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			hc := &http.Client{}
			c, err := NewClient(tokenConfig(srv.URL), tt.opts(hc)...)
			if err != nil {
				t.Fatal(err)
			}
			start := time.Now()
			_, err = c.Server(context.Background())
			var terr *TransportError
			if !errors.As(err, &terr) {
				t.Fatalf("error = %v, want TransportError from the timeout", err)
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("request took %v, timeout not applied", elapsed)
			}
			if hc.Timeout != 0 {
				t.Errorf("caller's http.Client was modified: Timeout = %v", hc.Timeout)
			}
		})
	}
}

func TestAuthHeaderSent(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(string) settings.ConnectionConfig
		want string
	}{
		{"bearer", tokenConfig, "Bearer abc"},
		{"basic", func(u string) settings.ConnectionConfig {
			return settings.ConnectionConfig{ServerURL: u, AuthMethod: settings.AuthBasic, Username: "admin", Password: "pw", OrganizationID: "o"}
		}, "Basic YWRtaW46cHc="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := make(chan string, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				headers <- r.Header.Get("Authorization")
				writeJSON(t, w, ServerInfo{ID: 1, Version: "6.5"})
			}))
			defer srv.Close()

			c, err := NewClient(tt.cfg(srv.URL))
			if err != nil {
				t.Fatal(err)
			}
			info, err := c.Server(context.Background())
			if err != nil {
				t.Fatalf("Server: %v", err)
			}
			if info.Version != "6.5" {
				t.Errorf("Version = %q", info.Version)
			}
			if got := <-headers; got != tt.want {
				t.Errorf("Authorization = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, func(err error) bool { return errors.Is(err, ErrAuthenticationFailed) }},
		{http.StatusNotFound, func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{http.StatusInternalServerError, func(err error) bool {
			var apiErr *APIError
			return errors.As(err, &apiErr) && apiErr.StatusCode == 500 && apiErr.Body == "boom"
		}},
		{http.StatusBadRequest, func(err error) bool {
			var apiErr *APIError
			return errors.As(err, &apiErr) && apiErr.StatusCode == 400
		}},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", tt.status)
			})
			_, err := c.Devices(context.Background())
			if err == nil || !tt.check(err) {
				t.Errorf("Devices() error = %v", err)
			}
		})
	}
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(tokenConfig(url))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Server(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
}

func TestListsAreTaggedWithOrganization(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/devices":
			writeJSON(t, w, []Device{{ID: 1, Name: "truck"}, {ID: 2, Name: "van"}})
		case "/api/geofences":
			writeJSON(t, w, []Geofence{{ID: 7, Name: "depot", Area: "CIRCLE (1 2, 300)"}})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	devices, err := c.Devices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices", len(devices))
	}
	for _, d := range devices {
		if d.OrganizationID != "org-1" {
			t.Errorf("device %d tagged %q", d.ID, d.OrganizationID)
		}
	}
	geofences, err := c.Geofences(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(geofences) != 1 || geofences[0].OrganizationID != "org-1" {
		t.Errorf("geofences = %+v", geofences)
	}
}

func TestQueryParameters(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	seen := make(chan *http.Request, 1)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen <- r
		writeJSON(t, w, []Trip{{DeviceID: 5, Distance: 1200}})
	})

	trips, err := c.Trips(context.Background(), Query{DeviceID: 5, From: from, To: to})
	if err != nil {
		t.Fatal(err)
	}
	r := <-seen
	if r.URL.Path != "/api/reports/trips" {
		t.Errorf("path = %q", r.URL.Path)
	}
	want := "deviceId=5&from=2026-03-01T00%3A00%3A00Z&to=2026-03-02T00%3A00%3A00Z"
	if r.URL.RawQuery != want {
		t.Errorf("query = %q, want %q", r.URL.RawQuery, want)
	}
	if len(trips) != 1 || trips[0].OrganizationID != "org-1" {
		t.Errorf("trips = %+v", trips)
	}
}

func TestDeviceCRUD(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/devices":
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var d Device
			if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
				t.Errorf("decode body: %v", err)
			}
			d.ID = 42
			writeJSON(t, w, d)
		case r.Method == http.MethodPut && r.URL.Path == "/api/devices/42":
			body, _ := io.ReadAll(r.Body)
			if strings.Contains(string(body), "organization") {
				t.Errorf("organization tag leaked to server: %s", body)
			}
			w.Write(body)
		case r.Method == http.MethodGet && r.URL.Path == "/api/devices/42":
			writeJSON(t, w, Device{ID: 42, Name: "renamed"})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/devices/42":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	created, err := c.CreateDevice(ctx, Device{Name: "truck", UniqueID: "IMEI1"})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if created.ID != 42 || created.OrganizationID != "org-1" {
		t.Errorf("created = %+v", created)
	}
	created.Name = "renamed"
	if _, err := c.UpdateDevice(ctx, *created); err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}
	got, err := c.Device(ctx, 42)
	if err != nil || got.Name != "renamed" {
		t.Fatalf("Device = %+v, %v", got, err)
	}
	if err := c.DeleteDevice(ctx, 42); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}
	if _, err := c.Device(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Device(99) error = %v", err)
	}
	if _, err := c.UpdateDevice(ctx, Device{Name: "x"}); err == nil {
		t.Error("UpdateDevice without id should fail")
	}
	if n := calls.Load(); n != 5 {
		t.Errorf("server saw %d calls, want 5", n)
	}
}

func TestSendCommand(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/commands" {
			http.NotFound(w, r)
			return
		}
		var cmd RemoteCommand
		_ = json.NewDecoder(r.Body).Decode(&cmd)
		cmd.ID = 9
		writeJSON(t, w, cmd)
	})
	out, err := c.SendCommand(context.Background(), RemoteCommand{DeviceID: 3, Type: RemoteEngineStop})
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != 9 || out.Type != RemoteEngineStop {
		t.Errorf("SendCommand = %+v", out)
	}
}

func TestBreakerOpensOnServerErrorsOnly(t *testing.T) {
	var hits atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusUnauthorized)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	})
	ctx := context.Background()

	// auth failures never trip the breaker
	for i := 0; i < 8; i++ {
		if _, err := c.Server(ctx); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	status.Store(http.StatusBadGateway)
	for i := 0; i < 5; i++ {
		_, _ = c.Server(ctx)
	}
	before := hits.Load()
	_, err := c.Server(ctx)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want open breaker", err)
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Errorf("open breaker error %T is not a TransportError", err)
	}
	if hits.Load() != before {
		t.Error("request reached the server while the breaker was open")
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, ServerInfo{})
	}, WithRateLimit(0.001, 1), WithoutBreaker())

	if _, err := c.Server(context.Background()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Server(ctx)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Errorf("error = %v, want TransportError from limiter", err)
	}
}

func TestFilterByOrganization(t *testing.T) {
	devices := []Device{{ID: 1, OrganizationID: "a"}, {ID: 2, OrganizationID: "b"}, {ID: 3, OrganizationID: "a"}}
	got := FilterByOrganization(devices, "a", func(d Device) string { return d.OrganizationID })
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Errorf("FilterByOrganization = %+v", got)
	}
}
