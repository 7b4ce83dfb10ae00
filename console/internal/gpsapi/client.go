/*
client.go - REST client for the GPS tracking server

Every call attaches the Authorization header from the connection config,
maps HTTP failures to typed errors and tags returned entities with the
organization the client was built for. Calls are never retried here; the
caller decides whether to re-invoke.
*/

package gpsapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"fleetwatch/console/internal/logger"
	"fleetwatch/console/internal/settings"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of a failed response is kept in APIError.
const maxErrorBody = 4 << 10

type Client struct {
	baseURL    string
	authHeader string
	orgID      string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[*rawResponse]
}

type rawResponse struct {
	status int
	body   []byte
}

type Option func(*Client)

// WithHTTPClient sends requests through hc. A WithTimeout value still
// applies, in any option order, and hc itself is left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit paces outgoing requests; r <= 0 disables pacing.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if r <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithoutBreaker sends every request even after repeated server failures.
func WithoutBreaker() Option {
	return func(c *Client) { c.cb = nil }
}

// NewClient builds a client for cfg. The config must pass Validate.
func NewClient(cfg settings.ConnectionConfig, opts ...Option) (*Client, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    cfg.ServerURL,
		authHeader: cfg.AuthHeader(),
		orgID:      cfg.OrganizationID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cb:         newBreaker("gpsapi " + cfg.ServerURL),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 && c.httpClient.Timeout != c.timeout {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker[*rawResponse] {
	return gobreaker.NewCircuitBreaker[*rawResponse](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// client-side answers (401, 404, 4xx) say nothing about server health
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.L.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

// Organization is the tag applied to every entity this client returns.
func (c *Client) Organization() string { return c.orgID }

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*rawResponse, error) {
	op := method + " " + path
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
	}
	if c.cb == nil {
		return c.roundTrip(ctx, method, path, query, body)
	}
	resp, err := c.cb.Execute(func() (*rawResponse, error) {
		return c.roundTrip(ctx, method, path, query, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &TransportError{Op: op, Err: err}
	}
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body any) (*rawResponse, error) {
	op := method + " " + path
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: %w", op, ErrAuthenticationFailed)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode), Body: string(bytes.TrimSpace(b))}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	return &rawResponse{status: resp.StatusCode, body: b}, nil
}

func decode[T any](resp *rawResponse, what string) (T, error) {
	var out T
	if len(bytes.TrimSpace(resp.body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return out, nil
}

func call[T any](ctx context.Context, c *Client, method, path string, query url.Values, body any, what string) (T, error) {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](resp, what)
}

// Query narrows history endpoints. Zero fields are omitted.
type Query struct {
	DeviceID int64
	GroupID  int64
	From     time.Time
	To       time.Time
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.DeviceID != 0 {
		v.Set("deviceId", strconv.FormatInt(q.DeviceID, 10))
	}
	if q.GroupID != 0 {
		v.Set("groupId", strconv.FormatInt(q.GroupID, 10))
	}
	if !q.From.IsZero() {
		v.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		v.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	return v
}

func idPath(prefix string, id int64) string { return prefix + "/" + strconv.FormatInt(id, 10) }

// Server doubles as the connectivity and credentials check.
func (c *Client) Server(ctx context.Context) (*ServerInfo, error) {
	info, err := call[ServerInfo](ctx, c, http.MethodGet, "/api/server", nil, nil, "server info")
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	devices, err := call[[]Device](ctx, c, http.MethodGet, "/api/devices", nil, nil, "devices")
	for i := range devices {
		devices[i].OrganizationID = c.orgID
	}
	return devices, err
}

func (c *Client) Device(ctx context.Context, id int64) (*Device, error) {
	d, err := call[Device](ctx, c, http.MethodGet, idPath("/api/devices", id), nil, nil, "device")
	if err != nil {
		return nil, err
	}
	d.OrganizationID = c.orgID
	return &d, nil
}

func (c *Client) CreateDevice(ctx context.Context, d Device) (*Device, error) {
	d.ID = 0
	out, err := call[Device](ctx, c, http.MethodPost, "/api/devices", nil, d, "device")
	if err != nil {
		return nil, err
	}
	out.OrganizationID = c.orgID
	return &out, nil
}

func (c *Client) UpdateDevice(ctx context.Context, d Device) (*Device, error) {
	if d.ID == 0 {
		return nil, fmt.Errorf("update device: missing id")
	}
	out, err := call[Device](ctx, c, http.MethodPut, idPath("/api/devices", d.ID), nil, d, "device")
	if err != nil {
		return nil, err
	}
	out.OrganizationID = c.orgID
	return &out, nil
}

func (c *Client) DeleteDevice(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, idPath("/api/devices", id), nil, nil)
	return err
}

func (c *Client) Positions(ctx context.Context, q Query) ([]Position, error) {
	positions, err := call[[]Position](ctx, c, http.MethodGet, "/api/positions", q.values(), nil, "positions")
	for i := range positions {
		positions[i].OrganizationID = c.orgID
	}
	return positions, err
}

func (c *Client) Geofences(ctx context.Context) ([]Geofence, error) {
	geofences, err := call[[]Geofence](ctx, c, http.MethodGet, "/api/geofences", nil, nil, "geofences")
	for i := range geofences {
		geofences[i].OrganizationID = c.orgID
	}
	return geofences, err
}

func (c *Client) CreateGeofence(ctx context.Context, g Geofence) (*Geofence, error) {
	g.ID = 0
	out, err := call[Geofence](ctx, c, http.MethodPost, "/api/geofences", nil, g, "geofence")
	if err != nil {
		return nil, err
	}
	out.OrganizationID = c.orgID
	return &out, nil
}

func (c *Client) UpdateGeofence(ctx context.Context, g Geofence) (*Geofence, error) {
	if g.ID == 0 {
		return nil, fmt.Errorf("update geofence: missing id")
	}
	out, err := call[Geofence](ctx, c, http.MethodPut, idPath("/api/geofences", g.ID), nil, g, "geofence")
	if err != nil {
		return nil, err
	}
	out.OrganizationID = c.orgID
	return &out, nil
}

func (c *Client) DeleteGeofence(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, idPath("/api/geofences", id), nil, nil)
	return err
}

func (c *Client) Events(ctx context.Context, q Query) ([]Event, error) {
	events, err := call[[]Event](ctx, c, http.MethodGet, "/api/events", q.values(), nil, "events")
	for i := range events {
		events[i].OrganizationID = c.orgID
	}
	return events, err
}

func (c *Client) Trips(ctx context.Context, q Query) ([]Trip, error) {
	trips, err := call[[]Trip](ctx, c, http.MethodGet, "/api/reports/trips", q.values(), nil, "trips")
	for i := range trips {
		trips[i].OrganizationID = c.orgID
	}
	return trips, err
}

func (c *Client) Summary(ctx context.Context, q Query) ([]Summary, error) {
	rows, err := call[[]Summary](ctx, c, http.MethodGet, "/api/reports/summary", q.values(), nil, "summary")
	for i := range rows {
		rows[i].OrganizationID = c.orgID
	}
	return rows, err
}

// SendCommand forwards a command to the server. Whether the server accepts
// it depends on the account's permissions there.
func (c *Client) SendCommand(ctx context.Context, cmd RemoteCommand) (*RemoteCommand, error) {
	out, err := call[RemoteCommand](ctx, c, http.MethodPost, "/api/commands", nil, cmd, "command")
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FilterByOrganization keeps the items tagged with org. The tag is a local
// convenience for views, not an access check.
func FilterByOrganization[T any](items []T, org string, orgOf func(T) string) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if orgOf(it) == org {
			out = append(out, it)
		}
	}
	return out
}
