package ui

import (
	"context"
	"fmt"
	"time"

	"fleetwatch/console/internal/gpsapi"
	"fleetwatch/console/internal/session"

	tea "github.com/charmbracelet/bubbletea"
)

const requestTimeout = 20 * time.Second

type errMsg error

// RealtimeMsg wraps one delivery from the session's live feed.
type RealtimeMsg struct {
	Update session.Update
}

type realtimeStartedMsg struct {
	Err error
}

// BackToDashboardMsg signals transition back to dashboard
type BackToDashboardMsg struct{}

type openSettingsMsg struct{}
type openAlertsMsg struct{}
type openGeofencesMsg struct{}

type openDeviceFormMsg struct {
	Device *gpsapi.Device // nil creates a new device
}

// waitForUpdate blocks until the session publishes a realtime update.
// Root re-arms it after each RealtimeMsg.
func waitForUpdate(s *session.Session) tea.Cmd {
	return func() tea.Msg {
		select {
		case u := <-s.Updates():
			return RealtimeMsg{Update: u}
		case <-s.Done():
			return nil
		}
	}
}

func startRealtime(s *session.Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return realtimeStartedMsg{Err: s.StartRealtime(ctx)}
	}
}

// withAPI runs fn against the session's REST client on a bounded context.
func withAPI(s *session.Session, fn func(ctx context.Context, c *gpsapi.Client) tea.Msg) tea.Cmd {
	return func() tea.Msg {
		c, err := s.API()
		if err != nil {
			return errMsg(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return fn(ctx, c)
	}
}

func emit(msg tea.Msg) tea.Cmd {
	return func() tea.Msg { return msg }
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

// knots to km/h
func formatSpeed(knots float64) string {
	return fmt.Sprintf("%.0f km/h", knots*1.852)
}

func formatCoord(lat, lon float64) string {
	return fmt.Sprintf("%.5f, %.5f", lat, lon)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
