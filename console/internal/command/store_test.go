package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetwatch/console/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return NewStore(gdb).WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
}

func request(device int64, org string) Command {
	return Command{Type: TypeImmobilise, DeviceID: device, OrganizationID: org, UserID: "op", Reason: "stolen"}
}

func TestCreateAssignsIDTimestampAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, Command{Type: TypeRestorePower, DeviceID: 1, OrganizationID: "o", Reason: "  recovered  ", ID: "preset", Status: ""})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" || a.ID == "preset" {
		t.Errorf("ID = %q, want fresh uuid", a.ID)
	}
	if a.Status != StatusRequested {
		t.Errorf("Status = %q", a.Status)
	}
	if a.Reason != "recovered" {
		t.Errorf("Reason = %q", a.Reason)
	}
	if !a.Timestamp.Equal(time.Date(2026, 5, 1, 8, 0, 1, 0, time.UTC)) {
		t.Errorf("Timestamp = %v", a.Timestamp)
	}

	b, err := s.Create(ctx, request(1, "o"))
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == a.ID {
		t.Error("two commands share an id")
	}

	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != TypeRestorePower || got.Reason != "recovered" || got.DeviceID != 1 {
		t.Errorf("Get = %+v", got)
	}
}

func TestCreateAlwaysStartsRequested(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	done := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)

	for _, status := range []Status{StatusExecuted, StatusPending, StatusFailed, StatusCancelled, "lost"} {
		t.Run(string(status), func(t *testing.T) {
			cmd := request(7, "o")
			cmd.Status = status
			cmd.ExecutedAt = &done
			created, err := s.Create(ctx, cmd)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if created.Status != StatusRequested || created.ExecutedAt != nil {
				t.Errorf("created = %+v, want requested without executedAt", created)
			}
			stored, err := s.Get(ctx, created.ID)
			if err != nil {
				t.Fatal(err)
			}
			if stored.Status != StatusRequested || stored.ExecutedAt != nil {
				t.Errorf("stored = %+v, want requested without executedAt", stored)
			}
		})
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name string
		cmd  Command
		want error
	}{
		{"bad type", Command{Type: "SELF_DESTRUCT", DeviceID: 1, OrganizationID: "o", Reason: "x"}, ErrInvalidCommand},
		{"no device", Command{Type: TypeImmobilise, OrganizationID: "o", Reason: "x"}, ErrInvalidCommand},
		{"no org", Command{Type: TypeImmobilise, DeviceID: 1, Reason: "x"}, ErrInvalidCommand},
		{"blank reason", Command{Type: TypeImmobilise, DeviceID: 1, OrganizationID: "o", Reason: "   "}, ErrReasonRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(context.Background(), tt.cmd)
			if !errors.Is(err, tt.want) {
				t.Errorf("Create error = %v, want %v", err, tt.want)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error %T is not *ValidationError", err)
			}
		})
	}
	all, _ := s.ListByOrganization(context.Background(), "o")
	if len(all) != 0 {
		t.Errorf("rejected commands were stored: %+v", all)
	}
}

func TestListsFilterAndKeepInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, c := range []Command{request(1, "a"), request(2, "a"), request(1, "b"), request(1, "a")} {
		out, err := s.Create(ctx, c)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, out.ID)
	}

	byDevice, err := s.ListByDevice(ctx, 1, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(byDevice) != 2 || byDevice[0].ID != ids[0] || byDevice[1].ID != ids[3] {
		t.Errorf("ListByDevice(1, a) = %+v", byDevice)
	}

	byOrg, _ := s.ListByOrganization(ctx, "a")
	if len(byOrg) != 3 || byOrg[0].ID != ids[0] || byOrg[1].ID != ids[1] || byOrg[2].ID != ids[3] {
		t.Errorf("ListByOrganization(a) = %+v", byOrg)
	}

	executed := StatusExecuted
	pending := StatusPending
	if _, err := s.Update(ctx, ids[0], Patch{Status: &executed}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(ctx, ids[1], Patch{Status: &pending}); err != nil {
		t.Fatal(err)
	}
	open, _ := s.ListPending(ctx, "a")
	if len(open) != 2 || open[0].ID != ids[1] || open[1].ID != ids[3] {
		t.Errorf("ListPending(a) = %+v", open)
	}
}

func TestCreateNeverTouchesExistingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _ := s.Create(ctx, request(1, "o"))
	before, _ := s.Get(ctx, first.ID)
	if _, err := s.Create(ctx, Command{Type: TypeRestorePower, DeviceID: 1, OrganizationID: "o", Reason: "other"}); err != nil {
		t.Fatal(err)
	}
	after, _ := s.Get(ctx, first.ID)
	if before.Status != after.Status || before.Reason != after.Reason || before.Type != after.Type ||
		!before.Timestamp.Equal(after.Timestamp) || after.ExecutedAt != nil {
		t.Errorf("existing row changed: %+v -> %+v", before, after)
	}
}

func TestUpdateOnlyChangesMutableFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orig, _ := s.Create(ctx, request(7, "o"))
	status := StatusExecuted
	at := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	notes := "confirmed by driver"

	got, err := s.Update(ctx, orig.ID, Patch{Status: &status, ExecutedAt: &at, Notes: &notes})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Status != StatusExecuted || got.ExecutedAt == nil || !got.ExecutedAt.Equal(at) || got.Notes != notes {
		t.Errorf("Update = %+v", got)
	}
	if got.ID != orig.ID || got.Type != orig.Type || got.DeviceID != orig.DeviceID ||
		got.OrganizationID != orig.OrganizationID || got.UserID != orig.UserID ||
		got.Reason != orig.Reason || !got.Timestamp.Equal(orig.Timestamp) {
		t.Errorf("immutable fields changed: %+v -> %+v", orig, got)
	}

	if _, err := s.Update(ctx, "missing", Patch{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v", err)
	}
	bad := Status("lost")
	if _, err := s.Update(ctx, orig.ID, Patch{Status: &bad}); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("Update(bad status) error = %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestRemoteType(t *testing.T) {
	if got, ok := TypeImmobilise.RemoteType(); !ok || got != "engineStop" {
		t.Errorf("IMMOBILISE -> %q, %v", got, ok)
	}
	if got, ok := TypeRestorePower.RemoteType(); !ok || got != "engineResume" {
		t.Errorf("RESTORE_POWER -> %q, %v", got, ok)
	}
	if _, ok := Type("X").RemoteType(); ok {
		t.Error("unknown type mapped")
	}
}
