package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/botfleet/botfleet/internal/manager/storage"
)

func TestEnqueuePendingRejectsDuplicateID(t *testing.T) {
	store := openTempStore(t)
	session := storage.PendingSession{
		ID:          "s1",
		Credentials: []byte(`{"jid":"15551234567@s.net"}`),
		Phone:       "15551234567",
	}

	if err := store.EnqueuePending(context.Background(), session); err != nil {
		t.Fatalf("enqueue pending: %v", err)
	}
	err := store.EnqueuePending(context.Background(), session)
	if !errors.Is(err, storage.ErrDuplicatePending) {
		t.Fatalf("duplicate enqueue error = %v, want ErrDuplicatePending", err)
	}

	pending, err := store.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending len = %d, want 1", len(pending))
	}
	if pending[0].ID != "s1" {
		t.Fatalf("pending id = %q, want %q", pending[0].ID, "s1")
	}
}

func TestListPendingOrdersByEnqueueTime(t *testing.T) {
	store := openTempStore(t)
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"s3", "s1", "s2"} {
		err := store.EnqueuePending(context.Background(), storage.PendingSession{
			ID:          id,
			Credentials: []byte("{}"),
			EnqueuedAt:  base.Add(time.Duration(3-i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	pending, err := store.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending len = %d, want 3", len(pending))
	}
	if pending[0].ID != "s2" || pending[1].ID != "s1" || pending[2].ID != "s3" {
		t.Fatalf("pending order = %s,%s,%s, want s2,s1,s3", pending[0].ID, pending[1].ID, pending[2].ID)
	}
}

func TestRemovePendingIsIdempotent(t *testing.T) {
	store := openTempStore(t)

	if err := store.EnqueuePending(context.Background(), storage.PendingSession{
		ID:          "s1",
		Credentials: []byte("{}"),
	}); err != nil {
		t.Fatalf("enqueue pending: %v", err)
	}
	if err := store.RemovePending(context.Background(), "s1"); err != nil {
		t.Fatalf("remove pending: %v", err)
	}
	if err := store.RemovePending(context.Background(), "s1"); err != nil {
		t.Fatalf("remove pending again: %v", err)
	}
	if err := store.RemovePending(context.Background(), "never-existed"); err != nil {
		t.Fatalf("remove absent pending: %v", err)
	}
}

func TestAuthorizeAndIsAuthorized(t *testing.T) {
	store := openTempStore(t)

	ok, err := store.IsAuthorized(context.Background(), "15551234567@s.net")
	if err != nil {
		t.Fatalf("is authorized: %v", err)
	}
	if ok {
		t.Fatal("expected identity to be unauthorized")
	}

	if err := store.Authorize(context.Background(), "15551234567@s.net"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	// Authorizing twice must not fail.
	if err := store.Authorize(context.Background(), "15551234567@s.net"); err != nil {
		t.Fatalf("authorize again: %v", err)
	}

	ok, err = store.IsAuthorized(context.Background(), "15551234567@s.net")
	if err != nil {
		t.Fatalf("is authorized: %v", err)
	}
	if !ok {
		t.Fatal("expected identity to be authorized")
	}

	identities, err := store.ListAuthorized(context.Background())
	if err != nil {
		t.Fatalf("list authorized: %v", err)
	}
	if len(identities) != 1 {
		t.Fatalf("authorized len = %d, want 1", len(identities))
	}
}

func TestRecordAndListExpired(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	if err := store.RecordExpired(context.Background(), storage.ExpiredRecord{
		Subject:    "15551234567",
		Reason:     storage.ExpireReasonNotAuthorized,
		RecordedAt: now,
	}); err != nil {
		t.Fatalf("record expired: %v", err)
	}
	if err := store.RecordExpired(context.Background(), storage.ExpiredRecord{
		Subject:    "15559876543",
		Reason:     storage.ExpireReasonLoggedOut,
		RecordedAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("record expired second: %v", err)
	}

	records, err := store.ListExpired(context.Background(), 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expired len = %d, want 2", len(records))
	}
	if records[0].Reason != storage.ExpireReasonLoggedOut {
		t.Fatalf("records[0].reason = %q, want %q", records[0].Reason, storage.ExpireReasonLoggedOut)
	}
}

func TestRecordExpiredRejectsUnknownReason(t *testing.T) {
	store := openTempStore(t)

	err := store.RecordExpired(context.Background(), storage.ExpiredRecord{
		Subject: "15551234567",
		Reason:  "banned",
	})
	if err == nil {
		t.Fatal("expected unknown reason error")
	}
}

func TestAddRunningEnforcesIdentityUniqueness(t *testing.T) {
	store := openTempStore(t)

	if err := store.AddRunning(context.Background(), storage.RunningBot{
		ExternalID: "15551234567@s.net",
		BotID:      "bot-1",
	}); err != nil {
		t.Fatalf("add running: %v", err)
	}
	err := store.AddRunning(context.Background(), storage.RunningBot{
		ExternalID: "15551234567@s.net",
		BotID:      "bot-2",
	})
	if !errors.Is(err, storage.ErrDuplicateRunning) {
		t.Fatalf("duplicate running error = %v, want ErrDuplicateRunning", err)
	}

	count, err := store.CountRunning(context.Background())
	if err != nil {
		t.Fatalf("count running: %v", err)
	}
	if count != 1 {
		t.Fatalf("running count = %d, want 1", count)
	}
}

func TestRemoveRunningIsIdempotent(t *testing.T) {
	store := openTempStore(t)

	if err := store.AddRunning(context.Background(), storage.RunningBot{
		ExternalID: "15551234567@s.net",
		BotID:      "bot-1",
	}); err != nil {
		t.Fatalf("add running: %v", err)
	}
	if err := store.RemoveRunning(context.Background(), "15551234567@s.net"); err != nil {
		t.Fatalf("remove running: %v", err)
	}
	if err := store.RemoveRunning(context.Background(), "15551234567@s.net"); err != nil {
		t.Fatalf("remove running again: %v", err)
	}

	count, err := store.CountRunning(context.Background())
	if err != nil {
		t.Fatalf("count running: %v", err)
	}
	if count != 0 {
		t.Fatalf("running count = %d, want 0", count)
	}
}

func TestEnqueuePendingValidation(t *testing.T) {
	store := openTempStore(t)

	if err := store.EnqueuePending(context.Background(), storage.PendingSession{}); err == nil {
		t.Fatal("expected validation error for empty session")
	}
	if err := store.EnqueuePending(context.Background(), storage.PendingSession{ID: "s1"}); err == nil {
		t.Fatal("expected validation error for missing credentials")
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manager.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
