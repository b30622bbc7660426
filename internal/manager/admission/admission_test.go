package admission

import (
	"context"
	"errors"
	"testing"
)

type stubStore struct {
	running    int
	countErr   error
	authorized map[string]bool
	authErr    error
}

func (s *stubStore) CountRunning(context.Context) (int, error) {
	return s.running, s.countErr
}

func (s *stubStore) IsAuthorized(_ context.Context, externalID string) (bool, error) {
	if s.authErr != nil {
		return false, s.authErr
	}
	return s.authorized[externalID], nil
}

func TestNewControllerValidation(t *testing.T) {
	store := &stubStore{}
	if _, err := NewController(nil, store, 5); err == nil {
		t.Fatal("expected missing capacity store error")
	}
	if _, err := NewController(store, nil, 5); err == nil {
		t.Fatal("expected missing authorization store error")
	}
	if _, err := NewController(store, store, 0); err == nil {
		t.Fatal("expected invalid max bots error")
	}
}

func TestAdmitProceedsBelowCapacity(t *testing.T) {
	store := &stubStore{running: 14}
	control := newTestController(t, store, 15)

	decision, err := control.Admit(context.Background())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision != Proceed {
		t.Fatalf("decision = %v, want proceed", decision)
	}
}

func TestAdmitDefersAtCapacity(t *testing.T) {
	store := &stubStore{running: 15}
	control := newTestController(t, store, 15)

	decision, err := control.Admit(context.Background())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision != DeferCapacity {
		t.Fatalf("decision = %v, want defer-capacity", decision)
	}
}

func TestAdmitPropagatesStoreError(t *testing.T) {
	storeErr := errors.New("store offline")
	store := &stubStore{countErr: storeErr}
	control := newTestController(t, store, 15)

	if _, err := control.Admit(context.Background()); !errors.Is(err, storeErr) {
		t.Fatalf("admit error = %v, want wrapped store error", err)
	}
}

func TestAuthorizeDecisions(t *testing.T) {
	store := &stubStore{authorized: map[string]bool{"a@s.net": true}}
	control := newTestController(t, store, 15)

	decision, err := control.Authorize(context.Background(), "a@s.net")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision != Proceed {
		t.Fatalf("decision = %v, want proceed", decision)
	}

	decision, err = control.Authorize(context.Background(), "b@s.net")
	if err != nil {
		t.Fatalf("authorize unknown: %v", err)
	}
	if decision != RejectUnauthorized {
		t.Fatalf("decision = %v, want reject-unauthorized", decision)
	}
}

func TestAuthorizePropagatesStoreError(t *testing.T) {
	storeErr := errors.New("store offline")
	store := &stubStore{authErr: storeErr}
	control := newTestController(t, store, 15)

	if _, err := control.Authorize(context.Background(), "a@s.net"); !errors.Is(err, storeErr) {
		t.Fatalf("authorize error = %v, want wrapped store error", err)
	}
}

func TestDecisionString(t *testing.T) {
	cases := map[Decision]string{
		Proceed:            "proceed",
		DeferCapacity:      "defer-capacity",
		RejectUnauthorized: "reject-unauthorized",
		Decision(99):       "unknown",
	}
	for decision, want := range cases {
		if decision.String() != want {
			t.Fatalf("decision string = %q, want %q", decision.String(), want)
		}
	}
}

func newTestController(t *testing.T, store *stubStore, maxBots int) *Controller {
	t.Helper()
	control, err := NewController(store, store, maxBots)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return control
}
