package capability

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(testSecret, nil, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func fsRead(resource string) []Permission {
	return []Permission{{Category: "filesystem", Actions: []string{"read"}, Resource: resource}}
}

func TestGrantSignsAndStores(t *testing.T) {
	m := newTestManager(t)
	tok, err := m.Grant(GrantRequest{AgentID: "a1", Permissions: fsRead("/tmp")}, "admin")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if tok.ID == "" || tok.Signature == "" {
		t.Fatal("token missing id or signature")
	}
	if !tok.ExpiresAt.After(tok.IssuedAt) {
		t.Fatal("expiresAt must be after issuedAt")
	}
	if !Verify(tok, testSecret) {
		t.Fatal("freshly granted token must verify")
	}
	got, err := m.Get(tok.ID)
	if err != nil || got.ID != tok.ID {
		t.Fatalf("Get: %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	m := newTestManager(t)
	tok, _ := m.Grant(GrantRequest{AgentID: "a1", Permissions: fsRead("/tmp")}, "admin")

	tampered := *tok
	tampered.AgentID = "a2"
	if Verify(&tampered, testSecret) {
		t.Fatal("tampered token must not verify")
	}
	tampered = *tok
	tampered.ExpiresAt = tok.ExpiresAt.Add(24 * time.Hour)
	if Verify(&tampered, testSecret) {
		t.Fatal("extended-expiry token must not verify")
	}
	if Verify(tok, []byte("another-secret-another-secret-xx")) {
		t.Fatal("token must not verify under a different secret")
	}
}

func TestScopeDerivation(t *testing.T) {
	cases := []struct {
		category string
		want     Scope
	}{
		{"shell", ScopeSystem},
		{"admin", ScopeSystem},
		{"secrets", ScopeSystem},
		{"system", ScopeSystem},
		{"agents", ScopeAgent},
		{"filesystem", ScopeTask},
		{"tools", ScopeTask},
	}
	for _, c := range cases {
		got := DeriveScope([]Permission{{Category: c.category, Actions: []string{"*"}}})
		if got != c.want {
			t.Errorf("DeriveScope(%s) = %s, want %s", c.category, got, c.want)
		}
	}
}

func TestCheckFindsMatchingToken(t *testing.T) {
	m := newTestManager(t)
	tok, _ := m.Grant(GrantRequest{AgentID: "a1", Permissions: fsRead("/tmp")}, "admin")

	got, err := m.Check("a1", "filesystem", "read", "/tmp")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got.ID != tok.ID {
		t.Fatalf("got token %s, want %s", got.ID, tok.ID)
	}

	if _, err := m.Check("a1", "filesystem", "write", "/tmp"); !errors.Is(err, ErrNoCapability) {
		t.Fatalf("expected ErrNoCapability for unlisted action, got %v", err)
	}
	if _, err := m.Check("a2", "filesystem", "read", "/tmp"); !errors.Is(err, ErrNoCapability) {
		t.Fatalf("expected ErrNoCapability for unknown agent, got %v", err)
	}
}

func TestCheckLazilyRevokesExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	var events []string
	m, err := NewManager(testSecret, func(action, outcome, tokenID, agentID string, details map[string]any) {
		events = append(events, action)
	}, WithClock(clock), WithTTL(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	tok, _ := m.Grant(GrantRequest{AgentID: "a1", Permissions: fsRead("")}, "admin")
	now = now.Add(2 * time.Minute)

	if _, err := m.Check("a1", "filesystem", "read", ""); !errors.Is(err, ErrNoCapability) {
		t.Fatalf("expected ErrNoCapability after expiry, got %v", err)
	}
	if _, err := m.Get(tok.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("expired token must be removed from the live map")
	}
	found := false
	for _, e := range events {
		if e == "capability.expired" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected capability.expired audit event, got %v", events)
	}
}

func TestCheckSkipsBadSignature(t *testing.T) {
	var events []string
	m, err := NewManager(testSecret, func(action, outcome, tokenID, agentID string, details map[string]any) {
		events = append(events, action)
	})
	if err != nil {
		t.Fatal(err)
	}
	tok, _ := m.Grant(GrantRequest{AgentID: "a1", Permissions: fsRead("")}, "admin")

	// Corrupt the stored token in place.
	stored, _ := m.Get(tok.ID)
	stored.Signature = "deadbeef"

	if _, err := m.Check("a1", "filesystem", "read", ""); !errors.Is(err, ErrNoCapability) {
		t.Fatalf("expected ErrNoCapability, got %v", err)
	}
	found := false
	for _, e := range events {
		if e == "capability.bad_signature" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected bad_signature audit event, got %v", events)
	}
}

func TestDelegateSubsetRules(t *testing.T) {
	m := newTestManager(t)
	parent, _ := m.Grant(GrantRequest{
		AgentID: "a1",
		Permissions: []Permission{
			{Category: "filesystem", Actions: []string{"read", "write"}, Resource: "*"},
			{Category: "network", Actions: []string{"*"}},
		},
		Delegatable: true,
	}, "admin")

	child, err := m.Delegate(parent.ID, "a2", fsRead("/data"), 0)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if child.Delegatable {
		t.Fatal("delegated token must not be delegatable")
	}
	if child.ParentTokenID != parent.ID {
		t.Fatal("child must reference parent")
	}
	if child.ExpiresAt.After(parent.ExpiresAt) {
		t.Fatal("child must not outlive parent")
	}

	// A second-level delegation must fail.
	if _, err := m.Delegate(child.ID, "a3", nil, 0); !errors.Is(err, ErrNotDelegatable) {
		t.Fatalf("expected ErrNotDelegatable, got %v", err)
	}

	// Permissions outside the parent set must be refused.
	_, err = m.Delegate(parent.ID, "a2",
		[]Permission{{Category: "shell", Actions: []string{"execute"}}}, 0)
	if !errors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected ErrInsufficientPermissions, got %v", err)
	}
}

func TestDelegateExpiredParent(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, WithClock(func() time.Time { return now }), WithTTL(time.Minute))
	parent, _ := m.Grant(GrantRequest{AgentID: "a1", Permissions: fsRead(""), Delegatable: true}, "admin")

	now = now.Add(time.Hour)
	if _, err := m.Delegate(parent.ID, "a2", nil, 0); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRevokeLeavesNoResidue(t *testing.T) {
	m := newTestManager(t)
	tok, _ := m.Grant(GrantRequest{AgentID: "a1", Permissions: fsRead("")}, "admin")
	if err := m.Revoke(tok.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := m.Get(tok.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("revoked token still retrievable")
	}
	if got := m.TokensFor("a1"); len(got) != 0 {
		t.Fatalf("agent index still holds %d tokens", len(got))
	}
	if err := m.Revoke(tok.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second revoke: expected ErrNotFound, got %v", err)
	}
}

func TestRevokeAllAndCleanup(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, WithClock(func() time.Time { return now }))

	m.Grant(GrantRequest{AgentID: "a1", Permissions: fsRead("")}, "admin")
	m.Grant(GrantRequest{AgentID: "a1", Permissions: fsRead(""), Duration: time.Minute}, "admin")
	m.Grant(GrantRequest{AgentID: "a2", Permissions: fsRead("")}, "admin")

	if n := m.RevokeAll("a1"); n != 2 {
		t.Fatalf("RevokeAll = %d, want 2", n)
	}

	now = now.Add(2 * time.Hour)
	if n := m.Cleanup(); n != 1 {
		t.Fatalf("Cleanup = %d, want 1", n)
	}
}
