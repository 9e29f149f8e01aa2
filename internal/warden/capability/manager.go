package capability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the token lifetime when a grant does not specify one.
const DefaultTTL = time.Hour

// AuditFunc receives every security-relevant token event: grants,
// delegations, revocations, expiries discovered on check, and bad signatures.
type AuditFunc func(action, outcome, tokenID, agentID string, details map[string]any)

// Manager issues, verifies, and revokes capability tokens. All state is held
// in memory; a revoked token leaves no residue in the live maps and is only
// visible through the audit trail.
type Manager struct {
	mu      sync.Mutex
	secret  []byte
	tokens  map[string]*Token
	byAgent map[string]map[string]struct{}

	defaultTTL time.Duration
	audit      AuditFunc
	now        func() time.Time
	log        *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTTL overrides the default token lifetime.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTTL = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager signing tokens with secret. The audit function
// may be nil.
func NewManager(secret []byte, audit AuditFunc, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("capability: signing secret must not be empty")
	}
	m := &Manager{
		secret:     secret,
		tokens:     make(map[string]*Token),
		byAgent:    make(map[string]map[string]struct{}),
		defaultTTL: DefaultTTL,
		audit:      audit,
		now:        time.Now,
		log:        slog.With("component", "capability"),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Grant validates the request, signs a new token, and stores it.
func (m *Manager) Grant(req GrantRequest, issuedBy string) (*Token, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("capability: grant requires an agent id")
	}
	if len(req.Permissions) == 0 {
		return nil, fmt.Errorf("capability: grant requires at least one permission")
	}
	for i, p := range req.Permissions {
		if p.Category == "" {
			return nil, fmt.Errorf("capability: permissions[%d] missing category", i)
		}
		if len(p.Actions) == 0 {
			return nil, fmt.Errorf("capability: permissions[%d] missing actions", i)
		}
	}

	ttl := req.Duration
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	now := m.now()
	t := &Token{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		Permissions: req.Permissions,
		Scope:       DeriveScope(req.Permissions),
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		IssuedBy:    issuedBy,
		Purpose:     req.Purpose,
		Delegatable: req.Delegatable,
	}
	sig, err := Sign(t, m.secret)
	if err != nil {
		return nil, err
	}
	t.Signature = sig

	m.mu.Lock()
	m.store(t)
	m.mu.Unlock()

	m.record("capability.grant", "success", t.ID, t.AgentID, map[string]any{
		"scope": string(t.Scope), "issuedBy": issuedBy, "expiresAt": t.ExpiresAt,
	})
	return t, nil
}

// Delegate issues a child token to toAgent from the parent token. The child's
// permissions must be a subset of the parent's (nil means inherit all), its
// expiry is capped at the parent's, and it is never delegatable itself.
func (m *Manager) Delegate(parentID, toAgent string, perms []Permission, duration time.Duration) (*Token, error) {
	m.mu.Lock()
	parent, ok := m.tokens[parentID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	now := m.now()
	if parent.Expired(now) {
		m.record("capability.delegate", "denied", parentID, toAgent, map[string]any{"reason": "parent expired"})
		return nil, ErrExpired
	}
	if !parent.Delegatable {
		m.record("capability.delegate", "denied", parentID, toAgent, map[string]any{"reason": "not delegatable"})
		return nil, ErrNotDelegatable
	}

	if perms == nil {
		perms = parent.Permissions
	}
	for _, child := range perms {
		covered := false
		for _, p := range parent.Permissions {
			if permissionCovers(p, child) {
				covered = true
				break
			}
		}
		if !covered {
			m.record("capability.delegate", "denied", parentID, toAgent, map[string]any{
				"reason": "insufficient permissions", "category": child.Category,
			})
			return nil, ErrInsufficientPermissions
		}
	}

	expires := parent.ExpiresAt
	if duration > 0 {
		if candidate := now.Add(duration); candidate.Before(expires) {
			expires = candidate
		}
	}

	child := &Token{
		ID:            uuid.NewString(),
		AgentID:       toAgent,
		Permissions:   perms,
		Scope:         DeriveScope(perms),
		IssuedAt:      now,
		ExpiresAt:     expires,
		IssuedBy:      parent.AgentID,
		Delegatable:   false,
		ParentTokenID: parent.ID,
	}
	sig, err := Sign(child, m.secret)
	if err != nil {
		return nil, err
	}
	child.Signature = sig

	m.mu.Lock()
	m.store(child)
	m.mu.Unlock()

	m.record("capability.delegate", "success", child.ID, toAgent, map[string]any{
		"parent": parent.ID, "expiresAt": child.ExpiresAt,
	})
	return child, nil
}

// Check returns the first active token of the agent granting (category,
// action, resource). Expired tokens found along the way are revoked lazily;
// tokens whose signature no longer verifies are skipped and flagged as
// security events.
func (m *Manager) Check(agentID, category, action, resource string) (*Token, error) {
	now := m.now()

	m.mu.Lock()
	var candidates []*Token
	for id := range m.byAgent[agentID] {
		if t, ok := m.tokens[id]; ok {
			candidates = append(candidates, t)
		}
	}
	m.mu.Unlock()

	for _, t := range candidates {
		if t.Expired(now) {
			m.removeToken(t.ID)
			m.record("capability.expired", "denied", t.ID, agentID, nil)
			continue
		}
		if !Verify(t, m.secret) {
			m.log.Warn("capability token failed signature verification",
				"token", t.ID, "agent", agentID)
			m.record("capability.bad_signature", "denied", t.ID, agentID, nil)
			continue
		}
		if tokenGrants(t, category, action, resource) {
			return t, nil
		}
	}
	return nil, ErrNoCapability
}

// Revoke removes a token. The live maps keep no residue; the removal is
// recorded in the audit trail.
func (m *Manager) Revoke(id string) error {
	m.mu.Lock()
	t, ok := m.tokens[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.removeToken(id)
	m.record("capability.revoke", "success", id, t.AgentID, nil)
	return nil
}

// RevokeAll removes every token of the agent and returns how many were revoked.
func (m *Manager) RevokeAll(agentID string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byAgent[agentID]))
	for id := range m.byAgent[agentID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.removeToken(id)
	}
	if len(ids) > 0 {
		m.record("capability.revoke_all", "success", "", agentID, map[string]any{"count": len(ids)})
	}
	return len(ids)
}

// Cleanup sweeps expired tokens and returns how many were removed.
func (m *Manager) Cleanup() int {
	now := m.now()

	m.mu.Lock()
	var expired []*Token
	for _, t := range m.tokens {
		if t.Expired(now) {
			expired = append(expired, t)
		}
	}
	m.mu.Unlock()

	for _, t := range expired {
		m.removeToken(t.ID)
		m.record("capability.expired", "success", t.ID, t.AgentID, nil)
	}
	return len(expired)
}

// Get returns the live token with the given id.
func (m *Manager) Get(id string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// TokensFor returns the agent's live tokens.
func (m *Manager) TokensFor(agentID string) []*Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Token, 0, len(m.byAgent[agentID]))
	for id := range m.byAgent[agentID] {
		if t, ok := m.tokens[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// store adds the token to both maps. Caller holds m.mu.
func (m *Manager) store(t *Token) {
	m.tokens[t.ID] = t
	set, ok := m.byAgent[t.AgentID]
	if !ok {
		set = make(map[string]struct{})
		m.byAgent[t.AgentID] = set
	}
	set[t.ID] = struct{}{}
}

func (m *Manager) removeToken(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return
	}
	delete(m.tokens, id)
	if set, ok := m.byAgent[t.AgentID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byAgent, t.AgentID)
		}
	}
}

func (m *Manager) record(action, outcome, tokenID, agentID string, details map[string]any) {
	if m.audit != nil {
		m.audit(action, outcome, tokenID, agentID, details)
	}
}

// tokenGrants reports whether the token grants (category, action, resource).
// A permission with no resource constraint covers any resource; "*" actions
// cover any action.
func tokenGrants(t *Token, category, action, resource string) bool {
	for _, p := range t.Permissions {
		if p.Category != category {
			continue
		}
		if !actionsCover(p.Actions, []string{action}) {
			continue
		}
		if p.Resource == "" || p.Resource == "*" || resource == "" || p.Resource == resource {
			return true
		}
	}
	return false
}
