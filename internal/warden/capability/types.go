// Package capability issues and verifies HMAC-signed, time-bounded capability
// tokens that grant agents permission sets.
//
// Tokens are unforgeable (signed with the gateway's permission secret),
// expire, and may be delegated once: a delegated child token carries a subset
// of the parent's permissions, cannot outlive the parent, and is itself
// non-delegatable. Verification uses a constant-time comparison so signature
// checks leak no timing information.
package capability

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors returned by Manager methods.
var (
	// ErrNotFound is returned when the referenced token does not exist.
	ErrNotFound = errors.New("capability: token not found")
	// ErrExpired is returned when the token's lifetime has elapsed.
	ErrExpired = errors.New("capability: token expired")
	// ErrNotDelegatable is returned when delegating from a non-delegatable token.
	ErrNotDelegatable = errors.New("capability: token is not delegatable")
	// ErrInsufficientPermissions is returned when a delegation requests
	// permissions the parent token does not hold.
	ErrInsufficientPermissions = errors.New("capability: requested permissions exceed parent")
	// ErrBadSignature is returned when a token's signature does not verify.
	ErrBadSignature = errors.New("capability: invalid token signature")
	// ErrNoCapability is returned by Check when no active token grants the
	// requested permission.
	ErrNoCapability = errors.New("capability: no matching capability")
)

// Scope classifies how broad a token's authority is. It is derived from the
// permission categories at grant time, never supplied by callers.
type Scope string

const (
	ScopeSystem Scope = "system"
	ScopeUser   Scope = "user"
	ScopeAgent  Scope = "agent"
	ScopeTask   Scope = "task"
)

// Permission is one grant entry: a category ("filesystem", "network", …),
// the actions permitted within it, and an optional resource constraint.
type Permission struct {
	Category    string            `json:"category"`
	Actions     []string          `json:"actions"`
	Resource    string            `json:"resource,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// Token is a signed capability grant. Clients treat it as opaque.
type Token struct {
	ID            string       `json:"id"`
	AgentID       string       `json:"agentId"`
	Permissions   []Permission `json:"permissions"`
	Scope         Scope        `json:"scope"`
	IssuedAt      time.Time    `json:"issuedAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
	IssuedBy      string       `json:"issuedBy"`
	Purpose       string       `json:"purpose,omitempty"`
	Delegatable   bool         `json:"delegatable"`
	ParentTokenID string       `json:"parentTokenId,omitempty"`
	Signature     string       `json:"signature"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// GrantRequest is the input to Manager.Grant.
type GrantRequest struct {
	AgentID     string
	Permissions []Permission
	// Duration of validity; zero means the manager default (one hour).
	Duration    time.Duration
	Purpose     string
	Delegatable bool
}

// DeriveScope computes a token's scope from its permission categories:
// admin, secrets, system, and shell permissions make it a system token,
// agent-management permissions an agent token, anything else a task token.
func DeriveScope(perms []Permission) Scope {
	scope := ScopeTask
	for _, p := range perms {
		switch p.Category {
		case "admin", "secrets", "system", "shell":
			return ScopeSystem
		case "agents":
			scope = ScopeAgent
		}
	}
	return scope
}

// permissionCovers reports whether parent covers child: same category, the
// parent's actions are a superset (or wildcard), and the parent's resource
// constraint (when present) equals the child's or is a wildcard.
func permissionCovers(parent, child Permission) bool {
	if parent.Category != child.Category {
		return false
	}
	if !actionsCover(parent.Actions, child.Actions) {
		return false
	}
	if parent.Resource != "" && parent.Resource != "*" && parent.Resource != child.Resource {
		return false
	}
	return true
}

func actionsCover(parent, child []string) bool {
	for _, p := range parent {
		if p == "*" {
			return true
		}
	}
	for _, c := range child {
		found := false
		for _, p := range parent {
			if p == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ParsePermission parses the compact manifest form "category.action" or
// "category.action:resource" (e.g. "filesystem.read:/tmp").
func ParsePermission(s string) (Permission, error) {
	spec := s
	resource := ""
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		resource = spec[i+1:]
		spec = spec[:i]
	}
	i := strings.IndexByte(spec, '.')
	if i <= 0 || i == len(spec)-1 {
		return Permission{}, fmt.Errorf("capability: malformed permission %q", s)
	}
	return Permission{
		Category: spec[:i],
		Actions:  []string{spec[i+1:]},
		Resource: resource,
	}, nil
}
