package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// signedFields is the canonical serialization input for the token signature.
// Field order is fixed by the struct declaration; map keys inside Permission
// constraints are sorted by encoding/json, so marshaling is deterministic.
type signedFields struct {
	ID          string       `json:"id"`
	AgentID     string       `json:"agentId"`
	Permissions []Permission `json:"permissions"`
	ExpiresAt   string       `json:"expiresAt"`
}

func canonicalBytes(t *Token) ([]byte, error) {
	return json.Marshal(signedFields{
		ID:          t.ID,
		AgentID:     t.AgentID,
		Permissions: t.Permissions,
		ExpiresAt:   t.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

// Sign computes the hex HMAC-SHA-256 signature over the token's canonical
// fields with the given secret.
func Sign(t *Token, secret []byte) (string, error) {
	payload, err := canonicalBytes(t)
	if err != nil {
		return "", fmt.Errorf("capability: canonicalize token: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it to the token's in constant
// time. hmac.Equal compares equal-length byte slices without early exit.
func Verify(t *Token, secret []byte) bool {
	want, err := Sign(t, secret)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(t.Signature)
	if err != nil {
		return false
	}
	wantRaw, _ := hex.DecodeString(want)
	return hmac.Equal(got, wantRaw)
}
