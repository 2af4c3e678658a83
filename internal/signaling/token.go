// Package signaling maintains the state of a single peer-transport
// handshake session between two parties and provides the pure token
// codec used to carry invite and answer payloads out-of-band.
package signaling

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies which side of the handshake a party plays.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// TokenKind distinguishes invite tokens from answer tokens.
type TokenKind string

const (
	KindInvite TokenKind = "invite"
	KindAnswer TokenKind = "answer"
)

// tokenPrefix versions the wire format. Decode rejects anything else.
const tokenPrefix = "pst1."

// DefaultTokenTTL is how long an invite or answer token stays valid.
const DefaultTokenTTL = 5 * time.Minute

// TokenPayload is the content of a handshake token. Tokens are a pure,
// deterministic encoding of this payload: Encode and Decode are exact
// inverses, and Decode fails closed on anything malformed rather than
// returning a partially-populated value.
type TokenPayload struct {
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"` // role of the token's creator
	Kind      TokenKind `json:"kind"`
	SDP       string    `json:"sdp"`        // opaque signaling payload
	CreatedAt int64     `json:"created_at"` // unix seconds
	ExpiresAt int64     `json:"expires_at"` // unix seconds
}

// Expired reports whether the payload's expiry has passed at the given
// instant.
func (p TokenPayload) Expired(now time.Time) bool {
	return now.Unix() >= p.ExpiresAt
}

// EncodeToken derives the opaque token string for a payload. It is a
// pure function of its input.
func EncodeToken(p TokenPayload) (string, error) {
	if p.SessionID == "" {
		return "", fmt.Errorf("signaling: token payload missing session id")
	}
	if p.Role != RoleHost && p.Role != RoleGuest {
		return "", fmt.Errorf("signaling: token payload has invalid role %q", p.Role)
	}
	if p.Kind != KindInvite && p.Kind != KindAnswer {
		return "", fmt.Errorf("signaling: token payload has invalid kind %q", p.Kind)
	}
	if p.SDP == "" {
		return "", fmt.Errorf("signaling: token payload missing sdp")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("signaling: marshal token payload: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken is the inverse of EncodeToken. Any token that is not a
// well-formed, fully-populated encoding fails with an error; it never
// returns a best-effort guess.
func DecodeToken(token string) (TokenPayload, error) {
	var zero TokenPayload

	if !strings.HasPrefix(token, tokenPrefix) {
		return zero, fmt.Errorf("signaling: token has unknown format")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, tokenPrefix))
	if err != nil {
		return zero, fmt.Errorf("signaling: token is not valid base64url: %w", err)
	}

	var p TokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return zero, fmt.Errorf("signaling: token payload is not valid JSON: %w", err)
	}

	switch {
	case p.SessionID == "":
		return zero, fmt.Errorf("signaling: token missing session id")
	case p.Role != RoleHost && p.Role != RoleGuest:
		return zero, fmt.Errorf("signaling: token has invalid role %q", p.Role)
	case p.Kind != KindInvite && p.Kind != KindAnswer:
		return zero, fmt.Errorf("signaling: token has invalid kind %q", p.Kind)
	case p.SDP == "":
		return zero, fmt.Errorf("signaling: token missing sdp")
	case p.CreatedAt <= 0 || p.ExpiresAt <= 0:
		return zero, fmt.Errorf("signaling: token missing timestamps")
	case p.ExpiresAt <= p.CreatedAt:
		return zero, fmt.Errorf("signaling: token expires before creation")
	}

	return p, nil
}
