package signaling

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func validPayload() TokenPayload {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return TokenPayload{
		SessionID: "session-1",
		Role:      RoleHost,
		Kind:      KindInvite,
		SDP:       "v=0\r\no=- 42 2 IN IP4 127.0.0.1\r\n",
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(5 * time.Minute).Unix(),
	}
}

func TestTokenRoundTrip(t *testing.T) {
	want := validPayload()

	token, err := EncodeToken(want)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	if !strings.HasPrefix(token, "pst1.") {
		t.Fatalf("token %q missing version prefix", token)
	}

	got, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}

	// Same payload, same token.
	again, err := EncodeToken(want)
	if err != nil {
		t.Fatalf("EncodeToken second time: %v", err)
	}
	if again != token {
		t.Errorf("encoding is not deterministic: %q vs %q", again, token)
	}
}

func TestEncodeTokenRejectsIncompletePayload(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TokenPayload)
	}{
		{"missing session id", func(p *TokenPayload) { p.SessionID = "" }},
		{"invalid role", func(p *TokenPayload) { p.Role = "spectator" }},
		{"invalid kind", func(p *TokenPayload) { p.Kind = "offer" }},
		{"missing sdp", func(p *TokenPayload) { p.SDP = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validPayload()
			tc.mutate(&p)
			if _, err := EncodeToken(p); err == nil {
				t.Errorf("EncodeToken accepted payload with %s", tc.name)
			}
		})
	}
}

func TestDecodeTokenFailsClosed(t *testing.T) {
	encode := func(raw string) string {
		return "pst1." + base64.RawURLEncoding.EncodeToString([]byte(raw))
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no prefix", "eyJmb28iOiJiYXIifQ"},
		{"wrong prefix", "pst2.eyJmb28iOiJiYXIifQ"},
		{"not base64", "pst1.!!!not-base64!!!"},
		{"not json", encode("not json at all")},
		{"empty object", encode("{}")},
		{"missing session", encode(`{"role":"host","kind":"invite","sdp":"x","created_at":1,"expires_at":2}`)},
		{"bad role", encode(`{"session_id":"s","role":"nobody","kind":"invite","sdp":"x","created_at":1,"expires_at":2}`)},
		{"bad kind", encode(`{"session_id":"s","role":"host","kind":"hello","sdp":"x","created_at":1,"expires_at":2}`)},
		{"missing sdp", encode(`{"session_id":"s","role":"host","kind":"invite","sdp":"","created_at":1,"expires_at":2}`)},
		{"missing timestamps", encode(`{"session_id":"s","role":"host","kind":"invite","sdp":"x"}`)},
		{"expires before creation", encode(`{"session_id":"s","role":"host","kind":"invite","sdp":"x","created_at":9,"expires_at":4}`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeToken(tc.token)
			if err == nil {
				t.Fatalf("DecodeToken(%q) succeeded, want error", tc.token)
			}
			// Fail closed: never a partially populated payload.
			if got != (TokenPayload{}) {
				t.Errorf("DecodeToken(%q) returned non-zero payload %+v alongside error", tc.token, got)
			}
		})
	}
}

func TestTokenExpired(t *testing.T) {
	p := validPayload()
	created := time.Unix(p.CreatedAt, 0)

	if p.Expired(created) {
		t.Errorf("token expired at creation instant")
	}
	if p.Expired(created.Add(4 * time.Minute)) {
		t.Errorf("token expired before its ttl")
	}
	if !p.Expired(created.Add(5 * time.Minute)) {
		t.Errorf("token not expired exactly at expiry")
	}
	if !p.Expired(created.Add(6 * time.Minute)) {
		t.Errorf("token not expired after expiry")
	}
}
