package identity

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parley/messenger/internal/errs"
)

func TestMintResolveRoundTrip(t *testing.T) {
	r := NewResolver("test-secret")

	token, err := r.Mint("alice", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	userID, err := r.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if userID != "alice" {
		t.Errorf("Resolve = %q, want %q", userID, "alice")
	}
}

func TestResolveRejectsForeignSecret(t *testing.T) {
	token, err := NewResolver("secret-a").Mint("alice", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, err = NewResolver("secret-b").Resolve(token)
	if err == nil {
		t.Fatalf("Resolve accepted a token signed with another secret")
	}
	if !errs.Is(err, errs.Unauthorized) {
		t.Errorf("error kind = %v, want Unauthorized", errs.KindOf(err))
	}
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	r := NewResolver("test-secret")
	token, err := r.Mint("alice", -time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := r.Resolve(token); err == nil {
		t.Errorf("Resolve accepted an expired token")
	}
}

func TestFromRequest(t *testing.T) {
	r := NewResolver("test-secret")
	token, err := r.Mint("alice", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/conversations/c1/messages", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		userID, err := r.FromRequest(req)
		if err != nil {
			t.Fatalf("FromRequest: %v", err)
		}
		if userID != "alice" {
			t.Errorf("user = %q, want alice", userID)
		}
	})

	t.Run("query parameter fallback", func(t *testing.T) {
		// EventSource cannot set headers, so streams pass ?token=.
		req := httptest.NewRequest("GET", "/subscribe/indicators?token="+token, nil)
		userID, err := r.FromRequest(req)
		if err != nil {
			t.Fatalf("FromRequest: %v", err)
		}
		if userID != "alice" {
			t.Errorf("user = %q, want alice", userID)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/subscribe/indicators", nil)
		if _, err := r.FromRequest(req); !errs.Is(err, errs.Unauthorized) {
			t.Errorf("error = %v, want Unauthorized", err)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/conversations/c1/messages", nil)
		req.Header.Set("Authorization", "Token "+token)
		if _, err := r.FromRequest(req); !errs.Is(err, errs.Unauthorized) {
			t.Errorf("error = %v, want Unauthorized", err)
		}
	})
}
