package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/parley/messenger/internal/broker"
	"github.com/parley/messenger/internal/errs"
	"github.com/parley/messenger/internal/event"
	"github.com/parley/messenger/internal/identity"
	"github.com/parley/messenger/internal/store"
)

// fakeStore serves the message handlers from memory. A message planted
// in stored stands in for an earlier write under the same dedup id.
type fakeStore struct {
	conversation store.Conversation
	participants []string
	stored       *store.Message
	created      []*store.Message
}

func (f *fakeStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if id != f.conversation.ID {
		return nil, errs.Newf(errs.NotFound, "conversation %s", id)
	}
	c := f.conversation
	return &c, nil
}

func (f *fakeStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	for _, p := range f.participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Participants(ctx context.Context, conversationID string) ([]string, error) {
	return f.participants, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, m *store.Message) (*store.Message, bool, error) {
	if f.stored != nil && m.DedupID != "" && m.DedupID == f.stored.DedupID {
		return f.stored, false, nil
	}
	f.created = append(f.created, m)
	return m, true, nil
}

func (f *fakeStore) ListMessages(ctx context.Context, conversationID, cursor string, limit int) ([]store.Message, *string, error) {
	return nil, nil, nil
}

func (f *fakeStore) SetMessagingMode(ctx context.Context, conversationID, mode string) error {
	return nil
}

func (f *fakeStore) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	return nil
}

func (f *fakeStore) GetFriendRequest(ctx context.Context, id string) (*store.FriendRequest, error) {
	return nil, errs.Newf(errs.NotFound, "friend request %s", id)
}

func (f *fakeStore) SetFriendStatus(ctx context.Context, id, status string, at time.Time) (*store.FriendRequest, error) {
	return nil, errs.Newf(errs.NotFound, "pending friend request %s", id)
}

func testConversationStore() *fakeStore {
	return &fakeStore{
		conversation: store.Conversation{
			ID:            "conv-1",
			Title:         "pair",
			MessagingMode: store.ModeProgressive,
			CreatedAt:     time.Now(),
		},
		participants: []string{"alice", "bob"},
	}
}

func newTestServer(t *testing.T, hub *broker.Hub, st Store) (*Server, string) {
	t.Helper()
	resolver := identity.NewResolver("test-secret")
	token, err := resolver.Mint("alice", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return NewServer(DefaultConfig(), hub, st, nil, resolver), token
}

func postMessage(t *testing.T, s *Server, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/conversations/conv-1/messages", strings.NewReader(body))
	req.SetPathValue("id", "conv-1")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.handleMessageCreated(rec, req)
	return rec
}

func nextFrame(t *testing.T, sub *broker.Subscription) broker.Frame {
	t.Helper()
	select {
	case frame := <-sub.C():
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame within 2s on key %s", sub.Key())
		return broker.Frame{}
	}
}

func wantNoFrame(t *testing.T, sub *broker.Subscription) {
	t.Helper()
	select {
	case frame := <-sub.C():
		t.Fatalf("unexpected frame %q on key %s", frame.Name, sub.Key())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMessageCreatedPersistsAndBroadcasts(t *testing.T) {
	hub := broker.New(broker.Config{SubscriberBuffer: 8, HeartbeatInterval: time.Hour})
	defer hub.Shutdown()

	st := testConversationStore()
	s, token := newTestServer(t, hub, st)

	sub, err := hub.SubscribeConversation("conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bob, err := hub.SubscribeUser("bob")
	if err != nil {
		t.Fatalf("subscribe bob: %v", err)
	}
	if frame := nextFrame(t, sub); frame.Name != event.TypeReady {
		t.Fatalf("first frame = %q, want %q", frame.Name, event.TypeReady)
	}
	if frame := nextFrame(t, bob); frame.Name != event.TypeReady {
		t.Fatalf("first frame = %q, want %q", frame.Name, event.TypeReady)
	}

	rec := postMessage(t, s, token, `{"body":"hello","dedup_id":"d1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if len(st.created) != 1 {
		t.Fatalf("created %d messages, want 1", len(st.created))
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != st.created[0].ID {
		t.Errorf("response id = %q, want the persisted id %q", resp.ID, st.created[0].ID)
	}

	if frame := nextFrame(t, sub); frame.Name != event.TypeMessage {
		t.Errorf("frame name = %q, want %q", frame.Name, event.TypeMessage)
	}
	if frame := nextFrame(t, bob); frame.Name != event.TypeIndicator {
		t.Errorf("frame name = %q, want %q", frame.Name, event.TypeIndicator)
	}
}

func TestMessageCreatedDedupReplay(t *testing.T) {
	hub := broker.New(broker.Config{SubscriberBuffer: 8, HeartbeatInterval: time.Hour})
	defer hub.Shutdown()

	st := testConversationStore()
	st.stored = &store.Message{
		ID:             "msg-original",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Body:           "hello",
		DedupID:        "d1",
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	s, token := newTestServer(t, hub, st)

	sub, err := hub.SubscribeConversation("conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bob, err := hub.SubscribeUser("bob")
	if err != nil {
		t.Fatalf("subscribe bob: %v", err)
	}
	if frame := nextFrame(t, sub); frame.Name != event.TypeReady {
		t.Fatalf("first frame = %q, want %q", frame.Name, event.TypeReady)
	}
	if frame := nextFrame(t, bob); frame.Name != event.TypeReady {
		t.Fatalf("first frame = %q, want %q", frame.Name, event.TypeReady)
	}

	// A retried request carries the same dedup id as the stored message.
	rec := postMessage(t, s, token, `{"body":"hello","dedup_id":"d1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(st.created) != 0 {
		t.Fatalf("retry inserted %d messages, want 0", len(st.created))
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "msg-original" {
		t.Errorf("response id = %q, want the stored id %q", resp.ID, "msg-original")
	}

	// The first write already broadcast the message; the retry must not.
	wantNoFrame(t, sub)
	wantNoFrame(t, bob)
}
