package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaygate/relaygate/internal/api/middleware"
	"github.com/relaygate/relaygate/pkg/models"
)

func dialWS(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	// ClientContext runs globally in the production router; the fixture
	// needs it too so the handler sees a real client key.
	srv := httptest.NewServer(middleware.ClientContext(http.HandlerFunc(f.handlers.ServeWS)))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSValidFrameReachesOrchestrator(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "user_id=u1")

	frame := `{"conversation_id":"c1","text":"hello"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case in := <-f.dispatcher.got:
		if in.UserID != "u1" {
			t.Errorf("user = %q, want u1 from query", in.UserID)
		}
		if in.ConversationID != "c1" {
			t.Errorf("conversation = %q", in.ConversationID)
		}
		if in.Text != "hello" {
			t.Errorf("text = %q", in.Text)
		}
		if in.ClientKey != "127.0.0.1" {
			t.Errorf("client key = %q, want socket host", in.ClientKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the orchestrator")
	}
}

func TestWSConversationDefaultsToUser(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "user_id=u1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"hi"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case in := <-f.dispatcher.got:
		if in.ConversationID != "u1" {
			t.Errorf("conversation = %q, want user fallback", in.ConversationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the orchestrator")
	}
}

func TestWSMalformedFrameIsViolation(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "user_id=u1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The gateway answers with an error event on the same connection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.ChatEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read error event: %v", err)
	}
	if ev.Type != models.EventError {
		t.Errorf("event type = %q, want error", ev.Type)
	}
	if ev.RetryAfterSec <= 0 {
		t.Errorf("retry_after_sec = %d, want > 0", ev.RetryAfterSec)
	}
	if got := f.admission.Violations("127.0.0.1"); got != 1 {
		t.Errorf("violations under client key = %d, want 1", got)
	}

	select {
	case in := <-f.dispatcher.got:
		t.Fatalf("malformed frame dispatched: %+v", in)
	default:
	}
}

func TestWSRequiresUserID(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(f.handlers.ServeWS))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
