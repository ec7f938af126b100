package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/models"
	"github.com/bizur-im/bizur/internal/store"
)

const testToken = "test-shared-secret"

func newTestServer(t *testing.T) (*httptest.Server, *memStore, *Hub) {
	t.Helper()
	st := newMemStore()
	hub, _ := newTestHub(st, 200)
	auth := NewAuthenticator(st, store.NewMemoryNonceCache(), testToken, zerolog.Nop())
	h := NewHandler(hub, auth, st, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return srv, st, hub
}

func dialWS(t *testing.T, srv *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?identity=" + identity + "&token=" + testToken
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *models.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env models.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	return &env
}

func register(t *testing.T, ws *websocket.Conn, identity string) {
	t.Helper()
	if err := ws.WriteJSON(&models.Envelope{Type: models.TypeRegister, From: identity}); err != nil {
		t.Fatal(err)
	}
	if env := readFrame(t, ws); env.Type != models.TypeRegistered {
		t.Fatalf("expected registered, got %s", env.Type)
	}
}

func TestUnauthenticatedConnectionRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?identity=AAAA-BBBB&token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestRegisterAndRouteLive(t *testing.T) {
	srv, _, _ := newTestServer(t)

	a := dialWS(t, srv, "AAAA-AAAA")
	b := dialWS(t, srv, "BBBB-BBBB")
	register(t, a, "AAAA-AAAA")
	register(t, b, "BBBB-BBBB")

	// The client-supplied from field is overwritten with the
	// authenticated identity.
	err := a.WriteJSON(&models.Envelope{
		Type:    models.TypeCiphertext,
		From:    "SPOOFED-ID",
		To:      "BBBB-BBBB",
		MsgID:   "m1",
		Payload: json.RawMessage(`{"blob":{}}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	env := readFrame(t, b)
	if env.Type != models.TypeCiphertext || env.MsgID != "m1" {
		t.Fatalf("unexpected frame %+v", env)
	}
	if env.From != "AAAA-AAAA" {
		t.Fatalf("sender identity not enforced: %s", env.From)
	}
}

func TestRoutedFrameBeforeRegisterRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)

	a := dialWS(t, srv, "AAAA-AAAA")
	err := a.WriteJSON(&models.Envelope{Type: models.TypeCiphertext, To: "BBBB-BBBB", MsgID: "m1"})
	if err != nil {
		t.Fatal(err)
	}

	env := readFrame(t, a)
	if env.Type != models.TypeError {
		t.Fatalf("expected error frame, got %s", env.Type)
	}
}

func TestOfflineQueueDrainedOnPull(t *testing.T) {
	srv, st, _ := newTestServer(t)

	a := dialWS(t, srv, "AAAA-AAAA")
	register(t, a, "AAAA-AAAA")

	// B is offline; the message is queued server-side.
	err := a.WriteJSON(&models.Envelope{
		Type:    models.TypeCiphertext,
		To:      "BBBB-BBBB",
		MsgID:   "m1",
		Payload: json.RawMessage(`{"blob":{}}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Wait until the frame lands in the queue before B connects.
	deadline := time.Now().Add(5 * time.Second)
	for st.queueLen("BBBB-BBBB") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never queued")
		}
		time.Sleep(10 * time.Millisecond)
	}

	b := dialWS(t, srv, "BBBB-BBBB")
	register(t, b, "BBBB-BBBB")
	if err := b.WriteJSON(&models.Envelope{Type: models.TypePullQueue}); err != nil {
		t.Fatal(err)
	}

	queued := readFrame(t, b)
	if queued.Type != models.TypeQueued {
		t.Fatalf("expected queued frame, got %s", queued.Type)
	}
	var inner models.Envelope
	if err := json.Unmarshal(queued.Payload, &inner); err != nil {
		t.Fatal(err)
	}
	if inner.MsgID != "m1" || inner.From != "AAAA-AAAA" {
		t.Fatalf("unexpected queued envelope %+v", inner)
	}

	if end := readFrame(t, b); end.Type != models.TypeQueueEnd {
		t.Fatalf("expected queueEnd, got %s", end.Type)
	}
}

func TestLookupOverWS(t *testing.T) {
	srv, st, _ := newTestServer(t)

	a := dialWS(t, srv, "AAAA-AAAA")
	register(t, a, "AAAA-AAAA")

	if err := a.WriteJSON(&models.Envelope{Type: models.TypeLookup, Target: "cccc-dddd"}); err != nil {
		t.Fatal(err)
	}
	env := readFrame(t, a)
	if env.Type != models.TypeLookupResult || env.Target != "CCCC-DDDD" {
		t.Fatalf("unexpected frame %+v", env)
	}
	if env.Found == nil || *env.Found {
		t.Fatal("unknown peer reported found")
	}

	// After a bundle publish the same lookup succeeds.
	if err := st.UpsertKeyBundle(context.Background(), "CCCC-DDDD", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteJSON(&models.Envelope{Type: models.TypeLookup, Target: "CCCC-DDDD"}); err != nil {
		t.Fatal(err)
	}
	env = readFrame(t, a)
	if env.Found == nil || !*env.Found {
		t.Fatal("published peer not found")
	}
}

func TestUnknownFrameTypeGetsError(t *testing.T) {
	srv, _, _ := newTestServer(t)

	a := dialWS(t, srv, "AAAA-AAAA")
	register(t, a, "AAAA-AAAA")

	if err := a.WriteJSON(&models.Envelope{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	if env := readFrame(t, a); env.Type != models.TypeError {
		t.Fatalf("expected error frame, got %s", env.Type)
	}
}
