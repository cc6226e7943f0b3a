// ABOUTME: Tests for the websocket transport against an in-process server.
// ABOUTME: Covers credential attachment, the event stream ordering, and silent send drops.

package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsServer upgrades one connection and hands it to fn.
func wsServer(t *testing.T, fn func(ws *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		fn(ws, r)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func nextEvent(t *testing.T, conn *Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		require.True(t, ok, "event channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return Event{}
	}
}

func TestDialAttachesIdentity(t *testing.T) {
	var gotDevice, gotAuth string
	url := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		gotDevice = r.URL.Query().Get("deviceId")
		gotAuth = r.Header.Get("Authorization")
		ws.Close()
	})

	conn, err := Dial(context.Background(), url, "dev-1", "tok-1", testLogger())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, EventOpened, nextEvent(t, conn).Kind)
	assert.Equal(t, "dev-1", gotDevice)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestDialWithoutCredentialOmitsHeader(t *testing.T) {
	var gotAuth string
	url := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		ws.Close()
	})

	conn, err := Dial(context.Background(), url, "dev-1", "", testLogger())
	require.NoError(t, err)
	defer conn.Close()

	nextEvent(t, conn)
	assert.Empty(t, gotAuth, "first-ever run has no credential to attach")
}

func TestEventStreamOrdering(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"HEARTBEAT_ACK"}`)))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "controller restart"),
			time.Now().Add(time.Second))
		ws.Close()
	})

	conn, err := Dial(context.Background(), url, "dev-1", "", testLogger())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, EventOpened, nextEvent(t, conn).Kind)

	frame := nextEvent(t, conn)
	require.Equal(t, EventFrame, frame.Kind)
	assert.JSONEq(t, `{"type":"HEARTBEAT_ACK"}`, string(frame.Frame))

	closed := nextEvent(t, conn)
	require.Equal(t, EventClosed, closed.Kind)
	assert.Equal(t, websocket.CloseGoingAway, closed.Code)

	_, more := <-conn.Events()
	assert.False(t, more, "event channel must close after the terminal event")
	assert.False(t, conn.IsOpen())
}

func TestSendAfterCloseIsSilentDrop(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		// Hold the connection until the client closes.
		ws.ReadMessage()
		ws.Close()
	})

	conn, err := Dial(context.Background(), url, "dev-1", "", testLogger())
	require.NoError(t, err)

	require.Equal(t, EventOpened, nextEvent(t, conn).Kind)
	require.NoError(t, conn.Send(map[string]string{"type": "HEARTBEAT"}))

	conn.Close()
	assert.NoError(t, conn.Send(map[string]string{"type": "HEARTBEAT"}),
		"sends on a closed connection are dropped, not errors")

	// Drain to the terminal event.
	for range conn.Events() {
	}
}

func TestServerSideDrop(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		// Abrupt close without a close handshake.
		ws.UnderlyingConn().Close()
	})

	conn, err := Dial(context.Background(), url, "dev-1", "", testLogger())
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, EventOpened, nextEvent(t, conn).Kind)

	// An abnormal drop surfaces as Errored then Closed.
	ev := nextEvent(t, conn)
	if ev.Kind == EventErrored {
		ev = nextEvent(t, conn)
	}
	assert.Equal(t, EventClosed, ev.Kind)
}
