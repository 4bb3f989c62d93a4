package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/protocol"
	"github.com/inkdeck/inkdeck/backend/go/internal/v1/types"
)

// startServer exposes the hub on a real listener so tests can exercise the
// whole upgrade path with the production dialer instead of a fake conn.
func startServer(t *testing.T, hub *Hub) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", hub.ServeWs)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialWs(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", "http://localhost:5173")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(f)))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.Codec{}.Decode(data)
	require.NoError(t, err)
	return frame
}

func TestIntegrationSessionLifecycle(t *testing.T) {
	hub := newTestHub(t, newTestConfig())
	wsURL := startServer(t, hub)

	connA := dialWs(t, wsURL)
	writeFrame(t, connA, protocol.Connect{RoomID: "live-room", User: testUser("u1", "Ada"), Token: "t1"})

	syncA, ok := readFrame(t, connA).(protocol.SyncResponse)
	require.True(t, ok)
	require.Len(t, syncA.Participants, 1)
	assert.Equal(t, types.UserIDType("u1"), syncA.Participants[0].User.ID)

	connB := dialWs(t, wsURL)
	writeFrame(t, connB, protocol.Connect{RoomID: "live-room", User: testUser("u2", "Grace"), Token: "t2"})

	syncB, ok := readFrame(t, connB).(protocol.SyncResponse)
	require.True(t, ok)
	require.Len(t, syncB.Participants, 2)

	var aID, bID types.ClientIDType
	for _, p := range syncB.Participants {
		switch p.User.ID {
		case "u1":
			aID = p.ClientID
		case "u2":
			bID = p.ClientID
		}
	}
	require.NotEmpty(t, aID)
	require.NotEmpty(t, bID)

	join, ok := readFrame(t, connA).(protocol.Join)
	require.True(t, ok)
	assert.Equal(t, bID, join.ClientID)
	assert.Equal(t, types.UserIDType("u2"), join.User.ID)

	// B draws; A sees the delta stamped with B's client id, B does not.
	writeFrame(t, connB, protocol.Update{Delta: protocol.EncodeDelta([]byte("stroke"))})

	update, ok := readFrame(t, connA).(protocol.Update)
	require.True(t, ok)
	assert.Equal(t, bID, update.From)
	raw, err := protocol.DecodeDelta(update.Delta)
	require.NoError(t, err)
	assert.Equal(t, []byte("stroke"), raw)

	// Chat reaches the whole room, sender included.
	writeFrame(t, connB, protocol.Chat{UserName: "Grace", Message: "hello", Timestamp: 7})

	chatA, ok := readFrame(t, connA).(protocol.Chat)
	require.True(t, ok)
	assert.Equal(t, bID, chatA.ClientID)
	chatB, ok := readFrame(t, connB).(protocol.Chat)
	require.True(t, ok)
	assert.Equal(t, "hello", chatB.Message)

	// Heartbeats echo over the real socket.
	writeFrame(t, connA, protocol.Heartbeat{Timestamp: 42})
	beat, ok := readFrame(t, connA).(protocol.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, int64(42), beat.Timestamp)

	// A hangs up; B hears the departure.
	require.NoError(t, connA.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	leave, ok := readFrame(t, connB).(protocol.Leave)
	require.True(t, ok)
	assert.Equal(t, aID, leave.ClientID)
	assert.Equal(t, types.UserIDType("u1"), leave.UserID)
}

func TestIntegrationRejectsForbiddenOrigin(t *testing.T) {
	hub := newTestHub(t, newTestConfig())
	wsURL := startServer(t, hub)

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Nil(t, conn)
}

func TestIntegrationServerCloseFrameOnPolicyViolation(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxFrameBytes = 64
	hub := newTestHub(t, cfg)
	wsURL := startServer(t, hub)

	conn := dialWs(t, wsURL)
	oversize := strings.Repeat("x", 80)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(oversize)))

	// The read limit trips before the codec sees the frame, so the error
	// surfaces as a close frame rather than an error frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if assert.ErrorAs(t, err, &closeErr) {
				assert.Equal(t, websocket.CloseMessageTooBig, closeErr.Code)
			}
			return
		}
	}
}
