package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnServer(t *testing.T, b *Broadcaster, sheetID string) (*httptest.Server, chan *Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn("test-client", ws, nil)
		b.Subscribe(sheetID, conn)
		conns <- conn
		conn.Run()
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func TestConn_DeliversPublishedFrames(t *testing.T) {
	b := NewBroadcaster(nil)
	srv, conns := newConnServer(t, b, "S1")
	client := dial(t, srv)
	defer client.Close()
	<-conns

	n, err := b.Publish("S1", map[string]string{"type": "sheet_update", "sheetId": "S1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sheet_update","sheetId":"S1"}`, string(data))
}

func TestConn_ClientDisconnectUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	srv, conns := newConnServer(t, b, "S1")
	client := dial(t, srv)
	conn := <-conns
	require.Equal(t, 1, b.Subscribers("S1"))

	require.NoError(t, client.Close())

	select {
	case <-conn.done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after client disconnect")
	}
	assert.Eventually(t, func() bool { return b.Subscribers("S1") == 0 }, time.Second, 10*time.Millisecond)
	assert.False(t, conn.Send([]byte("late")))
}

func TestConn_ServerCloseSendsCloseFrame(t *testing.T) {
	b := NewBroadcaster(nil)
	srv, conns := newConnServer(t, b, "S1")
	client := dial(t, srv)
	defer client.Close()
	conn := <-conns

	b.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.False(t, conn.Open())
	assert.Zero(t, b.Subscribers("S1"))
}

func TestConn_OnCloseAfterCloseRunsImmediately(t *testing.T) {
	b := NewBroadcaster(nil)
	srv, conns := newConnServer(t, b, "S1")
	client := dial(t, srv)
	defer client.Close()
	conn := <-conns

	conn.Close()
	conn.Close()

	ran := false
	conn.OnClose(func() { ran = true })
	assert.True(t, ran)
}
