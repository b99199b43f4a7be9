package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer upgrades every request and hands the server side to handle.
func wsServer(t *testing.T, handle func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", Options{HandshakeTimeout: 200 * time.Millisecond})
	require.Error(t, err)
}

func TestReadDeadlineFiresOnSilence(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	url := wsServer(t, func(*websocket.Conn) { <-release })

	conn, err := Dial(context.Background(), url, Options{ReadTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPingsKeepStreamAlive(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn) {
		for i := 0; i < 5; i++ {
			time.Sleep(30 * time.Millisecond)
			if err := c.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)); err != nil {
				return
			}
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"ok":true}`))
		time.Sleep(100 * time.Millisecond)
	})

	conn, err := Dial(context.Background(), url, Options{ReadTimeout: 80 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err, "pings should extend the read deadline")
	assert.JSONEq(t, `{"ok":true}`, string(msg))
}

func TestCloseOnDoneUnblocksRead(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	url := wsServer(t, func(*websocket.Conn) { <-release })

	conn, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stop := CloseOnDone(ctx, conn)
	defer stop()

	done := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadMessage()
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read was not unblocked by cancellation")
	}
}
