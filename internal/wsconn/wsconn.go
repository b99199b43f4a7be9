// Package wsconn holds the websocket plumbing shared by the market feed and
// the private account stream.
package wsconn

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"cryptotrader/internal/rest"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	controlWriteTimeout     = time.Second
)

type Options struct {
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the silence between two frames (pings included).
	ReadTimeout time.Duration
	BindIP      string
}

// Dial opens a websocket bound to the configured local address. The
// handshake never blocks longer than HandshakeTimeout.
func Dial(ctx context.Context, url string, opts Options) (*websocket.Conn, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		NetDialContext:   rest.Dialer(opts.BindIP).DialContext,
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, err
	}
	armReadDeadline(conn, opts.ReadTimeout)
	return conn, nil
}

// armReadDeadline extends the read deadline on every ping and pong so an
// idle but healthy stream is not mistaken for a dead one.
func armReadDeadline(conn *websocket.Conn, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(timeout)) }
	extend()
	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
}

// ExtendRead pushes the read deadline after a data frame.
func ExtendRead(conn *websocket.Conn, timeout time.Duration) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

// CloseOnDone closes conn once ctx ends, unblocking a pending read. The
// returned func stops the watcher without closing.
func CloseOnDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(controlWriteTimeout))
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
