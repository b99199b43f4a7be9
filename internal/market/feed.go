package market

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cryptotrader/internal/fault"
	"cryptotrader/internal/metrics"
	"cryptotrader/internal/wsconn"
	"cryptotrader/logger"
	"cryptotrader/models"
)

type Options struct {
	URL              string
	Streams          []string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	MaxMalformed     int
	BindIP           string
	Metrics          *metrics.Metrics
	OnConnected      func(connected bool)
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Feed is one subscribed connection to the public market stream. Its event
// sequence ends with the connection; build a new Feed to reconnect.
type Feed struct {
	conn     *websocket.Conn
	opts     Options
	log      *logger.Entry
	consumed atomic.Bool
}

// Connect dials the stream endpoint and subscribes to the configured streams.
func Connect(ctx context.Context, opts Options) (*Feed, error) {
	if opts.URL == "" {
		return nil, fault.Errorf(fault.Config, "market.connect", "websocket url is required")
	}
	if opts.MaxMalformed <= 0 {
		opts.MaxMalformed = 5
	}
	log := logger.GetLogger().WithComponent("market_feed").WithFields(logger.Fields{
		"url":     opts.URL,
		"streams": opts.Streams,
	})

	conn, err := wsconn.Dial(ctx, opts.URL, wsconn.Options{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadTimeout:      opts.ReadTimeout,
		BindIP:           opts.BindIP,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.New(fault.Transport, "market.connect", err)
	}

	if len(opts.Streams) > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(opts.writeTimeout()))
		err := conn.WriteJSON(subscribeRequest{Method: "SUBSCRIBE", Params: opts.Streams, ID: 1})
		_ = conn.SetWriteDeadline(time.Time{})
		if err != nil {
			conn.Close()
			return nil, fault.New(fault.Transport, "market.subscribe", err)
		}
	}

	log.Info("market feed connected")
	return &Feed{conn: conn, opts: opts, log: log}, nil
}

func (o Options) writeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return 10 * time.Second
}

// Stream delivers events to sink in arrival order until the connection
// drops, too many consecutive frames are malformed, sink fails or ctx ends.
// It may be called once.
func (f *Feed) Stream(ctx context.Context, sink func(context.Context, models.MarketEvent) error) error {
	if !f.consumed.CompareAndSwap(false, true) {
		return fault.Errorf(fault.Protocol, "market.stream", "feed already consumed")
	}
	defer f.conn.Close()

	stop := wsconn.CloseOnDone(ctx, f.conn)
	defer stop()

	if f.opts.OnConnected != nil {
		f.opts.OnConnected(true)
		defer f.opts.OnConnected(false)
	}

	malformed := 0
	for {
		_, raw, err := f.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.WithError(err).Warn("market feed connection lost")
			return fault.New(fault.ConnectionLost, "market.read", err)
		}
		wsconn.ExtendRead(f.conn, f.opts.ReadTimeout)

		evt, ok, err := decodeFrame(raw)
		var rejected *subscriptionError
		if errors.As(err, &rejected) {
			f.log.WithError(err).Error("market subscription rejected")
			return fault.New(fault.Protocol, "market.subscribe", err)
		}
		if err != nil {
			malformed++
			f.log.WithError(err).WithField("consecutive", malformed).Warn("malformed market frame")
			if malformed >= f.opts.MaxMalformed {
				return fault.New(fault.Protocol, "market.read", err)
			}
			continue
		}
		malformed = 0
		if !ok {
			continue
		}

		f.opts.Metrics.MarketEvent()
		logger.IncrementMarketEvent(len(raw))
		if err := sink(ctx, evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Close releases the connection of a feed that was never streamed.
func (f *Feed) Close() error {
	return f.conn.Close()
}
