package channel

import (
	"context"
	"sync"
	"time"

	"cryptotrader/logger"
	"cryptotrader/models"
)

type ChannelStats struct {
	MarketSent     int64
	AccountSent    int64
	MarketBlocked  int64
	AccountBlocked int64
}

// Channels carries events from the feed and the account session to the
// trade engine. Sends block instead of dropping so that no update is lost
// and per-source order is preserved.
type Channels struct {
	Market  chan models.MarketEvent
	Account chan models.AccountEvent

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(marketBufferSize, accountBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Market:  make(chan models.MarketEvent, marketBufferSize),
		Account: make(chan models.AccountEvent, accountBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"market_buffer_size":  marketBufferSize,
		"account_buffer_size": accountBufferSize,
	}).Info("event channels initialized")

	return c
}

// Close closes both channels. Only call it once every producer has stopped.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Market)
		close(c.Account)
		c.log.WithComponent("channels").Info("event channels closed")
	})
}

func (c *Channels) SendMarket(ctx context.Context, evt models.MarketEvent) error {
	select {
	case c.Market <- evt:
		c.count(func(s *ChannelStats) { s.MarketSent++ })
		return nil
	default:
	}
	c.count(func(s *ChannelStats) { s.MarketBlocked++ })
	select {
	case c.Market <- evt:
		c.count(func(s *ChannelStats) { s.MarketSent++ })
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channels) SendAccount(ctx context.Context, evt models.AccountEvent) error {
	select {
	case c.Account <- evt:
		c.count(func(s *ChannelStats) { s.AccountSent++ })
		return nil
	default:
	}
	c.count(func(s *ChannelStats) { s.AccountBlocked++ })
	select {
	case c.Account <- evt:
		c.count(func(s *ChannelStats) { s.AccountSent++ })
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channels) count(f func(*ChannelStats)) {
	c.statsMutex.Lock()
	f(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs queue depth and send statistics until ctx ends.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := c.log.WithComponent("channels")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			log.WithFields(logger.Fields{
				"market_len":      len(c.Market),
				"account_len":     len(c.Account),
				"market_sent":     stats.MarketSent,
				"account_sent":    stats.AccountSent,
				"market_blocked":  stats.MarketBlocked,
				"account_blocked": stats.AccountBlocked,
			}).Debug("channel stats")
			if stats.MarketBlocked > 0 {
				log.LogMetric("channels", "market_blocked_sends", stats.MarketBlocked, "counter", nil)
			}
		}
	}
}
