package engine

import "cryptotrader/models"

// Strategy decides which order actions follow an event. It reads the state
// but must not modify it. Place actions may leave ClientOrderID empty; the
// engine assigns one.
type Strategy interface {
	OnMarket(s *State, evt models.MarketEvent) []Action
	OnAccount(s *State, evt models.AccountEvent) []Action
}

// Idle never trades.
type Idle struct{}

func (Idle) OnMarket(*State, models.MarketEvent) []Action   { return nil }
func (Idle) OnAccount(*State, models.AccountEvent) []Action { return nil }
