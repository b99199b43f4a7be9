package models

import "time"

// ListenKey identifies a private user-data stream.
type ListenKey struct {
	Token       string
	IssuedAt    time.Time
	RenewedAt   time.Time
	RenewBy     time.Time
	ExpiryAfter time.Duration
}

// NewListenKey returns a key issued at now that must be renewed within expiry.
func NewListenKey(token string, now time.Time, expiry time.Duration) ListenKey {
	return ListenKey{
		Token:       token,
		IssuedAt:    now,
		RenewedAt:   now,
		RenewBy:     now.Add(expiry),
		ExpiryAfter: expiry,
	}
}

// Renewed returns the key with its validity extended from now.
func (k ListenKey) Renewed(now time.Time) ListenKey {
	k.RenewedAt = now
	k.RenewBy = now.Add(k.ExpiryAfter)
	return k
}

// Age is the time since the last successful issue or renewal.
func (k ListenKey) Age(now time.Time) time.Duration {
	return now.Sub(k.RenewedAt)
}

func (k ListenKey) Expired(now time.Time) bool {
	return !now.Before(k.RenewBy)
}

func (k ListenKey) IsZero() bool {
	return k.Token == ""
}
