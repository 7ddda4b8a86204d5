// Package orderid holds the typed identifier spaces used across the
// connector. Orders live in two key spaces at once: the caller-assigned
// client order id (the primary local key) and the venue-assigned exchange
// order id (recovered after placement). Keeping them as distinct types stops
// the two from being mixed up at call sites.
package orderid

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// ClientOrderID is the caller-assigned identifier for an order. It must be
// unique per account+market combination and is stable for the order's
// lifetime.
type ClientOrderID string

// ExchangeOrderID is the identifier the venue assigns once an order is
// accepted on the book.
type ExchangeOrderID string

// MarketID names a perp market on the venue (its on-chain address).
type MarketID string

// AccountID names a venue account (its on-chain address).
type AccountID string

func (c ClientOrderID) String() string   { return string(c) }
func (e ExchangeOrderID) String() string { return string(e) }
func (m MarketID) String() string        { return string(m) }
func (a AccountID) String() string       { return string(a) }

var ErrEmptyClientOrderID = errors.New("orderid: client order id is empty")

// Validate reports whether the id is usable as a primary key.
func (c ClientOrderID) Validate() error {
	if strings.TrimSpace(string(c)) == "" {
		return ErrEmptyClientOrderID
	}
	return nil
}

// Expiry tag jitter window, in seconds past now. The venue does not
// understand client order ids natively, so each placement embeds a
// time-to-live that doubles as a correlation token: it must be far enough in
// the future that the order does not expire under us, and random enough that
// two near-simultaneous placements never collide.
const (
	expiryJitterMinSeconds = 3600
	expiryJitterMaxSeconds = 7200
)

// MaxExpiryWindow is the longest lifetime a placement's embedded expiry tag
// can encode past its creation instant.
const MaxExpiryWindow = expiryJitterMaxSeconds * time.Second

// ExpiryTag is the time-windowed token embedded in a placement instruction
// and echoed back by the venue's open-orders listing. It is a unix timestamp
// in seconds.
type ExpiryTag int64

// NewExpiryTag derives a tag from now plus a random jitter inside the
// multi-hour window.
func NewExpiryTag(now time.Time) ExpiryTag {
	jitter := expiryJitterMinSeconds + rand.Int64N(expiryJitterMaxSeconds-expiryJitterMinSeconds+1)
	return ExpiryTag(now.Unix() + jitter)
}

func (t ExpiryTag) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// Time returns the expiry instant the tag encodes.
func (t ExpiryTag) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

// ParseExpiryTag decodes the venue's string form of the tag.
func ParseExpiryTag(s string) (ExpiryTag, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return ExpiryTag(v), nil
}
