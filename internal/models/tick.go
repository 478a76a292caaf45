package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidPair is returned when a pair is not in BASE/QUOTE form
var ErrInvalidPair = errors.New("invalid pair")

var pairPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}/[A-Z0-9]{3,10}$`)

// Tick represents one price observation for a trading pair
type Tick struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	Change24h decimal.Decimal `json:"change_24h"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"` // feed, warmer

	// ExchangeTime is the upstream's own event time when it sends one.
	// Timestamp is always the local receive time so feed and warmer ticks
	// order on one clock.
	ExchangeTime *time.Time `json:"exchange_time,omitempty"`
}

// Age returns how old the tick is relative to now
func (t Tick) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}

// NewerThan reports whether t supersedes other for the same pair
func (t Tick) NewerThan(other Tick) bool {
	return t.Timestamp.After(other.Timestamp)
}

// ValidatePair checks BASE/QUOTE syntax: uppercase alphanumerics,
// 2-10 chars base and 3-10 chars quote.
func ValidatePair(pair string) error {
	if !pairPattern.MatchString(pair) {
		return fmt.Errorf("%w: %q", ErrInvalidPair, pair)
	}
	return nil
}

// ParsePairs splits a comma-separated list, trims whitespace, drops
// duplicates and validates every entry. An empty list is an error.
func ParsePairs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: no pairs given", ErrInvalidPair)
	}
	return NormalizePairs(strings.Split(raw, ","))
}

// NormalizePairs validates and de-duplicates an already split list
func NormalizePairs(list []string) ([]string, error) {
	seen := make(map[string]struct{}, len(list))
	pairs := make([]string, 0, len(list))
	for _, p := range list {
		p = strings.TrimSpace(p)
		if err := ValidatePair(p); err != nil {
			return nil, err
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		pairs = append(pairs, p)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no pairs given", ErrInvalidPair)
	}
	return pairs, nil
}
