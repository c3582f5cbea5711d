package models

import (
	"fmt"
	"strings"
	"time"
)

// Domain identifies one of the market-data streams tracked by the relay.
type Domain int

const (
	DomainTicker Domain = iota
	DomainTrade
	DomainOrderbook
)

// Domains lists every domain in a stable order.
var Domains = []Domain{DomainTicker, DomainTrade, DomainOrderbook}

func (d Domain) String() string {
	switch d {
	case DomainTicker:
		return "ticker"
	case DomainTrade:
		return "trade"
	case DomainOrderbook:
		return "orderbook"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// Valid reports whether d is one of the known domains.
func (d Domain) Valid() bool {
	return d >= DomainTicker && d <= DomainOrderbook
}

// ParseDomain accepts the lower or upper case domain name.
func ParseDomain(s string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ticker":
		return DomainTicker, nil
	case "trade":
		return DomainTrade, nil
	case "orderbook":
		return DomainOrderbook, nil
	default:
		return 0, fmt.Errorf("unknown domain %q", s)
	}
}

// MarshalText renders the domain as its lower case name.
func (d Domain) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Source tells whether a value arrived on the realtime feed or the polling path.
type Source string

const (
	SourceRealtime Source = "realtime"
	SourcePoll     Source = "poll"
)

// Health is the fallback state of a domain.
type Health int

const (
	Healthy Health = iota
	Degraded
)

func (h Health) String() string {
	if h == Degraded {
		return "DEGRADED"
	}
	return "HEALTHY"
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// FallbackSignal is fired once when a domain turns stale.
type FallbackSignal struct {
	Domain              Domain
	LastKnownUpdateTime time.Time
}

// StateChange is published on every Healthy/Degraded transition.
type StateChange struct {
	Domain     Domain    `json:"domain"`
	State      Health    `json:"state"`
	At         time.Time `json:"at"`
	LastUpdate time.Time `json:"last_update"`
}
