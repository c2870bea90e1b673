// Package models provides the core data models shared by the feed, pricing and order layers.
package models

import (
	"fmt"
	"strings"
)

// Exchange represents a trading exchange segment.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO"
	CDS Exchange = "CDS"
	MCX Exchange = "MCX"
)

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide parses a side string case-insensitively.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Product represents the margin product an order is held under.
type Product string

const (
	Intraday  Product = "INTRADAY"
	Overnight Product = "OVERNIGHT"
)

// Valid reports whether p is a known product.
func (p Product) Valid() bool {
	return p == Intraday || p == Overnight
}

// ParseProduct parses a product string. MIS and NRML/CNC are accepted as aliases.
func ParseProduct(s string) (Product, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INTRADAY", "MIS":
		return Intraday, nil
	case "OVERNIGHT", "NRML", "CNC":
		return Overnight, nil
	default:
		return "", fmt.Errorf("unknown product %q", s)
	}
}

// Status represents the lifecycle bucket of an order.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusHold   Status = "HOLD"
	StatusClosed Status = "CLOSED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusHold, StatusClosed:
		return true
	}
	return false
}

// CanTransition reports whether a regular lifecycle move from s to next is allowed.
// The CLOSED -> OPEN back-edge is not a regular move; it is only reachable through Reopen.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusHold || next == StatusClosed
	case StatusHold:
		return next == StatusOpen || next == StatusClosed
	default:
		return false
	}
}

// Mode is the requested richness of a feed subscription.
// Modes are ordered: ModeTicker < ModeQuote < ModeFull.
type Mode int

const (
	ModeNone Mode = iota
	ModeTicker
	ModeQuote
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModeTicker:
		return "ticker"
	case ModeQuote:
		return "quote"
	case ModeFull:
		return "full"
	default:
		return "none"
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ticker", "ltp":
		return ModeTicker, nil
	case "quote":
		return ModeQuote, nil
	case "full":
		return ModeFull, nil
	default:
		return ModeNone, fmt.Errorf("unknown mode %q", s)
	}
}

// MaxMode returns the richer of two modes.
func MaxMode(a, b Mode) Mode {
	if a > b {
		return a
	}
	return b
}

// InstrumentKey builds the cache key for an instrument from its segment and security id.
func InstrumentKey(exchange Exchange, securityID string) string {
	return string(exchange) + ":" + securityID
}

// SplitInstrumentKey splits a key built by InstrumentKey.
func SplitInstrumentKey(key string) (Exchange, string, bool) {
	seg, id, ok := strings.Cut(key, ":")
	if !ok || seg == "" || id == "" {
		return "", "", false
	}
	return Exchange(seg), id, true
}
