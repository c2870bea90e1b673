package models

import "time"

// Field identifies one optional value carried by a TickRecord.
type Field uint32

const (
	FieldLTP Field = 1 << iota
	FieldOpen
	FieldHigh
	FieldLow
	FieldClose
	FieldVolume
	FieldOpenInterest
	FieldBestBid
	FieldBestAsk
	FieldDepth
	FieldPercentChange
	FieldNetChange
	FieldLastTradeTime
)

// AllFields is the union of every tick field.
const AllFields = FieldLTP | FieldOpen | FieldHigh | FieldLow | FieldClose | FieldVolume |
	FieldOpenInterest | FieldBestBid | FieldBestAsk | FieldDepth | FieldPercentChange |
	FieldNetChange | FieldLastTradeTime

// DepthLevels is the number of order book levels carried per side.
const DepthLevels = 5

// DepthItem is one order book level.
type DepthItem struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

// Depth is the 5-level market depth.
type Depth struct {
	Buy  [DepthLevels]DepthItem `json:"buy"`
	Sell [DepthLevels]DepthItem `json:"sell"`
}

// TickRecord is the latest known market data for one instrument.
// Set records which fields hold a value; a field absent from Set is unknown,
// not zero. The same type carries partial updates.
type TickRecord struct {
	InstrumentKey string    `json:"instrument_key"`
	Set           Field     `json:"-"`
	LTP           float64   `json:"ltp"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	Volume        int64     `json:"volume"`
	OpenInterest  int64     `json:"open_interest"`
	BestBid       float64   `json:"best_bid"`
	BestAsk       float64   `json:"best_ask"`
	Depth         Depth     `json:"depth"`
	PercentChange float64   `json:"percent_change"`
	NetChange     float64   `json:"net_change"`
	LastTradeTime time.Time `json:"last_trade_time"`
}

// Has reports whether every field in f is present.
func (r TickRecord) Has(f Field) bool {
	return r.Set&f == f
}

// Empty reports whether the record carries no field.
func (r TickRecord) Empty() bool {
	return r.Set == 0
}

// Merge overlays the fields present in u onto r. Fields u does not carry are
// left untouched.
func (r TickRecord) Merge(u TickRecord) TickRecord {
	return r.overlay(u, u.Set)
}

// Floor fills only the fields r does not yet hold from s. Used for seeding
// from a snapshot so that fresher live values win.
func (r TickRecord) Floor(s TickRecord) TickRecord {
	return r.Refresh(s, r.Set)
}

// Refresh takes every field of s except those in keep, which stay as r holds
// them. A newer snapshot uses it to replace older snapshot values.
func (r TickRecord) Refresh(s TickRecord, keep Field) TickRecord {
	return r.overlay(s, s.Set&^(keep&r.Set))
}

func (r TickRecord) overlay(u TickRecord, mask Field) TickRecord {
	if r.InstrumentKey == "" {
		r.InstrumentKey = u.InstrumentKey
	}
	if mask&FieldLTP != 0 {
		r.LTP = u.LTP
	}
	if mask&FieldOpen != 0 {
		r.Open = u.Open
	}
	if mask&FieldHigh != 0 {
		r.High = u.High
	}
	if mask&FieldLow != 0 {
		r.Low = u.Low
	}
	if mask&FieldClose != 0 {
		r.Close = u.Close
	}
	if mask&FieldVolume != 0 {
		r.Volume = u.Volume
	}
	if mask&FieldOpenInterest != 0 {
		r.OpenInterest = u.OpenInterest
	}
	if mask&FieldBestBid != 0 {
		r.BestBid = u.BestBid
	}
	if mask&FieldBestAsk != 0 {
		r.BestAsk = u.BestAsk
	}
	if mask&FieldDepth != 0 {
		r.Depth = u.Depth
	}
	if mask&FieldPercentChange != 0 {
		r.PercentChange = u.PercentChange
	}
	if mask&FieldNetChange != 0 {
		r.NetChange = u.NetChange
	}
	if mask&FieldLastTradeTime != 0 {
		r.LastTradeTime = u.LastTradeTime
	}
	r.Set |= mask
	return r
}

// TickBuilder builds a partial TickRecord one field at a time.
type TickBuilder struct {
	rec TickRecord
}

// NewTick starts a partial record for key.
func NewTick(key string) *TickBuilder {
	return &TickBuilder{rec: TickRecord{InstrumentKey: key}}
}

func (b *TickBuilder) LTP(v float64) *TickBuilder {
	b.rec.LTP, b.rec.Set = v, b.rec.Set|FieldLTP
	return b
}

func (b *TickBuilder) OHLC(open, high, low, close float64) *TickBuilder {
	b.rec.Open, b.rec.High, b.rec.Low, b.rec.Close = open, high, low, close
	b.rec.Set |= FieldOpen | FieldHigh | FieldLow | FieldClose
	return b
}

func (b *TickBuilder) Open(v float64) *TickBuilder {
	b.rec.Open, b.rec.Set = v, b.rec.Set|FieldOpen
	return b
}

func (b *TickBuilder) High(v float64) *TickBuilder {
	b.rec.High, b.rec.Set = v, b.rec.Set|FieldHigh
	return b
}

func (b *TickBuilder) Low(v float64) *TickBuilder {
	b.rec.Low, b.rec.Set = v, b.rec.Set|FieldLow
	return b
}

func (b *TickBuilder) Close(v float64) *TickBuilder {
	b.rec.Close, b.rec.Set = v, b.rec.Set|FieldClose
	return b
}

func (b *TickBuilder) Volume(v int64) *TickBuilder {
	b.rec.Volume, b.rec.Set = v, b.rec.Set|FieldVolume
	return b
}

func (b *TickBuilder) OpenInterest(v int64) *TickBuilder {
	b.rec.OpenInterest, b.rec.Set = v, b.rec.Set|FieldOpenInterest
	return b
}

func (b *TickBuilder) BidAsk(bid, ask float64) *TickBuilder {
	b.rec.BestBid, b.rec.BestAsk = bid, ask
	b.rec.Set |= FieldBestBid | FieldBestAsk
	return b
}

// Depth sets the book and derives best bid/ask from the top level.
func (b *TickBuilder) Depth(d Depth) *TickBuilder {
	b.rec.Depth, b.rec.Set = d, b.rec.Set|FieldDepth
	if d.Buy[0].Price > 0 {
		b.rec.BestBid, b.rec.Set = d.Buy[0].Price, b.rec.Set|FieldBestBid
	}
	if d.Sell[0].Price > 0 {
		b.rec.BestAsk, b.rec.Set = d.Sell[0].Price, b.rec.Set|FieldBestAsk
	}
	return b
}

func (b *TickBuilder) PercentChange(v float64) *TickBuilder {
	b.rec.PercentChange, b.rec.Set = v, b.rec.Set|FieldPercentChange
	return b
}

func (b *TickBuilder) NetChange(v float64) *TickBuilder {
	b.rec.NetChange, b.rec.Set = v, b.rec.Set|FieldNetChange
	return b
}

func (b *TickBuilder) LastTradeTime(t time.Time) *TickBuilder {
	if t.IsZero() {
		return b
	}
	b.rec.LastTradeTime, b.rec.Set = t, b.rec.Set|FieldLastTradeTime
	return b
}

// Build returns the accumulated record.
func (b *TickBuilder) Build() TickRecord {
	return b.rec
}
