package broker

import (
	"fmt"
	"sync"
	"time"

	"kite-terminal/internal/models"
	"kite-terminal/pkg/utils"
)

// SegmentInfo describes the trading session of one exchange segment.
type SegmentInfo struct {
	Exchange     models.Exchange
	Description  string
	TradingHours TradingHours
	TickSize     float64
}

// TradingHours holds a session window as IST minutes since midnight.
// The window is inclusive of its open minute and exclusive of its close.
type TradingHours struct {
	MarketOpen  int
	MarketClose int
}

func hm(h, m int) int { return h*60 + m }

// DefaultSegments returns the standard Indian segment sessions.
func DefaultSegments() map[models.Exchange]SegmentInfo {
	equity := TradingHours{MarketOpen: hm(9, 15), MarketClose: hm(15, 30)}
	return map[models.Exchange]SegmentInfo{
		models.NSE: {Exchange: models.NSE, Description: "NSE Equity", TradingHours: equity, TickSize: 0.05},
		models.BSE: {Exchange: models.BSE, Description: "BSE Equity", TradingHours: equity, TickSize: 0.05},
		models.NFO: {Exchange: models.NFO, Description: "NSE Futures & Options", TradingHours: equity, TickSize: 0.05},
		models.CDS: {
			Exchange:     models.CDS,
			Description:  "Currency Derivatives",
			TradingHours: TradingHours{MarketOpen: hm(9, 0), MarketClose: hm(17, 0)},
			TickSize:     0.0025,
		},
		models.MCX: {
			Exchange:     models.MCX,
			Description:  "MCX Commodity",
			TradingHours: TradingHours{MarketOpen: hm(9, 0), MarketClose: hm(23, 30)},
			TickSize:     1.0,
		},
	}
}

// MarketCalendar answers whether a segment is trading. Weekends and the
// registered holidays are closed for every segment.
type MarketCalendar struct {
	segments map[models.Exchange]SegmentInfo
	holidays map[string]struct{}
	mu       sync.RWMutex
}

// NewMarketCalendar creates a calendar with the default sessions.
func NewMarketCalendar() *MarketCalendar {
	return &MarketCalendar{
		segments: DefaultSegments(),
		holidays: make(map[string]struct{}),
	}
}

// AddHoliday marks an IST calendar date (YYYY-MM-DD) as closed.
func (c *MarketCalendar) AddHoliday(date string) error {
	if _, err := time.ParseInLocation("2006-01-02", date, utils.IndiaLocation); err != nil {
		return fmt.Errorf("invalid holiday date %q: %w", date, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holidays[date] = struct{}{}
	return nil
}

// Segment returns the session info for exchange.
func (c *MarketCalendar) Segment(exchange models.Exchange) (SegmentInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.segments[exchange]
	return info, ok
}

// IsOpen reports whether exchange is in session at instant at.
func (c *MarketCalendar) IsOpen(exchange models.Exchange, at time.Time) bool {
	info, ok := c.Segment(exchange)
	if !ok {
		return false
	}
	if utils.IsWeekendIST(at) {
		return false
	}

	c.mu.RLock()
	_, holiday := c.holidays[at.In(utils.IndiaLocation).Format("2006-01-02")]
	c.mu.RUnlock()
	if holiday {
		return false
	}

	minute := utils.MinutesSinceMidnightIST(at)
	return minute >= info.TradingHours.MarketOpen && minute < info.TradingHours.MarketClose
}
