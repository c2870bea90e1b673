// Package display derives view state from the tick cache on a fixed cadence.
package display

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kite-terminal/internal/feed"
	"kite-terminal/internal/models"
)

// Cadence bounds (20 Hz .. 5 Hz).
const (
	MinInterval = 50 * time.Millisecond
	MaxInterval = 200 * time.Millisecond
)

// Criticality selects a cadence for a view.
type Criticality int

const (
	Critical Criticality = iota
	Standard
	Background
)

// Cadences maps each criticality to a refresh interval.
type Cadences struct {
	Critical   time.Duration
	Standard   time.Duration
	Background time.Duration
}

// DefaultCadences returns 20 Hz, 10 Hz and 5 Hz.
func DefaultCadences() Cadences {
	return Cadences{
		Critical:   50 * time.Millisecond,
		Standard:   100 * time.Millisecond,
		Background: 200 * time.Millisecond,
	}
}

// For returns the interval for level.
func (c Cadences) For(level Criticality) time.Duration {
	switch level {
	case Critical:
		return c.Critical
	case Background:
		return c.Background
	default:
		return c.Standard
	}
}

// ChangeFunc receives the states that changed in one cycle.
type ChangeFunc func(changed []models.DisplayState)

// ProjectorConfig holds projector settings.
type ProjectorConfig struct {
	Keys       []string
	Interval   time.Duration
	StaleAfter time.Duration
	OnChange   ChangeFunc
}

// Projector periodically reads the cache for a fixed instrument set and
// publishes derived display state. It never blocks on I/O.
type Projector struct {
	cache      feed.Reader
	keys       []string
	interval   time.Duration
	staleAfter time.Duration
	onChange   ChangeFunc
	now        func() time.Time

	mu     sync.RWMutex
	states map[string]models.DisplayState

	runMu    sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewProjector validates cfg and creates a stopped projector.
func NewProjector(cache feed.Reader, cfg ProjectorConfig) (*Projector, error) {
	if cfg.Interval < MinInterval || cfg.Interval > MaxInterval {
		return nil, fmt.Errorf("projector interval %s outside %s..%s", cfg.Interval, MinInterval, MaxInterval)
	}
	keys := append([]string(nil), cfg.Keys...)
	sort.Strings(keys)

	return &Projector{
		cache:      cache,
		keys:       keys,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		onChange:   cfg.OnChange,
		now:        time.Now,
		states:     make(map[string]models.DisplayState, len(keys)),
	}, nil
}

// Start runs the cadence loop until Stop or ctx cancellation. Calling Start
// twice has no effect.
func (p *Projector) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.done != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.loop(ctx, p.done)
}

func (p *Projector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle()
		}
	}
}

// Stop ends the loop and waits for it to exit.
func (p *Projector) Stop() {
	p.stopOnce.Do(func() {
		p.runMu.Lock()
		cancel, done := p.cancel, p.done
		if done == nil {
			// never started; mark so a later Start is a no-op
			p.done = make(chan struct{})
			close(p.done)
		}
		p.runMu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
	})
}

// cycle derives every tracked instrument once and reports whether anything changed.
func (p *Projector) cycle() bool {
	now := p.now()
	var changed []models.DisplayState

	p.mu.Lock()
	for _, k := range p.keys {
		e, ok := p.cache.Get(k)
		next := Derive(k, e, ok, now, p.staleAfter)
		prev, seen := p.states[k]
		if seen && sameTracked(prev, next) {
			continue
		}
		p.states[k] = next
		changed = append(changed, next)
	}
	p.mu.Unlock()

	if len(changed) > 0 && p.onChange != nil {
		p.onChange(changed)
	}
	return len(changed) > 0
}

// State returns the most recent derived state for key.
func (p *Projector) State(key string) (models.DisplayState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.states[key]
	return s, ok
}

// States returns every derived state ordered by key.
func (p *Projector) States() []models.DisplayState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.DisplayState, 0, len(p.keys))
	for _, k := range p.keys {
		if s, ok := p.states[k]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Keys returns the instruments this projector tracks.
func (p *Projector) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Derive computes the display state for one cache entry.
//
// percentChange, when the feed did not send it, is (ltp-close)/close*100,
// using open when close is unknown. netChange, when absent, is
// ltp*percentChange/100 if the feed sent percentChange, otherwise the
// difference from close (or open).
func Derive(key string, e feed.Entry, ok bool, now time.Time, staleAfter time.Duration) models.DisplayState {
	s := models.DisplayState{InstrumentKey: key}
	if !ok {
		s.Placeholder = true
		return s
	}

	r := e.Record
	s.UpdatedAt = e.UpdatedAt
	s.Open, s.High, s.Low, s.Close = r.Open, r.High, r.Low, r.Close
	s.BestBid, s.BestAsk = r.BestBid, r.BestAsk
	s.Volume, s.OpenInterest = r.Volume, r.OpenInterest
	s.Stale = staleAfter > 0 && now.Sub(e.UpdatedAt) > staleAfter

	if !r.Has(models.FieldLTP) {
		s.Placeholder = true
		return s
	}
	s.LTP = r.LTP

	ref := referencePrice(r)

	switch {
	case r.Has(models.FieldPercentChange):
		s.PercentChange = r.PercentChange
	case ref > 0:
		s.PercentChange = (r.LTP - ref) / ref * 100
	}

	switch {
	case r.Has(models.FieldNetChange):
		s.NetChange = r.NetChange
	case r.Has(models.FieldPercentChange):
		s.NetChange = r.LTP * r.PercentChange / 100
	case ref > 0:
		s.NetChange = r.LTP - ref
	}

	return s
}

func referencePrice(r models.TickRecord) float64 {
	if r.Has(models.FieldClose) && r.Close > 0 {
		return r.Close
	}
	if r.Has(models.FieldOpen) && r.Open > 0 {
		return r.Open
	}
	return 0
}

func sameTracked(a, b models.DisplayState) bool {
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a == b
}
