package feed

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
)

// Sender is the subscription side of a transport.
type Sender interface {
	Subscribe(keys []string, mode models.Mode) error
	Unsubscribe(keys []string) error
}

// Registry tracks what every consumer wants and reconciles the union into
// the minimal set of transport calls.
//
// Per consumer and instrument the registry keeps the set of requested modes.
// An instrument's ref-count is the number of consumers with a non-empty set,
// and its effective mode is the highest mode any consumer requested.
type Registry struct {
	mu      sync.Mutex
	// consumer -> key -> requested modes
	desired map[string]map[string]map[models.Mode]struct{}
	// key -> mode currently held at the transport
	sent    map[string]models.Mode
	sender  Sender
	logger  zerolog.Logger
	metrics *Metrics
}

// NewRegistry creates an empty registry. Until Attach is called it only
// records desired state.
func NewRegistry(logger zerolog.Logger, metrics *Metrics) *Registry {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Registry{
		desired: make(map[string]map[string]map[models.Mode]struct{}),
		sent:    make(map[string]models.Mode),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe records that consumerID wants keys at mode and sends whatever is
// new at the transport. Repeating the same request sends nothing.
func (r *Registry) Subscribe(consumerID string, keys []string, mode models.Mode) error {
	if mode == models.ModeNone {
		return fmt.Errorf("subscribe %s: mode is required", consumerID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byKey, ok := r.desired[consumerID]
	if !ok {
		byKey = make(map[string]map[models.Mode]struct{})
		r.desired[consumerID] = byKey
	}
	for _, k := range keys {
		modes, ok := byKey[k]
		if !ok {
			modes = make(map[models.Mode]struct{})
			byKey[k] = modes
		}
		modes[mode] = struct{}{}
	}

	return r.reconcileLocked(keys)
}

// Unsubscribe withdraws consumerID's request for keys at mode. The transport
// only unsubscribes an instrument once no consumer still wants it.
func (r *Registry) Unsubscribe(consumerID string, keys []string, mode models.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byKey, ok := r.desired[consumerID]
	if !ok {
		return nil
	}
	for _, k := range keys {
		modes, ok := byKey[k]
		if !ok {
			continue
		}
		delete(modes, mode)
		if len(modes) == 0 {
			delete(byKey, k)
		}
	}
	if len(byKey) == 0 {
		delete(r.desired, consumerID)
	}

	return r.reconcileLocked(keys)
}

// ReleaseConsumer drops every subscription held by consumerID.
func (r *Registry) ReleaseConsumer(consumerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byKey, ok := r.desired[consumerID]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	delete(r.desired, consumerID)

	return r.reconcileLocked(keys)
}

// Attach binds the registry to a freshly connected transport and replays the
// full desired set. Whatever the transport held before is assumed lost.
func (r *Registry) Attach(sender Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sender = sender
	r.sent = make(map[string]models.Mode)
	r.metrics.Subscribed.Set(0)
	return r.replayLocked()
}

// Detach marks the transport as gone. Desired state is kept for the next Attach.
func (r *Registry) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sender = nil
	r.sent = make(map[string]models.Mode)
	r.metrics.Subscribed.Set(0)
}

// Replay re-sends the whole desired set over the attached transport.
func (r *Registry) Replay() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replayLocked()
}

func (r *Registry) replayLocked() error {
	if r.sender == nil {
		return nil
	}

	groups := make(map[models.Mode][]string)
	for k, m := range r.effectiveAllLocked() {
		groups[m] = append(groups[m], k)
	}

	var firstErr error
	for _, mode := range []models.Mode{models.ModeTicker, models.ModeQuote, models.ModeFull} {
		keys := groups[mode]
		if len(keys) == 0 {
			continue
		}
		sort.Strings(keys)
		if err := r.sendSubscribe(keys, mode); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// reconcileLocked diffs the effective mode of keys against what the transport
// holds and sends the net difference.
func (r *Registry) reconcileLocked(keys []string) error {
	if r.sender == nil {
		return nil
	}

	subscribe := make(map[models.Mode][]string)
	var unsubscribe []string
	seen := make(map[string]struct{}, len(keys))

	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		eff := r.effectiveLocked(k)
		cur := r.sent[k]
		switch {
		case eff == cur:
		case eff == models.ModeNone:
			unsubscribe = append(unsubscribe, k)
		default:
			subscribe[eff] = append(subscribe[eff], k)
		}
	}

	var firstErr error
	if len(unsubscribe) > 0 {
		sort.Strings(unsubscribe)
		if err := r.sendUnsubscribe(unsubscribe); err != nil {
			firstErr = err
		}
	}
	for _, mode := range []models.Mode{models.ModeTicker, models.ModeQuote, models.ModeFull} {
		ks := subscribe[mode]
		if len(ks) == 0 {
			continue
		}
		sort.Strings(ks)
		if err := r.sendSubscribe(ks, mode); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) sendSubscribe(keys []string, mode models.Mode) error {
	if err := r.sender.Subscribe(keys, mode); err != nil {
		r.metrics.TransportCalls.WithLabelValues("subscribe", "error").Inc()
		r.logger.Warn().Err(err).Int("count", len(keys)).Str("mode", mode.String()).Msg("Subscribe failed")
		return apperrors.NewTransportError("subscribe", "", err)
	}
	r.metrics.TransportCalls.WithLabelValues("subscribe", "ok").Inc()
	for _, k := range keys {
		r.sent[k] = mode
	}
	r.metrics.Subscribed.Set(float64(len(r.sent)))
	r.logger.Debug().Int("count", len(keys)).Str("mode", mode.String()).Msg("Subscribed")
	return nil
}

func (r *Registry) sendUnsubscribe(keys []string) error {
	if err := r.sender.Unsubscribe(keys); err != nil {
		r.metrics.TransportCalls.WithLabelValues("unsubscribe", "error").Inc()
		r.logger.Warn().Err(err).Int("count", len(keys)).Msg("Unsubscribe failed")
		return apperrors.NewTransportError("unsubscribe", "", err)
	}
	r.metrics.TransportCalls.WithLabelValues("unsubscribe", "ok").Inc()
	for _, k := range keys {
		delete(r.sent, k)
	}
	r.metrics.Subscribed.Set(float64(len(r.sent)))
	r.logger.Debug().Int("count", len(keys)).Msg("Unsubscribed")
	return nil
}

func (r *Registry) effectiveLocked(key string) models.Mode {
	eff := models.ModeNone
	for _, byKey := range r.desired {
		for m := range byKey[key] {
			eff = models.MaxMode(eff, m)
		}
	}
	return eff
}

func (r *Registry) effectiveAllLocked() map[string]models.Mode {
	out := make(map[string]models.Mode)
	for _, byKey := range r.desired {
		for k, modes := range byKey {
			for m := range modes {
				out[k] = models.MaxMode(out[k], m)
			}
		}
	}
	return out
}

// Effective returns the mode the transport should hold for key.
func (r *Registry) Effective(key string) models.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveLocked(key)
}

// RefCount returns how many consumers want key.
func (r *Registry) RefCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, byKey := range r.desired {
		if len(byKey[key]) > 0 {
			n++
		}
	}
	return n
}

// Desired returns the effective mode of every wanted instrument.
func (r *Registry) Desired() map[string]models.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveAllLocked()
}

// Transmitted returns what the transport currently holds.
func (r *Registry) Transmitted() map[string]models.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]models.Mode, len(r.sent))
	for k, m := range r.sent {
		out[k] = m
	}
	return out
}

// Attached reports whether a transport is bound.
func (r *Registry) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sender != nil
}
