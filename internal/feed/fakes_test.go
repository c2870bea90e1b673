package feed

import (
	"context"
	"errors"
	"sync"

	"kite-terminal/internal/models"
)

type call struct {
	op   string
	keys []string
	mode models.Mode
}

// fakeTransport records subscription calls and lets tests drive ticks and drops.
type fakeTransport struct {
	mu           sync.Mutex
	calls        []call
	connectErrs  []error
	connects     int
	closed       bool
	subErr       error
	onTick       func(models.TickRecord)
	onDisconnect func(error)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return ctx.Err()
}

func (f *fakeTransport) Subscribe(keys []string, mode models.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.calls = append(f.calls, call{op: "subscribe", keys: append([]string(nil), keys...), mode: mode})
	return nil
}

func (f *fakeTransport) Unsubscribe(keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "unsubscribe", keys: append([]string(nil), keys...)})
	return nil
}

func (f *fakeTransport) OnTick(h func(models.TickRecord)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTick = h
}

func (f *fakeTransport) OnDisconnect(h func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = h
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) tick(rec models.TickRecord) {
	f.mu.Lock()
	h := f.onTick
	f.mu.Unlock()
	h(rec)
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	h := f.onDisconnect
	f.mu.Unlock()
	h(errors.New("connection reset"))
}

func (f *fakeTransport) snapshotCalls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) count(op string) int {
	n := 0
	for _, c := range f.snapshotCalls() {
		if c.op == op {
			n++
		}
	}
	return n
}

// fakeSource serves snapshots from a fixed map or fails.
type fakeSource struct {
	records map[string]models.TickRecord
	err     error
	block   bool
}

func (s *fakeSource) Snapshot(ctx context.Context, keys []string) (map[string]models.TickRecord, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}
