package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/logging"
	"kite-terminal/internal/models"
)

// QuoteClient is the part of the Kite REST client used for snapshots.
type QuoteClient interface {
	GetQuote(instruments ...string) (kiteconnect.Quote, error)
}

// MarginsClient is the part of the Kite REST client used for funds.
type MarginsClient interface {
	GetUserMargins() (kiteconnect.AllMargins, error)
}

// NewKiteClient creates an authenticated Kite Connect REST client.
func NewKiteClient(apiKey, accessToken string) *kiteconnect.Client {
	client := kiteconnect.New(apiKey)
	client.SetAccessToken(accessToken)
	return client
}

// KiteQuoteSource serves snapshots from the Kite quote endpoint.
type KiteQuoteSource struct {
	client QuoteClient
	logger zerolog.Logger
}

// NewKiteQuoteSource creates a snapshot source over client.
func NewKiteQuoteSource(client QuoteClient, logger zerolog.Logger) *KiteQuoteSource {
	return &KiteQuoteSource{client: client, logger: logging.WithComponent(logger, "kite-quote")}
}

// Snapshot fetches the latest quote for keys. A key whose security id is a
// numeric instrument token is requested by token, others by key.
func (s *KiteQuoteSource) Snapshot(ctx context.Context, keys []string) (map[string]models.TickRecord, error) {
	requested := make([]string, 0, len(keys))
	byRequest := make(map[string]string, len(keys))
	for _, key := range keys {
		id := key
		if token, ok := parseToken(key); ok {
			id = strconv.FormatUint(uint64(token), 10)
		}
		requested = append(requested, id)
		byRequest[id] = key
	}

	start := time.Now()
	quotes, err := callWithContext(ctx, func() (kiteconnect.Quote, error) {
		return s.client.GetQuote(requested...)
	})
	logging.LogAPICall(s.logger, "GET", "/quote", time.Since(start), err)
	if err != nil {
		return nil, apperrors.NewTransportError("snapshot", "kite/quote", err)
	}

	out := make(map[string]models.TickRecord, len(quotes))
	for id, q := range quotes {
		key, ok := byRequest[id]
		if !ok {
			continue
		}
		out[key] = models.NewTick(key).
			LTP(q.LastPrice).
			OHLC(q.OHLC.Open, q.OHLC.High, q.OHLC.Low, q.OHLC.Close).
			Volume(int64(q.Volume)).
			NetChange(q.NetChange).
			LastTradeTime(q.LastTradeTime.Time).
			Build()
	}
	return out, nil
}

// KiteFundsSource reads account limits from Kite user margins. Kite reports
// one equity segment, which backs both intraday and overnight products.
type KiteFundsSource struct {
	client MarginsClient
	logger zerolog.Logger
	now    func() time.Time
}

// NewKiteFundsSource creates a funds source over client.
func NewKiteFundsSource(client MarginsClient, logger zerolog.Logger) *KiteFundsSource {
	return &KiteFundsSource{client: client, logger: logging.WithComponent(logger, "kite-funds"), now: time.Now}
}

// Funds fetches the current limits.
func (s *KiteFundsSource) Funds(ctx context.Context) (models.FundsSnapshot, error) {
	start := time.Now()
	margins, err := callWithContext(ctx, s.client.GetUserMargins)
	logging.LogAPICall(s.logger, "GET", "/user/margins", time.Since(start), err)
	if err != nil {
		return models.FundsSnapshot{}, apperrors.NewTransportError("funds", "kite/margins", err)
	}

	equity := models.SegmentFunds{
		AvailableLimit: margins.Equity.Available.Cash + margins.Equity.Available.Collateral,
		UsedLimit:      margins.Equity.Used.Debits,
	}
	return models.FundsSnapshot{
		Intraday:  equity,
		Overnight: equity,
		FetchedAt: s.now(),
	}, nil
}

// callWithContext runs a blocking SDK call and gives up when ctx ends.
// The call itself keeps running until the SDK's own HTTP timeout.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
