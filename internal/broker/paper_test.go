package broker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
)

func paperOrder(id string) models.Order {
	return models.Order{
		ID:            id,
		InstrumentKey: "NSE:2885",
		Exchange:      models.NSE,
		Side:          models.Buy,
		Product:       models.Intraday,
		Quantity:      10,
		Lots:          1,
		LotSize:       10,
		EntryPrice:    100,
	}
}

func TestPaperBackend_Lifecycle(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBackend(100000)

	placed, err := p.Place(ctx, paperOrder("a"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, placed.Status)
	assert.False(t, placed.CreatedAt.IsZero())

	f, err := p.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000, f.Intraday.UsedLimit, 1e-9)
	assert.InDelta(t, 99000, f.Intraday.FreeLimit(), 1e-9)

	require.NoError(t, p.Update(ctx, "a", models.OrderUpdate{Action: "adjust", Quantity: 20, Lots: 2, Price: 105, StopLoss: 90}))
	o, err := p.Order(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 20, o.Quantity)
	assert.Equal(t, 105.0, o.EntryPrice)
	assert.Equal(t, 90.0, o.StopLoss)

	require.NoError(t, p.Update(ctx, "a", models.OrderUpdate{Action: "hold", Status: models.StatusHold}))
	o, _ = p.Order(ctx, "a")
	assert.Equal(t, models.StatusHold, o.Status)
	assert.Equal(t, models.StatusOpen, o.CameFrom)

	closedAt := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.Update(ctx, "a", models.OrderUpdate{Action: "exit", Status: models.StatusClosed, ClosedPrice: 110, ClosedAt: &closedAt}))
	o, _ = p.Order(ctx, "a")
	assert.Equal(t, models.StatusClosed, o.Status)
	assert.Equal(t, 110.0, o.ClosedPrice)
	assert.Equal(t, closedAt, o.ClosedAt)

	f, _ = p.Funds(ctx)
	assert.InDelta(t, 0, f.Intraday.UsedLimit, 1e-9)

	require.NoError(t, p.Update(ctx, "a", models.OrderUpdate{Action: "reopen", Status: models.StatusOpen, CameFrom: models.StatusClosed}))
	o, _ = p.Order(ctx, "a")
	assert.Equal(t, models.StatusOpen, o.Status)
	assert.Zero(t, o.ClosedPrice)
	assert.True(t, o.ClosedAt.IsZero())
}

func TestPaperBackend_Rejections(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBackend(0)

	err := p.Update(ctx, "missing", models.OrderUpdate{Action: "exit", Status: models.StatusClosed})
	var me *apperrors.MutationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, http.StatusNotFound, me.Status)

	_, err = p.Place(ctx, paperOrder("a"))
	require.NoError(t, err)
	_, err = p.Place(ctx, paperOrder("a"))
	require.ErrorAs(t, err, &me)
	assert.Equal(t, http.StatusConflict, me.Status)

	require.NoError(t, p.Update(ctx, "a", models.OrderUpdate{Action: "exit", Status: models.StatusClosed, ClosedPrice: 99}))
	err = p.Update(ctx, "a", models.OrderUpdate{Action: "hold", Status: models.StatusHold})
	require.ErrorAs(t, err, &me)
	assert.Equal(t, http.StatusConflict, me.Status)

	err = p.Update(ctx, "a", models.OrderUpdate{Action: "adjust", Quantity: 20})
	require.ErrorAs(t, err, &me)

	_, err = p.Order(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrDataNotFound)
}

func TestPaperBackend_ExitAll(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBackend(0)
	for _, id := range []string{"a", "b"} {
		_, err := p.Place(ctx, paperOrder(id))
		require.NoError(t, err)
	}
	require.NoError(t, p.Update(ctx, "b", models.OrderUpdate{Action: "exit", Status: models.StatusClosed, ClosedPrice: 101}))

	now := time.Now()
	results, err := p.ExitAll(ctx, map[string]models.ClosePrice{
		"a": {Price: 102, ClosedAt: now},
		"b": {Price: 102, ClosedAt: now},
		"c": {Price: 102, ClosedAt: now},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, models.ExitResult{OrderID: "a", OK: true}, results[0])
	assert.False(t, results[1].OK)
	assert.Equal(t, "order is already closed", results[1].Message)
	assert.Equal(t, "order not found", results[2].Message)

	open, err := p.Orders(ctx, models.StatusOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := p.Orders(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPaperBackend_GeneratedIDsAndCancel(t *testing.T) {
	p := NewPaperBackend(0)
	first, err := p.Place(context.Background(), models.Order{Product: models.Overnight, Quantity: 1, EntryPrice: 1})
	require.NoError(t, err)
	second, err := p.Place(context.Background(), models.Order{Product: models.Overnight, Quantity: 1, EntryPrice: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Place(ctx, paperOrder("x"))
	assert.ErrorIs(t, err, context.Canceled)

	p.Reset(0)
	all, _ := p.Orders(context.Background(), "")
	assert.Empty(t, all)
}
