package broker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
)

// fakeBackend routes the backend REST contract onto handler funcs.
type fakeBackend struct {
	router *mux.Router
	server *httptest.Server

	mu       sync.Mutex
	lastAuth string
	lastBody string
}

func (fb *fakeBackend) last() (auth, body string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.lastAuth, fb.lastBody
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{router: mux.NewRouter()}
	fb.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			fb.mu.Lock()
			fb.lastAuth = r.Header.Get("Authorization")
			fb.lastBody = string(data)
			fb.mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	fb.server = httptest.NewServer(fb.router)
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) handle(method, path string, status int, body string) {
	fb.router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}).Methods(method)
}

func (fb *fakeBackend) client() *BackendClient {
	return NewBackendClient(fb.server.URL+"/", "secret", time.Second, zerolog.Nop())
}

func TestBackendClient_Snapshot(t *testing.T) {
	fb := newFakeBackend(t)
	fb.handle(http.MethodPost, "/snapshot", http.StatusOK, `{"data":{
		"NSE:2885":{"ltp":2500.5,"close":2450,"volume":1200},
		"NSE:1594":{"ltp":1500}
	}}`)

	got, err := fb.client().Snapshot(context.Background(), []string{"NSE:2885", "NSE:1594"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	rel := got["NSE:2885"]
	assert.Equal(t, "NSE:2885", rel.InstrumentKey)
	assert.Equal(t, 2500.5, rel.LTP)
	assert.Equal(t, 2450.0, rel.Close)
	assert.Equal(t, int64(1200), rel.Volume)
	assert.True(t, rel.Has(models.FieldLTP|models.FieldClose|models.FieldVolume))
	assert.False(t, rel.Has(models.FieldOpen))

	assert.False(t, got["NSE:1594"].Has(models.FieldClose))
	auth, body := fb.last()
	assert.Equal(t, "Bearer secret", auth)
	assert.JSONEq(t, `{"instruments":["NSE:2885","NSE:1594"]}`, body)
}

func TestBackendClient_Funds(t *testing.T) {
	fb := newFakeBackend(t)
	fb.handle(http.MethodGet, "/funds", http.StatusOK, `{
		"intraday":{"available_limit":50000,"used_limit":12000},
		"overnight":{"available_limit":20000,"used_limit":0}
	}`)

	f, err := fb.client().Funds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 38000.0, f.Intraday.FreeLimit())
	assert.Equal(t, 20000.0, f.For(models.Overnight).AvailableLimit)
	assert.False(t, f.FetchedAt.IsZero())
}

func TestBackendClient_ReadFailuresAreTransport(t *testing.T) {
	fb := newFakeBackend(t)
	fb.handle(http.MethodGet, "/funds", http.StatusBadGateway, `upstream down`)

	_, err := fb.client().Funds(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))

	down := NewBackendClient("http://127.0.0.1:1", "", 200*time.Millisecond, zerolog.Nop())
	_, err = down.Snapshot(context.Background(), []string{"NSE:1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
}

func TestBackendClient_UpdateRejectedVerbatim(t *testing.T) {
	fb := newFakeBackend(t)
	fb.handle(http.MethodPut, "/orders/{id}", http.StatusUnprocessableEntity, `{"message":"stop loss outside circuit"}`)

	err := fb.client().Update(context.Background(), "o-1", models.OrderUpdate{Action: "adjust", StopLoss: 1})
	var me *apperrors.MutationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "o-1", me.OrderID)
	assert.Equal(t, "adjust", me.Action)
	assert.Equal(t, http.StatusUnprocessableEntity, me.Status)
	assert.Equal(t, "stop loss outside circuit", me.Message)
	assert.False(t, me.Unknown)
}

func TestBackendClient_UpdateSendsOnlySetFields(t *testing.T) {
	fb := newFakeBackend(t)
	fb.handle(http.MethodPut, "/orders/{id}", http.StatusNoContent, ``)

	err := fb.client().Update(context.Background(), "o-1", models.OrderUpdate{Action: "hold", Status: models.StatusHold, CameFrom: models.StatusOpen})
	require.NoError(t, err)
	_, body := fb.last()
	assert.JSONEq(t, `{"action":"hold","status":"HOLD","came_from":"OPEN"}`, body)
}

func TestBackendClient_UndecodableAnswerIsUnknown(t *testing.T) {
	fb := newFakeBackend(t)
	fb.handle(http.MethodPost, "/orders", http.StatusCreated, `{not json`)

	_, err := fb.client().Place(context.Background(), models.Order{ID: "o-9"})
	var me *apperrors.MutationError
	require.ErrorAs(t, err, &me)
	assert.True(t, me.Unknown)
}

func TestBackendClient_PlaceAndExitAll(t *testing.T) {
	fb := newFakeBackend(t)
	fb.handle(http.MethodPost, "/orders", http.StatusCreated, `{"id":"srv-1","status":"OPEN","quantity":25}`)
	fb.handle(http.MethodPost, "/orders/exit-all", http.StatusOK, `{"results":[
		{"order_id":"a","ok":true},
		{"order_id":"b","ok":false,"message":"already squared off"}
	]}`)

	c := fb.client()
	placed, err := c.Place(context.Background(), models.Order{Quantity: 25})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", placed.ID)

	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	results, err := c.ExitAll(context.Background(), map[string]models.ClosePrice{
		"a": {Price: 101, ClosedAt: at},
		"b": {Price: 99, ClosedAt: at},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.Equal(t, "already squared off", results[1].Message)
	_, body := fb.last()
	assert.Contains(t, body, `"orders"`)
}

func TestBackendClient_OrderNotFound(t *testing.T) {
	fb := newFakeBackend(t)
	fb.handle(http.MethodGet, "/orders/{id}", http.StatusNotFound, `{"error":"no such order"}`)
	fb.handle(http.MethodGet, "/orders", http.StatusOK, `[{"id":"a","status":"OPEN"}]`)

	c := fb.client()
	_, err := c.Order(context.Background(), "zz")
	assert.ErrorIs(t, err, apperrors.ErrDataNotFound)

	orders, err := c.Orders(context.Background(), models.StatusOpen)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "a", orders[0].ID)
}

func TestBackendClient_DeadlineIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	fb := newFakeBackend(t)
	fb.router.HandleFunc("/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-r.Context().Done()
	}).Methods(http.MethodPut)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := fb.client().Update(ctx, "o-1", models.OrderUpdate{Action: "exit"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBackendClient_DroppedAfterSendIsUnknown(t *testing.T) {
	fb := newFakeBackend(t)
	fb.router.HandleFunc("/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}).Methods(http.MethodPut)

	err := fb.client().Update(context.Background(), "o-1", models.OrderUpdate{Action: "exit"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNoResponse)

	down := NewBackendClient("http://127.0.0.1:1", "", 200*time.Millisecond, zerolog.Nop())
	err = down.Update(context.Background(), "o-1", models.OrderUpdate{Action: "exit"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrNoResponse)
}
