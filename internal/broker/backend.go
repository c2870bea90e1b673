package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/logging"
	"kite-terminal/internal/models"
)

// BackendClient talks to the terminal execution backend over REST. It serves
// snapshots, funds and the order contract.
type BackendClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger
	now     func() time.Time
}

// NewBackendClient creates a client for baseURL. A zero timeout means 5 seconds.
func NewBackendClient(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *BackendClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logging.WithComponent(logger, "backend"),
		now:     time.Now,
	}
}

// statusError is a non-2xx backend answer.
type statusError struct {
	Status  int
	Message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// errUndecodable marks a 2xx answer whose body could not be read back.
var errUndecodable = apperrors.New("undecodable response")

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *BackendClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := wire.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	// Once the request is written the backend may have acted on it, so a
	// later failure leaves the outcome unknown.
	var wrote atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		logging.LogAPICall(c.logger, method, path, time.Since(start), err)
		if wrote.Load() {
			err = fmt.Errorf("%w: %w", apperrors.ErrNoResponse, err)
		}
		return apperrors.NewTransportError(strings.ToLower(method), path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	logging.LogAPICall(c.logger, method, path, time.Since(start), err)
	if err != nil {
		return apperrors.NewTransportError(strings.ToLower(method), path, fmt.Errorf("%w: %w", apperrors.ErrNoResponse, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := wire.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w from %s %s: %v", errUndecodable, method, path, err)
	}
	return nil
}

func errorMessage(status int, body []byte) string {
	var eb errorBody
	if err := wire.Unmarshal(body, &eb); err == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return http.StatusText(status)
}

// readError maps a failed read call. Rejections are meaningless for reads,
// so every failure is a transport problem.
func readError(op, path string, err error) error {
	if apperrors.IsTransport(err) {
		return err
	}
	return apperrors.NewTransportError(op, path, err)
}

// mutationError maps a failed order call. A status answer becomes a
// verbatim MutationError and an accepted call with an unreadable answer has
// an unknown outcome. Anything else is passed through for the coordinator
// to classify.
func mutationError(orderID, action string, err error) error {
	if se, ok := err.(*statusError); ok {
		return &apperrors.MutationError{OrderID: orderID, Action: action, Status: se.Status, Message: se.Message}
	}
	if apperrors.Is(err, errUndecodable) {
		return &apperrors.MutationError{OrderID: orderID, Action: action, Message: "backend answer unreadable", Unknown: true, Err: err}
	}
	return err
}

type snapshotRequest struct {
	Instruments []string `json:"instruments"`
}

type snapshotResponse struct {
	Data map[string]gatewayTick `json:"data"`
}

// Snapshot fetches the latest record for keys in one round trip.
func (c *BackendClient) Snapshot(ctx context.Context, keys []string) (map[string]models.TickRecord, error) {
	var resp snapshotResponse
	if err := c.do(ctx, http.MethodPost, "/snapshot", snapshotRequest{Instruments: keys}, &resp); err != nil {
		return nil, readError("snapshot", "/snapshot", err)
	}

	out := make(map[string]models.TickRecord, len(resp.Data))
	for key, tick := range resp.Data {
		tick.Instrument = key
		out[key] = tick.record()
	}
	return out, nil
}

// Funds fetches the account limits.
func (c *BackendClient) Funds(ctx context.Context) (models.FundsSnapshot, error) {
	var f models.FundsSnapshot
	if err := c.do(ctx, http.MethodGet, "/funds", nil, &f); err != nil {
		return models.FundsSnapshot{}, readError("funds", "/funds", err)
	}
	f.FetchedAt = c.now()
	return f, nil
}

// Orders lists the account's orders, optionally filtered by status.
func (c *BackendClient) Orders(ctx context.Context, status models.Status) ([]models.Order, error) {
	path := "/orders"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var orders []models.Order
	if err := c.do(ctx, http.MethodGet, path, nil, &orders); err != nil {
		return nil, readError("orders", "/orders", err)
	}
	return orders, nil
}

// Order fetches one order.
func (c *BackendClient) Order(ctx context.Context, orderID string) (models.Order, error) {
	var o models.Order
	path := "/orders/" + url.PathEscape(orderID)
	if err := c.do(ctx, http.MethodGet, path, nil, &o); err != nil {
		var se *statusError
		if apperrors.As(err, &se) && se.Status == http.StatusNotFound {
			return models.Order{}, apperrors.NewOrderError(orderID, "get", "not found", apperrors.ErrDataNotFound)
		}
		return models.Order{}, readError("order", path, err)
	}
	return o, nil
}

// Place creates a new order and returns the backend's copy.
func (c *BackendClient) Place(ctx context.Context, o models.Order) (models.Order, error) {
	var placed models.Order
	if err := c.do(ctx, http.MethodPost, "/orders", o, &placed); err != nil {
		return models.Order{}, mutationError(o.ID, "place", err)
	}
	return placed, nil
}

// Update applies an adjust, exit, reopen, hold or resume to an order.
func (c *BackendClient) Update(ctx context.Context, orderID string, u models.OrderUpdate) error {
	path := "/orders/" + url.PathEscape(orderID)
	if err := c.do(ctx, http.MethodPut, path, u, nil); err != nil {
		return mutationError(orderID, u.Action, err)
	}
	return nil
}

type exitAllRequest struct {
	Orders map[string]models.ClosePrice `json:"orders"`
}

type exitAllResponse struct {
	Results []models.ExitResult `json:"results"`
}

// ExitAll closes every order in closes in one call.
func (c *BackendClient) ExitAll(ctx context.Context, closes map[string]models.ClosePrice) ([]models.ExitResult, error) {
	var resp exitAllResponse
	if err := c.do(ctx, http.MethodPost, "/orders/exit-all", exitAllRequest{Orders: closes}, &resp); err != nil {
		return nil, mutationError("", "exit_all", err)
	}
	return resp.Results, nil
}
