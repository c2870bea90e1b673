// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standard sentinel errors
var (
	ErrNotConnected      = errors.New("feed not connected")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrNoResponse        = errors.New("request sent, no response")
	ErrClosed            = errors.New("connection closed")
	ErrMarketClosed      = errors.New("market is closed")
	ErrUnauthorized      = errors.New("operation requires privileged role")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrZeroQuantity      = errors.New("total quantity is zero")
	ErrPriceUnavailable  = errors.New("current price unavailable")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDataNotFound      = errors.New("data not found")
	ErrDatabaseError     = errors.New("database error")
	ErrUnknownInstrument = errors.New("unknown instrument")
)

// TransportError represents a feed or REST endpoint that could not be reached.
// It is never fatal: the feed retries and REST reads degrade.
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport error [%s] %s: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transport error [%s]: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new TransportError.
func NewTransportError(op, endpoint string, err error) *TransportError {
	return &TransportError{
		Op:       op,
		Endpoint: endpoint,
		Err:      err,
	}
}

// StaleDataError describes a cache entry that is missing or too old to render.
// Readers surface it as a placeholder; it is never returned from a read path.
type StaleDataError struct {
	InstrumentKey string
	Age           time.Duration
	Missing       bool
}

func (e *StaleDataError) Error() string {
	if e.Missing {
		return fmt.Sprintf("stale data [%s]: no record", e.InstrumentKey)
	}
	return fmt.Sprintf("stale data [%s]: last update %s ago", e.InstrumentKey, e.Age.Round(time.Millisecond))
}

// RejectionKind classifies a validation failure.
type RejectionKind string

const (
	InvalidStopLoss   RejectionKind = "InvalidStopLoss"
	InvalidTarget     RejectionKind = "InvalidTarget"
	InsufficientFunds RejectionKind = "InsufficientFunds"
	InvalidQuantity   RejectionKind = "InvalidQuantity"
	PriceUnavailable  RejectionKind = "PriceUnavailable"
)

// ValidationError represents a locally recoverable rejection of a proposed change.
// It carries enough context for the user to correct the input.
type ValidationError struct {
	Kind      RejectionKind
	Field     string
	Value     float64
	Current   float64
	Required  float64
	Available float64
	Message   string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case InsufficientFunds:
		return fmt.Sprintf("validation error [%s]: %s (required: %.2f, available: %.2f)", e.Kind, e.Message, e.Required, e.Available)
	case InvalidStopLoss, InvalidTarget:
		return fmt.Sprintf("validation error [%s]: %s (%s: %.2f, current: %.2f)", e.Kind, e.Message, e.Field, e.Value, e.Current)
	default:
		return fmt.Sprintf("validation error [%s]: %s", e.Kind, e.Message)
	}
}

// Is lets errors.Is(err, ErrInsufficientFunds) and ErrPriceUnavailable match.
func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrInsufficientFunds:
		return e.Kind == InsufficientFunds
	case ErrPriceUnavailable:
		return e.Kind == PriceUnavailable
	}
	return false
}

// NewValidationError creates a new ValidationError.
func NewValidationError(kind RejectionKind, field string, value float64, message string) *ValidationError {
	return &ValidationError{
		Kind:    kind,
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Rejections is the set of validation failures found in one check.
type Rejections []*ValidationError

func (r Rejections) Error() string {
	parts := make([]string, 0, len(r))
	for _, v := range r {
		parts = append(parts, v.Error())
	}
	return strings.Join(parts, "; ")
}

// Has reports whether a rejection of kind k is present.
func (r Rejections) Has(k RejectionKind) bool {
	for _, v := range r {
		if v.Kind == k {
			return true
		}
	}
	return false
}

// Unwrap exposes the individual rejections to errors.Is and errors.As.
func (r Rejections) Unwrap() []error {
	errs := make([]error, len(r))
	for i, v := range r {
		errs[i] = v
	}
	return errs
}

// MutationError represents a change the execution backend rejected, or one whose
// outcome could not be observed. Mutations are never retried automatically.
type MutationError struct {
	OrderID string
	Action  string
	Status  int
	Message string
	Unknown bool
	Err     error
}

func (e *MutationError) Error() string {
	prefix := fmt.Sprintf("mutation error [%s] %s", e.OrderID, e.Action)
	if e.Unknown {
		prefix += " (outcome unknown)"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// NewMutationError creates a new MutationError.
func NewMutationError(orderID, action, message string, err error) *MutationError {
	return &MutationError{
		OrderID: orderID,
		Action:  action,
		Message: message,
		Err:     err,
	}
}

// OrderError represents a local precondition failure for an order operation.
type OrderError struct {
	OrderID string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s: %s: %v", e.OrderID, e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s: %s", e.OrderID, e.Action, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsRejections extracts validation rejections from err.
func AsRejections(err error) (Rejections, bool) {
	var r Rejections
	if errors.As(err, &r) {
		return r, true
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return Rejections{v}, true
	}
	return nil, false
}
