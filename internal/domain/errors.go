package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// AuthError is returned on a passphrase mismatch. Terminal, no side effects.
type AuthError struct {
	Remote string // caller address, for the log line only
}

func (e *AuthError) Error() string {
	return "unauthorized"
}

func (e *AuthError) IsRetriable() bool {
	return false
}

// GatewayError wraps a failed exchange call. The trade path recovers from
// these locally (fallback defaults or a skip decision) where it can.
type GatewayError struct {
	Op        string // Operation that failed (e.g., "price", "place_order")
	Err       error  // Underlying error
	Retriable bool   // Whether a retry could help (transport vs. rejection)
}

func (e *GatewayError) Error() string {
	return "gateway " + e.Op + ": " + e.Err.Error()
}

func (e *GatewayError) IsRetriable() bool {
	return e.Retriable
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a retriable gateway error (transport failure)
func NewGatewayError(op string, err error) *GatewayError {
	return &GatewayError{Op: op, Err: err, Retriable: true}
}

// NewGatewayRejection creates a non-retriable gateway error (the exchange
// understood the request and said no)
func NewGatewayRejection(op string, err error) *GatewayError {
	return &GatewayError{Op: op, Err: err, Retriable: false}
}

// PersistenceError wraps a failed settings-store read or write. Always
// retriable; the write queue absorbs these and never surfaces them to the
// trade path.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) IsRetriable() bool {
	return true
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SizingRejected means the computed trade fell below the execution floor
// (minimum notional, zero balance). Not a failure: the caller gets a
// success-shaped "Skipped" response and a log row is still written.
type SizingRejected struct {
	Reason string
}

func (e *SizingRejected) Error() string {
	return "skipped: " + e.Reason
}

func (e *SizingRejected) IsRetriable() bool {
	return false
}

var (
	// ErrUnknownCommand is returned by the control surface for a method
	// outside the allow list. Not retriable.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrUnsupportedQuote is returned when a symbol does not end in a
	// supported quote asset. Not retriable.
	ErrUnsupportedQuote = errors.New("unsupported quote asset")

	// ErrConfigNotFound is returned when the configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
