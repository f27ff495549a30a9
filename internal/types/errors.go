package types

import "errors"

// Sentinel errors for the replay core.
var (
	// Validation errors
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidEventType  = errors.New("invalid event type")
	ErrInvalidDirection  = errors.New("direction must be +1 or -1")
	ErrInvalidStrength   = errors.New("signal strength must be in [0, 1]")
	ErrInvalidQuantity   = errors.New("order quantity must be positive")
	ErrInvalidCommission = errors.New("commission must be non-negative")
	ErrInvalidSpeed      = errors.New("speed factor must be positive")

	// State-machine errors
	ErrInvalidState = errors.New("operation not allowed in current state")
	ErrNotRunning   = errors.New("component is not running")

	// Engine errors
	ErrQueueFull      = errors.New("event queue full")
	ErrStopTimeout    = errors.New("worker did not stop within timeout")
	ErrNilHandler     = errors.New("handler must not be nil")
	ErrUnknownHandler = errors.New("unknown handler id")

	// Data errors
	ErrNoData          = errors.New("no data available")
	ErrMissingSymbol   = errors.New("market data unavailable for symbol")
	ErrInvalidPrice    = errors.New("invalid price value")
	ErrUnknownOrder    = errors.New("fill references unknown order")
	ErrDuplicateSource = errors.New("replay controller already bound under this name")
)
