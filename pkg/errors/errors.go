package apperrors

import "errors"

// Gateway errors
var (
	ErrTransientGateway  = errors.New("transient gateway error")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrDelisted          = errors.New("symbol delisted")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrOrderRejected     = errors.New("order rejected")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrOrderNotFound     = errors.New("order not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrSourceUnavailable = errors.New("signal source unavailable")
)

// Workload errors
var (
	ErrSlippageExceeded = errors.New("slippage exceeded")
)

// Engine errors
var (
	ErrHistoryCorruption    = errors.New("history corruption")
	ErrNonDeterminism       = errors.New("non-deterministic workflow")
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrInstanceExists       = errors.New("instance already exists")
	ErrInstanceNotRunning   = errors.New("instance not running")
	ErrUnknownWorkflow      = errors.New("unknown workflow")
	ErrUnknownActivity      = errors.New("unknown activity")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrTransientGateway, "TransientGatewayError"},
	{ErrInvalidSymbol, "InvalidSymbol"},
	{ErrDelisted, "Delisted"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrDuplicateOrder, "DuplicateOrder"},
	{ErrOrderRejected, "OrderRejected"},
	{ErrInvalidOrder, "InvalidOrder"},
	{ErrOrderNotFound, "OrderNotFound"},
	{ErrRateLimitExceeded, "RateLimitExceeded"},
	{ErrSourceUnavailable, "SourceUnavailable"},
	{ErrSlippageExceeded, "SlippageExceeded"},
	{ErrNonDeterminism, "NonDeterminism"},
	{ErrHistoryCorruption, "HistoryCorruption"},
	{ErrSchedulerUnavailable, "SchedulerUnavailable"},
	{ErrInstanceNotFound, "InstanceNotFound"},
	{ErrInstanceExists, "InstanceExists"},
	{ErrInstanceNotRunning, "InstanceNotRunning"},
	{ErrUnknownWorkflow, "UnknownWorkflow"},
	{ErrUnknownActivity, "UnknownActivity"},
}

// Kind returns a stable name for the first known sentinel in err's chain.
// Unknown errors are reported as "Error".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Error"
}

// IsTerminal reports whether retrying the failed call can never succeed.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrDelisted) ||
		errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrSlippageExceeded) ||
		errors.Is(err, ErrHistoryCorruption) ||
		errors.Is(err, ErrUnknownActivity)
}

// FromKind returns the sentinel named by kind, or nil when the kind is unknown
func FromKind(kind string) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
