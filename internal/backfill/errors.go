package backfill

import (
	"errors"
	"fmt"

	"candleflow/internal/market"
)

// ErrInvalidRange reports end <= start.
var ErrInvalidRange = errors.New("invalid range: end must be after start")

// UnsupportedTimeframeError reports a timeframe the provider does not serve.
type UnsupportedTimeframeError struct {
	Provider  string
	Timeframe market.Timeframe
}

func (e *UnsupportedTimeframeError) Error() string {
	return fmt.Sprintf("timeframe %s not supported by %s", e.Timeframe, e.Provider)
}

// FailedError reports an exhausted retry budget for a page fetch. Pages
// fetched before the failure were already merged and persisted, so a rerun
// resumes instead of restarting.
type FailedError struct {
	Provider string
	Symbol   string
	Attempts int
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("backfill %s on %s failed after %d attempts: %v",
		e.Symbol, e.Provider, e.Attempts, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }
