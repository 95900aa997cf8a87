// Package backfill downloads a complete, gap-free, deduplicated candle
// series over a time range through paginated provider requests, resuming
// from previously persisted output.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"candleflow/internal/market"
	"candleflow/internal/merge"
	"candleflow/internal/metrics"
	"candleflow/internal/preset"
	"candleflow/internal/provider"
	"candleflow/internal/sink"
	"candleflow/logger"
)

// Request describes one backfill job for a (symbol, timeframe) pair.
// Zero Start/End leave the corresponding bound open.
type Request struct {
	Symbol    string
	Timeframe market.Timeframe
	Start     time.Time
	End       time.Time
	// PageLimit overrides the per-page record count; it is clamped to the
	// provider preset's ceiling. Zero means the ceiling.
	PageLimit int
	// PriceRef selects a price reference variant (mark/index/last) on
	// providers that support one.
	PriceRef string
	// ExcludeOpenCandle drops the still-forming bar the provider may
	// return for the current bucket.
	ExcludeOpenCandle bool
	// StrictBounds clips the merged output to [Start, End).
	StrictBounds bool
	// Params is passed through to the provider on every page.
	Params map[string]any
}

// Options tune retry, pacing and the clock.
type Options struct {
	// MaxRetries is the retry budget per page fetch, on top of the first
	// attempt. Zero means no retries.
	MaxRetries int
	// BackoffBase seeds the exponential retry delay (base * 2^attempt,
	// jittered ±15 %).
	BackoffBase time.Duration
	// RequestsPerSecond paces page requests; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// Now is the wall clock used for open-candle exclusion.
	Now func() time.Time
}

// Engine runs backfill jobs against one provider and one sink. A single
// engine may serve concurrent jobs for different symbols: it keeps no
// per-job mutable state beyond the shared rate limiter.
type Engine struct {
	provider    provider.Provider
	sink        sink.Sink
	preset      preset.Preset
	limiter     *rate.Limiter
	maxRetries  int
	backoffBase time.Duration
	now         func() time.Time
	log         *logger.Log
}

func New(p provider.Provider, s sink.Sink, opts Options) *Engine {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 600 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Engine{
		provider:    p,
		sink:        s,
		preset:      preset.Resolve(p.ID()),
		limiter:     limiter,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		now:         opts.Now,
		log:         logger.GetLogger(),
	}
}

// Run executes the job and returns the final merged series, which is also
// persisted through the sink. Pages fetched before an error are merged and
// persisted first, so reruns resume rather than restart.
func (e *Engine) Run(ctx context.Context, req Request) ([]market.Candle, error) {
	log := e.log.WithComponent("backfill").WithFields(logger.Fields{
		"provider":  e.provider.ID(),
		"symbol":    req.Symbol,
		"timeframe": req.Timeframe.String(),
	})

	if err := e.checkTimeframe(ctx, req.Timeframe); err != nil {
		return nil, err
	}
	if !req.Start.IsZero() && !req.End.IsZero() && !req.End.After(req.Start) {
		return nil, fmt.Errorf("%w: start=%s end=%s", ErrInvalidRange,
			req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339))
	}

	stepMillis := req.Timeframe.Millis()

	// Existing output is the sole resume source. An unreadable file only
	// forfeits resumption, it does not abort the job.
	prior, err := e.sink.ReadCandles(ctx, req.Symbol, req.Timeframe)
	if err != nil {
		log.WithError(err).Warn("cannot read existing output, resume skipped")
		prior = nil
	}

	var cursor int64
	if !req.Start.IsZero() {
		cursor = req.Start.UnixMilli()
	}
	if len(prior) > 0 {
		resume := prior[len(prior)-1].Timestamp.UnixMilli() + stepMillis
		if resume > cursor {
			cursor = resume
			log.WithFields(logger.Fields{
				"resume_from": time.UnixMilli(resume).UTC().Format(time.RFC3339),
				"prior_rows":  len(prior),
			}).Info("resuming from existing output")
		}
	}

	var untilMillis int64
	if !req.End.IsZero() {
		untilMillis = req.End.UnixMilli()
	}

	limit := e.preset.EffectiveLimit(req.PageLimit)
	params, err := preset.BuildCandleParams(e.provider.ID(), e.preset, req.PriceRef, untilMillis, req.Params)
	if err != nil {
		return nil, err
	}

	batches := [][]market.Candle{prior}
	pages := 0
	var fetchErr error

	for {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				fetchErr = err
				break
			}
		}

		page, err := e.fetchPage(ctx, req.Symbol, req.Timeframe, cursor, limit, params)
		if err != nil {
			fetchErr = err
			break
		}
		if len(page) == 0 {
			break
		}

		if untilMillis > 0 {
			page = clipBefore(page, untilMillis)
			if len(page) == 0 {
				break
			}
		}
		for i := range page {
			page[i].Symbol = req.Symbol
			page[i].Timeframe = req.Timeframe
		}
		batches = append(batches, page)
		pages++
		metrics.BackfillPages.WithLabelValues(e.provider.ID(), req.Symbol).Inc()
		logger.IncrementBackfillPage(len(page))

		short := len(page) < limit
		cursor = page[len(page)-1].Timestamp.UnixMilli() + stepMillis
		log.WithFields(logger.Fields{
			"page":        pages,
			"rows":        len(page),
			"next_cursor": time.UnixMilli(cursor).UTC().Format(time.RFC3339),
		}).Debug("page fetched")

		if short {
			break
		}
		if untilMillis > 0 && cursor >= untilMillis {
			break
		}
	}

	series := merge.Candles(batches...)

	if req.ExcludeOpenCandle {
		now := e.now()
		series = filterCandles(series, func(c market.Candle) bool { return c.Closed(now) })
	}
	if req.StrictBounds {
		series = filterCandles(series, func(c market.Candle) bool {
			if !req.Start.IsZero() && c.Timestamp.Before(req.Start) {
				return false
			}
			if !req.End.IsZero() && !c.Timestamp.Before(req.End) {
				return false
			}
			return true
		})
	}

	// Persist partial progress even on failure so the next run resumes.
	if writeErr := e.sink.WriteSeries(ctx, series); writeErr != nil {
		if fetchErr != nil {
			return series, fmt.Errorf("persist after fetch failure %v: %w", fetchErr, writeErr)
		}
		return series, fmt.Errorf("persist series: %w", writeErr)
	}

	if fetchErr != nil {
		return series, fetchErr
	}

	log.WithFields(logger.Fields{"pages": pages, "rows": len(series)}).Info("backfill complete")
	return series, nil
}

// fetchPage retries transient provider failures with exponential backoff
// (base * 2^attempt, ±15 % jitter) up to the budget. Non-transient provider
// errors abort immediately.
func (e *Engine) fetchPage(ctx context.Context, symbol string, tf market.Timeframe, sinceMillis int64, limit int, params map[string]any) ([]market.Candle, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.backoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.15
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0

	attempts := 0
	var page []market.Candle
	op := func() error {
		attempts++
		var err error
		page, err = e.provider.FetchCandles(ctx, symbol, tf, sinceMillis, limit, params)
		if err == nil {
			return nil
		}
		if provider.IsTransient(err) {
			e.log.WithComponent("backfill").WithFields(logger.Fields{
				"symbol":  symbol,
				"attempt": attempts,
			}).WithError(err).Warn("transient fetch failure, backing off")
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxRetries)), ctx))
	if err == nil {
		return page, nil
	}
	if provider.IsTransient(err) {
		metrics.BackfillFailures.WithLabelValues(e.provider.ID(), symbol).Inc()
		return nil, &FailedError{Provider: e.provider.ID(), Symbol: symbol, Attempts: attempts, Err: err}
	}
	return nil, err
}

func (e *Engine) checkTimeframe(ctx context.Context, tf market.Timeframe) error {
	caps, err := e.provider.LoadCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("load capabilities: %w", err)
	}
	if len(caps.SupportedTimeframes) > 0 && !caps.SupportedTimeframes[tf] {
		return &UnsupportedTimeframeError{Provider: e.provider.ID(), Timeframe: tf}
	}
	return nil
}

func clipBefore(page []market.Candle, untilMillis int64) []market.Candle {
	out := page[:0]
	for _, c := range page {
		if c.Timestamp.UnixMilli() < untilMillis {
			out = append(out, c)
		}
	}
	return out
}

func filterCandles(in []market.Candle, keep func(market.Candle) bool) []market.Candle {
	out := in[:0]
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
