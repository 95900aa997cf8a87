// Package stream maintains live feed subscriptions, survives disconnects
// with jittered exponential reconnect delays, deduplicates replayed events,
// and appends the surviving rows to a sink.
package stream

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"candleflow/internal/aggregate"
	"candleflow/internal/market"
	"candleflow/internal/metrics"
	"candleflow/internal/provider"
	"candleflow/internal/sink"
	"candleflow/logger"
)

// FatalError reports a stream that cannot continue: the reconnect budget is
// exhausted or the provider rejected the subscription outright.
type FatalError struct {
	Provider string
	Symbols  []string
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stream fatal for %s %v after %d attempts: %v", e.Provider, e.Symbols, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Config tunes one streaming session.
type Config struct {
	Feed      provider.FeedType
	Symbols   []string
	Timeframe market.Timeframe // candle feed and local aggregation
	PriceRef  string
	Depth     int // order book feed only

	// IncludeOpen forwards still-forming candles on every revision instead
	// of waiting for the bucket to close.
	IncludeOpen bool
	// Aggregate builds candles locally from the trade feed and appends the
	// closed ones in place of the raw trades, which are not persisted.
	Aggregate bool

	// FlushEvery appends to the sink once this many rows are buffered.
	// Zero flushes after every payload.
	FlushEvery int
	// DedupWindow bounds the replay detection window for trade feeds.
	DedupWindow int

	// ReconnectBase seeds the reconnect delay; the wait doubles per failed
	// attempt (capped at 2^8) with ±15 % jitter.
	ReconnectBase time.Duration
	// MaxReconnects caps consecutive failed attempts before the stream is
	// declared fatal. Zero means retry forever.
	MaxReconnects int

	// MaxMessages stops the session after that many payloads across all
	// symbols. Zero means unlimited.
	MaxMessages int64
	// MaxDuration stops the session after the given wall time.
	MaxDuration time.Duration

	Params map[string]any
}

// Engine runs one streaming session against a provider and a sink.
type Engine struct {
	config   Config
	provider provider.Provider
	sink     sink.Sink

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	log     *logger.Log

	messages atomic.Int64

	fatalMu sync.Mutex
	fatal   error

	// injectable for tests
	now   func() time.Time
	randf func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

func New(p provider.Provider, s sink.Sink, cfg Config) *Engine {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	return &Engine{
		config:   cfg,
		provider: p,
		sink:     s,
		log:      logger.GetLogger(),
		now:      time.Now,
		randf:    rand.Float64,
		sleep:    sleepCtx,
	}
}

// Start launches the feed workers. With grouped streams one worker carries
// every symbol on a single subscription, otherwise each symbol gets its own.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("stream engine already running")
	}
	e.running = true
	e.mu.Unlock()

	if len(e.config.Symbols) == 0 {
		return fmt.Errorf("no symbols configured for %s stream", e.config.Feed)
	}

	log := e.log.WithComponent("stream").WithFields(logger.Fields{
		"provider": e.provider.ID(),
		"feed":     string(e.config.Feed),
	})

	if e.config.MaxDuration > 0 {
		ctx, e.cancel = context.WithTimeout(ctx, e.config.MaxDuration)
	} else {
		ctx, e.cancel = context.WithCancel(ctx)
	}

	caps, err := e.provider.LoadCapabilities(ctx)
	if err != nil {
		e.cancel()
		return fmt.Errorf("load capabilities: %w", err)
	}

	groups := make([][]string, 0, len(e.config.Symbols))
	if caps.GroupedStreams {
		groups = append(groups, e.config.Symbols)
	} else {
		for _, sym := range e.config.Symbols {
			groups = append(groups, []string{sym})
		}
	}

	log.WithFields(logger.Fields{
		"symbols": len(e.config.Symbols),
		"workers": len(groups),
	}).Info("starting stream workers")

	for _, group := range groups {
		e.wg.Add(1)
		go e.runWorker(ctx, group)
	}
	return nil
}

// Stop cancels the session and waits for every worker to flush and exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.log.WithComponent("stream").Info("stream engine stopped")
}

// Wait blocks until all workers exit and returns the first fatal error, if
// any. Limit-driven and context-driven shutdowns return nil.
func (e *Engine) Wait() error {
	e.wg.Wait()
	return e.Err()
}

// Err returns the first fatal stream error observed.
func (e *Engine) Err() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatal
}

func (e *Engine) setFatal(err error) {
	e.fatalMu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.fatalMu.Unlock()
	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) runWorker(ctx context.Context, symbols []string) {
	defer e.wg.Done()

	log := e.log.WithComponent("stream").WithFields(logger.Fields{
		"provider": e.provider.ID(),
		"feed":     string(e.config.Feed),
		"symbols":  len(symbols),
	})

	st := newWorkerState(e.config)
	defer e.flushAll(context.WithoutCancel(ctx), st, log)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := e.provider.Subscribe(ctx, e.config.Feed, symbols, provider.SubscribeOptions{
			Timeframe: e.config.Timeframe,
			Depth:     e.config.Depth,
			PriceRef:  e.config.PriceRef,
			Params:    e.config.Params,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !provider.IsTransient(err) {
				log.WithError(err).Error("subscription rejected")
				e.setFatal(&FatalError{Provider: e.provider.ID(), Symbols: symbols, Attempts: attempts + 1, Err: err})
				return
			}
			attempts++
			metrics.StreamReconnects.WithLabelValues(e.provider.ID(), string(e.config.Feed)).Inc()
			if e.config.MaxReconnects > 0 && attempts > e.config.MaxReconnects {
				e.setFatal(&FatalError{Provider: e.provider.ID(), Symbols: symbols, Attempts: attempts, Err: err})
				return
			}
			delay := reconnectDelay(e.config.ReconnectBase, attempts, e.randf)
			log.WithError(err).WithFields(logger.Fields{
				"attempt": attempts,
				"delay":   delay.String(),
			}).Warn("subscribe failed, backing off")
			if e.sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		receivedAny, err := e.consume(ctx, sub, st, log)
		_ = sub.Close()
		if receivedAny {
			attempts = 0
		}
		if err == nil || ctx.Err() != nil {
			return
		}

		attempts++
		metrics.StreamReconnects.WithLabelValues(e.provider.ID(), string(e.config.Feed)).Inc()
		if e.config.MaxReconnects > 0 && attempts > e.config.MaxReconnects {
			e.setFatal(&FatalError{Provider: e.provider.ID(), Symbols: symbols, Attempts: attempts, Err: err})
			return
		}
		delay := reconnectDelay(e.config.ReconnectBase, attempts, e.randf)
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempts,
			"delay":   delay.String(),
		}).Warn("stream interrupted, reconnecting")
		if e.sleep(ctx, delay) != nil {
			return
		}
	}
}

// consume reads payloads until the subscription fails, a limit is reached,
// or the context ends. It reports whether any payload arrived.
func (e *Engine) consume(ctx context.Context, sub provider.Subscription, st *workerState, log *logger.Entry) (bool, error) {
	received := false
	for {
		payload, err := sub.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return received, nil
			}
			if !provider.IsTransient(err) {
				e.setFatal(&FatalError{Provider: e.provider.ID(), Symbols: e.config.Symbols, Attempts: 1, Err: err})
				return received, nil
			}
			return received, err
		}
		received = true
		metrics.StreamMessages.WithLabelValues(e.provider.ID(), string(e.config.Feed)).Inc()
		logger.IncrementStreamRead(1)
		logger.RecordFlowMessage(e.provider.ID()+"."+string(e.config.Feed), payloadCount(payload))

		if err := e.handle(ctx, payload, st, log); err != nil {
			log.WithError(err).Error("sink append failed")
			e.setFatal(err)
			return received, nil
		}

		if e.config.MaxMessages > 0 && e.messages.Add(1) >= e.config.MaxMessages {
			log.WithFields(logger.Fields{"messages": e.config.MaxMessages}).Info("message limit reached")
			e.mu.RLock()
			cancel := e.cancel
			e.mu.RUnlock()
			if cancel != nil {
				cancel()
			}
			return received, nil
		}
	}
}

// payloadCount is the number of records a payload carries, for flow stats.
func payloadCount(p provider.Payload) int {
	n := 0
	if p.Candles != nil {
		n += len(p.Candles.Candles)
	}
	if p.Trades != nil {
		n += len(p.Trades.Trades)
	}
	if p.Ticker != nil || p.Book != nil {
		n++
	}
	return n
}

func (e *Engine) handle(ctx context.Context, p provider.Payload, st *workerState, log *logger.Entry) error {
	switch {
	case p.Candles != nil:
		e.handleCandles(p.Candles, st)
	case p.Trades != nil:
		e.handleTrades(p.Trades, st)
	case p.Ticker != nil:
		log.WithFields(logger.Fields{
			"symbol": p.Ticker.Symbol,
			"last":   p.Ticker.Last.String(),
		}).Debug("ticker")
	case p.Book != nil:
		log.WithFields(logger.Fields{
			"symbol": p.Book.Symbol,
			"bid":    p.Book.BidPx.String(),
			"ask":    p.Book.AskPx.String(),
		}).Debug("book top")
	}
	return e.maybeFlush(ctx, st)
}

// handleCandles keeps the per-symbol series monotonic: a candle is appended
// once, when its timestamp first moves past the last appended one. With
// IncludeOpen a forming bucket is forwarded on first sight and advances the
// watermark too, so later revisions of the same bucket are dropped and
// append-only sinks hold one row per bucket.
func (e *Engine) handleCandles(u *provider.CandleUpdate, st *workerState) {
	now := e.now()
	for _, c := range u.Candles {
		if c.Symbol == "" {
			c.Symbol = u.Symbol
		}
		if c.Timeframe == "" {
			c.Timeframe = e.config.Timeframe
		}
		ts := c.Timestamp.UnixMilli()
		if ts <= st.lastCandle[c.Symbol] {
			continue
		}
		if !c.Closed(now) {
			if e.config.IncludeOpen {
				st.lastCandle[c.Symbol] = ts
				st.candles = append(st.candles, c)
			}
			continue
		}
		st.lastCandle[c.Symbol] = ts
		st.candles = append(st.candles, c)
	}
}

func (e *Engine) handleTrades(u *provider.TradeEvent, st *workerState) {
	sym := u.Symbol
	if sym == "" {
		sym = e.config.Symbols[0]
	}
	accepted := make([]market.Trade, 0, len(u.Trades))
	for _, t := range u.Trades {
		if st.dedup.Observe(t.DedupKey(sym)) {
			metrics.StreamDuplicates.WithLabelValues(e.provider.ID()).Inc()
			continue
		}
		if t.Symbol == "" {
			t.Symbol = sym
		}
		accepted = append(accepted, t)
	}
	if len(accepted) == 0 {
		return
	}
	if e.config.Aggregate {
		agg := st.aggregators[sym]
		if agg == nil {
			agg = aggregate.New(sym, e.config.Timeframe, false)
			agg.SetClock(e.now)
			st.aggregators[sym] = agg
		}
		closed, _ := agg.Ingest(accepted)
		st.candles = append(st.candles, closed...)
		return
	}
	st.trades = append(st.trades, accepted...)
}

func (e *Engine) maybeFlush(ctx context.Context, st *workerState) error {
	threshold := e.config.FlushEvery
	if threshold <= 0 {
		threshold = 1
	}
	if len(st.candles) >= threshold {
		if err := e.sink.AppendCandles(ctx, st.candles); err != nil {
			return fmt.Errorf("append candles: %w", err)
		}
		metrics.SinkFlushes.WithLabelValues("candles").Inc()
		logger.IncrementSinkCandles(int64(len(st.candles)))
		st.candles = st.candles[:0]
	}
	if len(st.trades) >= threshold {
		if err := e.sink.AppendTrades(ctx, st.trades); err != nil {
			return fmt.Errorf("append trades: %w", err)
		}
		metrics.SinkFlushes.WithLabelValues("trades").Inc()
		logger.IncrementSinkTrades(int64(len(st.trades)))
		st.trades = st.trades[:0]
	}
	return nil
}

func (e *Engine) flushAll(ctx context.Context, st *workerState, log *logger.Entry) {
	if len(st.candles) > 0 {
		if err := e.sink.AppendCandles(ctx, st.candles); err != nil {
			log.WithError(err).Warn("final candle flush failed")
		}
		st.candles = nil
	}
	if len(st.trades) > 0 {
		if err := e.sink.AppendTrades(ctx, st.trades); err != nil {
			log.WithError(err).Warn("final trade flush failed")
		}
		st.trades = nil
	}
}

type workerState struct {
	candles     []market.Candle
	trades      []market.Trade
	lastCandle  map[string]int64
	dedup       *dedupWindow
	aggregators map[string]*aggregate.Aggregator
}

func newWorkerState(cfg Config) *workerState {
	return &workerState{
		lastCandle:  make(map[string]int64),
		dedup:       newDedupWindow(cfg.DedupWindow),
		aggregators: make(map[string]*aggregate.Aggregator),
	}
}

// reconnectDelay is base * 2^min(attempt-1, 8), jittered to 85..115 %.
func reconnectDelay(base time.Duration, attempt int, randf func() float64) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 8 {
		exp = 8
	}
	jitter := 0.85 + 0.3*randf()
	d := float64(base) * math.Pow(2, float64(exp)) * jitter
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
