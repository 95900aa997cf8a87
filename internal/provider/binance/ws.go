package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"candleflow/internal/market"
	"candleflow/internal/provider"
	"candleflow/logger"
)

// Subscribe opens one combined-stream connection carrying every requested
// symbol. The connection is not self-healing: read failures surface as
// transient errors and the caller decides whether to resubscribe.
func (p *Provider) Subscribe(ctx context.Context, feed provider.FeedType, symbols []string, opts provider.SubscribeOptions) (provider.Subscription, error) {
	if len(symbols) == 0 {
		return nil, provider.Permanent(providerID, "subscribe", "", fmt.Errorf("no symbols"))
	}

	streams := make([]string, 0, len(symbols))
	bySymbol := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		native := strings.ToLower(NativeSymbol(sym))
		bySymbol[strings.ToUpper(native)] = sym
		name, err := streamName(native, feed, opts)
		if err != nil {
			return nil, err
		}
		streams = append(streams, name)
	}

	url := p.wsBase + "?streams=" + strings.Join(streams, "/")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, provider.Transient(providerID, "subscribe", strings.Join(symbols, ","), err)
	}

	sub := &wsSubscription{
		conn:      conn,
		feed:      feed,
		timeframe: opts.Timeframe,
		bySymbol:  bySymbol,
		payloads:  make(chan provider.Payload, 256),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
		log: p.log.WithComponent("binance_ws").WithFields(logger.Fields{
			"feed":    string(feed),
			"streams": len(streams),
		}),
	}
	go sub.readLoop()
	return sub, nil
}

func streamName(nativeLower string, feed provider.FeedType, opts provider.SubscribeOptions) (string, error) {
	switch feed {
	case provider.FeedCandles:
		if opts.Timeframe == "" {
			return "", provider.Permanent(providerID, "subscribe", nativeLower, fmt.Errorf("candle feed requires a timeframe"))
		}
		if !supportedTimeframes[opts.Timeframe] {
			return "", provider.Permanent(providerID, "subscribe", nativeLower,
				fmt.Errorf("interval %s not offered by exchange", opts.Timeframe))
		}
		return nativeLower + "@kline_" + string(opts.Timeframe), nil
	case provider.FeedTrades:
		return nativeLower + "@trade", nil
	case provider.FeedTicker:
		return nativeLower + "@ticker", nil
	case provider.FeedOrderBook:
		return nativeLower + "@bookTicker", nil
	default:
		return "", provider.Permanent(providerID, "subscribe", nativeLower, fmt.Errorf("unknown feed %q", feed))
	}
}

type wsSubscription struct {
	conn      *websocket.Conn
	feed      provider.FeedType
	timeframe market.Timeframe
	bySymbol  map[string]string

	payloads chan provider.Payload
	errs     chan error
	done     chan struct{}
	once     sync.Once
	log      *logger.Entry
}

func (s *wsSubscription) Recv(ctx context.Context) (provider.Payload, error) {
	select {
	case p := <-s.payloads:
		return p, nil
	case err := <-s.errs:
		return provider.Payload{}, err
	case <-ctx.Done():
		return provider.Payload{}, ctx.Err()
	case <-s.done:
		return provider.Payload{}, provider.Transient(providerID, "recv", "", fmt.Errorf("subscription closed"))
	}
}

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *wsSubscription) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.errs <- provider.Transient(providerID, "recv", "", err):
			case <-s.done:
			}
			return
		}
		payload, ok, err := s.decode(data)
		if err != nil {
			s.log.WithError(err).Warn("undecodable stream message dropped")
			continue
		}
		if !ok {
			continue
		}
		select {
		case s.payloads <- payload:
		case <-s.done:
			return
		default:
			s.log.Warn("subscription buffer full, dropping payload")
		}
	}
}

// combined stream envelope: {"stream":"btcusdt@trade","data":{...}}
type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wsKlineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		StartTime int64  `json:"t"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Final     bool   `json:"x"`
	} `json:"k"`
}

type wsTradeEvent struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type wsTickerEvent struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	EventTime int64  `json:"E"`
}

type wsBookTickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

func (s *wsSubscription) decode(data []byte) (provider.Payload, bool, error) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return provider.Payload{}, false, err
	}
	if len(env.Data) == 0 {
		return provider.Payload{}, false, nil
	}

	switch s.feed {
	case provider.FeedCandles:
		var ev wsKlineEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return provider.Payload{}, false, err
		}
		c, err := candleFromWsKline(ev, s.displaySymbol(ev.Symbol), s.timeframe)
		if err != nil {
			return provider.Payload{}, false, err
		}
		return provider.Payload{Candles: &provider.CandleUpdate{
			Symbol:  c.Symbol,
			Candles: []market.Candle{c},
		}}, true, nil

	case provider.FeedTrades:
		var ev wsTradeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return provider.Payload{}, false, err
		}
		t, err := tradeFromWsTrade(ev, s.displaySymbol(ev.Symbol))
		if err != nil {
			return provider.Payload{}, false, err
		}
		return provider.Payload{Trades: &provider.TradeEvent{
			Symbol: t.Symbol,
			Trades: []market.Trade{t},
		}}, true, nil

	case provider.FeedTicker:
		var ev wsTickerEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return provider.Payload{}, false, err
		}
		last, err := decimal.NewFromString(ev.LastPrice)
		if err != nil {
			return provider.Payload{}, false, err
		}
		return provider.Payload{Ticker: &provider.TickerUpdate{
			Symbol: s.displaySymbol(ev.Symbol),
			Last:   last,
			Time:   time.UnixMilli(ev.EventTime).UTC(),
		}}, true, nil

	case provider.FeedOrderBook:
		var ev wsBookTickerEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return provider.Payload{}, false, err
		}
		top, err := bookTopFromWs(ev, s.displaySymbol(ev.Symbol))
		if err != nil {
			return provider.Payload{}, false, err
		}
		return provider.Payload{Book: top}, true, nil
	}
	return provider.Payload{}, false, nil
}

// displaySymbol recovers the caller's symbol spelling from the exchange's
// concatenated form.
func (s *wsSubscription) displaySymbol(native string) string {
	if sym, ok := s.bySymbol[strings.ToUpper(native)]; ok {
		return sym
	}
	return native
}

func candleFromWsKline(ev wsKlineEvent, symbol string, tf market.Timeframe) (market.Candle, error) {
	open, err := decimal.NewFromString(ev.Kline.Open)
	if err != nil {
		return market.Candle{}, fmt.Errorf("ws kline open %q: %w", ev.Kline.Open, err)
	}
	high, err := decimal.NewFromString(ev.Kline.High)
	if err != nil {
		return market.Candle{}, fmt.Errorf("ws kline high %q: %w", ev.Kline.High, err)
	}
	low, err := decimal.NewFromString(ev.Kline.Low)
	if err != nil {
		return market.Candle{}, fmt.Errorf("ws kline low %q: %w", ev.Kline.Low, err)
	}
	cls, err := decimal.NewFromString(ev.Kline.Close)
	if err != nil {
		return market.Candle{}, fmt.Errorf("ws kline close %q: %w", ev.Kline.Close, err)
	}
	vol, err := decimal.NewFromString(ev.Kline.Volume)
	if err != nil {
		return market.Candle{}, fmt.Errorf("ws kline volume %q: %w", ev.Kline.Volume, err)
	}
	return market.Candle{
		Timestamp: time.UnixMilli(ev.Kline.StartTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		Symbol:    symbol,
		Timeframe: tf,
	}, nil
}

func tradeFromWsTrade(ev wsTradeEvent, symbol string) (market.Trade, error) {
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return market.Trade{}, fmt.Errorf("ws trade price %q: %w", ev.Price, err)
	}
	qty, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		return market.Trade{}, fmt.Errorf("ws trade quantity %q: %w", ev.Quantity, err)
	}
	side := "buy"
	if ev.IsBuyerMaker {
		side = "sell"
	}
	return market.Trade{
		Timestamp: time.UnixMilli(ev.TradeTime).UTC(),
		Price:     price,
		Amount:    qty,
		Side:      side,
		ID:        fmt.Sprintf("%d", ev.TradeID),
		Symbol:    symbol,
	}, nil
}

func bookTopFromWs(ev wsBookTickerEvent, symbol string) (*provider.BookTop, error) {
	bidPx, err := decimal.NewFromString(ev.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("ws book bid %q: %w", ev.BidPrice, err)
	}
	bidQty, err := decimal.NewFromString(ev.BidQty)
	if err != nil {
		return nil, fmt.Errorf("ws book bid qty %q: %w", ev.BidQty, err)
	}
	askPx, err := decimal.NewFromString(ev.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("ws book ask %q: %w", ev.AskPrice, err)
	}
	askQty, err := decimal.NewFromString(ev.AskQty)
	if err != nil {
		return nil, fmt.Errorf("ws book ask qty %q: %w", ev.AskQty, err)
	}
	return &provider.BookTop{
		Symbol: symbol,
		BidPx:  bidPx,
		BidQty: bidQty,
		AskPx:  askPx,
		AskQty: askQty,
		Time:   time.Now().UTC(),
	}, nil
}
