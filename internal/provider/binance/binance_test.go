package binance

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"

	"candleflow/internal/market"
	"candleflow/internal/provider"
)

func TestNativeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC/USDT": "BTCUSDT",
		"eth-usdt": "ETHUSDT",
		"BTCUSDT":  "BTCUSDT",
	}
	for in, want := range cases {
		if got := NativeSymbol(in); got != want {
			t.Errorf("NativeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStreamName(t *testing.T) {
	name, err := streamName("btcusdt", provider.FeedCandles, provider.SubscribeOptions{Timeframe: market.Timeframe1h})
	if err != nil {
		t.Fatalf("candle stream: %v", err)
	}
	if name != "btcusdt@kline_1h" {
		t.Errorf("candle stream = %q", name)
	}

	name, err = streamName("btcusdt", provider.FeedTrades, provider.SubscribeOptions{})
	if err != nil {
		t.Fatalf("trade stream: %v", err)
	}
	if name != "btcusdt@trade" {
		t.Errorf("trade stream = %q", name)
	}

	if _, err := streamName("btcusdt", provider.FeedCandles, provider.SubscribeOptions{}); err == nil {
		t.Error("candle stream without timeframe should fail")
	}
	if _, err := streamName("btcusdt", provider.FeedCandles, provider.SubscribeOptions{Timeframe: market.Timeframe15s}); err == nil {
		t.Error("unsupported interval should fail")
	}
}

func TestDecodeKlineEnvelope(t *testing.T) {
	sub := &wsSubscription{
		feed:      provider.FeedCandles,
		timeframe: market.Timeframe1m,
		bySymbol:  map[string]string{"BTCUSDT": "BTC/USDT"},
	}
	raw := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{"t":1709287200000,"o":"62000.1","h":"62010.5","l":"61990.0","c":"62005.3","v":"12.5","x":true}}}`)

	payload, ok, err := sub.decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok || payload.Candles == nil {
		t.Fatal("expected a candle payload")
	}
	if payload.Candles.Symbol != "BTC/USDT" {
		t.Errorf("symbol = %q, want canonical BTC/USDT", payload.Candles.Symbol)
	}
	c := payload.Candles.Candles[0]
	if !c.Timestamp.Equal(time.UnixMilli(1709287200000).UTC()) {
		t.Errorf("timestamp = %v", c.Timestamp)
	}
	if c.Open.String() != "62000.1" || c.Volume.String() != "12.5" {
		t.Errorf("open/volume = %s/%s", c.Open, c.Volume)
	}
	if c.Timeframe != market.Timeframe1m {
		t.Errorf("timeframe = %s", c.Timeframe)
	}
}

func TestDecodeTradeEnvelope(t *testing.T) {
	sub := &wsSubscription{
		feed:     provider.FeedTrades,
		bySymbol: map[string]string{"ETHUSDT": "ETH/USDT"},
	}
	raw := []byte(`{"stream":"ethusdt@trade","data":{"e":"trade","s":"ETHUSDT","t":42,"p":"3400.25","q":"0.5","T":1709287205000,"m":true}}`)

	payload, ok, err := sub.decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok || payload.Trades == nil {
		t.Fatal("expected a trade payload")
	}
	tr := payload.Trades.Trades[0]
	if tr.ID != "42" {
		t.Errorf("trade id = %q, want 42", tr.ID)
	}
	if tr.Side != "sell" {
		t.Errorf("side = %q, buyer-maker trades are sells", tr.Side)
	}
	if tr.Symbol != "ETH/USDT" {
		t.Errorf("symbol = %q", tr.Symbol)
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	sub := &wsSubscription{feed: provider.FeedTrades, bySymbol: map[string]string{}}
	if _, ok, _ := sub.decode([]byte(`{"stream":"x@trade"}`)); ok {
		t.Error("envelope without data should be skipped")
	}
	if _, _, err := sub.decode([]byte(`not json`)); err == nil {
		t.Error("invalid json should error")
	}
}

func TestClassify(t *testing.T) {
	rateLimited := &common.APIError{Code: -1003, Message: "Too many requests"}
	if !provider.IsTransient(classify("fetch_candles", "BTC/USDT", rateLimited)) {
		t.Error("rate limit should be transient")
	}

	badSymbol := &common.APIError{Code: -1121, Message: "Invalid symbol"}
	if provider.IsTransient(classify("fetch_candles", "NOPE/USDT", badSymbol)) {
		t.Error("invalid symbol should be permanent")
	}

	if provider.IsTransient(classify("fetch_candles", "BTC/USDT", errors.New("boom"))) {
		t.Error("unknown errors should be permanent")
	}
}

func TestCandleFromWsKlineRejectsBadNumbers(t *testing.T) {
	var ev wsKlineEvent
	if err := json.Unmarshal([]byte(`{"s":"BTCUSDT","k":{"t":0,"o":"abc","h":"1","l":"1","c":"1","v":"1"}}`), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := candleFromWsKline(ev, "BTC/USDT", market.Timeframe1m); err == nil {
		t.Error("non-numeric open should error")
	}
}
