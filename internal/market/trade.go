package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one executed transaction as delivered by a provider feed.
// ID is provider-assigned and may be empty.
type Trade struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      string          `json:"side"`
	ID        string          `json:"id,omitempty"`
	Symbol    string          `json:"symbol"`
}

// DedupKey is the identity used by the streaming dedup window. When the
// provider assigns an id that id wins; otherwise a composite of
// timestamp, side, price and amount is used, accepting a small
// false-dedup risk for distinct trades that collide on all four.
func (t Trade) DedupKey(symbol string) string {
	if t.ID != "" {
		return fmt.Sprintf("%s:%s", symbol, t.ID)
	}
	return fmt.Sprintf("%s:%d:%s:%s:%s",
		symbol, t.Timestamp.UnixMilli(), t.Side, t.Price.String(), t.Amount.String())
}
