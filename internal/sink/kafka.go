package sink

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"candleflow/internal/market"
	"candleflow/logger"
)

// Kafka publishes candles and trades as JSON messages on one topic. It is a
// pure append transport: no readable state, so backfill resume is a no-op
// and duplicate-safety rests on the upstream merge and downstream keying.
type Kafka struct {
	writer *kafka.Writer
	log    *logger.Log
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	k := &Kafka{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		log: logger.GetLogger(),
	}
	k.log.WithComponent("kafka_sink").WithFields(logger.Fields{
		"brokers": brokers,
		"topic":   topic,
	}).Debug("kafka sink initialized")
	return k, nil
}

func (k *Kafka) ReadCandles(context.Context, string, market.Timeframe) ([]market.Candle, error) {
	return nil, nil
}

func (k *Kafka) WriteSeries(ctx context.Context, candles []market.Candle) error {
	return k.AppendCandles(ctx, candles)
}

func (k *Kafka) AppendCandles(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(candles))
	for _, c := range candles {
		value, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal candle %s: %w", c.Key(), err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(c.Key()), Value: value})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write candles: %w", err)
	}
	return nil
}

func (k *Kafka) AppendTrades(ctx context.Context, trades []market.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(trades))
	for _, t := range trades {
		value, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trade: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(t.DedupKey(t.Symbol)), Value: value})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write trades: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }
