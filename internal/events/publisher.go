// Package events publishes executed trades and funding settlements to Kafka
// for downstream consumers. Publishing is best effort: a broker outage never
// blocks matching or settlement.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/openperp/synthex/internal/model"
)

const (
	TopicTrades  = "synthex.trades"
	TopicFunding = "synthex.funding"
)

// Publisher wraps a Kafka writer shared across topics.
type Publisher struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// New connects a publisher to the given brokers. Messages are balanced by
// key so all events of one instrument land on one partition in order.
func New(logger *zap.Logger, brokers []string) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Publisher{logger: logger.Named("events"), writer: w}
}

// PublishTrade emits an executed trade on the trades topic.
func (p *Publisher) PublishTrade(ctx context.Context, trade *model.Trade) {
	b, err := json.Marshal(trade)
	if err != nil {
		p.logger.Error("trade encode failed", zap.Error(err))
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicTrades,
		Key:   []byte(trade.Instrument),
		Value: b,
	})
	if err != nil {
		p.logger.Warn("trade publish failed",
			zap.String("trade_id", trade.ID.String()),
			zap.Error(err))
	}
}

// PublishFunding emits a settled funding record on the funding topic.
func (p *Publisher) PublishFunding(ctx context.Context, rec *model.FundingRateRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicFunding,
		Key:   []byte(rec.Instrument),
		Value: b,
	})
}

// Close flushes and shuts down the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
