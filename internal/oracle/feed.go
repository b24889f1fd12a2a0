package oracle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSink receives pushed reference prices, typically the instrument
// registry.
type PriceSink interface {
	UpdatePrice(ctx context.Context, instrument string, price decimal.Decimal)
}

// tick is the wire format of the reference feed: one JSON object per
// message.
type tick struct {
	Instrument string `json:"instrument"`
	Price      string `json:"price"`
}

// Feed streams reference prices from a websocket endpoint into a sink,
// reconnecting with a fixed delay until its context is cancelled.
type Feed struct {
	logger *zap.Logger
	url    string
	sink   PriceSink

	readTimeout    time.Duration
	reconnectDelay time.Duration
}

// NewFeed creates a websocket price feed.
func NewFeed(logger *zap.Logger, url string, sink PriceSink) *Feed {
	return &Feed{
		logger:         logger.Named("oracle-feed"),
		url:            url,
		sink:           sink,
		readTimeout:    15 * time.Second,
		reconnectDelay: 2 * time.Second,
	}
}

// Run blocks until ctx is cancelled, maintaining the connection.
func (f *Feed) Run(ctx context.Context) {
	for {
		if err := f.connect(ctx); err != nil {
			f.logger.Warn("reference feed disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var t tick
		if err := json.Unmarshal(msg, &t); err != nil {
			continue
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		f.sink.UpdatePrice(ctx, t.Instrument, price)
	}
}
