package registry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/openperp/synthex/pkg/errors"
)

// PriceCache keeps the last reference price per instrument in Redis so a
// restarted process has a price before its oracle connection warms up.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPriceCache connects to Redis. Returns an error if the server does not
// answer a ping; callers treat the cache as optional.
func NewPriceCache(addr string, ttl time.Duration) (*PriceCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Transient.Wrap(err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PriceCache{client: client, ttl: ttl}, nil
}

func (c *PriceCache) key(symbol string) string {
	return "synthex:price:" + symbol
}

// Get returns the cached price for the instrument.
func (c *PriceCache) Get(ctx context.Context, symbol string) (decimal.Decimal, error) {
	val, err := c.client.Get(ctx, c.key(symbol)).Result()
	if err != nil {
		return decimal.Zero, errors.Transient.Wrap(err)
	}
	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, errors.Internal.Wrap(err)
	}
	return price, nil
}

// Set stores the price with the cache TTL.
func (c *PriceCache) Set(ctx context.Context, symbol string, price decimal.Decimal) error {
	if err := c.client.Set(ctx, c.key(symbol), price.String(), c.ttl).Err(); err != nil {
		return errors.Transient.Wrap(err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *PriceCache) Close() error {
	return c.client.Close()
}
