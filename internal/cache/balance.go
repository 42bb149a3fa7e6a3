package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	amounts "github.com/terminal-bench/civicledger/pkg/decimal"
	"github.com/terminal-bench/civicledger/pkg/models"
)

const (
	keyPrefix  = "balance:"
	DefaultTTL = 5 * time.Minute
)

// BalanceCache keeps account balances in Redis. A miss or a Redis error
// falls back to the store. Ledger writes store the committed balance;
// reads only populate missing entries.
type BalanceCache struct {
	rdb *redis.Client
	ttl time.Duration
	log logrus.FieldLogger
}

type cachedBalance struct {
	Acent string `json:"acent"`
	Dcent string `json:"dcent"`
}

// NewBalanceCache connects to addr. A ttl of zero uses DefaultTTL.
func NewBalanceCache(addr string, ttl time.Duration, log logrus.FieldLogger) *BalanceCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	return NewWithClient(rdb, ttl, log)
}

// NewWithClient wraps an existing client
func NewWithClient(rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BalanceCache{
		rdb: rdb,
		ttl: ttl,
		log: log.WithField("component", "balance_cache"),
	}
}

// Get returns the cached balance, if any
func (c *BalanceCache) Get(ctx context.Context, accountID string) (models.Balance, bool) {
	raw, err := c.rdb.Get(ctx, key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Balance{}, false
	}
	if err != nil {
		c.log.WithError(err).WithField("account_id", accountID).Debug("cache read failed")
		return models.Balance{}, false
	}

	b, err := decode(accountID, raw)
	if err != nil {
		c.log.WithError(err).WithField("account_id", accountID).Warn("dropping unreadable cache entry")
		c.Invalidate(ctx, accountID)
		return models.Balance{}, false
	}
	return b, true
}

// Set stores b for the configured TTL
func (c *BalanceCache) Set(ctx context.Context, b models.Balance) {
	raw, err := encode(b)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key(b.AccountID), raw, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("account_id", b.AccountID).Debug("cache write failed")
	}
}

// Add stores b only when no entry exists
func (c *BalanceCache) Add(ctx context.Context, b models.Balance) {
	raw, err := encode(b)
	if err != nil {
		return
	}
	if err := c.rdb.SetNX(ctx, key(b.AccountID), raw, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("account_id", b.AccountID).Debug("cache fill failed")
	}
}

// Invalidate drops the account's entry
func (c *BalanceCache) Invalidate(ctx context.Context, accountID string) {
	if err := c.rdb.Del(ctx, key(accountID)).Err(); err != nil {
		c.log.WithError(err).WithField("account_id", accountID).Warn("cache invalidation failed")
	}
}

// Ping checks the connection
func (c *BalanceCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the client
func (c *BalanceCache) Close() error {
	return c.rdb.Close()
}

func key(accountID string) string {
	return keyPrefix + accountID
}

func encode(b models.Balance) ([]byte, error) {
	return json.Marshal(cachedBalance{Acent: b.Acent.String(), Dcent: b.Dcent.String()})
}

func decode(accountID string, raw []byte) (models.Balance, error) {
	var cb cachedBalance
	if err := json.Unmarshal(raw, &cb); err != nil {
		return models.Balance{}, err
	}
	acent, err := amounts.Parse(cb.Acent)
	if err != nil {
		return models.Balance{}, err
	}
	dcent, err := amounts.Parse(cb.Dcent)
	if err != nil {
		return models.Balance{}, err
	}
	return models.Balance{AccountID: accountID, Acent: acent, Dcent: dcent}, nil
}
