package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/civicledger/pkg/models"
)

func TestEncoding(t *testing.T) {
	t.Run("should keep exact decimal amounts", func(t *testing.T) {
		b := models.Balance{
			AccountID: "a1",
			Acent:     decimal.RequireFromString("12.3000000001"),
			Dcent:     decimal.RequireFromString("0.1"),
		}
		raw, err := encode(b)
		require.NoError(t, err)

		got, err := decode("a1", raw)
		require.NoError(t, err)
		assert.True(t, got.Acent.Equal(b.Acent))
		assert.True(t, got.Dcent.Equal(b.Dcent))
		assert.Equal(t, "a1", got.AccountID)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		_, err := decode("a1", []byte(`{"acent":"lots"}`))
		assert.Error(t, err)
	})

	t.Run("should namespace keys", func(t *testing.T) {
		assert.Equal(t, "balance:a1", key("a1"))
	})
}

func TestUnreachableRedis(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := NewWithClient(rdb, 0, log)
	defer c.Close()

	ctx := context.Background()

	t.Run("should default the ttl", func(t *testing.T) {
		assert.Equal(t, DefaultTTL, c.ttl)
	})

	t.Run("should treat errors as misses", func(t *testing.T) {
		_, ok := c.Get(ctx, "a1")
		assert.False(t, ok)
	})

	t.Run("should not panic on writes", func(t *testing.T) {
		c.Set(ctx, models.Balance{AccountID: "a1", Acent: decimal.NewFromInt(1)})
		c.Add(ctx, models.Balance{AccountID: "a1", Acent: decimal.NewFromInt(2)})
		c.Invalidate(ctx, "a1")
		assert.NotEmpty(t, hook.AllEntries())
	})

	t.Run("should fail ping", func(t *testing.T) {
		assert.Error(t, c.Ping(ctx))
	})
}
