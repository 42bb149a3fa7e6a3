package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock) *Breaker {
	return NewBreaker(Config{
		Name:        "test",
		MaxFailures: 3,
		Timeout:     time.Second,
		HalfOpenMax: 2,
		Now:         clock.Now,
	})
}

func trip(b *Breaker) {
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func() error { return errBoom })
	}
}

func TestBreakerClosed(t *testing.T) {
	t.Run("should allow requests when closed", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{now: time.Now()})

		err := b.Execute(context.Background(), func() error { return nil })

		assert.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should track failures and reset on success", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{now: time.Now()})

		err := b.Execute(context.Background(), func() error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 1, b.Failures())

		require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, 0, b.Failures())
	})

	t.Run("should not run fn for a cancelled context", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{now: time.Now()})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := b.Execute(ctx, func() error { called = true; return nil })

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
		assert.Equal(t, 0, b.Failures())
	})
}

func TestBreakerOpen(t *testing.T) {
	t.Run("should open after max failures and reject", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{now: time.Now()})
		trip(b)

		assert.Equal(t, StateOpen, b.State())
		err := b.Execute(context.Background(), func() error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("should half-open after timeout and close on successes", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		b := newTestBreaker(clock)
		trip(b)

		clock.Advance(time.Second)

		require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, StateHalfOpen, b.State())
		require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reopen on a half-open failure", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		b := newTestBreaker(clock)
		trip(b)
		clock.Advance(2 * time.Second)

		err := b.Execute(context.Background(), func() error { return errBoom })

		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateOpen, b.State())
	})
}

func TestBreakerHalfOpenLimit(t *testing.T) {
	t.Run("should cap concurrent half-open requests", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		b := newTestBreaker(clock)
		trip(b)
		clock.Advance(time.Second)

		release := make(chan struct{})
		started := make(chan struct{}, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = b.Execute(context.Background(), func() error {
					started <- struct{}{}
					<-release
					return nil
				})
			}()
		}
		<-started
		<-started

		err := b.Execute(context.Background(), func() error { return nil })
		assert.ErrorIs(t, err, ErrTooManyRequests)

		close(release)
		wg.Wait()
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreakerStateChange(t *testing.T) {
	t.Run("should report transitions through recovery", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		var transitions []string
		b := NewBreaker(Config{
			Name:        "events",
			MaxFailures: 1,
			Timeout:     time.Minute,
			Now:         clock.Now,
			OnStateChange: func(name string, from, to State) {
				transitions = append(transitions, name+":"+from.String()+"->"+to.String())
			},
		})

		_ = b.Execute(context.Background(), func() error { return errBoom })
		clock.Advance(time.Minute)
		require.NoError(t, b.Execute(context.Background(), func() error { return nil }))

		assert.Equal(t, []string{
			"events:closed->open",
			"events:open->half-open",
			"events:half-open->closed",
		}, transitions)
	})
}
