package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *Breaker {
	return NewBreaker(Config{
		Name:        "test",
		MaxFailures: 3,
		Timeout:     time.Second,
		HalfOpenMax: 1,
		Now:         clock.Now,
	})
}

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreakerClosed(t *testing.T) {
	t.Run("should allow requests when closed", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{t: time.Unix(0, 0)})
		assert.NoError(t, b.Execute(context.Background(), succeed))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reset failures on success", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{t: time.Unix(0, 0)})
		b.Execute(context.Background(), fail)
		b.Execute(context.Background(), fail)
		assert.Equal(t, 2, b.Failures())
		b.Execute(context.Background(), succeed)
		assert.Equal(t, 0, b.Failures())
	})
}

func TestBreakerOpen(t *testing.T) {
	t.Run("should open after max failures and reject", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{t: time.Unix(0, 0)})
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
		}
		assert.Equal(t, StateOpen, b.State())

		called := false
		err := b.Execute(context.Background(), func() error { called = true; return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, called)
	})

	t.Run("should half open after timeout and close on success", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(0, 0)}
		var transitions []State
		b := NewBreaker(Config{
			MaxFailures:   1,
			Timeout:       time.Second,
			Now:           clock.Now,
			OnStateChange: func(_ string, _, to State) { transitions = append(transitions, to) },
		})
		b.Execute(context.Background(), fail)
		clock.Advance(2 * time.Second)

		assert.NoError(t, b.Execute(context.Background(), succeed))
		assert.Equal(t, StateClosed, b.State())
		assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
	})

	t.Run("should reopen when the trial call fails", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(0, 0)}
		b := NewBreaker(Config{MaxFailures: 1, Timeout: time.Second, Now: clock.Now})
		b.Execute(context.Background(), fail)
		clock.Advance(2 * time.Second)

		b.Execute(context.Background(), fail)
		assert.Equal(t, StateOpen, b.State())
	})
}

func TestBreakerContext(t *testing.T) {
	t.Run("should not call fn with a cancelled context", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{t: time.Unix(0, 0)})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, b.Execute(ctx, succeed), context.Canceled)
		assert.Equal(t, 0, b.Failures())
	})
}

func TestBreakerGroup(t *testing.T) {
	t.Run("should reuse breakers by name", func(t *testing.T) {
		g := NewBreakerGroup(Config{MaxFailures: 1, Timeout: time.Minute})
		assert.Same(t, g.Get("groq"), g.Get("groq"))
		g.Get("groq").Execute(context.Background(), fail)

		states := g.States()
		assert.Equal(t, StateOpen, states["groq"])
		assert.Equal(t, "groq", g.Get("groq").Name())
	})
}
