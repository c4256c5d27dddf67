package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/internal/store/storetest"
	"github.com/terminal-bench/satengine/pkg/models"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New().WithClock(func() time.Time { return storetest.Epoch })
	})
}

func TestCopies(t *testing.T) {
	ctx := context.Background()

	t.Run("should not leak internal rows to callers", func(t *testing.T) {
		s := New()
		require.NoError(t, s.CreateAccount(ctx, &models.Account{ID: "alice", Handle: "alice"}))

		a, err := s.GetAccount(ctx, "alice")
		require.NoError(t, err)
		a.Reputation.Creator = 999

		again, err := s.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Zero(t, again.Reputation.Creator)
	})

	t.Run("should stamp missing ids and times from its clock", func(t *testing.T) {
		at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		s := New().WithClock(func() time.Time { return at })
		c := &models.Content{AuthorID: "alice", Kind: models.KindPost}
		require.NoError(t, s.CreateContent(ctx, c))
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, at, c.CreatedAt)
	})
}
