package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/satengine/internal/challenge"
	"github.com/terminal-bench/satengine/internal/config"
	"github.com/terminal-bench/satengine/internal/engagement"
	"github.com/terminal-bench/satengine/internal/ledger"
)

func TestSimulate(t *testing.T) {
	cfg = config.Default()
	logger = zap.NewNop()

	t.Run("should settle matured content without ledger drift", func(t *testing.T) {
		sum, err := simulate(context.Background(), 12, 10, 42, 5000)
		require.NoError(t, err)

		assert.Greater(t, sum.Posts, 0)
		assert.Greater(t, sum.Likes, 0)
		assert.Greater(t, sum.Batches, 0)
		assert.Greater(t, sum.ItemsSettled, 0)
		assert.Zero(t, sum.Drifted)
		assert.Equal(t, int64(12*5000), sum.Deposited)
	})

	t.Run("should reject degenerate sizes", func(t *testing.T) {
		_, err := simulate(context.Background(), 1, 10, 1, 5000)
		assert.Error(t, err)
	})
}

func TestSimulateCommand(t *testing.T) {
	t.Run("should print a JSON summary", func(t *testing.T) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs([]string{"simulate", "--users", "6", "--days", "3", "--seed", "7"})
		require.NoError(t, rootCmd.Execute())

		var sum simSummary
		require.NoError(t, json.Unmarshal(out.Bytes(), &sum))
		assert.Equal(t, 6, sum.Users)
		assert.Equal(t, 3, sum.Days)
	})
}

func TestRejected(t *testing.T) {
	t.Run("should classify expected user errors", func(t *testing.T) {
		assert.True(t, rejected(ledger.ErrInsufficientBalance))
		assert.True(t, rejected(fmt.Errorf("like: %w", engagement.ErrAlreadyLiked)))
		assert.True(t, rejected(&ledger.ValidationError{Field: "amount", Reason: "zero"}))
		assert.True(t, rejected(challenge.ErrDuplicate))
		assert.False(t, rejected(fmt.Errorf("connection reset")))
	})
}

func TestSplitMembers(t *testing.T) {
	t.Run("should trim and drop empty members", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b", "c"}, splitMembers(" a,b,, c ,"))
		assert.Nil(t, splitMembers(""))
	})
}
