package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	t.Run("should report the highest version", func(t *testing.T) {
		v, err := LatestVersion()
		require.NoError(t, err)
		assert.Equal(t, uint(4), v)
	})

	t.Run("should pair every up file with a down file", func(t *testing.T) {
		names, err := fs.Glob(migrationFiles, "files/*.sql")
		require.NoError(t, err)

		ups := map[string]bool{}
		downs := map[string]bool{}
		for _, n := range names {
			switch {
			case strings.HasSuffix(n, ".up.sql"):
				ups[strings.TrimSuffix(n, ".up.sql")] = true
			case strings.HasSuffix(n, ".down.sql"):
				downs[strings.TrimSuffix(n, ".down.sql")] = true
			}
		}
		assert.NotEmpty(t, ups)
		assert.Equal(t, ups, downs)
	})

	t.Run("should keep one live challenge per content item", func(t *testing.T) {
		b, err := migrationFiles.ReadFile("files/000003_moderation.up.sql")
		require.NoError(t, err)
		assert.Contains(t, string(b), "WHERE verdict <> 'not_guilty'")
	})
}
