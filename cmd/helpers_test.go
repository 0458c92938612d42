package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/eml-intake/internal/blob"
	"github.com/sells-group/eml-intake/internal/config"
	"github.com/sells-group/eml-intake/internal/queue"
	"github.com/sells-group/eml-intake/internal/store"
)

// testEnv builds an appEnv over a temp sqlite database, memory blobs and the
// in-process queue, with cfg set to the loaded defaults.
func testEnv(t *testing.T) *appEnv {
	t.Helper()

	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Blob.Driver = "memory"
	cfg = c

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	env := newAppEnv(st, blob.NewMemory(), queue.NewMemory(retryPolicy()))
	t.Cleanup(env.Close)
	return env
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "internal", "pipeline", "testdata", name))
	require.NoError(t, err)
	return data
}
