package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file is empty", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
		_, ok, err := store.Get(ctx, "15551234567@s.whatsapp.net")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("put then get survives reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data", "sessions.json")
		store := NewFileStore(path)
		require.NoError(t, store.Put(ctx, "15551234567@s.whatsapp.net", "s-1"))
		require.NoError(t, store.Put(ctx, "15557654321@s.whatsapp.net", "s-2"))
		require.NoError(t, store.Put(ctx, "15551234567@s.whatsapp.net", "s-3"))

		reopened := NewFileStore(path)
		id, ok, err := reopened.Get(ctx, "15551234567@s.whatsapp.net")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "s-3", id)

		id, _, _ = reopened.Get(ctx, "15557654321@s.whatsapp.net")
		assert.Equal(t, "s-2", id)
	})

	t.Run("corrupt file errors on get and is replaced on put", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sessions.json")
		require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
		store := NewFileStore(path)

		_, _, err := store.Get(ctx, "a")
		assert.Error(t, err)

		require.NoError(t, store.Put(ctx, "a", "s-1"))
		id, ok, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "s-1", id)
	})

	t.Run("concurrent puts are not lost", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, store.Put(ctx, string(rune('a'+i)), "s"))
			}(i)
		}
		wg.Wait()

		for i := 0; i < 20; i++ {
			_, ok, err := store.Get(ctx, string(rune('a'+i)))
			require.NoError(t, err)
			assert.True(t, ok)
		}
	})
}

func TestNoneStore(t *testing.T) {
	var store Store = None{}
	require.NoError(t, store.Put(context.Background(), "a", "b"))
	_, ok, err := store.Get(context.Background(), "a")
	assert.NoError(t, err)
	assert.False(t, ok)
}
