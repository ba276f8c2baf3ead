package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "absent")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			require.NoError(t, store.Put(ctx, "retention/acme/logs/app/1", []byte("a")))
			require.NoError(t, store.Put(ctx, "retention/acme/logs/app/2", []byte("b")))
			require.NoError(t, store.Put(ctx, "retention/acme/logs/web/1", []byte("c")))
			require.NoError(t, store.Put(ctx, "other/key", []byte("d")))

			v, err := store.Get(ctx, "retention/acme/logs/app/1")
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), v)

			// overwrite
			require.NoError(t, store.Put(ctx, "retention/acme/logs/app/1", []byte("a2")))
			v, err = store.Get(ctx, "retention/acme/logs/app/1")
			require.NoError(t, err)
			assert.Equal(t, []byte("a2"), v)

			entries, err := store.List(ctx, "retention/acme/logs/app/")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "retention/acme/logs/app/1", entries[0].Key)
			assert.Equal(t, "retention/acme/logs/app/2", entries[1].Key)

			require.NoError(t, store.Delete(ctx, "retention/acme/logs/app/1"))
			_, err = store.Get(ctx, "retention/acme/logs/app/1")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			// deleting an absent key is not an error
			assert.NoError(t, store.Delete(ctx, "retention/acme/logs/app/1"))
		})
	}
}
