package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-lake/internal/config"
)

func stores(t *testing.T) map[string]Store {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"local":  local,
		"memory": NewMemory(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "_staging/tweets-0/b1/tweets/date=2026-10-17.parquet", []byte("rows")))
			require.NoError(t, s.Put(ctx, "_batches/tweets-0/b1.json", []byte("{}")))

			data, err := s.Get(ctx, "_staging/tweets-0/b1/tweets/date=2026-10-17.parquet")
			require.NoError(t, err)
			assert.Equal(t, []byte("rows"), data)

			keys, err := s.List(ctx, "_staging/tweets-0/")
			require.NoError(t, err)
			assert.Equal(t, []string{"_staging/tweets-0/b1/tweets/date=2026-10-17.parquet"}, keys)

			require.NoError(t, s.Promote(ctx, "_staging/tweets-0/b1/tweets/date=2026-10-17.parquet", "tweets/date=2026-10-17/b1.parquet"))

			ok, err := s.Exists(ctx, "tweets/date=2026-10-17/b1.parquet")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Exists(ctx, "_staging/tweets-0/b1/tweets/date=2026-10-17.parquet")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Delete(ctx, "_batches/tweets-0/b1.json"))
			require.NoError(t, s.Delete(ctx, "_batches/tweets-0/b1.json"))

			_, err = s.Get(ctx, "_batches/tweets-0/b1.json")
			require.ErrorIs(t, err, ErrNotExist)

			err = s.Promote(ctx, "_staging/missing", "tweets/missing")
			require.ErrorIs(t, err, ErrNotExist)
		})
	}
}

func TestLocalListSkipsTempFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocal(root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "tweets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tweets", ".tmp-123"), []byte("partial"), 0o644))
	require.NoError(t, s.Put(context.Background(), "tweets/a.parquet", []byte("a")))

	keys, err := s.List(context.Background(), "tweets/")
	require.NoError(t, err)
	assert.Equal(t, []string{"tweets/a.parquet"}, keys)
}

func TestLocalListStaysUnderPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"tweets/date=2026-10-17/a.parquet", "tweets/date=2026-10-18/b.parquet", "tweets_archive/c.parquet", "users/d.parquet"} {
		require.NoError(t, s.Put(ctx, key, []byte("x")))
	}

	keys, err := s.List(ctx, "tweets/date=2026-10-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tweets/date=2026-10-17/a.parquet", "tweets/date=2026-10-18/b.parquet"}, keys)

	keys, err = s.List(ctx, "tweets")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	keys, err = s.List(ctx, "_batches/cdc.public.tweets-0/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), config.LakeConfig{Backend: "local", Root: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, s)

	_, err = Open(context.Background(), config.LakeConfig{Backend: "ftp"})
	assert.Error(t, err)
}
