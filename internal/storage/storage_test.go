package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackends(t *testing.T) map[string]Backend {
	t.Helper()
	dir, err := NewDirBackend(filepath.Join(t.TempDir(), "functions"))
	require.NoError(t, err)

	db, err := NewSQLiteBackend(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]Backend{"dir": dir, "sqlite": db}
}

func TestBackend_EmptyFiles(t *testing.T) {
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			ids, err := b.Files(context.Background())
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestBackend_WriteRead(t *testing.T) {
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lines := []string{"first", "", "third"}
			require.NoError(t, b.Write(ctx, 0, lines))

			got, err := b.Read(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, lines, got)

			// Replace.
			require.NoError(t, b.Write(ctx, 0, []string{"only"}))
			got, err = b.Read(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"only"}, got)
		})
	}
}

func TestBackend_WriteEmpty(t *testing.T) {
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Write(ctx, 0, nil))

			got, err := b.Read(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, got)

			ids, err := b.Files(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int{0}, ids)
		})
	}
}

func TestBackend_Append(t *testing.T) {
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Append(ctx, 3, []string{"a", "b"}))
			require.NoError(t, b.Append(ctx, 3, []string{"c"}))

			got, err := b.Read(ctx, 3)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, got)
		})
	}
}

func TestBackend_ReadMissing(t *testing.T) {
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Read(context.Background(), 42)
			assert.ErrorIs(t, err, ErrFileNotFound)
		})
	}
}

func TestBackend_FilesSorted(t *testing.T) {
	for name, b := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []int{10, 2, 0} {
				require.NoError(t, b.Write(ctx, id, []string{"x"}))
			}
			ids, err := b.Files(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int{0, 2, 10}, ids)
		})
	}
}

func TestDirBackend_SkipsBookkeeping(t *testing.T) {
	dir := t.TempDir()
	b, err := NewDirBackend(dir)
	require.NoError(t, err)

	for _, name := range []string{"__init__.js", "notes.txt", "7.js.bak", ".store-1.tmp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "9.js"), 0o755))
	require.NoError(t, b.Write(context.Background(), 1, []string{"y"}))

	ids, err := b.Files(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids)
}

func TestDirBackend_FileFormat(t *testing.T) {
	dir := t.TempDir()
	b, err := NewDirBackend(dir)
	require.NoError(t, err)

	require.NoError(t, b.Write(context.Background(), 0, []string{"a", "b"}))
	data, err := os.ReadFile(b.Path(0))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))
}
