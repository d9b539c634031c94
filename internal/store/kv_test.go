package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "queue", []byte(`[{"id":"a"}]`)))
	got, err := kv.Get(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a"}]`, string(got))

	require.NoError(t, kv.Set(ctx, "queue", []byte(`[]`)))
	got, err = kv.Get(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))

	require.NoError(t, kv.Remove(ctx, "queue"))
	_, err = kv.Get(ctx, "queue")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Remove(ctx, "queue"), "removing a missing key")
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemory())
}

func TestMemoryKVCopiesValues(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	buf := []byte("abc")
	require.NoError(t, kv.Set(ctx, "k", buf))
	buf[0] = 'x'

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[1] = 'y'
	again, _ := kv.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestSQLiteKV(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "agent.db")

	db, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	kv, err := NewSQLKV(ctx, db)
	require.NoError(t, err)
	exerciseKV(t, kv)
}

func TestSQLiteKVSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.db")

	db, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	kv, err := NewSQLKV(ctx, db)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "attendance_offline_queue", []byte(`["x"]`)))
	require.NoError(t, db.Close())

	db, err = NewSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	kv, err = NewSQLKV(ctx, db)
	require.NoError(t, err)

	got, err := kv.Get(ctx, "attendance_offline_queue")
	require.NoError(t, err)
	assert.Equal(t, `["x"]`, string(got))
}

func TestPostgresKV(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	kv, err := NewSQLKV(ctx, db)
	require.NoError(t, err)
	exerciseKV(t, kv)
}

func TestRedisKV(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	r := NewRedis(addr)
	t.Cleanup(func() { _ = r.Close() })
	require.True(t, r.Healthy(context.Background()))

	exerciseKV(t, NewRedisKV(r.Client, "fieldtrack-test:"))
}

func TestBindRewritesPlaceholdersForSQLite(t *testing.T) {
	kv := &SQLKV{dialect: DialectSQLite}
	assert.Equal(t, "SELECT a FROM t WHERE x = ? AND y = ?", kv.bind("SELECT a FROM t WHERE x = $1 AND y = $12"))

	pg := &SQLKV{dialect: DialectPostgres}
	assert.Equal(t, "WHERE x = $1", pg.bind("WHERE x = $1"))
}

func TestOpenMemoryAndUnknown(t *testing.T) {
	ctx := context.Background()
	kv, closeFn, err := Open(ctx, Options{Backend: "memory"})
	require.NoError(t, err)
	require.NotNil(t, kv)
	assert.NoError(t, closeFn())

	_, _, err = Open(ctx, Options{Backend: "floppy"})
	assert.Error(t, err)
}
