package store

import (
	"context"
	"fmt"
)

// Options selects and configures a storage backend.
type Options struct {
	Backend     string // sqlite, redis, postgres, memory
	SQLitePath  string
	DatabaseURL string
	RedisAddr   string
}

// Open returns the KV for opts.Backend and a function releasing its resources.
func Open(ctx context.Context, opts Options) (KV, func() error, error) {
	noop := func() error { return nil }

	switch opts.Backend {
	case "memory":
		return NewMemory(), noop, nil
	case "redis":
		r := NewRedis(opts.RedisAddr)
		if !r.Healthy(ctx) {
			_ = r.Close()
			return nil, noop, fmt.Errorf("redis at %s not reachable", opts.RedisAddr)
		}
		return NewRedisKV(r.Client, ""), r.Close, nil
	case "postgres", "sqlite", "":
		var (
			db  *DB
			err error
		)
		if opts.Backend == "postgres" {
			db, err = NewDB(ctx, opts.DatabaseURL)
		} else {
			db, err = NewSQLite(ctx, opts.SQLitePath)
		}
		if err != nil {
			return nil, noop, err
		}
		kv, err := NewSQLKV(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return kv, db.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
