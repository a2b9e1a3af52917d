// Package recovery persists guidance progress, the auto-reconnect intent and
// the session resumption token across disconnects and process restarts.
//
// Backends implement the small Store contract; Bridge layers encoding,
// scoping, expiry and best-effort error handling on top.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record is one stored value.
type Record struct {
	Value   []byte
	SavedAt time.Time
	// ExpiresAt is zero for records that never expire.
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is a keyed record store. Get reports found=false for missing or
// expired keys.
type Store interface {
	Put(ctx context.Context, key string, rec Record) error
	Get(ctx context.Context, key string) (rec Record, found bool, err error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	SQLitePath  string
	PostgresDSN string
	RedisAddr   string
	RedisURL    string
	// Fallback, when set, layers a local SQLite store under a remote
	// primary so progress survives a lost network.
	Fallback string
}

// Open constructs the configured store.
func Open(ctx context.Context, opts Options) (Store, error) {
	primary, err := open(ctx, opts.Backend, opts)
	if err != nil {
		return nil, err
	}
	if opts.Fallback == "" || opts.Fallback == opts.Backend {
		return primary, nil
	}
	secondary, err := open(ctx, opts.Fallback, opts)
	if err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("fallback store: %w", err)
	}
	return NewLayered(primary, secondary), nil
}

func open(ctx context.Context, backend string, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(nil), nil
	case BackendSQLite:
		return OpenSQLite(ctx, opts.SQLitePath)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.PostgresDSN)
	case BackendRedis:
		return OpenRedis(ctx, opts.RedisAddr, opts.RedisURL)
	default:
		return nil, fmt.Errorf("unknown recovery backend %q", backend)
	}
}
