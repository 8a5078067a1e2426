package sqlexec

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stepflow/internal/common/errors"
	"stepflow/internal/common/logging"
	"stepflow/internal/common/masking"
)

// DefaultIdleTimeout is how long an unused pool survives before the
// sweeper closes it.
const DefaultIdleTimeout = 10 * time.Minute

// dbPool is the slice of pgxpool.Pool the executor needs; narrowing it
// keeps the pool manager testable.
type dbPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

type poolEntry struct {
	pool     dbPool
	lastUsed time.Time
}

// PoolManager caches one connection pool per distinct connection string.
// Pools are created lazily, evicted on fatal errors, and swept when idle.
type PoolManager struct {
	mu          sync.Mutex
	pools       map[string]*poolEntry
	idleTimeout time.Duration
	logger      logging.Logger

	// newPool is swapped out in tests
	newPool func(ctx context.Context, connString string) (dbPool, error)

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewPoolManager creates an empty pool cache.
func NewPoolManager(idleTimeout time.Duration, logger logging.Logger) *PoolManager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &PoolManager{
		pools:       make(map[string]*poolEntry),
		idleTimeout: idleTimeout,
		logger:      logger,
		newPool: func(ctx context.Context, connString string) (dbPool, error) {
			return pgxpool.New(ctx, connString)
		},
		sweepStop: make(chan struct{}),
	}
}

// Acquire returns the cached pool for connString, creating it on first use.
func (m *PoolManager) Acquire(ctx context.Context, connString string) (dbPool, error) {
	key := SanitizeConnString(connString)

	m.mu.Lock()
	if entry, ok := m.pools[key]; ok {
		entry.lastUsed = time.Now()
		m.mu.Unlock()
		return entry.pool, nil
	}
	m.mu.Unlock()

	// Dial outside the lock; a slow database must not block other pools.
	pool, err := m.newPool(ctx, key)
	if err != nil {
		if _, ok := errors.AsAppError(err); ok {
			return nil, err
		}
		// pgxpool.New fails only at parse time, so the string is bad,
		// not the network
		return nil, errors.ConfigError("invalid connection string " + masking.MaskURL(key) + ": " + err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pools[key]; ok {
		// Another caller won the race
		pool.Close()
		existing.lastUsed = time.Now()
		return existing.pool, nil
	}
	m.pools[key] = &poolEntry{pool: pool, lastUsed: time.Now()}
	m.logger.Debug("opened database pool", logging.String("database", masking.MaskURL(key)))
	return pool, nil
}

// Evict closes and drops the pool for connString. Called after fatal
// errors so the next attempt reconnects fresh.
func (m *PoolManager) Evict(connString string) {
	key := SanitizeConnString(connString)

	m.mu.Lock()
	entry, ok := m.pools[key]
	if ok {
		delete(m.pools, key)
	}
	m.mu.Unlock()

	if ok {
		entry.pool.Close()
		m.logger.Warn("evicted database pool after fatal error",
			logging.String("database", masking.MaskURL(key)))
	}
}

// EvictIdle closes pools unused since before the idle cutoff.
func (m *PoolManager) EvictIdle(now time.Time) int {
	cutoff := now.Add(-m.idleTimeout)

	m.mu.Lock()
	var stale []dbPool
	for key, entry := range m.pools {
		if entry.lastUsed.Before(cutoff) {
			stale = append(stale, entry.pool)
			delete(m.pools, key)
		}
	}
	m.mu.Unlock()

	for _, pool := range stale {
		pool.Close()
	}
	return len(stale)
}

// StartSweeper runs idle eviction on the given interval until Shutdown.
func (m *PoolManager) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if n := m.EvictIdle(now); n > 0 {
					m.logger.Debug("closed idle database pools", logging.Int("count", n))
				}
			case <-m.sweepStop:
				return
			}
		}
	}()
}

// Shutdown stops the sweeper and closes every pool.
func (m *PoolManager) Shutdown() {
	m.sweepOnce.Do(func() { close(m.sweepStop) })

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*poolEntry)
	m.mu.Unlock()

	for _, entry := range pools {
		entry.pool.Close()
	}
}

// Len reports the number of live pools.
func (m *PoolManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools)
}

// SanitizeConnString normalizes a postgres URL into a cache key: the
// postgresql scheme and a database name stripped of characters postgres
// identifiers cannot contain.
func SanitizeConnString(connString string) string {
	parsed, err := url.Parse(connString)
	if err != nil {
		return connString
	}

	if parsed.Scheme == "postgres" {
		parsed.Scheme = "postgresql"
	}

	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName != "" {
		var b strings.Builder
		for _, r := range dbName {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
				r >= '0' && r <= '9', r == '_', r == '-', r == '$':
				b.WriteRune(r)
			}
		}
		parsed.Path = "/" + b.String()
	}

	return parsed.String()
}
