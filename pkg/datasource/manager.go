package datasource

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/logging"
	"github.com/intellibi/analytics-engine/pkg/retry"
	"github.com/intellibi/analytics-engine/pkg/schema"
)

const cleanupInterval = 1 * time.Minute

// ManagerConfig holds pool sizing and lease behavior.
type ManagerConfig struct {
	PoolOptions PoolOptions
	// LeaseWait bounds how long Lease blocks for a free slot before
	// failing with PoolExhausted.
	LeaseWait time.Duration
}

// Manager owns one connection pool per data source, created lazily on the
// first lease and evicted after IdleTTL without use. Lease slots are
// accounted per data source so a busy pool fails fast instead of queueing
// without bound.
type Manager struct {
	store     *Store
	opts      PoolOptions
	leaseWait time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	pools   map[uuid.UUID]*managedPool
	opening map[uuid.UUID]*poolOpen
	stopped bool

	stopChan chan struct{}

	// onInvalidate runs after a pool is torn down, used to drop cached
	// schema for the data source.
	onInvalidate func(uuid.UUID)
}

type managedPool struct {
	conn Conn
	sem  *semaphore.Weighted

	mu       sync.Mutex
	lastUsed time.Time
	active   int
}

// poolOpen tracks a pool open in flight so concurrent leases on the same
// data source share a single dial.
type poolOpen struct {
	pool *managedPool
	err  error
	done chan struct{}
}

// NewManager creates a manager and starts its idle-eviction goroutine,
// which runs until Close.
func NewManager(store *Store, cfg ManagerConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		store:     store,
		opts:      cfg.PoolOptions,
		leaseWait: cfg.LeaseWait,
		logger:    logger.Named("datasource"),
		pools:     make(map[uuid.UUID]*managedPool),
		opening:   make(map[uuid.UUID]*poolOpen),
		stopChan:  make(chan struct{}),
	}
	go m.evictIdle()
	return m
}

// OnInvalidate registers a callback invoked whenever a data source's pool
// is invalidated or its definition removed.
func (m *Manager) OnInvalidate(fn func(uuid.UUID)) {
	m.onInvalidate = fn
}

// Handle is one leased slot on a data source's pool. Release must be called
// when the caller is done; Release is idempotent.
type Handle struct {
	Conn Conn

	pool     *managedPool
	released bool
	mu       sync.Mutex
}

// Release returns the lease slot to the pool.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.pool.endLease()
	h.pool.sem.Release(1)
}

func (p *managedPool) beginLease() {
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.active++
	p.mu.Unlock()
}

func (p *managedPool) endLease() {
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.active--
	p.mu.Unlock()
}

// Lease acquires a pool slot for a data source, waiting at most the
// configured lease wait. A saturated pool yields PoolExhausted; an
// unreachable data source yields ConnectionError.
func (m *Manager) Lease(ctx context.Context, dataSourceID uuid.UUID) (*Handle, error) {
	pool, err := m.getOrCreatePool(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.leaseWait)
	defer cancel()

	if err := pool.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(apperrors.KindTimeout, ctx.Err(), "lease wait canceled for data source %s", dataSourceID)
		}
		m.logger.Warn("pool exhausted",
			zap.String("datasource_id", dataSourceID.String()),
			zap.Duration("waited", m.leaseWait))
		return nil, apperrors.New(apperrors.KindPoolExhausted,
			"no connection available for data source %s within %s", dataSourceID, m.leaseWait)
	}

	pool.beginLease()
	return &Handle{Conn: pool.conn, pool: pool}, nil
}

// SchemaReader implements schema.ReaderProvider. Schema reads use the pool
// directly without consuming a lease slot; they are short and bounded.
func (m *Manager) SchemaReader(ctx context.Context, dataSourceID uuid.UUID) (schema.Reader, error) {
	pool, err := m.getOrCreatePool(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	return pool.conn, nil
}

// TestConnection opens the pool if needed and pings the data source.
func (m *Manager) TestConnection(ctx context.Context, dataSourceID uuid.UUID) error {
	pool, err := m.getOrCreatePool(ctx, dataSourceID)
	if err != nil {
		return err
	}
	if err := pool.conn.Ping(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindConnection, err, "ping data source %s", dataSourceID)
	}
	return nil
}

func (m *Manager) getOrCreatePool(ctx context.Context, dataSourceID uuid.UUID) (*managedPool, error) {
	m.mu.RLock()
	pool, exists := m.pools[dataSourceID]
	m.mu.RUnlock()
	if exists {
		return pool, nil
	}
	return m.createPool(ctx, dataSourceID)
}

func (m *Manager) createPool(ctx context.Context, dataSourceID uuid.UUID) (*managedPool, error) {
	ds, err := m.store.Get(dataSourceID)
	if err != nil {
		return nil, err
	}
	connector := ConnectorFor(ds.Dialect)
	if connector == nil {
		return nil, apperrors.Validation("no adapter available for dialect %q", ds.Dialect)
	}
	cfg, err := m.store.DecryptedConfig(dataSourceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Double-check after acquiring the write lock.
	if pool, exists := m.pools[dataSourceID]; exists {
		m.mu.Unlock()
		return pool, nil
	}
	if m.stopped {
		m.mu.Unlock()
		return nil, apperrors.New(apperrors.KindConnection, "connection manager is closed")
	}
	// Join an open already in flight for this data source. The lock is
	// never held across the dial itself, so one slow source cannot stall
	// leases on the others.
	if op, inFlight := m.opening[dataSourceID]; inFlight {
		m.mu.Unlock()
		select {
		case <-op.done:
			return op.pool, op.err
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.KindTimeout, ctx.Err(),
				"wait for pool open for data source %s", dataSourceID)
		}
	}
	op := &poolOpen{done: make(chan struct{})}
	m.opening[dataSourceID] = op
	m.mu.Unlock()

	conn, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (Conn, error) {
		return connector.Open(ctx, cfg, m.opts)
	})

	m.mu.Lock()
	delete(m.opening, dataSourceID)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to open pool",
			zap.String("datasource_id", dataSourceID.String()),
			zap.String("dialect", string(ds.Dialect)),
			zap.String("error", logging.SanitizeError(err)))
		op.err = apperrors.Wrap(apperrors.KindConnection, err, "open pool for data source %s", dataSourceID)
		close(op.done)
		return nil, op.err
	}
	if m.stopped {
		m.mu.Unlock()
		conn.Close()
		op.err = apperrors.New(apperrors.KindConnection, "connection manager is closed")
		close(op.done)
		return nil, op.err
	}

	pool := &managedPool{
		conn:     conn,
		sem:      semaphore.NewWeighted(int64(m.opts.MaxConns)),
		lastUsed: time.Now(),
	}
	m.pools[dataSourceID] = pool
	m.mu.Unlock()

	m.logger.Info("opened connection pool",
		zap.String("datasource_id", dataSourceID.String()),
		zap.String("dialect", string(ds.Dialect)),
		zap.Int32("max_conns", m.opts.MaxConns))

	op.pool = pool
	close(op.done)
	return pool, nil
}

// Invalidate tears down a data source's pool. In-flight queries finish on
// the old pool; the next lease opens a fresh one. The invalidation hook
// drops cached schema so stale descriptions cannot outlive the pool.
func (m *Manager) Invalidate(dataSourceID uuid.UUID) {
	m.mu.Lock()
	pool, exists := m.pools[dataSourceID]
	if exists {
		delete(m.pools, dataSourceID)
	}
	m.mu.Unlock()

	if exists {
		pool.conn.Close()
		m.logger.Info("invalidated pool", zap.String("datasource_id", dataSourceID.String()))
	}
	if m.onInvalidate != nil {
		m.onInvalidate(dataSourceID)
	}
}

func (m *Manager) evictIdle() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictIdleOnce()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) evictIdleOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.opts.IdleTTL <= 0 {
		return
	}

	now := time.Now()
	for id, pool := range m.pools {
		pool.mu.Lock()
		idle := now.Sub(pool.lastUsed)
		active := pool.active
		pool.mu.Unlock()

		// A pool with outstanding leases is in use no matter how old its
		// lastUsed stamp is; closing it would kill queries mid-flight.
		if active > 0 {
			continue
		}
		if idle > m.opts.IdleTTL {
			pool.conn.Close()
			delete(m.pools, id)
			m.logger.Debug("evicted idle pool",
				zap.String("datasource_id", id.String()),
				zap.Duration("idle", idle))
		}
	}
}

// Close tears down every pool and stops the eviction goroutine. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true
	close(m.stopChan)

	for id, pool := range m.pools {
		pool.conn.Close()
		delete(m.pools, id)
	}
	m.logger.Info("connection manager closed")
	return nil
}
