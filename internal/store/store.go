// Package store is the Store Gateway: repository-style access to the four
// durable entities (operations, executions, detection_executions,
// detection_results). It owns all row lifetimes; broker messages carry only
// UUID references into this store.
//
// Every logical event runs inside one database transaction via WithinTx.
// Idempotence is enforced here (unique keys + ON CONFLICT, compare-and-set
// status transitions), which is what makes the broker's at-least-once
// delivery safe for the rest of the engine.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/purpleops/checking-engine/internal/config"
)

// Gateway wraps the shared connection pool. One Gateway per process.
type Gateway struct {
	db        *sql.DB
	txTimeout time.Duration
	logger    *log.Logger
}

// Open connects to Postgres and configures the pool from config.
func Open(cfg config.DatabaseConfig) (*Gateway, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMin)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", classify(err))
	}

	txTimeout := cfg.TxTimeout
	if txTimeout <= 0 {
		txTimeout = 10 * time.Second
	}

	g := &Gateway{
		db:        db,
		txTimeout: txTimeout,
		logger:    log.New(log.Writer(), "[Store] ", log.LstdFlags),
	}
	g.logger.Printf("✅ Connected to Postgres (pool %d-%d)", cfg.PoolMin, cfg.PoolMax)
	return g, nil
}

// Close releases the connection pool.
func (g *Gateway) Close() error {
	g.logger.Printf("🔌 Closing Postgres pool")
	return g.db.Close()
}

// Ping verifies database reachability; used by /healthz.
func (g *Gateway) Ping(ctx context.Context) error {
	return classify(g.db.PingContext(ctx))
}

// Tx exposes the mutators that must share a transaction. Obtained only
// through WithinTx.
type Tx struct {
	tx *sql.Tx
}

// WithinTx runs fn inside a single transaction bounded by the configured
// transaction timeout. fn returning an error rolls everything back; the
// store is unchanged and the caller nacks its message.
func (g *Gateway) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.txTimeout)
	defer cancel()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}

	if err := fn(ctx, &Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			g.logger.Printf("⚠️  Rollback failed: %v (original error: %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	return nil
}
