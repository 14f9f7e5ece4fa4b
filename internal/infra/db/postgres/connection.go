package postgres

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"kb-research-agent/internal/infra/metrics"
)

// Connect returns a live *pgxpool.Pool or an error after a short timeout.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return pgxpool.Connect(ctx, url)
}

// NewPgxPool connects with an explicit max connection count.
func NewPgxPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return pgxpool.ConnectConfig(ctx, cfg)
}

// MustConnectPostgres returns a live *pgxpool.Pool or fatals.
func MustConnectPostgres(url string) *pgxpool.Pool {
	if url == "" {
		log.Fatal("database url is required")
	}
	pool, err := Connect(context.Background(), url)
	if err != nil {
		log.Fatalf("pgxpool.Connect failed: %v", err)
	}
	return pool
}

// StartPoolMetrics feeds pool statistics into the db_pool_stats gauge until
// ctx is cancelled.
func StartPoolMetrics(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				st := pool.Stat()
				metrics.SetDBPoolStats(st.TotalConns(), st.IdleConns(), st.AcquiredConns())
			}
		}
	}()
}
