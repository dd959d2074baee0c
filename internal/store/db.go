package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gencoord/internal/config"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	applicationName = "gencoord"
	idleConnTimeout = 5 * time.Minute
)

// Connect opens the pool and pings it once.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// poolConfig maps DatabaseConfig onto pgxpool. pgxpool has no idle cap, so
// MaxIdleConns becomes the number of connections kept warm, never more than
// MaxOpenConns.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	idle := cfg.MaxIdleConns
	if idle < 0 {
		idle = 0
	}
	if idle > int(poolCfg.MaxConns) {
		idle = int(poolCfg.MaxConns)
	}
	poolCfg.MinConns = int32(idle)

	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = idleConnTimeout

	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return poolCfg, nil
}

// PoolCollector exports pgxpool statistics.
type PoolCollector struct {
	stat func() *pgxpool.Stat

	total    *prometheus.Desc
	idle     *prometheus.Desc
	acquired *prometheus.Desc
	max      *prometheus.Desc
	waits    *prometheus.Desc
}

// NewPoolCollector reads stats from pool on every scrape.
func NewPoolCollector(pool *pgxpool.Pool) *PoolCollector {
	return &PoolCollector{
		stat:     pool.Stat,
		total:    prometheus.NewDesc("gencoord_db_pool_conns", "Open connections in the pool.", nil, nil),
		idle:     prometheus.NewDesc("gencoord_db_pool_idle_conns", "Idle connections in the pool.", nil, nil),
		acquired: prometheus.NewDesc("gencoord_db_pool_acquired_conns", "Connections currently checked out.", nil, nil),
		max:      prometheus.NewDesc("gencoord_db_pool_max_conns", "Configured pool size.", nil, nil),
		waits:    prometheus.NewDesc("gencoord_db_pool_empty_acquire_total", "Acquires that had to wait for a connection.", nil, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.idle
	ch <- c.acquired
	ch <- c.max
	ch <- c.waits
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
}
