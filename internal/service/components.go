// Package service assembles the daemon's components from configuration
// and owns their shutdown order. The cmd layer stays thin; everything
// that knows how pieces fit together lives here.
package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xkilldash9x/warden/internal/bus"
	"github.com/xkilldash9x/warden/internal/config"
	"github.com/xkilldash9x/warden/internal/gateway"
	"github.com/xkilldash9x/warden/internal/ingress"
	"github.com/xkilldash9x/warden/internal/intel"
	"github.com/xkilldash9x/warden/internal/killswitch"
	"github.com/xkilldash9x/warden/internal/monitor"
	"github.com/xkilldash9x/warden/internal/observability"
	"github.com/xkilldash9x/warden/internal/policy"
	"github.com/xkilldash9x/warden/internal/store"
	"go.uber.org/zap"
)

// Components holds every initialized service the daemon runs.
type Components struct {
	Store      store.Store
	Bus        *bus.Bus
	Policy     *policy.Engine
	Intel      *intel.Intelligence
	KillSwitch *killswitch.Switch
	Monitor    *monitor.Monitor
	Gateway    *gateway.Connector
	Ingress    *ingress.Server
	Metrics    *observability.Metrics
	Registry   *prometheus.Registry

	dbPool *pgxpool.Pool
	log    *zap.Logger
}

// Build wires the full dependency graph: config → store (pg or memory) →
// bus → policy → intel → kill switch → monitor → gateway → ingress.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{log: logger.Named("service")}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		pg, err := store.NewPG(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		c.dbPool = pool
		c.Store = pg
	} else {
		c.log.Info("No database configured, using the in-memory store")
		c.Store = store.NewMem()
	}

	c.Bus = bus.New(logger, cfg.Bus.BufferSize)

	doc := policy.Default()
	if cfg.Policy.Path != "" {
		loaded, err := policy.LoadFile(cfg.Policy.Path)
		if err != nil {
			c.Shutdown()
			return nil, fmt.Errorf("failed to load policy document: %w", err)
		}
		doc = loaded
	}
	c.Policy = policy.NewEngine(doc, logger)

	c.Registry = prometheus.NewRegistry()
	c.Metrics = observability.NewMetrics(c.Registry)

	c.Intel = intel.New(c.Store, logger)
	c.KillSwitch = killswitch.New(c.Store, c.Bus, c.Metrics, logger)
	c.Monitor = monitor.New(c.Policy, c.Intel, c.Store, c.Bus, c.KillSwitch, c.Metrics, cfg.Monitor.AutoKill, logger)
	c.Ingress = ingress.New(cfg.Ingress.Addr, c.Monitor, c.KillSwitch, logger)

	if cfg.Gateway.Enabled {
		c.Gateway = gateway.New(cfg.Gateway, c.Bus, c.Metrics, logger)
	}

	return c, nil
}

// Shutdown releases resources in reverse dependency order. Safe to call
// on a partially built set.
func (c *Components) Shutdown() {
	if c.Gateway != nil {
		c.Gateway.Close()
	}
	if c.Bus != nil {
		c.Bus.Shutdown()
	}
	if c.dbPool != nil {
		c.dbPool.Close()
	}
	c.log.Info("Components shut down")
}
