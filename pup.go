// Package pup exposes the supervision core for embedding. The CLI in cmd/pup
// is a thin consumer of this same surface.
package pup

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pupteam/pup/internal/config"
	"github.com/pupteam/pup/internal/core"
	"github.com/pupteam/pup/internal/eventlog"
	eventlog_factory "github.com/pupteam/pup/internal/eventlog/factory"
	"github.com/pupteam/pup/internal/httpapi"
	"github.com/pupteam/pup/internal/ipc"
	"github.com/pupteam/pup/internal/logger"
	"github.com/pupteam/pup/internal/metrics"
	"github.com/pupteam/pup/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Plan = config.Plan

type ProcessSpec = config.ProcessSpec

type Status = supervisor.Status

type ConfigError = config.ConfigError

type EventSink = eventlog.Sink

// LoadPlan reads and validates a configuration file.
func LoadPlan(path string) (*Plan, error) { return config.Load(path) }

// Pup is a thin facade over the internal core for embedding.
type Pup struct {
	inner *core.Core
}

// New builds a core from a loaded plan. log may be nil for defaults.
func New(plan *Plan, log *slog.Logger) (*Pup, error) {
	if log == nil {
		log = logger.New(logger.Config{Level: plan.LogLevel, Colors: plan.Logger.Colors})
	}
	c, err := core.New(plan, log)
	if err != nil {
		return nil, err
	}
	return &Pup{inner: c}, nil
}

// Run supervises until Terminate; it returns after every child is reaped.
func (p *Pup) Run(ctx context.Context) error { return p.inner.Run(ctx) }

// Terminate starts global shutdown; a second call force-kills.
func (p *Pup) Terminate() { p.inner.Terminate() }

// Command applies one operator command (start, stop, restart, block,
// unblock) to the process named id.
func (p *Pup) Command(typ, id string) error { return p.inner.Command(typ, id) }

// StatusAll snapshots every supervisor in plan order.
func (p *Pup) StatusAll() []Status { return p.inner.StatusAll() }

// APIHandler returns the HTTP control surface for mounting in a custom server.
func (p *Pup) APIHandler(basePath string) http.Handler {
	return httpapi.NewRouter(p.inner, basePath).Handler()
}

// DialBus connects to a running core's command bus.
func DialBus(path string) (*ipc.Client, error) { return ipc.Dial(path) }

// NewEventSink creates a lifecycle-event sink from a DSN
// (sqlite://, postgres://, clickhouse://).
func NewEventSink(dsn string) (EventSink, error) { return eventlog_factory.NewSinkFromDSN(dsn) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves /metrics content for the default registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
