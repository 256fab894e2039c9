// Package cluster fans one logical process out to N replica supervisors and,
// when a path mapping is declared, fronts them with an HTTP load balancer
// that only dispatches to replicas whose supervisor is RUNNING.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pupteam/pup/internal/config"
	"github.com/pupteam/pup/internal/metrics"
	"github.com/pupteam/pup/internal/supervisor"
)

// Cluster owns N supervisors presenting one logical process.
type Cluster struct {
	baseID string
	spec   config.ProcessSpec
	log    *slog.Logger
	sups   []*supervisor.Supervisor

	mu      sync.Mutex
	states  []supervisor.State
	rr      int
	targets []*middleware.ProxyTarget

	front *echo.Echo
}

// New builds the replica supervisors. sup options are produced by mkOpts so
// the core keeps ownership of logger/sink/recorder wiring.
func New(spec config.ProcessSpec, mkOpts func(inst int, instSpec config.ProcessSpec, onState func(int, supervisor.State)) supervisor.Options, log *slog.Logger) (*Cluster, error) {
	n := spec.Instances
	c := &Cluster{
		baseID: spec.ID,
		spec:   spec,
		log:    log.With("cluster", spec.ID),
		states: make([]supervisor.State, n),
	}
	for i := 0; i < n; i++ {
		inst := spec
		inst.ID = fmt.Sprintf("%s-%d", spec.ID, i)
		if spec.Port != 0 {
			inst.Port = spec.Port + i
		}
		opts := mkOpts(i, inst, c.onState)
		c.sups = append(c.sups, supervisor.New(opts))
	}
	if spec.Path != "" {
		for i := 0; i < n; i++ {
			u, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", spec.Port+i))
			if err != nil {
				return nil, err
			}
			c.targets = append(c.targets, &middleware.ProxyTarget{Name: fmt.Sprintf("%s-%d", spec.ID, i), URL: u})
		}
		c.front = c.buildFront()
	}
	return c, nil
}

// Supervisors exposes the replicas for command routing and status.
func (c *Cluster) Supervisors() []*supervisor.Supervisor { return c.sups }

// BaseID returns the logical process id.
func (c *Cluster) BaseID() string { return c.baseID }

// Run starts the balancer front (when declared) and the replica supervisors,
// and blocks until ctx is cancelled and every replica has shut down.
func (c *Cluster) Run(ctx context.Context, force <-chan struct{}) {
	var wg sync.WaitGroup
	for _, s := range c.sups {
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			s.Run(ctx, force)
		}(s)
	}
	if c.front != nil {
		go func() {
			if err := c.front.Start(c.spec.Listen); err != nil && err != http.ErrServerClosed {
				c.log.Error("load balancer front failed", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = c.front.Shutdown(sctx)
		}()
	}
	wg.Wait()
}

// onState is invoked synchronously from each replica's run loop so the
// balancer never dispatches to a replica it has not yet seen die.
func (c *Cluster) onState(inst int, st supervisor.State) {
	c.mu.Lock()
	c.states[inst] = st
	running := 0
	for _, s := range c.states {
		if s == supervisor.StateRunning {
			running++
		}
	}
	c.mu.Unlock()
	metrics.SetRunningReplicas(c.baseID, running)
}

func (c *Cluster) hasRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.states {
		if s == supervisor.StateRunning {
			return true
		}
	}
	return false
}

// pickRunning returns the next RUNNING replica in round-robin order, or nil
// when no replica can take traffic.
func (c *Cluster) pickRunning() *middleware.ProxyTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.targets)
	for i := 0; i < n; i++ {
		idx := (c.rr + i) % n
		if c.states[idx] == supervisor.StateRunning {
			c.rr = idx + 1
			return c.targets[idx]
		}
	}
	return nil
}

func (c *Cluster) buildFront() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	prefix := strings.TrimSuffix(c.spec.Path, "/")
	balancer := &runningBalancer{c: c}

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			p := ec.Request().URL.Path
			if prefix != "" && p != prefix && !strings.HasPrefix(p, prefix+"/") {
				metrics.IncLBRequest(c.baseID, "unmatched")
				return echo.NewHTTPError(http.StatusNotFound)
			}
			if !c.hasRunning() {
				metrics.IncLBRequest(c.baseID, "refused")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "no running replica")
			}
			metrics.IncLBRequest(c.baseID, "dispatched")
			return next(ec)
		}
	})
	e.Use(middleware.ProxyWithConfig(middleware.ProxyConfig{Balancer: balancer}))
	return e
}

// runningBalancer implements echo's ProxyBalancer over the replica set. The
// target list is fixed at build time; eligibility is re-evaluated per call.
type runningBalancer struct {
	c *Cluster
}

func (b *runningBalancer) AddTarget(*middleware.ProxyTarget) bool { return false }

func (b *runningBalancer) RemoveTarget(string) bool { return false }

func (b *runningBalancer) Next(ec echo.Context) *middleware.ProxyTarget {
	if t := b.c.pickRunning(); t != nil {
		return t
	}
	// the guard middleware already refused empty sets; a replica that died
	// in between still gets a target so the proxy can fail the request
	return b.c.targets[0]
}
