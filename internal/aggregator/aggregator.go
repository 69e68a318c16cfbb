package aggregator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/site-dispatcher/internal/executor"
	"github.com/Sh00ty/site-dispatcher/internal/metrics"
	"github.com/Sh00ty/site-dispatcher/internal/models"
)

var ErrCycleDeadline = errors.New("refresh cycle deadline exceeded")

type SiteLister interface {
	List() []models.Site
}

type TaskExecutor interface {
	Execute(task executor.Task) error
}

type StatusStore interface {
	Get(id models.SiteID) (models.SiteStatus, bool)
	Swap(statuses []models.SiteStatus)
}

type Settings struct {
	// CycleTimeout bounds a whole refresh cycle.
	CycleTimeout time.Duration
}

// Aggregator polls every registered site and publishes one snapshot per cycle.
// At most one cycle runs at a time.
type Aggregator struct {
	ctx          context.Context
	sites        SiteLister
	executor     TaskExecutor
	cache        StatusStore
	metrics      metrics.Metrics
	cycleTimeout time.Duration

	sem     chan struct{}
	pending atomic.Bool

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New keeps ctx for cycles started by Trigger.
func New(
	ctx context.Context,
	sites SiteLister,
	exec TaskExecutor,
	cache StatusStore,
	m metrics.Metrics,
	settings Settings,
) *Aggregator {
	if settings.CycleTimeout == 0 {
		settings.CycleTimeout = 10 * time.Second
	}
	return &Aggregator{
		ctx:          ctx,
		sites:        sites,
		executor:     exec,
		cache:        cache,
		metrics:      m,
		cycleTimeout: settings.CycleTimeout,
		sem:          make(chan struct{}, 1),
	}
}

// Refresh waits for any running cycle, then runs a new one and returns what it published.
func (a *Aggregator) Refresh(ctx context.Context) (map[models.SiteID]models.SiteStatus, error) {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// this cycle serves every trigger that came before it
	a.pending.Store(false)
	published := a.runCycle(ctx)
	<-a.sem

	if a.pending.Load() {
		a.kick()
	}
	return published, nil
}

// Trigger asks for a refresh without waiting for it. Triggers that arrive
// while a cycle is running are served by one follow-up cycle.
func (a *Aggregator) Trigger() {
	a.pending.Store(true)
	a.kick()
}

func (a *Aggregator) kick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.sem <- struct{}{}:
	default:
		a.metrics.Increment(metrics.RefreshCoalesced)
		return
	}
	a.wg.Add(1)
	go a.drain()
}

func (a *Aggregator) drain() {
	defer a.wg.Done()
	for a.ctx.Err() == nil && a.pending.CompareAndSwap(true, false) {
		a.runCycle(a.ctx)
	}
	<-a.sem

	if a.pending.Load() && a.ctx.Err() == nil {
		a.kick()
	}
}

// Close waits for background cycles. Later triggers are ignored.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Aggregator) runCycle(ctx context.Context) map[models.SiteID]models.SiteStatus {
	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, a.cycleTimeout)
	defer cancel()

	sites := a.sites.List()
	results := make(chan models.SiteStatus, len(sites))
	submitted := 0
	for _, site := range sites {
		err := a.executor.Execute(executor.Task{Ctx: cycleCtx, Site: site, Result: results})
		if err != nil {
			log.Warn().Err(err).Msgf("failed to schedule health check of site %s", site.ID)
			if cycleCtx.Err() != nil {
				break
			}
			continue
		}
		submitted++
	}

	collected := make(map[models.SiteID]models.SiteStatus, len(sites))
collect:
	for submitted > 0 {
		select {
		case st := <-results:
			collected[st.SiteID] = st
			submitted--
		case <-cycleCtx.Done():
			break collect
		}
	}
	// abandoned checks stop here
	cancel()

	now := time.Now()
	statuses := make([]models.SiteStatus, 0, len(sites))
	published := make(map[models.SiteID]models.SiteStatus, len(sites))
	healthy, abandoned := 0, 0
	for _, site := range sites {
		st, ok := collected[site.ID]
		if !ok {
			abandoned++
			st, ok = a.cache.Get(site.ID)
			if !ok {
				st = models.DownStatus(site.ID, now, ErrCycleDeadline)
			}
		}
		if st.IsHealthy() {
			healthy++
		}
		statuses = append(statuses, st)
		published[site.ID] = st
	}
	a.cache.Swap(statuses)

	a.metrics.Increment(metrics.RefreshCycle)
	a.metrics.Duration(metrics.RefreshCycleDuration, time.Since(start))
	a.metrics.Gauge(metrics.SitesHealthy, healthy)
	a.metrics.Gauge(metrics.SitesDown, len(sites)-healthy)
	if abandoned > 0 {
		a.metrics.Gauge(metrics.RefreshAbandoned, abandoned)
		log.Warn().Msgf("refresh cycle abandoned %d of %d sites after %s", abandoned, len(sites), time.Since(start))
	}
	log.Debug().Msgf("refresh cycle done: %d/%d sites healthy in %s", healthy, len(sites), time.Since(start))
	return published
}
