package coordinator

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Sh00ty/site-dispatcher/internal/metrics"
	"github.com/Sh00ty/site-dispatcher/internal/models"
)

type SiteRegistry interface {
	Lookup(id models.SiteID) (models.Site, error)
}

type SiteClient interface {
	Deploy(ctx context.Context, site models.Site, req models.DeploymentRequest) models.DeploymentResult
	Stop(ctx context.Context, site models.Site, serviceID string) models.StopResult
	Metrics(ctx context.Context, site models.Site) ([]models.InstanceMetric, error)
}

type DeploymentLog interface {
	Append(result models.DeploymentResult)
	Get(requestID string) (models.DeploymentResult, bool)
	List() []models.DeploymentResult
}

type Refresher interface {
	Trigger()
	Refresh(ctx context.Context) (map[models.SiteID]models.SiteStatus, error)
}

type StatusReader interface {
	GetAll() map[models.SiteID]models.SiteStatus
}

func NewCoordinator(
	registry SiteRegistry,
	client SiteClient,
	deployLog DeploymentLog,
	refresher Refresher,
	statuses StatusReader,
	m metrics.Metrics,
) *Coordinator {
	return &Coordinator{
		registry:  registry,
		client:    client,
		deployLog: deployLog,
		refresher: refresher,
		statuses:  statuses,
		metrics:   m,
	}
}

type Coordinator struct {
	registry  SiteRegistry
	client    SiteClient
	deployLog DeploymentLog
	refresher Refresher
	statuses  StatusReader
	metrics   metrics.Metrics
	inflight  singleflight.Group
}

// Submit validates and dispatches a deployment. Only validation and unknown
// site errors are returned, a failed dispatch is a result with Success=false.
// A request id that already succeeded is answered from the log.
func (c *Coordinator) Submit(ctx context.Context, req models.DeploymentRequest) (models.DeploymentResult, error) {
	if err := req.Validate(); err != nil {
		return models.DeploymentResult{}, err
	}
	site, err := c.registry.Lookup(req.TargetSiteID)
	if err != nil {
		return models.DeploymentResult{}, err
	}
	if req.RequestID == "" {
		req.RequestID, err = uuid.GenerateUUID()
		if err != nil {
			return models.DeploymentResult{}, fmt.Errorf("failed to generate request id: %w", err)
		}
	}
	if prev, ok, err := c.recorded(req); ok || err != nil {
		return prev, err
	}

	v, err, shared := c.inflight.Do(req.RequestID, func() (any, error) {
		if prev, ok, err := c.recorded(req); ok || err != nil {
			return prev, err
		}
		return c.dispatch(ctx, site, req), nil
	})
	if err != nil {
		return models.DeploymentResult{}, err
	}
	result := v.(models.DeploymentResult)
	if shared && !sameRequest(result.Request, req) {
		return models.DeploymentResult{}, conflictError(req.RequestID)
	}
	return result, nil
}

func (c *Coordinator) recorded(req models.DeploymentRequest) (models.DeploymentResult, bool, error) {
	prev, ok := c.deployLog.Get(req.RequestID)
	if !ok || !prev.Success {
		return models.DeploymentResult{}, false, nil
	}
	if !sameRequest(prev.Request, req) {
		return models.DeploymentResult{}, false, conflictError(req.RequestID)
	}
	c.metrics.Increment(metrics.DeployDeduplicated)
	log.Info().Msgf("request %s already deployed to %s as %s", req.RequestID, prev.SiteID, prev.RemoteIdentifier)
	return prev, true, nil
}

func (c *Coordinator) dispatch(ctx context.Context, site models.Site, req models.DeploymentRequest) models.DeploymentResult {
	// a sent deploy must be recorded even if the caller went away
	ctx = context.WithoutCancel(ctx)

	ts := time.Now()
	result := c.client.Deploy(ctx, site, req)
	c.metrics.Duration(metrics.DeployDuration, time.Since(ts))

	c.deployLog.Append(result)
	if result.Success {
		c.metrics.Increment(metrics.DeploySuccess)
		log.Info().Msgf("request %s: deployed %d instances of %s to %s as %s, cost %d",
			req.RequestID, req.InstanceCount, req.ServiceID, site.ID, result.RemoteIdentifier, result.Cost)
	} else {
		c.metrics.Increment(metrics.DeployFailure)
		log.Warn().Msgf("request %s: failed to deploy %s to %s: %s",
			req.RequestID, req.ServiceID, site.ID, result.ErrorMessage)
	}
	c.refresher.Trigger()
	return result
}

func (c *Coordinator) Stop(ctx context.Context, req models.StopRequest) (models.StopResult, error) {
	if err := req.Validate(); err != nil {
		return models.StopResult{}, err
	}
	site, err := c.registry.Lookup(req.TargetSiteID)
	if err != nil {
		return models.StopResult{}, err
	}

	result := c.client.Stop(ctx, site, req.ServiceID)
	if result.Success {
		c.metrics.Increment(metrics.StopSuccess)
		log.Info().Msgf("stopped %s on %s (already stopped: %t)", req.ServiceID, site.ID, result.AlreadyStopped)
	} else {
		c.metrics.Increment(metrics.StopFailure)
		log.Warn().Msgf("failed to stop %s on %s: %s", req.ServiceID, site.ID, result.Message)
	}
	c.refresher.Trigger()
	return result, nil
}

// SiteMetrics returns the live instance listing of one site.
func (c *Coordinator) SiteMetrics(ctx context.Context, siteID models.SiteID) ([]models.InstanceMetric, error) {
	site, err := c.registry.Lookup(siteID)
	if err != nil {
		return nil, err
	}
	return c.client.Metrics(ctx, site)
}

type candidate struct {
	siteID models.SiteID
	inst   models.InstanceMetric
}

// Select picks the cheapest running instance of a service within the
// request limits, lower delay wins a cost tie. Instances come from the
// published snapshot. When it has none of the service a refresh is run once.
func (c *Coordinator) Select(ctx context.Context, req models.SelectRequest) (models.Selection, error) {
	if err := req.Validate(); err != nil {
		return models.Selection{}, err
	}

	candidates := runningInstances(c.statuses.GetAll(), req.ServiceID)
	if len(candidates) == 0 {
		log.Info().Msgf("no cached instances of %s, refreshing sites", req.ServiceID)
		refreshed, err := c.refresher.Refresh(ctx)
		if err != nil {
			return models.Selection{}, fmt.Errorf("failed to refresh site statuses: %w", err)
		}
		candidates = runningInstances(refreshed, req.ServiceID)
	}

	qualified := make([]candidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand.inst.Cost <= req.MaxAcceptCost && cand.inst.Delay <= req.MaxAcceptDelay {
			qualified = append(qualified, cand)
		}
	}
	if len(qualified) == 0 {
		c.metrics.Increment(metrics.SelectRejected)
		return models.Selection{}, &models.NoQualifyingInstanceError{ServiceID: req.ServiceID, Running: len(candidates)}
	}

	slices.SortFunc(qualified, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(a.inst.Cost, b.inst.Cost),
			cmp.Compare(a.inst.Delay, b.inst.Delay),
			cmp.Compare(a.siteID, b.siteID),
			cmp.Compare(a.inst.CSCIID, b.inst.CSCIID),
		)
	})
	best := qualified[0]
	c.metrics.Increment(metrics.SelectSuccess)
	log.Debug().Msgf("selected %s on %s for %s: cost %d, delay %d",
		best.inst.CSCIID, best.siteID, req.ServiceID, best.inst.Cost, best.inst.Delay)
	return models.Selection{
		ServiceID:    best.inst.ServiceID,
		SiteID:       best.siteID,
		CSCIID:       best.inst.CSCIID,
		Cost:         best.inst.Cost,
		Delay:        best.inst.Delay,
		AvailableGas: best.inst.Gas,
		DecidedAt:    time.Now(),
	}, nil
}

func runningInstances(statuses map[models.SiteID]models.SiteStatus, serviceID string) []candidate {
	result := make([]candidate, 0)
	for siteID, st := range statuses {
		if !st.IsHealthy() || st.Usage == nil {
			continue
		}
		for _, inst := range st.Instances {
			if inst.ServiceID == serviceID {
				result = append(result, candidate{siteID: siteID, inst: inst})
			}
		}
	}
	return result
}

func (c *Coordinator) History() []models.DeploymentResult {
	return c.deployLog.List()
}

func sameRequest(a, b models.DeploymentRequest) bool {
	return a.ServiceID == b.ServiceID &&
		a.TargetSiteID == b.TargetSiteID &&
		a.InstanceCount == b.InstanceCount
}

func conflictError(requestID string) error {
	return &models.ValidationError{
		Field:  "request_id",
		Reason: fmt.Sprintf("request id %q was already used for a different deployment", requestID),
	}
}
