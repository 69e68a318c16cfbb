package siteagent

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Settings struct {
	SiteID          string
	PublicURL       string
	TotalResource   int
	ResourcePerCost int
	// ServiceUnits is the resource taken by one instance of a service.
	ServiceUnits map[string]int
	// DefaultUnits is used for services missing in ServiceUnits. Zero rejects them.
	DefaultUnits int
}

func DefaultServiceUnits() map[string]int {
	return map[string]int{
		"ar-vr":              60,
		"traffic-monitoring": 15,
		"face-recognition":   50,
		"speech-to-text":     30,
	}
}

type InsufficientResourcesError struct {
	Used      int
	Total     int
	Need      int
	Remaining int
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient resources: used %d/%d units, need %d, remaining %d",
		e.Used, e.Total, e.Need, e.Remaining)
}

type UnsupportedServiceError struct {
	ServiceID string
}

func (e *UnsupportedServiceError) Error() string {
	return fmt.Sprintf("unsupported service %q: no resource units configured", e.ServiceID)
}

type DeployRequest struct {
	RequestID string
	ServiceID string
	Gas       int
}

type Resources struct {
	Total     int
	Used      int
	Remaining int
	UsageRate float64
}

// Agent accounts the resources of one site. Deploys and stops are serialized.
type Agent struct {
	settings Settings
	store    *Store
	now      func() time.Time

	mu         sync.Mutex
	used       int
	lastMillis int64
}

func NewAgent(ctx context.Context, store *Store, settings Settings) (*Agent, error) {
	if settings.TotalResource <= 0 {
		return nil, fmt.Errorf("total resource must be positive, got %d", settings.TotalResource)
	}
	if settings.ResourcePerCost <= 0 {
		return nil, fmt.Errorf("resource per cost must be positive, got %d", settings.ResourcePerCost)
	}
	if settings.ServiceUnits == nil {
		settings.ServiceUnits = DefaultServiceUnits()
	}
	used, err := store.UsedUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load used resources: %w", err)
	}
	log.Info().Msgf("site %s: loaded used resources %d/%d units", settings.SiteID, used, settings.TotalResource)
	return &Agent{
		settings: settings,
		store:    store,
		now:      time.Now,
		used:     used,
	}, nil
}

func (a *Agent) SiteID() string {
	return a.settings.SiteID
}

func (a *Agent) ResourcePerCost() int {
	return a.settings.ResourcePerCost
}

func (a *Agent) unitsPerInstance(serviceID string) (int, error) {
	if units, ok := a.settings.ServiceUnits[serviceID]; ok && units > 0 {
		return units, nil
	}
	if a.settings.DefaultUnits > 0 {
		return a.settings.DefaultUnits, nil
	}
	return 0, &UnsupportedServiceError{ServiceID: serviceID}
}

// Cost is one unit per started ResourcePerCost units, at least one.
func (a *Agent) Cost(units int) int {
	if units <= 0 {
		return 1
	}
	cost := units / a.settings.ResourcePerCost
	if units%a.settings.ResourcePerCost != 0 {
		cost++
	}
	return cost
}

func simulatedDelay(gas int) int {
	return 10 + gas%10
}

// Deploy places gas instances of a service. A repeated request id returns
// the instance group created by the first request.
func (a *Agent) Deploy(ctx context.Context, req DeployRequest) (Instance, bool, error) {
	if req.Gas < 1 {
		return Instance{}, false, fmt.Errorf("gas must be at least 1, got %d", req.Gas)
	}
	units, err := a.unitsPerInstance(req.ServiceID)
	if err != nil {
		return Instance{}, false, err
	}
	// Saturates instead of wrapping, the result is only compared to remaining.
	need := math.MaxInt
	if req.Gas <= math.MaxInt/units {
		need = units * req.Gas
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if req.RequestID != "" {
		inst, found, err := a.store.FindByRequestID(ctx, req.RequestID)
		if err != nil {
			return Instance{}, false, err
		}
		if found {
			return inst, true, nil
		}
	}

	remaining := a.settings.TotalResource - a.used
	if need > remaining {
		return Instance{}, false, &InsufficientResourcesError{
			Used:      a.used,
			Total:     a.settings.TotalResource,
			Need:      need,
			Remaining: remaining,
		}
	}

	now := a.now()
	millis := max(now.UnixMilli(), a.lastMillis+1)
	a.lastMillis = millis
	instanceID := fmt.Sprintf("%s-%s-%d", req.ServiceID, a.settings.SiteID, millis)

	inst := Instance{
		ID:               instanceID,
		RequestID:        req.RequestID,
		ServiceID:        req.ServiceID,
		Gas:              req.Gas,
		Cost:             a.Cost(need),
		CSCIID:           strings.TrimRight(a.settings.PublicURL, "/") + "/" + instanceID,
		Delay:            simulatedDelay(req.Gas),
		UnitsPerInstance: units,
		TotalUnits:       need,
		CreatedAt:        now,
	}
	if err = a.store.Insert(ctx, inst); err != nil {
		return Instance{}, false, err
	}
	a.used += need
	log.Info().Msgf("deployed %s: %d instances of %s, cost %d, %d units", inst.ID, inst.Gas, inst.ServiceID, inst.Cost, need)
	return inst, false, nil
}

// Stop removes every instance group of a service. Stopping a service that is
// not running returns zero groups and no error.
func (a *Agent) Stop(ctx context.Context, serviceID string) (int, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	groups, freed, err := a.store.DeleteService(ctx, serviceID)
	if err != nil {
		return 0, 0, err
	}
	a.used -= freed
	if a.used < 0 {
		a.used = 0
	}
	if groups > 0 {
		log.Info().Msgf("stopped %s: %d instance groups, freed %d units", serviceID, groups, freed)
	}
	return groups, freed, nil
}

func (a *Agent) Resources() Resources {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Resources{
		Total:     a.settings.TotalResource,
		Used:      a.used,
		Remaining: a.settings.TotalResource - a.used,
		UsageRate: float64(a.used) / float64(a.settings.TotalResource),
	}
}

func (a *Agent) Instances(ctx context.Context) ([]Instance, error) {
	return a.store.List(ctx)
}

func (a *Agent) Ping(ctx context.Context) error {
	return a.store.Ping(ctx)
}
