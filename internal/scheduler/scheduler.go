package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Sh00ty/site-dispatcher/internal/models"
)

var errNoHealthySites = errors.New("no healthy sites")

type Refresher interface {
	Refresh(ctx context.Context) (map[models.SiteID]models.SiteStatus, error)
}

type Settings struct {
	Interval  time.Duration
	Burst     int
	MaxJitter time.Duration
}

func NewScheduler(refresher Refresher, settings Settings) *Scheduler {
	if settings.Interval == 0 {
		settings.Interval = 5 * time.Second
	}
	if settings.Burst == 0 {
		settings.Burst = 2
	}
	return &Scheduler{
		refresher:            refresher,
		limiter:              rate.NewLimiter(rate.Every(settings.Interval), settings.Burst),
		maxJitter:            settings.MaxJitter,
		afterErrorTokenUsage: min(2, settings.Burst),
		afterOkTokenUsage:    1,
	}
}

// Scheduler refreshes the site statuses periodically. An iteration
// that sees no healthy site slows the next one down.
type Scheduler struct {
	refresher            Refresher
	limiter              *rate.Limiter
	maxJitter            time.Duration
	afterErrorTokenUsage int
	afterOkTokenUsage    int
	wasError             bool
}

func (s *Scheduler) Run(ctx context.Context) error {
	for {
		reqTokenUsage := s.afterOkTokenUsage
		if s.wasError {
			reqTokenUsage = s.afterErrorTokenUsage
		}
		err := s.limiter.WaitN(ctx, reqTokenUsage)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Error().Err(err).Msg("unexpected limiter error, sleep and retry")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}
		if s.maxJitter > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(jit(s.maxJitter)):
			}
		}
		cycleID, err := uuid.GenerateUUID()
		if err != nil {
			return fmt.Errorf("failed to generate uuid for refresh cycle: %w", err)
		}
		err = s.runIteration(ctx, cycleID)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			s.wasError = false
			continue
		}
		log.Error().Err(err).Msgf("scheduler: refresh %s failed", cycleID)
		s.wasError = true
	}
}

func (s *Scheduler) runIteration(ctx context.Context, cycleID string) error {
	ts := time.Now()
	statuses, err := s.refresher.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh site statuses: %w", err)
	}
	healthy := 0
	for _, st := range statuses {
		if st.IsHealthy() {
			healthy++
		}
	}
	log.Debug().Msgf("refresh %s: %d/%d sites healthy, duration %d ms", cycleID, healthy, len(statuses), time.Since(ts).Milliseconds())
	if len(statuses) > 0 && healthy == 0 {
		return errNoHealthySites
	}
	return nil
}

func jit(limit time.Duration) time.Duration {
	return time.Duration(rand.Uint64N(uint64(limit)))
}
