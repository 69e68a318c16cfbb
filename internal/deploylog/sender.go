package deploylog

import (
	"context"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/site-dispatcher/internal/metrics"
	"github.com/Sh00ty/site-dispatcher/internal/models"
	"github.com/Sh00ty/site-dispatcher/internal/pgerror"
)

type ResultRepository interface {
	SaveResults(ctx context.Context, results []models.DeploymentResult) (int, error)
}

func NewSender(
	results <-chan models.DeploymentResult,
	repo ResultRepository,
	m metrics.Metrics,
	retryTimeout time.Duration,
) *Sender {
	return &Sender{
		results:      results,
		repo:         repo,
		metrics:      m,
		retryTimeout: retryTimeout,
		unsent:       make([]models.DeploymentResult, 0),
	}
}

// Sender persists recorded results. Results that could not be saved are
// kept in memory and resent on every tick.
type Sender struct {
	results      <-chan models.DeploymentResult
	repo         ResultRepository
	metrics      metrics.Metrics
	retryTimeout time.Duration

	unsentGuard sync.Mutex
	unsent      []models.DeploymentResult
}

func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.retryTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendUnsent(ctx)
		case result, ok := <-s.results:
			if !ok {
				s.sendUnsent(ctx)
				return
			}
			s.send(ctx, result)
		}
	}
}

func (s *Sender) send(ctx context.Context, result models.DeploymentResult) {
	err := retry.Do(
		func() error {
			_, err := s.repo.SaveResults(ctx, []models.DeploymentResult{result})
			if err != nil && !pgerror.IsRetryable(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return
	}
	s.metrics.Increment(metrics.PersistFailure)
	if !pgerror.IsRetryable(err) {
		log.Error().Err(err).Msgf("failed to save deployment result %s, dropping it", result.RequestID)
		return
	}
	log.Error().Err(err).Msgf("failed to save deployment result %s, put it into unsent queue", result.RequestID)
	s.unsentGuard.Lock()
	s.unsent = append(s.unsent, result)
	s.metrics.Gauge(metrics.PersistUnsent, len(s.unsent))
	s.unsentGuard.Unlock()
}

func (s *Sender) sendUnsent(ctx context.Context) {
	s.unsentGuard.Lock()
	defer s.unsentGuard.Unlock()

	if len(s.unsent) == 0 {
		return
	}
	done, err := s.repo.SaveResults(ctx, s.unsent)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to save unsent results: done %d of %d", done, len(s.unsent))
		rest := make([]models.DeploymentResult, len(s.unsent)-done)
		copy(rest, s.unsent[done:])
		s.unsent = rest
	} else {
		s.unsent = s.unsent[:0]
	}
	s.metrics.Gauge(metrics.PersistUnsent, len(s.unsent))
}

func (s *Sender) Unsent() int {
	s.unsentGuard.Lock()
	defer s.unsentGuard.Unlock()
	return len(s.unsent)
}
