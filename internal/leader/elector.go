package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const (
	DefaultElectionKey = "/site-dispatcher/leader"

	campaignRetryDelay    = time.Second
	campaignMaxRetryDelay = 30 * time.Second
)

// Elector campaigns for the controller leadership on etcd.
type Elector struct {
	nodeID     string
	key        string
	sessionTTL int
	etcd       *clientv3.Client
	session    *concurrency.Session
	election   *concurrency.Election
}

func NewElector(endpoints []string, nodeID string, key string, sessionTTL int, debug bool) (*Elector, error) {
	logger := zap.NewNop()
	if debug {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client logger: %w", err)
		}
	}
	if key == "" {
		key = DefaultElectionKey
	}
	if sessionTTL <= 0 {
		sessionTTL = 10
	}
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Elector{
		nodeID:     nodeID,
		key:        key,
		sessionTTL: sessionTTL,
		etcd:       clnt,
	}, nil
}

// BecomeLeader blocks until this node is the leader or ctx is done. The
// returned channel is closed when the leadership is lost.
func (e *Elector) BecomeLeader(ctx context.Context) (bool, <-chan struct{}, error) {
	session, err := concurrency.NewSession(
		e.etcd,
		concurrency.WithContext(ctx),
		concurrency.WithTTL(e.sessionTTL),
	)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("failed to create session: %w", err)
	}
	e.session = session
	e.election = concurrency.NewElection(session, e.key)

	for {
		err = e.election.Campaign(ctx, e.nodeID)
		if errors.Is(err, concurrency.ErrElectionNotLeader) {
			continue
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return false, nil, nil
		}
		if err != nil {
			e.dropSession()
			return false, nil, fmt.Errorf("failed to campaign for %s: %w", e.key, err)
		}
		log.Warn().Msgf("node %s won leader election for %s", e.nodeID, e.key)
		return true, e.session.Done(), nil
	}
}

func (e *Elector) resign(ctx context.Context) {
	if e.election == nil {
		return
	}
	if err := e.election.Resign(ctx); err != nil {
		log.Error().Err(err).Msg("failed to gracefully resign leader")
	}
}

func (e *Elector) dropSession() {
	if e.session == nil {
		return
	}
	if err := e.session.Close(); err != nil {
		log.Error().Err(err).Msg("failed to destroy session")
	}
	e.session = nil
	e.election = nil
}

func (e *Elector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.resign(ctx)
	e.dropSession()
	err := e.etcd.Close()
	if err != nil {
		log.Error().Err(err).Msg("failed to close etcd client")
		return err
	}
	return nil
}

// RunWhileLeader runs fn every time this node becomes the leader. The context
// passed to fn is cancelled when the leadership is lost. Failed campaigns are
// retried with backoff until ctx is done.
func (e *Elector) RunWhileLeader(ctx context.Context, fn func(ctx context.Context) error) error {
	return runWhileLeader(ctx, e, campaignRetryDelay, fn)
}

type leadership interface {
	BecomeLeader(ctx context.Context) (bool, <-chan struct{}, error)
	dropSession()
}

type term struct {
	isLeader bool
	lost     <-chan struct{}
}

func campaign(ctx context.Context, l leadership, retryDelay time.Duration) (term, error) {
	return retry.DoWithData(
		func() (term, error) {
			isLeader, lost, err := l.BecomeLeader(ctx)
			if err != nil {
				l.dropSession()
				log.Error().Err(err).Msg("leader campaign failed, retrying")
				return term{}, err
			}
			return term{isLeader: isLeader, lost: lost}, nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(retryDelay),
		retry.MaxDelay(campaignMaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func runWhileLeader(ctx context.Context, l leadership, retryDelay time.Duration, fn func(ctx context.Context) error) error {
	for {
		t, err := campaign(ctx, l, retryDelay)
		if ctx.Err() != nil {
			log.Info().Msg("go off as a leader candidate")
			return nil
		}
		if err != nil {
			return err
		}
		if !t.isLeader {
			log.Info().Msg("go off as a leader candidate")
			return nil
		}

		leaderCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-t.lost:
				log.Warn().Msg("lost leadership")
				cancel()
			case <-leaderCtx.Done():
			}
		}()
		err = fn(leaderCtx)
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		l.dropSession()
	}
}
