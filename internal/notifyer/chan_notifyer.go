package notifyer

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/site-dispatcher/internal/models"
)

// ChanNotifyer hands recorded deployment results to a single consumer.
type ChanNotifyer struct {
	resultChan chan models.DeploymentResult
	closed     atomic.Bool
	close      chan struct{}
	closeOnce  sync.Once
}

func NewNotifier(buf int) *ChanNotifyer {
	return &ChanNotifyer{
		resultChan: make(chan models.DeploymentResult, buf),
		close:      make(chan struct{}),
	}
}

func (n *ChanNotifyer) NotifyResultRecorded(result models.DeploymentResult) {
	if n.closed.Load() {
		return
	}
	select {
	case n.resultChan <- result:
	case <-n.close:
	default:
		if n.closed.Load() {
			return
		}
		log.Warn().Msgf("result consumer is slow, request %s waits for queue space", result.RequestID)
		select {
		case n.resultChan <- result:
		case <-n.close:
		}
	}
}

func (n *ChanNotifyer) GetResultChan() <-chan models.DeploymentResult {
	return n.resultChan
}

// Close stops accepting results. The result channel is left open so the
// consumer drains it by its own context.
func (n *ChanNotifyer) Close() {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		close(n.close)
	})
}
