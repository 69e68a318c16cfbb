package executor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/site-dispatcher/internal/models"
)

var ErrClosed = errors.New("executor already closed")

type HealthChecker interface {
	CheckHealth(ctx context.Context, site models.Site) models.SiteStatus
}

// Task is one health check of one site. Result must have room for the answer,
// workers never block on it. Nothing is sent once Ctx is done.
type Task struct {
	Ctx    context.Context
	Site   models.Site
	Result chan<- models.SiteStatus
}

func NewExecutor(checker HealthChecker, concurrency uint16, buffer uint32, siteTimeout time.Duration) *Executor {
	if concurrency == 0 {
		concurrency = 1
	}
	return &Executor{
		inputChan:   make(chan Task, buffer),
		close:       make(chan struct{}),
		concurrency: concurrency,
		siteTimeout: siteTimeout,
		checker:     checker,
	}
}

type Executor struct {
	concurrency uint16
	siteTimeout time.Duration
	inputChan   chan Task
	checker     HealthChecker

	closed     atomic.Bool
	inProgress atomic.Int64
	close      chan struct{}
	workers    sync.WaitGroup
}

func (e *Executor) Run() {
	for i := range e.concurrency {
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			for task := range e.inputChan {
				if task.Ctx.Err() != nil {
					log.Debug().Msgf("executor [%d] skipped abandoned task for site %s", i, task.Site.ID)
					continue
				}
				log.Debug().Msgf("executor [%d] received task for site %s", i, task.Site.ID)
				status := e.check(task)
				if task.Ctx.Err() != nil {
					// the cycle gave up on this site while it was being checked
					continue
				}
				task.Result <- status
			}
		}()
	}
}

func (e *Executor) check(task Task) models.SiteStatus {
	ctx := task.Ctx
	if e.siteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.siteTimeout)
		defer cancel()
	}
	return e.checker.CheckHealth(ctx, task.Site)
}

// Execute queues a task. It blocks while all workers are busy and the buffer is full.
func (e *Executor) Execute(task Task) error {
	// counted before the closed check, Close waits for it before closing inputChan
	e.inProgress.Add(1)
	defer e.inProgress.Add(-1)
	if e.closed.Load() {
		return ErrClosed
	}

	select {
	case e.inputChan <- task:
		return nil
	case <-task.Ctx.Done():
		return task.Ctx.Err()
	case <-e.close:
		return ErrClosed
	}
}

func (e *Executor) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	close(e.close)
	for e.inProgress.Load() != 0 {
		// a sender counted itself before it could see closed
		runtime.Gosched()
	}
	close(e.inputChan)
	e.workers.Wait()
}
