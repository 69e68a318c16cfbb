package deploylog

import (
	"sync"

	"github.com/Sh00ty/site-dispatcher/internal/models"
)

type Notifier interface {
	NotifyResultRecorded(models.DeploymentResult)
}

// Log is an append-only record of deployment attempts. A request retried
// after a failure gets a new entry, Get returns the latest one.
type Log struct {
	mu        sync.RWMutex
	entries   []models.DeploymentResult
	byRequest map[string]int
	notifier  Notifier
}

func NewLog(notifier Notifier) *Log {
	return &Log{
		entries:   make([]models.DeploymentResult, 0, 128),
		byRequest: make(map[string]int, 128),
		notifier:  notifier,
	}
}

func (l *Log) Append(result models.DeploymentResult) {
	l.mu.Lock()
	l.entries = append(l.entries, result)
	l.byRequest[result.RequestID] = len(l.entries) - 1
	l.mu.Unlock()

	if l.notifier != nil {
		l.notifier.NotifyResultRecorded(result)
	}
}

// Restore loads previously persisted results without notifying.
func (l *Log) Restore(results []models.DeploymentResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, result := range results {
		l.entries = append(l.entries, result)
		l.byRequest[result.RequestID] = len(l.entries) - 1
	}
}

func (l *Log) Get(requestID string) (models.DeploymentResult, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byRequest[requestID]
	if !ok {
		return models.DeploymentResult{}, false
	}
	return l.entries[idx], true
}

func (l *Log) List() []models.DeploymentResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]models.DeploymentResult, len(l.entries))
	copy(result, l.entries)
	return result
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
