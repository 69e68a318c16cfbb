package metrics

import "time"

type Metrics interface {
	Increment(string)
	Duration(string, time.Duration)
	Gauge(string, int)
}

const (
	RefreshCycle         = "refresh.cycle"
	RefreshCycleDuration = "refresh.cycle.duration"
	RefreshAbandoned     = "refresh.abandoned"
	RefreshCoalesced     = "refresh.coalesced"
	SitesHealthy         = "sites.healthy"
	SitesDown            = "sites.down"
	DeploySuccess        = "deploy.success"
	DeployFailure        = "deploy.failure"
	DeployDeduplicated   = "deploy.deduplicated"
	DeployDuration       = "deploy.duration"
	StopSuccess          = "stop.success"
	StopFailure          = "stop.failure"
	PersistFailure       = "persist.failure"
	PersistUnsent        = "persist.unsent"
	QueueMessages        = "queue.messages"
	QueueFetchFailure    = "queue.fetch.failure"
	SelectSuccess        = "select.success"
	SelectRejected       = "select.rejected"
)
