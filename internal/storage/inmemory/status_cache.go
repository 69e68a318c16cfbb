package inmemory

import (
	"sync/atomic"
	"time"

	"github.com/Sh00ty/site-dispatcher/internal/models"
)

type snapshot struct {
	order    []models.SiteID
	statuses map[models.SiteID]models.SiteStatus
	takenAt  time.Time
}

// StatusCache keeps the last published snapshot. Readers never take a lock,
// the snapshot is replaced as a whole. Statuses are cloned on the way in and
// out, so callers never hold memory of a published snapshot.
type StatusCache struct {
	current atomic.Pointer[snapshot]
}

func NewStatusCache() *StatusCache {
	c := &StatusCache{}
	c.current.Store(&snapshot{statuses: map[models.SiteID]models.SiteStatus{}})
	return c
}

type Snapshot struct {
	Sites   []models.SiteStatus `json:"sites"`
	TakenAt time.Time           `json:"taken_at"`
}

func (c *StatusCache) Get(id models.SiteID) (models.SiteStatus, bool) {
	st, ok := c.current.Load().statuses[id]
	if !ok {
		return models.SiteStatus{}, false
	}
	return st.Clone(), true
}

func (c *StatusCache) GetAll() map[models.SiteID]models.SiteStatus {
	snap := c.current.Load()
	result := make(map[models.SiteID]models.SiteStatus, len(snap.statuses))
	for id, st := range snap.statuses {
		result[id] = st.Clone()
	}
	return result
}

// Snapshot returns statuses in the order they were published.
func (c *StatusCache) Snapshot() Snapshot {
	snap := c.current.Load()
	sites := make([]models.SiteStatus, 0, len(snap.order))
	for _, id := range snap.order {
		sites = append(sites, snap.statuses[id].Clone())
	}
	return Snapshot{Sites: sites, TakenAt: snap.takenAt}
}

// Swap publishes statuses in the given order. The slice is copied.
func (c *StatusCache) Swap(statuses []models.SiteStatus) {
	next := &snapshot{
		order:    make([]models.SiteID, 0, len(statuses)),
		statuses: make(map[models.SiteID]models.SiteStatus, len(statuses)),
		takenAt:  time.Now(),
	}
	for _, st := range statuses {
		if _, dup := next.statuses[st.SiteID]; !dup {
			next.order = append(next.order, st.SiteID)
		}
		next.statuses[st.SiteID] = st.Clone()
	}
	c.current.Store(next)
}

func (c *StatusCache) TakenAt() time.Time {
	return c.current.Load().takenAt
}

// HealthyCount is used by readiness checks.
func (c *StatusCache) HealthyCount() int {
	count := 0
	for _, st := range c.current.Load().statuses {
		if st.IsHealthy() {
			count++
		}
	}
	return count
}
