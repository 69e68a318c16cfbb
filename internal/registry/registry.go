package registry

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Sh00ty/site-dispatcher/internal/models"
)

// Registry holds the sites known to the controller. It is filled once at
// startup and only read afterwards.
type Registry struct {
	mu    sync.RWMutex
	order []models.SiteID
	sites map[models.SiteID]models.Site
}

func New() *Registry {
	return &Registry{
		sites: make(map[models.SiteID]models.Site, 16),
	}
}

func (r *Registry) Register(site models.Site) error {
	if err := site.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sites[site.ID]; exists {
		return &models.DuplicateSiteError{SiteID: site.ID}
	}
	r.sites[site.ID] = site
	r.order = append(r.order, site.ID)
	return nil
}

func (r *Registry) Lookup(id models.SiteID) (models.Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	site, exists := r.sites[id]
	if !exists {
		return models.Site{}, &models.UnknownSiteError{SiteID: id}
	}
	return site, nil
}

// List returns sites in registration order.
func (r *Registry) List() []models.Site {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.Site, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.sites[id])
	}
	return result
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

type fileConfig struct {
	Sites []models.Site `yaml:"sites"`
}

// LoadFile registers every site listed under `sites:` in a yaml file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read sites file %s: %w", path, err)
	}
	return r.LoadYAML(data)
}

func (r *Registry) LoadYAML(data []byte) error {
	cfg := fileConfig{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse sites config: %w", err)
	}
	for _, site := range cfg.Sites {
		if err := r.Register(site); err != nil {
			return fmt.Errorf("failed to register site %s: %w", site.ID, err)
		}
		log.Info().Msgf("registered site %s at %s", site.ID, site.BaseURL)
	}
	return nil
}
