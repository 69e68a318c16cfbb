package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/site-dispatcher/internal/models"
)

func testSite(id string) models.Site {
	return models.Site{
		ID:           models.SiteID(id),
		BaseURL:      "http://" + id + ".local:8081",
		Location:     "dc-1",
		PricePerUnit: 0.5,
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testSite("site-1")))

	site, err := r.Lookup("site-1")
	require.NoError(t, err)
	assert.Equal(t, "http://site-1.local:8081", site.BaseURL)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testSite("site-1")))

	err := r.Register(testSite("site-1"))
	var dupErr *models.DuplicateSiteError
	require.True(t, errors.As(err, &dupErr))
	assert.Equal(t, models.SiteID("site-1"), dupErr.SiteID)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	r := New()

	tests := []struct {
		name string
		site models.Site
	}{
		{name: "empty id", site: models.Site{BaseURL: "http://a:1"}},
		{name: "relative url", site: models.Site{ID: "a", BaseURL: "/agent"}},
		{name: "bad scheme", site: models.Site{ID: "a", BaseURL: "ftp://a:1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var valErr *models.ValidationError
			assert.True(t, errors.As(r.Register(tt.site), &valErr))
		})
	}
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := New()

	_, err := r.Lookup("missing")
	var unknownErr *models.UnknownSiteError
	require.True(t, errors.As(err, &unknownErr))
	assert.Equal(t, models.SiteID("missing"), unknownErr.SiteID)
}

func TestRegistry_ListKeepsRegistrationOrder(t *testing.T) {
	r := New()
	for _, id := range []string{"site-c", "site-a", "site-b"} {
		require.NoError(t, r.Register(testSite(id)))
	}

	sites := r.List()
	require.Len(t, sites, 3)
	assert.Equal(t, models.SiteID("site-c"), sites[0].ID)
	assert.Equal(t, models.SiteID("site-a"), sites[1].ID)
	assert.Equal(t, models.SiteID("site-b"), sites[2].ID)
}

func TestRegistry_LoadFile(t *testing.T) {
	content := `
sites:
  - id: site-1
    base_url: http://192.168.235.48:8081
    location: Beijing
    cpu_spec: 8 cores 3.0GHz
    memory_spec: 16GB
    price_per_unit: 0.5
  - id: site-2
    base_url: http://192.168.67.159:8085
    location: Shanghai
    price_per_unit: 0.8
`
	path := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r := New()
	require.NoError(t, r.LoadFile(path))

	sites := r.List()
	require.Len(t, sites, 2)
	assert.Equal(t, "Beijing", sites[0].Location)
	assert.Equal(t, "8 cores 3.0GHz", sites[0].CPUSpec)
	assert.InDelta(t, 0.8, sites[1].PricePerUnit, 1e-9)
}

func TestRegistry_LoadYAMLDuplicate(t *testing.T) {
	content := `
sites:
  - id: site-1
    base_url: http://a:1
  - id: site-1
    base_url: http://b:1
`
	r := New()
	err := r.LoadYAML([]byte(content))
	var dupErr *models.DuplicateSiteError
	assert.True(t, errors.As(err, &dupErr))
}

func TestRegistry_LoadFileMissing(t *testing.T) {
	r := New()
	assert.Error(t, r.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")))
}
