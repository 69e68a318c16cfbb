package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildListQuery(t *testing.T) {
	since := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name      string
		filter    ResultFilter
		wantWhere string
		wantArgs  []any
		wantLimit bool
	}{
		{
			name:   "no filter",
			filter: ResultFilter{},
		},
		{
			name:      "site and service",
			filter:    ResultFilter{SiteID: "site-1", ServiceID: "svc1"},
			wantWhere: "WHERE site_id = $1 AND service_id = $2",
			wantArgs:  []any{"site-1", "svc1"},
		},
		{
			name:      "success since with limit",
			filter:    ResultFilter{OnlySuccess: true, Since: since, Limit: 20},
			wantWhere: "WHERE success = $1 AND completed_at >= $2",
			wantArgs:  []any{true, since},
			wantLimit: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := buildListQuery(tt.filter)
			require.NoError(t, err)

			assert.True(t, strings.HasPrefix(sql, "SELECT request_id, site_id, service_id"))
			assert.Contains(t, sql, "FROM deployment_results")
			assert.Contains(t, sql, "ORDER BY completed_at asc")
			if tt.wantWhere == "" {
				assert.NotContains(t, sql, "WHERE")
				assert.Empty(t, args)
			} else {
				assert.Contains(t, sql, tt.wantWhere)
				assert.Equal(t, tt.wantArgs, args)
			}
			if tt.wantLimit {
				assert.Contains(t, sql, "LIMIT 20")
			}
		})
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	for _, stmt := range migrations {
		assert.Contains(t, stmt, "if not exists")
	}
}
