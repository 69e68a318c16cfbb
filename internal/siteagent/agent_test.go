package siteagent

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		SiteID:          "edge-1",
		PublicURL:       "http://edge-1:8081/",
		TotalResource:   100,
		ResourcePerCost: 20,
	}
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	agent, err := NewAgent(context.Background(), newTestStore(t), testSettings())
	require.NoError(t, err)
	agent.now = func() time.Time {
		return time.UnixMilli(1_700_000_000_000)
	}
	return agent
}

func TestNewAgent_InvalidSettings(t *testing.T) {
	store := newTestStore(t)

	settings := testSettings()
	settings.TotalResource = 0
	_, err := NewAgent(context.Background(), store, settings)
	require.Error(t, err)

	settings = testSettings()
	settings.ResourcePerCost = 0
	_, err = NewAgent(context.Background(), store, settings)
	require.Error(t, err)
}

func TestAgent_Cost(t *testing.T) {
	agent := newTestAgent(t)

	assert.Equal(t, 1, agent.Cost(0))
	assert.Equal(t, 1, agent.Cost(1))
	assert.Equal(t, 1, agent.Cost(20))
	assert.Equal(t, 2, agent.Cost(21))
	assert.Equal(t, 3, agent.Cost(60))
}

func TestAgent_Deploy(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)

	inst, repeated, err := agent.Deploy(ctx, DeployRequest{RequestID: "r1", ServiceID: "traffic-monitoring", Gas: 3})
	require.NoError(t, err)
	assert.False(t, repeated)
	assert.Equal(t, "traffic-monitoring-edge-1-1700000000000", inst.ID)
	assert.Equal(t, "http://edge-1:8081/traffic-monitoring-edge-1-1700000000000", inst.CSCIID)
	assert.Equal(t, 45, inst.TotalUnits)
	assert.Equal(t, 3, inst.Cost)
	assert.Equal(t, 13, inst.Delay)

	res := agent.Resources()
	assert.Equal(t, 45, res.Used)
	assert.Equal(t, 55, res.Remaining)
	assert.InDelta(t, 0.45, res.UsageRate, 1e-9)
}

func TestAgent_DeployUniqueIDsWithinOneMillisecond(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)

	first, _, err := agent.Deploy(ctx, DeployRequest{ServiceID: "traffic-monitoring", Gas: 1})
	require.NoError(t, err)
	second, _, err := agent.Deploy(ctx, DeployRequest{ServiceID: "traffic-monitoring", Gas: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestAgent_DeploySameRequestID(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)
	req := DeployRequest{RequestID: "r1", ServiceID: "speech-to-text", Gas: 2}

	first, _, err := agent.Deploy(ctx, req)
	require.NoError(t, err)
	second, repeated, err := agent.Deploy(ctx, req)
	require.NoError(t, err)
	assert.True(t, repeated)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 60, agent.Resources().Used)
}

func TestAgent_DeployInsufficientResources(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)

	_, _, err := agent.Deploy(ctx, DeployRequest{ServiceID: "ar-vr", Gas: 1})
	require.NoError(t, err)

	_, _, err = agent.Deploy(ctx, DeployRequest{ServiceID: "face-recognition", Gas: 1})
	var insufficient *InsufficientResourcesError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 60, insufficient.Used)
	assert.Equal(t, 50, insufficient.Need)
	assert.Equal(t, 40, insufficient.Remaining)
	assert.Equal(t, 60, agent.Resources().Used)
}

func TestAgent_DeployHugeGasDoesNotOverflow(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)

	_, _, err := agent.Deploy(ctx, DeployRequest{ServiceID: "ar-vr", Gas: 1 << 60})
	var insufficient *InsufficientResourcesError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, math.MaxInt, insufficient.Need)
	assert.Equal(t, 100, insufficient.Remaining)
	assert.Zero(t, agent.Resources().Used)

	_, _, err = agent.Deploy(ctx, DeployRequest{ServiceID: "ar-vr", Gas: 0})
	require.Error(t, err)
	_, _, err = agent.Deploy(ctx, DeployRequest{ServiceID: "ar-vr", Gas: -3})
	require.Error(t, err)
	assert.Zero(t, agent.Resources().Used)

	groups, err := agent.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestAgent_DeployUnsupportedService(t *testing.T) {
	_, _, err := newTestAgent(t).Deploy(context.Background(), DeployRequest{ServiceID: "mining", Gas: 1})
	var unsupported *UnsupportedServiceError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "mining", unsupported.ServiceID)
}

func TestAgent_DeployDefaultUnits(t *testing.T) {
	settings := testSettings()
	settings.DefaultUnits = 10
	agent, err := NewAgent(context.Background(), newTestStore(t), settings)
	require.NoError(t, err)

	inst, _, err := agent.Deploy(context.Background(), DeployRequest{ServiceID: "mining", Gas: 2})
	require.NoError(t, err)
	assert.Equal(t, 20, inst.TotalUnits)
}

func TestAgent_StopFreesResources(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t)

	_, _, err := agent.Deploy(ctx, DeployRequest{ServiceID: "traffic-monitoring", Gas: 2})
	require.NoError(t, err)
	_, _, err = agent.Deploy(ctx, DeployRequest{ServiceID: "speech-to-text", Gas: 1})
	require.NoError(t, err)

	groups, freed, err := agent.Stop(ctx, "traffic-monitoring")
	require.NoError(t, err)
	assert.Equal(t, 1, groups)
	assert.Equal(t, 30, freed)
	assert.Equal(t, 30, agent.Resources().Used)

	groups, freed, err = agent.Stop(ctx, "traffic-monitoring")
	require.NoError(t, err)
	assert.Zero(t, groups)
	assert.Zero(t, freed)
}

func TestAgent_RestartReloadsUsedResources(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.db")

	store, err := OpenStore(ctx, path)
	require.NoError(t, err)
	agent, err := NewAgent(ctx, store, testSettings())
	require.NoError(t, err)
	_, _, err = agent.Deploy(ctx, DeployRequest{ServiceID: "face-recognition", Gas: 1})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	agent, err = NewAgent(ctx, store, testSettings())
	require.NoError(t, err)
	assert.Equal(t, 50, agent.Resources().Used)
}
