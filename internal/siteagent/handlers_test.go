package siteagent

import (
	"context"
	"encoding/json"
	"go/parser"
	"go/token"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/site-dispatcher/internal/models"
	"github.com/Sh00ty/site-dispatcher/internal/siteclient"
)

func newTestServer(t *testing.T) (*httptest.Server, *Agent) {
	t.Helper()
	agent := newTestAgent(t)
	srv := httptest.NewServer(NewRouter(agent))
	t.Cleanup(srv.Close)
	return srv, agent
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHandlers_DeployValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/deploy", `{"service_id":"ar-vr","gas":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = postJSON(t, srv.URL+"/deploy", `{"service_id":"mining","gas":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, srv.URL+"/deploy", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlers_DeployInsufficient(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/deploy", `{"service_id":"ar-vr","gas":2}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	status, ok := body["resource_status"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 120, status["need"])
	assert.EqualValues(t, 100, status["remaining"])
}

func TestHandlers_DeployAcceptsInstanceCount(t *testing.T) {
	srv, agent := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/deploy", `{"service_id":"speech-to-text","instance_count":2,"request_id":"r1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	info, ok := body["info"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, info["gas"])
	assert.EqualValues(t, 3, info["cost"])
	assert.Equal(t, 60, agent.Resources().Used)
}

func TestHandlers_StopNotRunning(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/stop", `{"service_id":"ar-vr"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["already_stopped"])

	resp, _ = postJSON(t, srv.URL+"/stop", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlers_ResourceStatusAndHealth(t *testing.T) {
	srv, agent := newTestServer(t)
	_, _, err := agent.Deploy(context.Background(), DeployRequest{ServiceID: "traffic-monitoring", Gas: 1})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/resource-status")
	require.NoError(t, err)
	defer resp.Body.Close()
	status := resourceStatusResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Success)
	assert.Equal(t, "15", status.Resource["used"])
	assert.Equal(t, "85", status.Resource["remaining"])
	assert.Equal(t, "15.0%", status.Resource["usage_rate"])
	assert.Equal(t, 20, status.ResourcePerCost)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	health := healthResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.ResourceStatus["status"])
}

func TestHandlers_HealthHighUsage(t *testing.T) {
	srv, agent := newTestServer(t)
	for _, serviceID := range []string{"face-recognition", "speech-to-text", "traffic-monitoring"} {
		_, _, err := agent.Deploy(context.Background(), DeployRequest{ServiceID: serviceID, Gas: 1})
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	health := healthResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "warning (high resource usage)", health.ResourceStatus["status"])
}

func TestHandlers_SiteClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t)
	client := siteclient.New(siteclient.Settings{Timeout: time.Second})
	site := models.Site{ID: "edge-1", BaseURL: srv.URL}

	status := client.CheckHealth(ctx, site)
	require.True(t, status.IsHealthy(), status.LastError)
	assert.Zero(t, status.InstanceCount)
	assert.InDelta(t, 0.05, status.CostFactor, 1e-9)

	result := client.Deploy(ctx, site, models.DeploymentRequest{
		RequestID:     "r1",
		ServiceID:     "traffic-monitoring",
		TargetSiteID:  "edge-1",
		InstanceCount: 2,
	})
	require.True(t, result.Success, result.ErrorMessage)
	assert.Equal(t, 2, result.Cost)
	assert.Equal(t, 12, result.DelayMs)
	assert.True(t, strings.HasPrefix(result.RemoteIdentifier, "http://edge-1:8081/traffic-monitoring-edge-1-"))

	status = client.CheckHealth(ctx, site)
	require.True(t, status.IsHealthy())
	assert.Equal(t, 2, status.InstanceCount)
	assert.InDelta(t, 0.3, status.UsageRate, 1e-9)
	require.NotNil(t, status.LatencyMinMs)
	assert.Equal(t, 12, *status.LatencyMinMs)

	rejected := client.Deploy(ctx, site, models.DeploymentRequest{
		ServiceID:     "ar-vr",
		TargetSiteID:  "edge-1",
		InstanceCount: 2,
	})
	assert.False(t, rejected.Success)
	assert.Contains(t, rejected.ErrorMessage, "insufficient resources")

	stopped := client.Stop(ctx, site, "traffic-monitoring")
	require.True(t, stopped.Success, stopped.Message)
	assert.False(t, stopped.AlreadyStopped)

	stopped = client.Stop(ctx, site, "traffic-monitoring")
	require.True(t, stopped.Success)
	assert.True(t, stopped.AlreadyStopped)
}

func TestPackageImportsNoControllerCode(t *testing.T) {
	files, err := filepath.Glob("*.go")
	require.NoError(t, err)

	forbidden := []string{
		"github.com/Sh00ty/site-dispatcher/internal/httpapi",
		"github.com/Sh00ty/site-dispatcher/internal/coordinator",
	}
	fset := token.NewFileSet()
	for _, file := range files {
		if strings.HasSuffix(file, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
		require.NoError(t, err)
		for _, imp := range f.Imports {
			path, err := strconv.Unquote(imp.Path.Value)
			require.NoError(t, err)
			assert.NotContains(t, forbidden, path, "%s imports %s", file, path)
		}
	}
}

func TestHandlers_DeployHugeGas(t *testing.T) {
	srv, agent := newTestServer(t)

	resp, out := postJSON(t, srv.URL+"/deploy", `{"service_id":"ar-vr","gas":1152921504606846976}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, out["success"])
	assert.Zero(t, agent.Resources().Used)
}
