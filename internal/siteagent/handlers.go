package siteagent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/site-dispatcher/internal/httpresp"
	"github.com/Sh00ty/site-dispatcher/internal/models"
)

const highUsageRate = 0.9

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type instanceInfo struct {
	ServiceID string `json:"service_id"`
	Gas       int    `json:"gas"`
	Cost      int    `json:"cost"`
	CSCIID    string `json:"csci_id"`
	Delay     int    `json:"delay"`
}

func infoOf(inst Instance) instanceInfo {
	return instanceInfo{
		ServiceID: inst.ServiceID,
		Gas:       inst.Gas,
		Cost:      inst.Cost,
		CSCIID:    inst.CSCIID,
		Delay:     inst.Delay,
	}
}

type deployRequest struct {
	ServiceID     string `json:"service_id"`
	Gas           int    `json:"gas"`
	InstanceCount int    `json:"instance_count"`
	RequestID     string `json:"request_id"`
}

type deployResponse struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	Info           instanceInfo   `json:"info"`
	ResourceDetail map[string]int `json:"resource_detail"`
}

type insufficientResponse struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	ResourceStatus map[string]int `json:"resource_status"`
}

type stopRequest struct {
	ServiceID string `json:"service_id"`
}

type stopResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	AlreadyStopped bool   `json:"already_stopped"`
	FreedResource  int    `json:"freed_resource"`
}

type resourceStatusResponse struct {
	Success         bool              `json:"success"`
	SiteID          string            `json:"site_id"`
	Resource        map[string]string `json:"resource"`
	ResourcePerCost int               `json:"resource_per_cost"`
	CostConversion  string            `json:"cost_conversion"`
}

type metricsResponse struct {
	Success bool           `json:"success"`
	SiteID  string         `json:"site_id"`
	Count   int            `json:"count"`
	Metrics []instanceInfo `json:"metrics"`
	Time    string         `json:"time"`
}

type healthResponse struct {
	Success        bool              `json:"success"`
	Status         string            `json:"status"`
	SiteID         string            `json:"site_id,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Time           string            `json:"time,omitempty"`
	ResourceStatus map[string]string `json:"resource_status"`
}

func NewRouter(agent *Agent) *mux.Router {
	h := &handlers{agent: agent}
	router := mux.NewRouter().StrictSlash(true)
	router.Methods(http.MethodPost).Path("/deploy").Name("deploy").HandlerFunc(h.deploy)
	router.Methods(http.MethodPost).Path("/stop").Name("stop").HandlerFunc(h.stop)
	router.Methods(http.MethodGet).Path("/metrics").Name("metrics").HandlerFunc(h.metrics)
	router.Methods(http.MethodGet).Path("/resource-status").Name("resourceStatus").HandlerFunc(h.resourceStatus)
	router.Methods(http.MethodGet).Path("/health").Name("health").HandlerFunc(h.health)
	return router
}

type handlers struct {
	agent *Agent
}

func readJSON(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err = json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	return nil
}

func (h *handlers) deploy(w http.ResponseWriter, r *http.Request) {
	req := deployRequest{}
	if err := readJSON(r, &req); err != nil {
		httpresp.Send(w, errorResponse{Message: err.Error()}, http.StatusBadRequest)
		return
	}
	if req.Gas == 0 {
		req.Gas = req.InstanceCount
	}
	if req.ServiceID == "" || req.Gas < 1 || req.Gas > models.MaxInstanceCount {
		httpresp.Send(w, errorResponse{
			Message: fmt.Sprintf("service_id is required and gas must be in [1, %d]", models.MaxInstanceCount),
		}, http.StatusBadRequest)
		return
	}

	inst, repeated, err := h.agent.Deploy(r.Context(), DeployRequest{
		RequestID: req.RequestID,
		ServiceID: req.ServiceID,
		Gas:       req.Gas,
	})
	var (
		insufficient *InsufficientResourcesError
		unsupported  *UnsupportedServiceError
	)
	switch {
	case errors.As(err, &insufficient):
		httpresp.Send(w, insufficientResponse{
			Message: insufficient.Error(),
			ResourceStatus: map[string]int{
				"used":      insufficient.Used,
				"total":     insufficient.Total,
				"remaining": insufficient.Remaining,
				"need":      insufficient.Need,
			},
		}, http.StatusForbidden)
		return
	case errors.As(err, &unsupported):
		httpresp.Send(w, errorResponse{Message: unsupported.Error()}, http.StatusBadRequest)
		return
	case err != nil:
		log.Error().Err(err).Msgf("failed to deploy %s", req.ServiceID)
		httpresp.Send(w, errorResponse{Message: "deploy failed: " + err.Error()}, http.StatusInternalServerError)
		return
	}

	res := h.agent.Resources()
	msg := fmt.Sprintf("deployed %d instances of %s", inst.Gas, inst.ServiceID)
	if repeated {
		msg = fmt.Sprintf("request %s already deployed as %s", req.RequestID, inst.ID)
	}
	httpresp.Send(w, deployResponse{
		Success: true,
		Message: msg,
		Info:    infoOf(inst),
		ResourceDetail: map[string]int{
			"single_inst_resource": inst.UnitsPerInstance,
			"total_resource_used":  inst.TotalUnits,
			"current_used":         res.Used,
			"remaining_resource":   res.Remaining,
		},
	}, http.StatusOK)
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	req := stopRequest{}
	if err := readJSON(r, &req); err != nil {
		httpresp.Send(w, errorResponse{Message: err.Error()}, http.StatusBadRequest)
		return
	}
	if req.ServiceID == "" {
		httpresp.Send(w, errorResponse{Message: "service_id is required"}, http.StatusBadRequest)
		return
	}

	groups, freed, err := h.agent.Stop(r.Context(), req.ServiceID)
	if err != nil {
		log.Error().Err(err).Msgf("failed to stop %s", req.ServiceID)
		httpresp.Send(w, errorResponse{Message: "stop failed: " + err.Error()}, http.StatusInternalServerError)
		return
	}
	if groups == 0 {
		httpresp.Send(w, stopResponse{
			Success:        true,
			Message:        fmt.Sprintf("service %s is not running", req.ServiceID),
			AlreadyStopped: true,
		}, http.StatusOK)
		return
	}
	httpresp.Send(w, stopResponse{
		Success:       true,
		Message:       fmt.Sprintf("stopped %d instance groups of %s", groups, req.ServiceID),
		FreedResource: freed,
	}, http.StatusOK)
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	instances, err := h.agent.Instances(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to query metrics")
		httpresp.Send(w, errorResponse{Message: "failed to query metrics: " + err.Error()}, http.StatusInternalServerError)
		return
	}
	infos := make([]instanceInfo, 0, len(instances))
	for _, inst := range instances {
		infos = append(infos, infoOf(inst))
	}
	httpresp.Send(w, metricsResponse{
		Success: true,
		SiteID:  h.agent.SiteID(),
		Count:   len(infos),
		Metrics: infos,
		Time:    time.Now().Format(time.RFC3339),
	}, http.StatusOK)
}

func (h *handlers) resourceStatus(w http.ResponseWriter, r *http.Request) {
	res := h.agent.Resources()
	httpresp.Send(w, resourceStatusResponse{
		Success: true,
		SiteID:  h.agent.SiteID(),
		Resource: map[string]string{
			"total":      fmt.Sprintf("%d", res.Total),
			"used":       fmt.Sprintf("%d", res.Used),
			"remaining":  fmt.Sprintf("%d", res.Remaining),
			"usage_rate": formatRate(res.UsageRate),
		},
		ResourcePerCost: h.agent.ResourcePerCost(),
		CostConversion:  fmt.Sprintf("%d resource units = 1 cost unit", h.agent.ResourcePerCost()),
	}, http.StatusOK)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	res := h.agent.Resources()
	resourceStatus := "healthy"
	if res.UsageRate > highUsageRate {
		resourceStatus = "warning (high resource usage)"
	}
	if err := h.agent.Ping(r.Context()); err != nil {
		httpresp.Send(w, healthResponse{
			Status:         "unhealthy",
			Reason:         "database unavailable: " + err.Error(),
			ResourceStatus: map[string]string{"status": resourceStatus},
		}, http.StatusInternalServerError)
		return
	}
	httpresp.Send(w, healthResponse{
		Success: true,
		Status:  "healthy",
		SiteID:  h.agent.SiteID(),
		Time:    time.Now().Format(time.RFC3339),
		ResourceStatus: map[string]string{
			"status":     resourceStatus,
			"used":       fmt.Sprintf("%d/%d", res.Used, res.Total),
			"usage_rate": formatRate(res.UsageRate),
		},
	}, http.StatusOK)
}

func formatRate(rate float64) string {
	return fmt.Sprintf("%.1f%%", rate*100)
}
