package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Sh00ty/site-dispatcher/internal/httpresp"
	"github.com/Sh00ty/site-dispatcher/internal/models"
)

type sitesResponse struct {
	Sites []models.Site `json:"sites"`
}

type siteMetricsResponse struct {
	Success bool                    `json:"success"`
	SiteID  models.SiteID           `json:"site_id"`
	Count   int                     `json:"count"`
	Metrics []models.InstanceMetric `json:"metrics"`
}

type deploymentsResponse struct {
	Count       int                       `json:"count"`
	Deployments []models.DeploymentResult `json:"deployments"`
}

func (s *Server) listSites(w http.ResponseWriter, r *http.Request) {
	httpresp.Send(w, sitesResponse{Sites: s.sites.List()}, http.StatusOK)
}

func (s *Server) getSiteMetrics(w http.ResponseWriter, r *http.Request) {
	siteID := models.SiteID(mux.Vars(r)["site_id"])
	instances, err := s.coordinator.SiteMetrics(r.Context(), siteID)
	if err != nil {
		var unknownErr *models.UnknownSiteError
		if errors.As(err, &unknownErr) {
			sendError(w, err)
			return
		}
		httpresp.Send(w, &Response{Message: err.Error()}, http.StatusBadGateway)
		return
	}
	httpresp.Send(w, siteMetricsResponse{
		Success: true,
		SiteID:  siteID,
		Count:   len(instances),
		Metrics: instances,
	}, http.StatusOK)
}

// listDeployments supports site_id and service_id query filters.
func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	var (
		siteID    = models.SiteID(r.URL.Query().Get("site_id"))
		serviceID = r.URL.Query().Get("service_id")
	)
	history := s.coordinator.History()
	result := make([]models.DeploymentResult, 0, len(history))
	for _, res := range history {
		if siteID != "" && res.SiteID != siteID {
			continue
		}
		if serviceID != "" && res.Request.ServiceID != serviceID {
			continue
		}
		result = append(result, res)
	}
	httpresp.Send(w, deploymentsResponse{Count: len(result), Deployments: result}, http.StatusOK)
}
