package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/site-dispatcher/internal/httpresp"
	"github.com/Sh00ty/site-dispatcher/internal/models"
	"github.com/Sh00ty/site-dispatcher/internal/storage/inmemory"
)

type StatusReader interface {
	Get(id models.SiteID) (models.SiteStatus, bool)
	Snapshot() inmemory.Snapshot
	TakenAt() time.Time
}

type Coordinator interface {
	Submit(ctx context.Context, req models.DeploymentRequest) (models.DeploymentResult, error)
	Stop(ctx context.Context, req models.StopRequest) (models.StopResult, error)
	SiteMetrics(ctx context.Context, siteID models.SiteID) ([]models.InstanceMetric, error)
	Select(ctx context.Context, req models.SelectRequest) (models.Selection, error)
	History() []models.DeploymentResult
}

type SiteLister interface {
	List() []models.Site
}

type RefreshTrigger interface {
	Trigger()
}

func NewServer(
	statuses StatusReader,
	coordinator Coordinator,
	sites SiteLister,
	refresher RefreshTrigger,
	metricsHandler http.Handler,
) *Server {
	return &Server{
		statuses:       statuses,
		coordinator:    coordinator,
		sites:          sites,
		refresher:      refresher,
		metricsHandler: metricsHandler,
	}
}

type Server struct {
	statuses       StatusReader
	coordinator    Coordinator
	sites          SiteLister
	refresher      RefreshTrigger
	metricsHandler http.Handler
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.Use(logRequests)

	// path goes before method on every route, otherwise a later route with a
	// matching method hides the method mismatch and 405 turns into 404

	router.Path("/healthz").Methods(http.MethodGet).Name("healthz").HandlerFunc(s.healthz)
	router.Path("/ready").Methods(http.MethodGet).Name("ready").HandlerFunc(s.ready)

	router.Path("/status").Methods(http.MethodGet).Name("status").HandlerFunc(s.getStatus)
	router.Path("/status/{site_id}").Methods(http.MethodGet).Name("siteStatus").HandlerFunc(s.getSiteStatus)
	router.Path("/deploy").Methods(http.MethodPost).Name("deploy").HandlerFunc(s.deploy)
	router.Path("/stop").Methods(http.MethodPost).Name("stop").HandlerFunc(s.stop)
	router.Path("/sites").Methods(http.MethodGet).Name("sites").HandlerFunc(s.listSites)
	router.Path("/sites/{site_id}/metrics").Methods(http.MethodGet).Name("siteMetrics").HandlerFunc(s.getSiteMetrics)
	router.Path("/deployments").Methods(http.MethodGet).Name("deployments").HandlerFunc(s.listDeployments)
	router.Path("/refresh").Methods(http.MethodPost).Name("refresh").HandlerFunc(s.refresh)
	router.Path("/request-service").Methods(http.MethodPost).Name("requestService").HandlerFunc(s.requestService)

	if s.metricsHandler != nil {
		router.Path("/metrics").Methods(http.MethodGet).Name("metrics").Handler(s.metricsHandler)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpresp.Send(w, &Response{Message: "route not found"}, http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpresp.Send(w, &Response{Message: "method not allowed"}, http.StatusMethodNotAllowed)
	})
	return router
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ready turns true once the first snapshot is published.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.statuses.TakenAt().IsZero() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().Msgf("[http]: %s %s -> %d in %d ms", r.Method, r.URL.Path, rec.code, time.Since(ts).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
