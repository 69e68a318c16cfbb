package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Sh00ty/site-dispatcher/internal/httpresp"
	"github.com/Sh00ty/site-dispatcher/internal/models"
)

// getStatus serves the cached snapshot and never calls a site.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	httpresp.Send(w, s.statuses.Snapshot(), http.StatusOK)
}

func (s *Server) getSiteStatus(w http.ResponseWriter, r *http.Request) {
	siteID := models.SiteID(mux.Vars(r)["site_id"])
	st, ok := s.statuses.Get(siteID)
	if !ok {
		httpresp.Send(w, &Response{Message: fmt.Sprintf("no status for site %q", siteID)}, http.StatusNotFound)
		return
	}
	httpresp.Send(w, st, http.StatusOK)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.refresher.Trigger()
	httpresp.Send(w, &Response{Success: true, Message: "refresh scheduled"}, http.StatusAccepted)
}
