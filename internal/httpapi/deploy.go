package httpapi

import (
	"net/http"

	"github.com/Sh00ty/site-dispatcher/internal/httpresp"
	"github.com/Sh00ty/site-dispatcher/internal/models"
)

const idempotencyKeyHeader = "Idempotency-Key"

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	req := models.DeploymentRequest{}
	if err := decodeBody(r, &req); err != nil {
		sendError(w, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(idempotencyKeyHeader)
	}

	result, err := s.coordinator.Submit(r.Context(), req)
	if err != nil {
		sendError(w, err)
		return
	}
	httpresp.Send(w, &Response{
		Success: result.Success,
		Message: result.ErrorMessage,
		Result:  result,
	}, http.StatusOK)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	req := models.StopRequest{}
	if err := decodeBody(r, &req); err != nil {
		sendError(w, err)
		return
	}

	result, err := s.coordinator.Stop(r.Context(), req)
	if err != nil {
		sendError(w, err)
		return
	}
	httpresp.Send(w, &Response{
		Success: result.Success,
		Message: result.Message,
		Result:  result,
	}, http.StatusOK)
}

func (s *Server) requestService(w http.ResponseWriter, r *http.Request) {
	req := models.SelectRequest{}
	if err := decodeBody(r, &req); err != nil {
		sendError(w, err)
		return
	}

	selection, err := s.coordinator.Select(r.Context(), req)
	if err != nil {
		sendError(w, err)
		return
	}
	httpresp.Send(w, &Response{
		Success: true,
		Message: "instance selected",
		Result:  selection,
	}, http.StatusOK)
}
