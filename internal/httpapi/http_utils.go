package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/site-dispatcher/internal/httpresp"
	"github.com/Sh00ty/site-dispatcher/internal/models"
)

const maxRequestBody = 1 << 20

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// sendError maps request errors onto status codes.
func sendError(w http.ResponseWriter, err error) {
	var (
		valErr     *models.ValidationError
		unknownErr *models.UnknownSiteError
		noInstErr  *models.NoQualifyingInstanceError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &valErr):
		code = http.StatusBadRequest
	case errors.As(err, &unknownErr):
		code = http.StatusNotFound
	case errors.As(err, &noInstErr):
		code = http.StatusForbidden
	default:
		log.Error().Err(err).Msg("request failed")
	}
	httpresp.Send(w, &Response{Message: err.Error()}, code)
}

func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return &models.ValidationError{Field: "body", Reason: fmt.Sprintf("failed to read body: %v", err)}
	}
	if err = json.Unmarshal(data, dst); err != nil {
		return &models.ValidationError{Field: "body", Reason: fmt.Sprintf("malformed json: %v", err)}
	}
	return nil
}
