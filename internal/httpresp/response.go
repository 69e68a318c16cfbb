// Package httpresp writes the JSON responses shared by the controller and
// the site agent.
package httpresp

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Send writes m as JSON with the given status code. A nil m leaves the body empty.
func Send(w http.ResponseWriter, m any, httpCode int) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Add("Access-Control-Allow-Headers", "Content-Type")

	w.WriteHeader(httpCode)
	if m != nil {
		err := json.NewEncoder(w).Encode(m)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode response")
		}
	}
}
