package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/feedline/feedline/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError renders the uniform error envelope. Causes are logged here and
// never serialized.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierr.From(err)
	requestID := RequestID(r.Context())

	status := apierr.HTTPStatus(apiErr.Code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", requestID).Str("path", r.URL.Path).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("request_id", requestID).Str("path", r.URL.Path).Msg("request rejected")
	}

	writeJSON(w, status, apierr.NewBody(apiErr, requestID))
}
