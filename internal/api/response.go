package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeError maps an engine error onto a status code and response body.
// Persistence failures are reported as retryable so clients resend the turn.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case models.IsValidationError(err):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, models.ErrSessionNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, models.ErrPersistence):
		slog.Warn("Server.writeError: persistence failure, asking client to retry", "op", op, "error", err)
		w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Retry("The message was not saved. Please send it again."))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Warn("Server.writeError: request abandoned", "op", op, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Retry("The request timed out. Please send it again."))
	default:
		slog.Error("Server.writeError: internal error", "op", op, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
