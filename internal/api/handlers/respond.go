// Package handlers provides HTTP handlers for the inventory API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/api/middleware"
	"github.com/drfirst/go-dispensary/internal/auth"
	"github.com/drfirst/go-dispensary/internal/domain/inventory"
	"github.com/drfirst/go-dispensary/internal/notification"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, errorResponse{Error: message})
}

// writeError maps domain errors to status codes. Unexpected errors are logged
// and answered with fallback, never with their own text.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error, fallback string) {
	var (
		verr     *inventory.ValidationError
		shortage *inventory.InsufficientStockError
	)
	switch {
	case errors.As(err, &shortage):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: shortage.Error(),
			Details: map[string]interface{}{
				"medicineId": shortage.MedicineID,
				"available":  shortage.Available,
				"requested":  shortage.Requested,
			},
		})
	case errors.As(err, &verr):
		var details interface{}
		if len(verr.Fields) > 0 {
			details = map[string]interface{}{"fields": verr.Fields}
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Details: details})
	case errors.Is(err, inventory.ErrNotFound):
		jsonError(w, "Medicine not found", http.StatusNotFound)
	case errors.Is(err, notification.ErrNotFound):
		jsonError(w, "Notification not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrUnauthenticated):
		jsonError(w, "authentication required", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, notification.ErrForbidden):
		jsonError(w, "Access denied", http.StatusForbidden)
	default:
		logger.Error(fallback,
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, fallback, http.StatusInternalServerError)
	}
}

// identity returns the authenticated caller. Routes are mounted behind
// auth.Authenticate, so a missing identity is a wiring fault.
func identity(r *http.Request) (auth.Identity, error) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return id, nil
}

// actor is the optional audit identity for inventory operations.
func actor(r *http.Request) *inventory.Actor {
	if id, ok := auth.FromContext(r.Context()); ok {
		return id.Actor()
	}
	return nil
}
