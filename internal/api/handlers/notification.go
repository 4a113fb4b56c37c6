package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/notification"
)

// NotificationHandler serves the caller's notification feed.
type NotificationHandler struct {
	service *notification.Service
	logger  *zap.Logger
}

// NewNotificationHandler creates a new handler
func NewNotificationHandler(service *notification.Service, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{service: service, logger: logger}
}

// Routes returns the handler routes
func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/unread", h.UnreadCount)
	r.Put("/read-all", h.MarkAllRead)
	r.Put("/{id}/read", h.MarkRead)
	return r
}

func (h *NotificationHandler) recipient(r *http.Request) (notification.Recipient, error) {
	id, err := identity(r)
	if err != nil {
		return notification.Recipient{}, err
	}
	return notification.RecipientFor(id.Role, id.UserID), nil
}

// List handles GET /notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	rcpt, err := h.recipient(r)
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	out, err := h.service.List(r.Context(), rcpt)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to fetch notifications")
		return
	}
	if out == nil {
		out = []*notification.Notification{}
	}
	writeJSON(w, http.StatusOK, out)
}

// UnreadCount handles GET /notifications/unread
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	rcpt, err := h.recipient(r)
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	n, err := h.service.UnreadCount(r.Context(), rcpt)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to count notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// MarkRead handles PUT /notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	rcpt, err := h.recipient(r)
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.service.MarkRead(r.Context(), id, rcpt); err != nil {
		writeError(w, r, h.logger, err, "Failed to update notification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read", "id": id})
}

// MarkAllRead handles PUT /notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	rcpt, err := h.recipient(r)
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	n, err := h.service.MarkAllRead(r.Context(), rcpt)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to update notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "All notifications marked as read", "updated": n})
}
