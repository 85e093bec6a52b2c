package ws

import (
	"context"
	"time"

	socketio "github.com/googollee/go-socket.io"

	"go_certorch/internal/auth"
	"go_certorch/internal/store"
)

const listTimeout = 10 * time.Second

// RequestCertificatesData is what a client sends with request:certificates
type RequestCertificatesData struct {
	Status   string `json:"status"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

// handleRequestCertificates answers with one page of the caller's certificates
func (h *Hub) handleRequestCertificates(s socketio.Conn, data RequestCertificatesData) {
	claims, ok := s.Context().(*auth.Claims)
	if !ok || h.lister == nil {
		s.Emit("error", map[string]interface{}{"message": "not authenticated"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()

	filter := store.ListFilter{
		SubscriptionID: claims.SubscriptionID,
		Status:         data.Status,
		Page:           data.Page,
		PageSize:       data.PageSize,
	}
	filter.Normalize()
	items, total, err := h.lister.ListCertificates(ctx, filter)
	if err != nil {
		h.logger.WithError(err).WithField("subscription", claims.SubscriptionID).Warn("Failed to list certificates")
		s.Emit("error", map[string]interface{}{"message": "failed to query certificates"})
		return
	}

	s.Emit("certificates:initial", map[string]interface{}{
		"items":    items,
		"total":    total,
		"page":     filter.Page,
		"pageSize": filter.PageSize,
	})
}
