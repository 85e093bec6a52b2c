package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"go_certorch/internal/events"
	"go_certorch/internal/httpx"
	"go_certorch/internal/validation"
)

const maxBodyBytes = 1 << 20

// Receiver accepts provider callbacks
type Receiver interface {
	HandleWebhook(ctx context.Context, providerName string, header http.Header, body []byte) ([]events.Event, error)
}

// Handler handles provider webhooks
type Handler struct {
	recv   Receiver
	logger *logrus.Entry
}

// NewHandler creates a new handler
func NewHandler(recv Receiver, logger *logrus.Entry) *Handler {
	return &Handler{recv: recv, logger: logger}
}

// Receive handles POST /api/v1/webhooks/:provider
func (h *Handler) Receive(c *gin.Context) {
	name := c.Param("provider")
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("unreadable webhook body"))
		return
	}

	evs, err := h.recv.HandleWebhook(c.Request.Context(), name, c.Request.Header, body)
	if err != nil {
		if errors.Is(err, validation.ErrUnverifiedCallback) {
			h.logger.WithField("provider", name).WithError(err).Warn("rejected webhook")
			httpx.FailErr(c, httpx.ErrUnauthorized("webhook signature rejected"))
			return
		}
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, gin.H{"events": len(evs)})
}
