package providers

import (
	"github.com/gin-gonic/gin"

	"go_certorch/internal/httpx"
	"go_certorch/internal/registry"
)

// Lister reports provider registry state
type Lister interface {
	Providers() []registry.Status
}

// Handler handles provider API requests
type Handler struct {
	lister Lister
}

// NewHandler creates a new handler
func NewHandler(lister Lister) *Handler {
	return &Handler{lister: lister}
}

// List handles GET /api/v1/providers
func (h *Handler) List(c *gin.Context) {
	httpx.OK(c, gin.H{"items": h.lister.Providers()})
}
