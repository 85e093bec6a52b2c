package certificates

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"go_certorch/api/v1/middleware"
	"go_certorch/internal/certerr"
	"go_certorch/internal/httpx"
	"go_certorch/internal/model"
	"go_certorch/internal/orchestrator"
	"go_certorch/internal/store"
)

// Service is the part of the orchestrator the handlers drive
type Service interface {
	RequestCertificate(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	RenewCertificate(ctx context.Context, certificateID int, opts orchestrator.RenewOptions) (*orchestrator.Result, error)
	RevokeCertificate(ctx context.Context, certificateID int, reason string) (*orchestrator.Result, error)
	GetCertificate(ctx context.Context, id int) (*model.Certificate, error)
	ListCertificates(ctx context.Context, filter store.ListFilter) ([]*model.Certificate, int64, error)
	ListChallenges(ctx context.Context, certificateID int) ([]*model.ValidationChallenge, error)
}

// Handler handles certificate API requests
type Handler struct {
	svc Service
}

// NewHandler creates a new handler
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// CreateRequest represents the request to order a certificate
type CreateRequest struct {
	Domain          string `json:"domain" binding:"required,max=253"`
	Provider        string `json:"provider" binding:"omitempty,max=100"`
	CertificateType string `json:"certificateType" binding:"omitempty,oneof=dv dv-wildcard ov"`
}

// ListRequest represents the list query
type ListRequest struct {
	Status   string `form:"status"`
	Domain   string `form:"domain"`
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"pageSize" binding:"omitempty,min=1,max=100"`
}

// RenewRequest represents the request to renew a certificate
type RenewRequest struct {
	Force    bool   `json:"force"`
	Provider string `json:"provider" binding:"omitempty,max=100"`
}

// RevokeRequest represents the request to revoke a certificate
type RevokeRequest struct {
	Reason string `json:"reason" binding:"required,revocation_reason"`
}

// Create handles POST /api/v1/certificates
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.BindError(err))
		return
	}

	res, err := h.svc.RequestCertificate(c.Request.Context(), orchestrator.Request{
		SubscriptionID:  middleware.SubscriptionID(c),
		Domain:          req.Domain,
		ProviderName:    req.Provider,
		CertificateType: req.CertificateType,
	})
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, res)
}

// List handles GET /api/v1/certificates
func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpx.FailErr(c, httpx.BindError(err))
		return
	}

	filter := store.ListFilter{
		SubscriptionID: middleware.SubscriptionID(c),
		Status:         req.Status,
		Domain:         req.Domain,
		Page:           req.Page,
		PageSize:       req.PageSize,
	}
	filter.Normalize()
	items, total, err := h.svc.ListCertificates(c.Request.Context(), filter)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OKItems(c, items, total, filter.Page, filter.PageSize)
}

// Get handles GET /api/v1/certificates/:id
func (h *Handler) Get(c *gin.Context) {
	cert, ok := h.owned(c)
	if !ok {
		return
	}
	httpx.OK(c, cert)
}

// Challenges handles GET /api/v1/certificates/:id/challenges
func (h *Handler) Challenges(c *gin.Context) {
	cert, ok := h.owned(c)
	if !ok {
		return
	}
	items, err := h.svc.ListChallenges(c.Request.Context(), cert.ID)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, gin.H{"items": items})
}

// Renew handles POST /api/v1/certificates/:id/renew
func (h *Handler) Renew(c *gin.Context) {
	var req RenewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.FailErr(c, httpx.BindError(err))
			return
		}
	}
	cert, ok := h.owned(c)
	if !ok {
		return
	}

	res, err := h.svc.RenewCertificate(c.Request.Context(), cert.ID, orchestrator.RenewOptions{
		Force:        req.Force,
		ProviderName: req.Provider,
	})
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, res)
}

// Revoke handles POST /api/v1/certificates/:id/revoke
func (h *Handler) Revoke(c *gin.Context) {
	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.BindError(err))
		return
	}
	cert, ok := h.owned(c)
	if !ok {
		return
	}

	res, err := h.svc.RevokeCertificate(c.Request.Context(), cert.ID, req.Reason)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	httpx.OK(c, res)
}

// owned loads :id and hides certificates of other subscriptions behind a 404
func (h *Handler) owned(c *gin.Context) (*model.Certificate, bool) {
	raw := c.Param("id")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid certificate id"))
		return nil, false
	}

	cert, err := h.svc.GetCertificate(c.Request.Context(), id)
	if err == nil && cert.SubscriptionID != middleware.SubscriptionID(c) {
		err = &certerr.NotFoundError{Resource: "certificate", ID: raw}
	}
	if err != nil {
		httpx.Error(c, err)
		return nil, false
	}
	return cert, true
}
