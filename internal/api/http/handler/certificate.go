package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-gate/internal/api/http/dto"
	"github.com/EternisAI/silo-gate/internal/ca"
	"github.com/EternisAI/silo-gate/internal/cert"
	"github.com/EternisAI/silo-gate/internal/provision"
	"github.com/gin-gonic/gin"
)

// Issuer produces certificate responses for a device.
type Issuer interface {
	IssueCertificate(ctx context.Context, deviceID string, pemFormat bool) (*ca.Response, error)
}

type CertificateHandler struct {
	tokens *provision.TokenStore
	issuer Issuer
	caPEM  []byte
}

func NewCertificateHandler(tokens *provision.TokenStore, issuer Issuer, caPEM []byte) *CertificateHandler {
	return &CertificateHandler{
		tokens: tokens,
		issuer: issuer,
		caPEM:  caPEM,
	}
}

// Issue redeems an onboarding token for a device certificate.
func (h *CertificateHandler) Issue(ctx *gin.Context) {
	var req dto.IssueCertificateRequest
	if err := ctx.ShouldBindQuery(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Checked first so a malformed request does not burn the token.
	if err := cert.ValidateDeviceID(req.DeviceID); err != nil {
		slog.Warn("Invalid device ID for certificate issue", "device_id", req.DeviceID, "error", err)
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.tokens.ValidateToken(req.Token) {
		slog.Warn("Onboarding token rejected", "device_id", req.DeviceID, "client_ip", ctx.ClientIP())
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return
	}

	writeIssued(ctx, h.issuer, req.DeviceID, req.PEMFormat)
}

func (h *CertificateHandler) CACertificate(ctx *gin.Context) {
	ctx.Data(http.StatusOK, ca.PEMContentType, h.caPEM)
}

func writeIssued(ctx *gin.Context, issuer Issuer, deviceID string, pemFormat bool) {
	resp, err := issuer.IssueCertificate(ctx.Request.Context(), deviceID, pemFormat)
	if err != nil {
		if errors.Is(err, cert.ErrInvalidDeviceID) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to issue certificate", "error", err, "device_id", deviceID)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue certificate"})
		return
	}

	if resp.Filename != "" {
		ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", resp.Filename))
	}
	ctx.Data(http.StatusOK, resp.ContentType, resp.Body)
}
