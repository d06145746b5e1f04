package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-gate/internal/api/http/dto"
	"github.com/EternisAI/silo-gate/internal/cert"
	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/EternisAI/silo-gate/internal/provision"
	"github.com/gin-gonic/gin"
)

// Revoker is the part of the registry the secure routes mutate.
type Revoker interface {
	RevokeByID(ctx context.Context, id, reason string) (bool, error)
	RevokeByFingerprint(ctx context.Context, fingerprint, reason string) (bool, error)
	RevokeByDeviceID(ctx context.Context, machineID, reason string) (int, error)
	FindByMachineID(ctx context.Context, machineID string) ([]*certificates.Record, error)
}

// SecureHandler serves the routes behind the mTLS gate.
type SecureHandler struct {
	tokens     *provision.TokenStore
	issuer     Issuer
	registry   Revoker
	certHeader string
}

func NewSecureHandler(tokens *provision.TokenStore, issuer Issuer, registry Revoker, certHeader string) *SecureHandler {
	return &SecureHandler{
		tokens:     tokens,
		issuer:     issuer,
		registry:   registry,
		certHeader: certHeader,
	}
}

func (h *SecureHandler) Authorize(ctx *gin.Context) {
	token, err := h.tokens.CreateToken()
	if err != nil {
		slog.Error("Failed to create onboarding token", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}
	ctx.JSON(http.StatusOK, token)
}

// Renew issues a new certificate. Without a deviceId the caller renews its
// own certificate, identified by the CN of the forwarded certificate.
func (h *SecureHandler) Renew(ctx *gin.Context) {
	var req dto.RenewCertificateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		forwarded := ctx.GetHeader(h.certHeader)
		if forwarded == "" {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required when no client certificate is forwarded"})
			return
		}
		clientCert, err := cert.DecodeForwardedCertificate(forwarded)
		if err != nil || clientCert.Subject.CommonName == "" {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Unable to derive deviceId from client certificate"})
			return
		}
		deviceID = clientCert.Subject.CommonName
	}

	if err := cert.ValidateDeviceID(deviceID); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	slog.Info("Renewing certificate", "device_id", deviceID, "client_ip", ctx.ClientIP())
	writeIssued(ctx, h.issuer, deviceID, req.PEMFormat)
}

func (h *SecureHandler) Revoke(ctx *gin.Context) {
	var req dto.RevokeCertificateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := strings.TrimSpace(req.RecordID)
	fingerprint := strings.ToUpper(strings.TrimSpace(req.FingerprintSHA256))
	deviceID := strings.TrimSpace(req.DeviceID)

	var (
		affected int
		err      error
	)
	switch {
	case id != "":
		affected, err = revokedCount(h.registry.RevokeByID(ctx.Request.Context(), id, req.RevokeReason))
	case fingerprint != "":
		affected, err = revokedCount(h.registry.RevokeByFingerprint(ctx.Request.Context(), fingerprint, req.RevokeReason))
	case deviceID != "":
		affected, err = h.registry.RevokeByDeviceID(ctx.Request.Context(), deviceID, req.RevokeReason)
	default:
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "One of mongoId, deviceId, or fingerprintSha256 is required"})
		return
	}

	if err != nil {
		slog.Error("Failed to revoke certificate", "error", err,
			"record_id", id, "fingerprint", fingerprint, "device_id", deviceID)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke certificate"})
		return
	}

	ctx.JSON(http.StatusOK, dto.RevokeCertificateResponse{
		Affected: affected,
		Message:  affectedMessage(affected),
	})
}

func (h *SecureHandler) Records(ctx *gin.Context) {
	deviceID := strings.TrimSpace(ctx.Query("deviceId"))
	if deviceID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required"})
		return
	}

	records, err := h.registry.FindByMachineID(ctx.Request.Context(), deviceID)
	if err != nil {
		slog.Error("Failed to list certificate records", "error", err, "device_id", deviceID)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list certificate records"})
		return
	}

	infos := make([]dto.CertificateRecordInfo, len(records))
	for i, r := range records {
		infos[i] = dto.CertificateRecordInfo{
			ID:                r.ID,
			FingerprintSHA256: r.FingerprintSHA256,
			MachineID:         r.MachineID,
			IssuedAt:          r.IssuedAt,
			ExpiresAt:         r.ExpiresAt,
			RevokedAt:         r.RevokedAt,
			RevokeReason:      r.RevokeReason,
		}
	}

	ctx.JSON(http.StatusOK, dto.ListCertificateRecordsResponse{
		Records: infos,
		Count:   len(infos),
	})
}

func (h *SecureHandler) Ping(ctx *gin.Context) {
	ctx.String(http.StatusOK, "pong")
}

func revokedCount(ok bool, err error) (int, error) {
	if ok {
		return 1, err
	}
	return 0, err
}

func affectedMessage(n int) string {
	if n == 1 {
		return "1 record affected."
	}
	return fmt.Sprintf("%d records affected.", n)
}
