package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-gate/internal/mtls"
	"github.com/gin-gonic/gin"
)

const ClientRecordKey = "client_record"

type GateConfig struct {
	Prefix       string
	VerifyHeader string
	CertHeader   string
}

// MTLSGate enforces the gate on every path under cfg.Prefix and lets all
// other paths through untouched.
func MTLSGate(gate *mtls.Gate, cfg GateConfig) gin.HandlerFunc {
	if cfg.VerifyHeader == "" {
		cfg.VerifyHeader = mtls.DefaultVerifyHeader
	}
	if cfg.CertHeader == "" {
		cfg.CertHeader = mtls.DefaultCertHeader
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if !underPrefix(path, cfg.Prefix) {
			c.Next()
			return
		}

		record, err := gate.Check(c.Request.Context(), mtls.Request{
			Verify:      c.GetHeader(cfg.VerifyHeader),
			Certificate: c.GetHeader(cfg.CertHeader),
			Endpoint:    path,
		})
		if err != nil {
			if mtls.IsRejection(err) {
				slog.Warn("mTLS gate rejected request",
					"path", path,
					"client_ip", c.ClientIP(),
					"reason", err.Error())
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": rejectionMessage(err)})
				return
			}
			slog.Error("mTLS gate failed", "error", err, "path", path)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		if record != nil {
			c.Set(ClientRecordKey, record)
		}
		c.Next()
	}
}

// rejectionMessages are the response bodies clients see for each rejection.
var rejectionMessages = []struct {
	err     error
	message string
}{
	{mtls.ErrVerificationRequired, "mTLS required"},
	{mtls.ErrInvalidCertificate, "Invalid client certificate"},
	{mtls.ErrRecordNotFound, "Certificate record not found"},
	{mtls.ErrRevoked, "Certificate revoked"},
}

func rejectionMessage(err error) string {
	for _, r := range rejectionMessages {
		if errors.Is(err, r.err) {
			return r.message
		}
	}
	return "Unauthorized"
}

// underPrefix matches "/secure" and "/secure/..." for the prefix "/secure/".
func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	trimmed := strings.TrimSuffix(prefix, "/")
	return path == trimmed || strings.HasPrefix(path, trimmed+"/")
}
