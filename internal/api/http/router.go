package http

import (
	"github.com/EternisAI/silo-gate/internal/api/http/handler"
	"github.com/EternisAI/silo-gate/internal/api/http/middleware"
	"github.com/EternisAI/silo-gate/internal/ca"
	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/EternisAI/silo-gate/internal/mtls"
	"github.com/EternisAI/silo-gate/internal/provision"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Tokens   *provision.TokenStore
	Issuer   *ca.Service
	Registry *certificates.Registry
	Gate     *mtls.Gate
	CAPEM    []byte
}

type Options struct {
	ProtectedPrefix string
	IssueRateLimit  middleware.RateLimitConfig
	VerifyHeader    string
	CertHeader      string
}

func SetupRoute(engine *gin.Engine, srvs *Services, opts Options) {
	engine.Use(middleware.RequestLogger())

	prefix := opts.ProtectedPrefix
	if prefix == "" {
		prefix = DefaultProtectedPrefix
	}
	certHeader := opts.CertHeader
	if certHeader == "" {
		certHeader = mtls.DefaultCertHeader
	}

	engine.Use(middleware.MTLSGate(srvs.Gate, middleware.GateConfig{
		Prefix:       prefix,
		VerifyHeader: opts.VerifyHeader,
		CertHeader:   certHeader,
	}))

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	certHandler := handler.NewCertificateHandler(srvs.Tokens, srvs.Issuer, srvs.CAPEM)
	certificate := engine.Group("/certificate")
	certificate.GET("/issue", middleware.RateLimit(opts.IssueRateLimit), certHandler.Issue)
	certificate.GET("/ca.pem", certHandler.CACertificate)

	secureHandler := handler.NewSecureHandler(srvs.Tokens, srvs.Issuer, srvs.Registry, certHeader)
	secure := engine.Group(prefix)
	secure.GET("/authorize", secureHandler.Authorize)
	secure.GET("/ping", secureHandler.Ping)
	secure.POST("/certificate/renew", secureHandler.Renew)
	secure.POST("/certificate/revoke", secureHandler.Revoke)
	secure.GET("/certificate/records", secureHandler.Records)
}
