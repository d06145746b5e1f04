package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/EternisAI/silo-gate/internal/ca"
	"github.com/EternisAI/silo-gate/internal/cert"
	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/EternisAI/silo-gate/internal/mtls"
	"github.com/EternisAI/silo-gate/internal/provision"
	"github.com/EternisAI/silo-gate/internal/store/memory"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) RevokedAccess(record *certificates.Record, endpoint string) {
	m.Called(record, endpoint)
}

type server struct {
	engine   *gin.Engine
	signer   *cert.RSASigner
	registry *certificates.Registry
	alerter  *MockAlerter
}

func newServer(t *testing.T, mandatory bool) *server {
	t.Helper()
	caCert, caKey, err := cert.GenerateCA(cert.CAOptions{CommonName: "Router Test CA", KeyBits: 2048})
	require.NoError(t, err)
	authority, err := cert.NewAuthority(caCert, caKey)
	require.NoError(t, err)

	registry := certificates.NewRegistry(memory.NewStore())
	cache := certificates.NewFingerprintCache(registry, 0, 0, certificates.InvalidateKeys)
	cache.Attach(registry)
	alerter := new(MockAlerter)
	signer := cert.NewRSASigner(authority, &cert.SignerOptions{KeyBits: 2048})

	engine := gin.New()
	SetupRoute(engine, &Services{
		Tokens:   provision.NewTokenStore(time.Minute),
		Issuer:   ca.NewService(signer, registry),
		Registry: registry,
		Gate:     mtls.NewGate(cache, alerter, mandatory),
		CAPEM:    authority.CertificatePEM,
	}, Options{})

	return &server{engine: engine, signer: signer, registry: registry, alerter: alerter}
}

func (s *server) get(path string, headers map[string]string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestPublicRoutesBypassGate(t *testing.T) {
	s := newServer(t, true)

	assert.Equal(t, http.StatusOK, s.get("/health", nil).Code)
	assert.Equal(t, http.StatusOK, s.get("/certificate/ca.pem", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.get("/certificate/issue", nil).Code)
}

func TestGateVerificationStates(t *testing.T) {
	s := newServer(t, false)

	w := s.get("/secure/ping", map[string]string{"X-Client-Verify": "FAILED"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.get("/secure/ping", map[string]string{"X-Client-Verify": "SUCCESS"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestGateRejectsRevokedCertificate(t *testing.T) {
	ctx := context.Background()
	s := newServer(t, false)

	issued, err := s.signer.Sign(ctx, "device-e")
	require.NoError(t, err)
	require.NoError(t, s.registry.Insert(ctx, &certificates.Record{
		FingerprintSHA256: issued.Fingerprint,
		MachineID:         "device-e",
		IssuedAt:          issued.IssuedAt,
		ExpiresAt:         issued.ExpiresAt,
	}))

	headers := map[string]string{
		"X-Client-Verify": "SUCCESS",
		"X-Client-Cert":   url.PathEscape(string(cert.CertToPEM(issued.Certificate))),
	}
	require.Equal(t, http.StatusOK, s.get("/secure/ping", headers).Code)

	_, err = s.registry.RevokeByFingerprint(ctx, issued.Fingerprint, "")
	require.NoError(t, err)

	s.alerter.On("RevokedAccess", mock.AnythingOfType("*certificates.Record"), "/secure/ping").Return().Once()

	w := s.get("/secure/ping", headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Certificate revoked"}`, w.Body.String())
	s.alerter.AssertNumberOfCalls(t, "RevokedAccess", 1)
}

func TestGateMandatoryRecord(t *testing.T) {
	s := newServer(t, true)

	issued, err := s.signer.Sign(context.Background(), "device-unrecorded")
	require.NoError(t, err)

	w := s.get("/secure/ping", map[string]string{
		"X-Client-Verify": "SUCCESS",
		"X-Client-Cert":   url.PathEscape(string(cert.CertToPEM(issued.Certificate))),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Certificate record not found"}`, w.Body.String())
}
