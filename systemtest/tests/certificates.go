package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/EternisAI/silo-gate/internal/api/http/dto"
	"github.com/EternisAI/silo-gate/internal/ca"
	"github.com/EternisAI/silo-gate/internal/cert"
	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/EternisAI/silo-gate/internal/provision"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheck(t *testing.T, router *gin.Engine) {
	rr := doJSON(router, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

// TestIssuance provisions a device twice and checks that the second
// certificate supersedes the first.
func TestIssuance(t *testing.T, router *gin.Engine, tokens *provision.TokenStore) {
	const deviceID = "system-device-b"

	first := issue(t, router, tokens, deviceID)
	firstCert, err := cert.ParseCertificatePEM([]byte(first.Certificate))
	require.NoError(t, err)
	assert.Equal(t, deviceID, firstCert.Subject.CommonName)

	t.Run("first certificate passes the gate", func(t *testing.T) {
		rr := doJSON(router, http.MethodGet, "/secure/ping", nil, first.Certificate)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("token is single use", func(t *testing.T) {
		token, err := tokens.CreateToken()
		require.NoError(t, err)

		path := fmt.Sprintf("/certificate/issue?token=%s&deviceId=%s", token.Key, deviceID)
		require.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, path, nil, "").Code)

		rr := doJSON(router, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.JSONEq(t, `{"error":"Invalid or expired token"}`, rr.Body.String())
	})

	second := issue(t, router, tokens, deviceID)

	t.Run("superseded certificate is rejected", func(t *testing.T) {
		rr := doJSON(router, http.MethodGet, "/secure/ping", nil, first.Certificate)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.JSONEq(t, `{"error":"Certificate revoked"}`, rr.Body.String())
	})

	t.Run("only the latest record is active", func(t *testing.T) {
		records := listRecords(t, router, deviceID, second.Certificate)
		require.Equal(t, 3, records.Count)

		active := 0
		for _, r := range records.Records {
			if r.RevokedAt == nil {
				active++
				continue
			}
			assert.Equal(t, certificates.SupersededReason, r.RevokeReason)
		}
		assert.Equal(t, 1, active)
	})
}

// TestRevokeByDevice revokes every certificate of a device through the
// protected API and checks that the device is locked out.
func TestRevokeByDevice(t *testing.T, router *gin.Engine, tokens *provision.TokenStore) {
	const (
		operatorID = "system-operator"
		deviceID   = "system-device-c"
	)

	operator := issue(t, router, tokens, operatorID)
	device := issue(t, router, tokens, deviceID)

	require.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/secure/ping", nil, device.Certificate).Code)

	t.Run("missing identifier", func(t *testing.T) {
		rr := doJSON(router, http.MethodPost, "/secure/certificate/revoke", dto.RevokeCertificateRequest{}, operator.Certificate)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("revoke by device", func(t *testing.T) {
		body := dto.RevokeCertificateRequest{DeviceID: deviceID, RevokeReason: "decommissioned"}
		rr := doJSON(router, http.MethodPost, "/secure/certificate/revoke", body, operator.Certificate)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.RevokeCertificateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Affected)
		assert.Equal(t, "1 record affected.", resp.Message)
	})

	t.Run("revoked device is rejected", func(t *testing.T) {
		rr := doJSON(router, http.MethodGet, "/secure/ping", nil, device.Certificate)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("second revoke affects nothing", func(t *testing.T) {
		body := dto.RevokeCertificateRequest{DeviceID: deviceID}
		rr := doJSON(router, http.MethodPost, "/secure/certificate/revoke", body, operator.Certificate)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.RevokeCertificateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 0, resp.Affected)
	})

	t.Run("records keep the reason", func(t *testing.T) {
		records := listRecords(t, router, deviceID, operator.Certificate)
		require.Equal(t, 1, records.Count)
		require.NotNil(t, records.Records[0].RevokedAt)
		assert.Equal(t, "decommissioned", records.Records[0].RevokeReason)
	})

	t.Run("operator is unaffected", func(t *testing.T) {
		rr := doJSON(router, http.MethodGet, "/secure/ping", nil, operator.Certificate)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func issue(t *testing.T, router *gin.Engine, tokens *provision.TokenStore, deviceID string) ca.CertificateBundle {
	t.Helper()
	token, err := tokens.CreateToken()
	require.NoError(t, err)

	path := fmt.Sprintf("/certificate/issue?token=%s&deviceId=%s", url.QueryEscape(token.Key), url.QueryEscape(deviceID))
	rr := doJSON(router, http.MethodGet, path, nil, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var bundle ca.CertificateBundle
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &bundle))
	require.NotEmpty(t, bundle.Certificate)
	require.NotEmpty(t, bundle.PrivateKey)
	return bundle
}

func listRecords(t *testing.T, router *gin.Engine, deviceID, clientCert string) dto.ListCertificateRecordsResponse {
	t.Helper()
	rr := doJSON(router, http.MethodGet, "/secure/certificate/records?deviceId="+url.QueryEscape(deviceID), nil, clientCert)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp dto.ListCertificateRecordsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

// doJSON sends body as JSON. A non-empty clientCert is forwarded the way a
// TLS-terminating proxy does after a successful handshake.
func doJSON(router *gin.Engine, method, path string, body any, clientCert string) *httptest.ResponseRecorder {
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if clientCert != "" {
		req.Header.Set("X-Client-Verify", "SUCCESS")
		req.Header.Set("X-Client-Cert", url.PathEscape(clientCert))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
