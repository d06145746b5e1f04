package server

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/EternisAI/silo-gate/internal/cert"
	"github.com/EternisAI/silo-gate/internal/certificates"
	grpctls "github.com/EternisAI/silo-gate/internal/grpc/tls"
	"github.com/EternisAI/silo-gate/internal/mtls"
	"github.com/EternisAI/silo-gate/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type harness struct {
	addr     string
	dir      string
	caFile   string
	signer   *cert.RSASigner
	registry *certificates.Registry
}

func startServer(t *testing.T, mandatory bool) *harness {
	t.Helper()
	dir := t.TempDir()

	caCert, caKey, err := cert.GenerateCA(cert.CAOptions{CommonName: "gRPC Test CA", KeyBits: 2048})
	require.NoError(t, err)
	authority, err := cert.NewAuthority(caCert, caKey)
	require.NoError(t, err)

	caFile := filepath.Join(dir, "ca-cert.pem")
	require.NoError(t, cert.WriteCertificateFile(caFile, caCert))

	serverCert, serverKey, err := cert.GenerateServerCert(authority, []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")}, 2048)
	require.NoError(t, err)
	certFile := filepath.Join(dir, "server-cert.pem")
	keyFile := filepath.Join(dir, "server-key.pem")
	require.NoError(t, cert.WriteCertificateFile(certFile, serverCert))
	require.NoError(t, cert.WriteKeyFile(keyFile, serverKey))

	creds, err := grpctls.LoadServerCredentials(certFile, keyFile, authority.Pool(), tls.RequireAndVerifyClientCert)
	require.NoError(t, err)

	registry := certificates.NewRegistry(memory.NewStore())
	srv := NewServer(0, creds, mtls.NewGate(registry, nil, mandatory))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.StopWithTimeout(time.Second) })

	return &harness{
		addr:     lis.Addr().String(),
		dir:      dir,
		caFile:   caFile,
		signer:   cert.NewRSASigner(authority, &cert.SignerOptions{KeyBits: 2048}),
		registry: registry,
	}
}

// device issues a client certificate, optionally records it, and returns a
// health client authenticating with it.
func (h *harness) device(t *testing.T, deviceID string, record bool) (healthpb.HealthClient, *cert.Issued) {
	t.Helper()
	issued, err := h.signer.Sign(context.Background(), deviceID)
	require.NoError(t, err)

	if record {
		require.NoError(t, h.registry.Insert(context.Background(), &certificates.Record{
			FingerprintSHA256: issued.Fingerprint,
			MachineID:         deviceID,
			IssuedAt:          issued.IssuedAt,
			ExpiresAt:         issued.ExpiresAt,
		}))
	}

	certFile := filepath.Join(h.dir, deviceID+"-cert.pem")
	keyFile := filepath.Join(h.dir, deviceID+"-key.pem")
	require.NoError(t, os.WriteFile(certFile, issued.CertificatePEM, 0644))
	require.NoError(t, os.WriteFile(keyFile, issued.PrivateKeyPEM, 0600))

	creds, err := grpctls.LoadClientCredentials(certFile, keyFile, h.caFile, "localhost")
	require.NoError(t, err)

	conn, err := grpc.NewClient(h.addr, grpc.WithTransportCredentials(creds))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return healthpb.NewHealthClient(conn), issued
}

func check(client healthpb.HealthClient) (*healthpb.HealthCheckResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Check(ctx, &healthpb.HealthCheckRequest{})
}

func TestHealthWithRecordedCertificate(t *testing.T) {
	h := startServer(t, true)
	client, _ := h.device(t, "device-ok", true)

	resp, err := check(client)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestRevokedCertificateIsUnauthenticated(t *testing.T) {
	h := startServer(t, false)
	client, issued := h.device(t, "device-revoked", true)

	_, err := h.registry.RevokeByFingerprint(context.Background(), issued.Fingerprint, "")
	require.NoError(t, err)

	_, err = check(client)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUnrecordedCertificatePolicy(t *testing.T) {
	strict := startServer(t, true)
	client, _ := strict.device(t, "device-strict", false)
	_, err := check(client)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	lenient := startServer(t, false)
	client, _ = lenient.device(t, "device-lenient", false)
	_, err = check(client)
	assert.NoError(t, err)
}

func TestParseClientAuthType(t *testing.T) {
	authType, err := grpctls.ParseClientAuthType("")
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, authType)

	_, err = grpctls.ParseClientAuthType("sometimes")
	assert.Error(t, err)
}
