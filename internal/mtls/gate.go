// Package mtls decides whether a request that passed the proxy's TLS
// handshake may reach the protected routes.
package mtls

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/EternisAI/silo-gate/internal/cert"
	"github.com/EternisAI/silo-gate/internal/certificates"
)

const (
	DefaultVerifyHeader = "X-Client-Verify"
	DefaultCertHeader   = "X-Client-Cert"
	VerifySuccess       = "SUCCESS"
)

var (
	ErrVerificationRequired = errors.New("mTLS required")
	ErrInvalidCertificate   = errors.New("invalid client certificate")
	ErrRecordNotFound       = errors.New("certificate record not found")
	ErrRevoked              = errors.New("certificate revoked")
	ErrLookup               = errors.New("certificate lookup failed")
)

type Config struct {
	VerifyHeader string `mapstructure:"verify_header"`
	CertHeader   string `mapstructure:"cert_header"`
	// RegistryCheckMandatory has no default and must be set by the operator.
	RegistryCheckMandatory *bool                    `mapstructure:"registry_check_mandatory"`
	Cache                  certificates.CacheConfig `mapstructure:"cache"`
}

// Alerter is told about access attempts with revoked certificates.
type Alerter interface {
	RevokedAccess(record *certificates.Record, endpoint string)
}

// Request carries the two signals the terminating proxy forwards.
type Request struct {
	Verify      string
	Certificate string
	Endpoint    string
}

type Gate struct {
	lookup    certificates.FingerprintLookup
	alerter   Alerter
	mandatory bool
}

func NewGate(lookup certificates.FingerprintLookup, alerter Alerter, registryCheckMandatory bool) *Gate {
	return &Gate{
		lookup:    lookup,
		alerter:   alerter,
		mandatory: registryCheckMandatory,
	}
}

// Check applies the gate to a proxied request. A nil error means allow; the
// returned record is nil when no certificate was forwarded or none was found
// under the lenient policy.
func (g *Gate) Check(ctx context.Context, req Request) (*certificates.Record, error) {
	if !strings.EqualFold(strings.TrimSpace(req.Verify), VerifySuccess) {
		return nil, ErrVerificationRequired
	}

	if strings.TrimSpace(req.Certificate) == "" {
		slog.Debug("No client certificate forwarded, allowing", "endpoint", req.Endpoint)
		return nil, nil
	}

	clientCert, err := cert.DecodeForwardedCertificate(req.Certificate)
	if err != nil {
		slog.Warn("Failed to decode forwarded client certificate", "error", err, "endpoint", req.Endpoint)
		return nil, ErrInvalidCertificate
	}

	return g.CheckCertificate(ctx, clientCert, req.Endpoint)
}

// CheckCertificate runs the registry part of the gate for a certificate that
// was already verified against the CA.
func (g *Gate) CheckCertificate(ctx context.Context, clientCert *x509.Certificate, endpoint string) (*certificates.Record, error) {
	fingerprint := cert.Fingerprint(clientCert.Raw)

	record, err := g.lookup.FindByFingerprint(ctx, fingerprint)
	if errors.Is(err, certificates.ErrNotFound) {
		if g.mandatory {
			slog.Warn("Rejected certificate without record",
				"fingerprint", fingerprint,
				"common_name", clientCert.Subject.CommonName,
				"endpoint", endpoint)
			return nil, ErrRecordNotFound
		}
		slog.Warn("Certificate record not found, allowing",
			"fingerprint", fingerprint,
			"common_name", clientCert.Subject.CommonName,
			"endpoint", endpoint)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookup, err)
	}

	if record.Revoked() {
		slog.Warn("Rejected revoked certificate",
			"machine_id", record.MachineID,
			"fingerprint", fingerprint,
			"endpoint", endpoint)
		if g.alerter != nil {
			g.alerter.RevokedAccess(record, endpoint)
		}
		return nil, ErrRevoked
	}

	return record, nil
}

// IsRejection reports whether err is a gate decision rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrVerificationRequired) ||
		errors.Is(err, ErrInvalidCertificate) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrRevoked)
}
