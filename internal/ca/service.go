// Package ca turns a device identity into a signed certificate bundle and
// records it in the registry.
package ca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-gate/internal/cert"
	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/google/uuid"
)

const (
	PEMContentType  = "application/x-pem-file"
	JSONContentType = "application/json; charset=utf-8"
	PEMFilename     = "client.pem"
)

var ErrRecordNotSaved = errors.New("failed to record issued certificate")

// CertificateBundle is the JSON rendering of an issued certificate.
type CertificateBundle struct {
	Certificate string    `json:"certificate"`
	PrivateKey  string    `json:"privateKey"`
	ValidUntil  time.Time `json:"validUntil"`
}

// Response is a ready-to-send issuance result.
type Response struct {
	ContentType string
	// Filename is set when the body should be served as an attachment.
	Filename    string
	Body        []byte
	Fingerprint string
	ExpiresAt   time.Time
}

type Service struct {
	signer   cert.Signer
	registry *certificates.Registry
}

func NewService(signer cert.Signer, registry *certificates.Registry) *Service {
	return &Service{signer: signer, registry: registry}
}

// IssueCertificate signs a certificate for deviceID, builds the response and
// then records the certificate, which supersedes earlier ones of the device.
// Nothing is recorded when signing fails.
func (s *Service) IssueCertificate(ctx context.Context, deviceID string, pemFormat bool) (*Response, error) {
	if err := cert.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	issued, err := s.signer.Sign(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	resp, err := buildResponse(issued, pemFormat)
	if err != nil {
		return nil, err
	}

	record := &certificates.Record{
		ID:                uuid.NewString(),
		FingerprintSHA256: issued.Fingerprint,
		MachineID:         deviceID,
		IssuedAt:          issued.IssuedAt,
		ExpiresAt:         issued.ExpiresAt,
	}
	if err := s.registry.Insert(ctx, record); err != nil {
		slog.Error("Failed to record issued certificate", "error", err, "device_id", deviceID, "fingerprint", issued.Fingerprint)
		return nil, fmt.Errorf("%w: %w", ErrRecordNotSaved, err)
	}

	slog.Info("Issued client certificate", "device_id", deviceID, "fingerprint", issued.Fingerprint, "pem_format", pemFormat)
	return resp, nil
}

func buildResponse(issued *cert.Issued, pemFormat bool) (*Response, error) {
	resp := &Response{
		Fingerprint: issued.Fingerprint,
		ExpiresAt:   issued.ExpiresAt,
	}

	if pemFormat {
		body := make([]byte, 0, len(issued.CertificatePEM)+len(issued.PrivateKeyPEM))
		body = append(body, issued.CertificatePEM...)
		body = append(body, issued.PrivateKeyPEM...)
		resp.ContentType = PEMContentType
		resp.Filename = PEMFilename
		resp.Body = body
		return resp, nil
	}

	body, err := json.Marshal(CertificateBundle{
		Certificate: string(issued.CertificatePEM),
		PrivateKey:  string(issued.PrivateKeyPEM),
		ValidUntil:  issued.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode certificate response: %w", err)
	}
	resp.ContentType = JSONContentType
	resp.Body = body
	return resp, nil
}
