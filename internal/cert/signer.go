package cert

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

const (
	DefaultValidityDays = 60
	DefaultKeyBits      = 4096
	minKeyBits          = 2048
)

// Issued is a freshly signed client certificate and its private key.
type Issued struct {
	Certificate    *x509.Certificate
	CertificatePEM []byte // leaf followed by the CA certificate
	PrivateKeyPEM  []byte // PKCS#8
	Fingerprint    string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// Signer issues a client certificate whose subject CN is deviceID.
type Signer interface {
	Sign(ctx context.Context, deviceID string) (*Issued, error)
}

type SignerOptions struct {
	Validity time.Duration
	KeyBits  int
	Now      func() time.Time
}

// RSASigner generates an RSA key per request and signs it with the CA key.
type RSASigner struct {
	authority *Authority
	validity  time.Duration
	keyBits   int
	now       func() time.Time
}

var _ Signer = (*RSASigner)(nil)

func NewRSASigner(authority *Authority, opts *SignerOptions) *RSASigner {
	s := &RSASigner{
		authority: authority,
		validity:  DefaultValidityDays * 24 * time.Hour,
		keyBits:   DefaultKeyBits,
		now:       time.Now,
	}
	if opts != nil {
		if opts.Validity > 0 {
			s.validity = opts.Validity
		}
		if opts.KeyBits >= minKeyBits {
			s.keyBits = opts.KeyBits
		}
		if opts.Now != nil {
			s.now = opts.Now
		}
	}
	return s
}

func (s *RSASigner) Sign(ctx context.Context, deviceID string) (*Issued, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, s.keyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate key: %w", ErrSigning, err)
	}

	csr, err := s.buildCSR(key, deviceID)
	if err != nil {
		return nil, err
	}

	ski, err := subjectKeyID(csr.RawSubjectPublicKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate serial number: %w", ErrSigning, err)
	}

	now := s.now().UTC().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		RawSubject:            csr.RawSubject,
		NotBefore:             now,
		NotAfter:              now.Add(s.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski,
		AuthorityKeyId:        s.authority.keyID,
		SignatureAlgorithm:    signatureAlgorithmFor(s.authority.signer.Public()),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.authority.Certificate, csr.PublicKey, s.authority.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create certificate: %w", ErrSigning, err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse certificate: %w", ErrSigning, err)
	}

	keyPEM, err := KeyToPEM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	chain := append(CertToPEM(leaf), s.authority.CertificatePEM...)

	issued := &Issued{
		Certificate:    leaf,
		CertificatePEM: chain,
		PrivateKeyPEM:  keyPEM,
		Fingerprint:    Fingerprint(leaf.Raw),
		IssuedAt:       leaf.NotBefore,
		ExpiresAt:      leaf.NotAfter,
	}

	slog.Info("Signed client certificate",
		"device_id", deviceID,
		"serial", leaf.SerialNumber.String(),
		"fingerprint", issued.Fingerprint,
		"expires_at", issued.ExpiresAt)
	return issued, nil
}

// buildCSR creates a CSR for the CA subject with the CN replaced, signed by
// the new key, and verifies its self-signature.
func (s *RSASigner) buildCSR(key *rsa.PrivateKey, deviceID string) (*x509.CertificateRequest, error) {
	subject, err := subjectWithCommonName(s.authority.Certificate.RawSubject, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		RawSubject:         subject,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CSR: %w", ErrSigning, err)
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse CSR: %w", ErrSigning, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: CSR signature check failed: %w", ErrSigning, err)
	}
	return csr, nil
}
