package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

type CAOptions struct {
	CommonName   string
	Organization string
	Validity     time.Duration
	KeyBits      int
}

// GenerateCA creates a self-signed root suitable for development and for
// `ca init`.
func GenerateCA(opts CAOptions) (*x509.Certificate, *rsa.PrivateKey, error) {
	if opts.CommonName == "" {
		opts.CommonName = "Silo Gate Root CA"
	}
	if opts.Organization == "" {
		opts.Organization = "Silo Gate"
	}
	if opts.Validity <= 0 {
		opts.Validity = 10 * 365 * 24 * time.Hour
	}
	if opts.KeyBits < minKeyBits {
		opts.KeyBits = DefaultKeyBits
	}

	caKey, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&caKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal CA public key: %w", err)
	}
	ski, err := subjectKeyID(der)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	caTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{opts.Organization},
			CommonName:   opts.CommonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(opts.Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		SubjectKeyId:          ski,
	}

	caCertBytes, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(caCertBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return caCert, caKey, nil
}

// GenerateServerCert issues a TLS server certificate for the gRPC listener.
func GenerateServerCert(authority *Authority, domainNames []string, ipAddresses []net.IP, keyBits int) (*x509.Certificate, *rsa.PrivateKey, error) {
	if keyBits < minKeyBits {
		keyBits = DefaultKeyBits
	}

	serverKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	commonName := "localhost"
	if len(domainNames) > 0 {
		commonName = domainNames[0]
	}

	now := time.Now()
	notAfter := now.Add(365 * 24 * time.Hour)
	if notAfter.After(authority.ExpiresAt()) {
		notAfter = authority.ExpiresAt()
	}

	serverTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: authority.Certificate.Subject.Organization,
			CommonName:   commonName,
		},
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              domainNames,
		IPAddresses:           ipAddresses,
		AuthorityKeyId:        authority.keyID,
		SignatureAlgorithm:    signatureAlgorithmFor(authority.signer.Public()),
	}

	serverCertBytes, err := x509.CreateCertificate(rand.Reader, serverTemplate, authority.Certificate, &serverKey.PublicKey, authority.signer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server certificate: %w", err)
	}

	serverCert, err := x509.ParseCertificate(serverCertBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}

	return serverCert, serverKey, nil
}
