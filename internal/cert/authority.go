package cert

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"software.sslmate.com/src/go-pkcs12"
)

var (
	// ErrAuthority marks an unusable CA configuration. Fatal at startup.
	ErrAuthority = errors.New("certificate authority misconfigured")
	// ErrSigning marks a failure while producing a client certificate.
	ErrSigning = errors.New("certificate signing failed")
)

type Config struct {
	CertFile          string `mapstructure:"cert_file"`
	KeyFile           string `mapstructure:"key_file"`
	Keystore          string `mapstructure:"keystore"`
	KeystorePassword  string `mapstructure:"keystore_password"`
	ValidityDays      int    `mapstructure:"validity_days"`
	KeyBits           int    `mapstructure:"key_bits"`
	ExpiryWarningDays int    `mapstructure:"expiry_warning_days"`
}

// Authority is the loaded CA keypair. Immutable after construction and safe
// for concurrent use.
type Authority struct {
	Certificate    *x509.Certificate
	CertificatePEM []byte

	signer crypto.Signer
	keyID  []byte
}

func NewAuthority(certificate *x509.Certificate, key crypto.Signer) (*Authority, error) {
	if certificate == nil || key == nil {
		return nil, fmt.Errorf("%w: certificate and key are required", ErrAuthority)
	}
	if !certificate.IsCA {
		return nil, fmt.Errorf("%w: certificate %q is not a CA", ErrAuthority, certificate.Subject.CommonName)
	}

	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(certificate.PublicKey) {
		return nil, fmt.Errorf("%w: private key does not match certificate", ErrAuthority)
	}

	if signatureAlgorithmFor(key.Public()) == x509.UnknownSignatureAlgorithm {
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrAuthority, key.Public())
	}

	keyID := certificate.SubjectKeyId
	if len(keyID) == 0 {
		var err error
		keyID, err = subjectKeyID(certificate.RawSubjectPublicKeyInfo)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthority, err)
		}
	}

	return &Authority{
		Certificate:    certificate,
		CertificatePEM: CertToPEM(certificate),
		signer:         key,
		keyID:          keyID,
	}, nil
}

func (a *Authority) ExpiresAt() time.Time {
	return a.Certificate.NotAfter
}

func (a *Authority) Fingerprint() string {
	return Fingerprint(a.Certificate.Raw)
}

func (a *Authority) CommonName() string {
	return a.Certificate.Subject.CommonName
}

// Pool returns a certificate pool trusting only this CA.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Certificate)
	return pool
}

// LoadAuthority reads the CA from a PKCS#12 keystore when one is configured,
// otherwise from a PEM certificate and key pair.
func LoadAuthority(cfg Config) (*Authority, error) {
	var (
		authority *Authority
		err       error
	)
	switch {
	case cfg.Keystore != "":
		authority, err = loadKeystore(cfg.Keystore, cfg.KeystorePassword)
	case cfg.CertFile != "" && cfg.KeyFile != "":
		authority, err = loadPEMPair(cfg.CertFile, cfg.KeyFile)
	default:
		return nil, fmt.Errorf("%w: either ca.keystore or ca.cert_file and ca.key_file must be set", ErrAuthority)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("Loaded certificate authority",
		"subject", authority.Certificate.Subject.String(),
		"fingerprint", authority.Fingerprint(),
		"expires_at", authority.ExpiresAt())
	return authority, nil
}

func loadPEMPair(certPath, keyPath string) (*Authority, error) {
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read CA certificate: %w", ErrAuthority, err)
	}

	caCert, err := ParseCertificatePEM(certBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse CA certificate: %w", ErrAuthority, err)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read CA key: %w", ErrAuthority, err)
	}
	defer memguard.WipeBytes(keyBytes)

	caKey, err := parsePrivateKeyPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthority, err)
	}

	return NewAuthority(caCert, caKey)
}

// loadKeystore decodes a PKCS#12 file holding one private key. The CA
// certificate is the one matching that key; any other certificates in the
// chain are ignored. Both legacy (3DES/RC2) and modern (PBES2/AES) encryption
// are accepted. The raw file contents are wiped once parsed.
func loadKeystore(path, password string) (*Authority, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read keystore: %w", ErrAuthority, err)
	}
	defer memguard.WipeBytes(data)

	key, caCert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode keystore: %w", ErrAuthority, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported keystore key type %T", ErrAuthority, key)
	}
	if len(chain) > 0 {
		slog.Debug("Ignoring extra keystore certificates", "count", len(chain))
	}

	return NewAuthority(certificateForKey(signer, caCert, chain), signer)
}

// certificateForKey picks the first certificate whose public key matches
// key. Keystores do not agree on bag order, so the leading bag is only a
// fallback.
func certificateForKey(key crypto.Signer, first *x509.Certificate, rest []*x509.Certificate) *x509.Certificate {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return first
	}
	for _, c := range append([]*x509.Certificate{first}, rest...) {
		if c != nil && pub.Equal(c.PublicKey) {
			return c
		}
	}
	return first
}
