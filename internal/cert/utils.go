package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Fingerprint returns the uppercase hex SHA-256 digest of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func CertToPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}

func KeyToPEM(key crypto.PrivateKey) ([]byte, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	}), nil
}

func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

const (
	pemBegin = "-----BEGIN CERTIFICATE-----"
	pemEnd   = "-----END CERTIFICATE-----"
)

// DecodeForwardedCertificate parses a client certificate as forwarded by a
// TLS-terminating proxy. Accepts URL-escaped PEM, PEM folded onto one line
// and bare base64 DER.
func DecodeForwardedCertificate(value string) (*x509.Certificate, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("empty certificate")
	}

	if strings.Contains(value, "%") {
		unescaped, err := url.PathUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("failed to unescape certificate: %w", err)
		}
		value = unescaped
	}

	if block, _ := pem.Decode([]byte(value)); block != nil && block.Type == "CERTIFICATE" {
		return x509.ParseCertificate(block.Bytes)
	}

	body := strings.TrimPrefix(value, pemBegin)
	if i := strings.Index(body, pemEnd); i >= 0 {
		body = body[:i]
	}
	body = strings.Join(strings.Fields(body), "")

	der, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// subjectKeyID computes the RFC 5280 method 1 key identifier: SHA-1 over the
// subjectPublicKey BIT STRING.
func subjectKeyID(rawSPKI []byte) ([]byte, error) {
	input := cryptobyte.String(rawSPKI)
	var (
		spki, algorithm cryptobyte.String
		publicKey       asn1.BitString
	)
	if !input.ReadASN1(&spki, cbasn1.SEQUENCE) ||
		!spki.ReadASN1(&algorithm, cbasn1.SEQUENCE) ||
		!spki.ReadASN1BitString(&publicKey) {
		return nil, errors.New("failed to parse subject public key info")
	}
	ski := sha1.Sum(publicKey.Bytes)
	return ski[:], nil
}

var oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

type rawAttribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue
}

// The SET suffix makes encoding/asn1 emit a SET OF.
type rawAttributeSET []rawAttribute

// subjectWithCommonName copies an encoded subject, replacing every CN value
// with commonName. Attribute order and the encoding of the other attributes
// are kept. A CN is appended when the subject has none.
func subjectWithCommonName(rawSubject []byte, commonName string) ([]byte, error) {
	var rdns []rawAttributeSET
	if _, err := asn1.Unmarshal(rawSubject, &rdns); err != nil {
		return nil, fmt.Errorf("failed to parse subject: %w", err)
	}

	cn := asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagUTF8String, Bytes: []byte(commonName)}

	replaced := false
	for _, set := range rdns {
		for i := range set {
			if set[i].Type.Equal(oidCommonName) {
				set[i].Value = cn
				replaced = true
			}
		}
	}
	if !replaced {
		rdns = append(rdns, rawAttributeSET{{Type: oidCommonName, Value: cn}})
	}

	return asn1.Marshal(rdns)
}

func signatureAlgorithmFor(pub crypto.PublicKey) x509.SignatureAlgorithm {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	case ed25519.PublicKey:
		return x509.PureEd25519
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	default:
		return x509.UnknownSignatureAlgorithm
	}
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := ensureDirectory(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func WriteCertificateFile(path string, certs ...*x509.Certificate) error {
	var buf []byte
	for _, c := range certs {
		buf = append(buf, CertToPEM(c)...)
	}
	return writeFile(path, buf, 0644)
}

func WriteKeyFile(path string, key crypto.PrivateKey) error {
	keyPEM, err := KeyToPEM(key)
	if err != nil {
		return err
	}
	return writeFile(path, keyPEM, 0600)
}

func ensureDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
