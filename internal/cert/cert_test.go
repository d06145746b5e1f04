package cert

import (
	"context"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

var (
	testAuthorityOnce sync.Once
	testAuthority     *Authority
	testCAKey         *rsa.PrivateKey
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	testAuthorityOnce.Do(func() {
		caCert, caKey, err := GenerateCA(CAOptions{
			CommonName:   "Test Root CA",
			Organization: "Test Org",
			KeyBits:      2048,
		})
		require.NoError(t, err)
		testCAKey = caKey
		testAuthority, err = NewAuthority(caCert, caKey)
		require.NoError(t, err)
	})
	return testAuthority
}

func newTestSigner(t *testing.T) *RSASigner {
	return NewRSASigner(newTestAuthority(t), &SignerOptions{KeyBits: 2048})
}

func TestSignRoundTrip(t *testing.T) {
	authority := newTestAuthority(t)
	signer := newTestSigner(t)

	issued, err := signer.Sign(context.Background(), "device-42")
	require.NoError(t, err)

	leaf := issued.Certificate
	assert.Equal(t, "device-42", leaf.Subject.CommonName)
	assert.Equal(t, []string{"Test Org"}, leaf.Subject.Organization)
	assert.False(t, leaf.IsCA)
	assert.True(t, leaf.BasicConstraintsValid)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, leaf.KeyUsage)
	assert.ElementsMatch(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}, leaf.ExtKeyUsage)
	assert.Equal(t, authority.Certificate.SubjectKeyId, leaf.AuthorityKeyId)
	assert.NotEmpty(t, leaf.SubjectKeyId)
	assert.Equal(t, x509.SHA256WithRSA, leaf.SignatureAlgorithm)
	assert.True(t, leaf.SerialNumber.Sign() > 0)
	assert.True(t, leaf.SerialNumber.BitLen() <= 63)
	assert.Equal(t, 60*24*time.Hour, leaf.NotAfter.Sub(leaf.NotBefore))
	assert.Equal(t, leaf.NotAfter, issued.ExpiresAt)

	assert.Equal(t, Fingerprint(leaf.Raw), issued.Fingerprint)
	assert.Len(t, issued.Fingerprint, 64)
	assert.Equal(t, strings.ToUpper(issued.Fingerprint), issued.Fingerprint)

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     authority.Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	require.NoError(t, err)
}

func TestSignPEMLayout(t *testing.T) {
	authority := newTestAuthority(t)
	signer := newTestSigner(t)

	issued, err := signer.Sign(context.Background(), "device-1")
	require.NoError(t, err)

	first, rest := pem.Decode(issued.CertificatePEM)
	require.NotNil(t, first)
	second, rest := pem.Decode(rest)
	require.NotNil(t, second)
	assert.Empty(t, strings.TrimSpace(string(rest)))
	assert.Equal(t, issued.Certificate.Raw, first.Bytes)
	assert.Equal(t, authority.Certificate.Raw, second.Bytes)

	keyBlock, _ := pem.Decode(issued.PrivateKeyPEM)
	require.NotNil(t, keyBlock)
	assert.Equal(t, "PRIVATE KEY", keyBlock.Type)
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	require.NoError(t, err)
	assert.True(t, key.(*rsa.PrivateKey).PublicKey.Equal(issued.Certificate.PublicKey))
}

func TestSignDistinctSerials(t *testing.T) {
	signer := newTestSigner(t)

	a, err := signer.Sign(context.Background(), "device-1")
	require.NoError(t, err)
	b, err := signer.Sign(context.Background(), "device-1")
	require.NoError(t, err)

	assert.NotEqual(t, a.Certificate.SerialNumber, b.Certificate.SerialNumber)
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestSignCancelledContext(t *testing.T) {
	signer := newTestSigner(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := signer.Sign(ctx, "device-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubjectWithCommonNameAppendsWhenMissing(t *testing.T) {
	raw, err := asn1.Marshal(pkix.Name{Organization: []string{"Only Org"}}.ToRDNSequence())
	require.NoError(t, err)

	encoded, err := subjectWithCommonName(raw, "device-7")
	require.NoError(t, err)

	var rdns pkix.RDNSequence
	_, err = asn1.Unmarshal(encoded, &rdns)
	require.NoError(t, err)

	var name pkix.Name
	name.FillFromRDNSequence(&rdns)
	assert.Equal(t, "device-7", name.CommonName)
	assert.Equal(t, []string{"Only Org"}, name.Organization)
}

func TestNewAuthorityRejectsMismatchedKey(t *testing.T) {
	authority := newTestAuthority(t)
	_, otherKey, err := GenerateCA(CAOptions{KeyBits: 2048})
	require.NoError(t, err)

	_, err = NewAuthority(authority.Certificate, otherKey)
	assert.ErrorIs(t, err, ErrAuthority)
}

func TestNewAuthorityRejectsLeaf(t *testing.T) {
	issued, err := newTestSigner(t).Sign(context.Background(), "device-1")
	require.NoError(t, err)

	_, err = NewAuthority(issued.Certificate, testCAKey)
	assert.ErrorIs(t, err, ErrAuthority)
}

func TestLoadAuthorityFromPEMPair(t *testing.T) {
	authority := newTestAuthority(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	require.NoError(t, WriteCertificateFile(certPath, authority.Certificate))
	require.NoError(t, WriteKeyFile(keyPath, testCAKey))

	loaded, err := LoadAuthority(Config{CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)
	assert.Equal(t, authority.Fingerprint(), loaded.Fingerprint())
}

func writeKeystore(t *testing.T, encoder *pkcs12.Encoder, key any, caCert *x509.Certificate, chain []*x509.Certificate, password string) string {
	t.Helper()
	data, err := encoder.Encode(key, caCert, chain, password)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ca.p12")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadAuthorityFromKeystore(t *testing.T) {
	authority := newTestAuthority(t)

	encoders := map[string]*pkcs12.Encoder{
		"modern": pkcs12.Modern,
		"legacy": pkcs12.LegacyDES,
	}
	for name, encoder := range encoders {
		t.Run(name, func(t *testing.T) {
			path := writeKeystore(t, encoder, testCAKey, authority.Certificate, nil, "secret")

			loaded, err := LoadAuthority(Config{Keystore: path, KeystorePassword: "secret"})
			require.NoError(t, err)
			assert.Equal(t, authority.Fingerprint(), loaded.Fingerprint())

			issued, err := NewRSASigner(loaded, &SignerOptions{KeyBits: 2048}).Sign(context.Background(), "device-p12")
			require.NoError(t, err)
			_, err = issued.Certificate.Verify(x509.VerifyOptions{
				Roots:     authority.Pool(),
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
			})
			assert.NoError(t, err)
		})
	}
}

func TestLoadAuthorityFromChainedKeystore(t *testing.T) {
	authority := newTestAuthority(t)
	otherCA, _, err := GenerateCA(CAOptions{CommonName: "Other Root", KeyBits: 2048})
	require.NoError(t, err)

	chains := map[string]struct {
		first *x509.Certificate
		rest  []*x509.Certificate
	}{
		"ca first":   {authority.Certificate, []*x509.Certificate{otherCA}},
		"ca in rest": {otherCA, []*x509.Certificate{authority.Certificate}},
	}
	for name, chain := range chains {
		t.Run(name, func(t *testing.T) {
			path := writeKeystore(t, pkcs12.Modern, testCAKey, chain.first, chain.rest, "secret")

			loaded, err := LoadAuthority(Config{Keystore: path, KeystorePassword: "secret"})
			require.NoError(t, err)
			assert.Equal(t, authority.Fingerprint(), loaded.Fingerprint())
			assert.Equal(t, "Test Root CA", loaded.CommonName())
		})
	}
}

func TestLoadAuthorityKeystoreWrongPassword(t *testing.T) {
	authority := newTestAuthority(t)
	path := writeKeystore(t, pkcs12.Modern, testCAKey, authority.Certificate, nil, "secret")

	_, err := LoadAuthority(Config{Keystore: path, KeystorePassword: "wrong"})
	assert.ErrorIs(t, err, ErrAuthority)
}

func TestSubjectKeyIDHashesPublicKeyBits(t *testing.T) {
	authority := newTestAuthority(t)

	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	_, err := asn1.Unmarshal(authority.Certificate.RawSubjectPublicKeyInfo, &spki)
	require.NoError(t, err)
	want := sha1.Sum(spki.PublicKey.Bytes)

	got, err := subjectKeyID(authority.Certificate.RawSubjectPublicKeyInfo)
	require.NoError(t, err)
	assert.Equal(t, want[:], got)

	_, err = subjectKeyID([]byte{0x30, 0x03, 0x02, 0x01})
	assert.Error(t, err)
}

func TestLoadAuthorityErrors(t *testing.T) {
	_, err := LoadAuthority(Config{})
	assert.ErrorIs(t, err, ErrAuthority)

	_, err = LoadAuthority(Config{CertFile: "/nonexistent/ca.pem", KeyFile: "/nonexistent/ca.key"})
	assert.ErrorIs(t, err, ErrAuthority)

	_, err = LoadAuthority(Config{Keystore: "/nonexistent/ca.p12", KeystorePassword: "secret"})
	assert.ErrorIs(t, err, ErrAuthority)
}

func TestDecodeForwardedCertificate(t *testing.T) {
	issued, err := newTestSigner(t).Sign(context.Background(), "device-9")
	require.NoError(t, err)

	leafPEM := string(CertToPEM(issued.Certificate))

	tests := []struct {
		name  string
		value string
	}{
		{"raw pem", leafPEM},
		{"url escaped", url.QueryEscape(leafPEM)},
		{"single line", strings.ReplaceAll(leafPEM, "\n", " ")},
		{"bare base64", base64.StdEncoding.EncodeToString(issued.Certificate.Raw)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := DecodeForwardedCertificate(tt.value)
			require.NoError(t, err)
			assert.Equal(t, issued.Fingerprint, Fingerprint(parsed.Raw))
		})
	}

	_, err = DecodeForwardedCertificate("not a certificate")
	assert.Error(t, err)
	_, err = DecodeForwardedCertificate("  ")
	assert.Error(t, err)
}

func TestValidateDeviceID(t *testing.T) {
	assert.NoError(t, ValidateDeviceID("device-1"))
	assert.NoError(t, ValidateDeviceID("aa:bb:cc:dd:ee:ff"))
	assert.NoError(t, ValidateDeviceID("host.example.com"))

	assert.ErrorIs(t, ValidateDeviceID(""), ErrInvalidDeviceID)
	assert.ErrorIs(t, ValidateDeviceID("../etc"), ErrInvalidDeviceID)
	assert.ErrorIs(t, ValidateDeviceID("a/b"), ErrInvalidDeviceID)
	assert.ErrorIs(t, ValidateDeviceID(strings.Repeat("a", 65)), ErrInvalidDeviceID)
}

func TestEnsureServerCertificate(t *testing.T) {
	authority := newTestAuthority(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server", "server.pem")
	keyPath := filepath.Join(dir, "server", "server.key")

	require.NoError(t, EnsureServerCertificate(authority, certPath, keyPath, &ServerOptions{KeyBits: 2048}))
	assert.True(t, fileExists(certPath))
	assert.True(t, fileExists(keyPath))

	first, err := os.ReadFile(certPath)
	require.NoError(t, err)

	// Second call keeps the existing files.
	require.NoError(t, EnsureServerCertificate(authority, certPath, keyPath, nil))
	second, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	serverCert, err := ParseCertificatePEM(first)
	require.NoError(t, err)
	_, err = serverCert.Verify(x509.VerifyOptions{Roots: authority.Pool(), DNSName: "localhost"})
	assert.NoError(t, err)
}
