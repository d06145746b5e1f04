package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/EternisAI/silo-gate/internal/ca"
	"github.com/EternisAI/silo-gate/internal/cert"
)

type Paths struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func PathsFor(certDir, deviceID string) Paths {
	return Paths{
		CertFile: filepath.Join(certDir, deviceID+"-cert.pem"),
		KeyFile:  filepath.Join(certDir, deviceID+"-key.pem"),
		CAFile:   filepath.Join(certDir, "ca-cert.pem"),
	}
}

// WriteCredentials stores the bundle and CA certificate. Files are written to
// a temporary name and renamed so a failed renewal never leaves a certificate
// paired with the wrong key.
func WriteCredentials(paths Paths, bundle *ca.CertificateBundle, caPEM []byte) error {
	if err := os.MkdirAll(filepath.Dir(paths.CertFile), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if len(caPEM) > 0 {
		if err := writeAtomic(paths.CAFile, caPEM, 0644); err != nil {
			return err
		}
	}
	if err := writeAtomic(paths.KeyFile, []byte(bundle.PrivateKey), 0600); err != nil {
		return err
	}
	return writeAtomic(paths.CertFile, []byte(bundle.Certificate), 0644)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// CertificateStatus reads the stored certificate and reports who it is for
// and when it expires.
func CertificateStatus(certFile string) (deviceID string, expiresAt time.Time, err error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read certificate: %w", err)
	}
	leaf, err := cert.ParseCertificatePEM(data)
	if err != nil {
		return "", time.Time{}, err
	}
	return leaf.Subject.CommonName, leaf.NotAfter, nil
}
