package cert

import (
	"fmt"
	"log/slog"
	"net"
)

type ServerOptions struct {
	DomainNames []string
	IPAddresses []net.IP
	KeyBits     int
}

// EnsureServerCertificate issues a server certificate from the authority when
// either file is missing. Existing files are left untouched.
func EnsureServerCertificate(authority *Authority, certPath, keyPath string, opts *ServerOptions) error {
	if fileExists(certPath) && fileExists(keyPath) {
		slog.Debug("Using existing server certificate", "cert_path", certPath)
		return nil
	}

	var o ServerOptions
	if opts != nil {
		o = *opts
	}
	if len(o.DomainNames) == 0 {
		o.DomainNames = []string{"localhost"}
	}
	if len(o.IPAddresses) == 0 {
		o.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	slog.Info("Server certificate not found, generating new server certificate",
		"cert_path", certPath,
		"domains", o.DomainNames,
		"ips", o.IPAddresses)

	serverCert, serverKey, err := GenerateServerCert(authority, o.DomainNames, o.IPAddresses, o.KeyBits)
	if err != nil {
		slog.Error("Failed to generate server certificate", "error", err)
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}

	if err := WriteCertificateFile(certPath, serverCert, authority.Certificate); err != nil {
		slog.Error("Failed to write server certificate", "error", err, "path", certPath)
		return fmt.Errorf("failed to write server certificate: %w", err)
	}

	if err := WriteKeyFile(keyPath, serverKey); err != nil {
		slog.Error("Failed to write server key", "error", err, "path", keyPath)
		return fmt.Errorf("failed to write server key: %w", err)
	}

	slog.Info("Generated server certificate", "cert_path", certPath, "key_path", keyPath)
	return nil
}
