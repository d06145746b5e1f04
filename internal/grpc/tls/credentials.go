package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

func LoadServerCredentials(certFile, keyFile string, clientCAs *x509.CertPool, clientAuth tls.ClientAuthType) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}

	if clientAuth != tls.NoClientCert {
		if clientCAs == nil {
			return nil, fmt.Errorf("client CA pool is required for client auth")
		}
		config.ClientCAs = clientCAs
	}

	return credentials.NewTLS(config), nil
}

// LoadClientConfig builds a TLS config presenting the device certificate and
// trusting only the CA in caFile.
func LoadClientConfig(certFile, keyFile, caFile, serverNameOverride string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	if !caPool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}

	if serverNameOverride != "" {
		config.ServerName = serverNameOverride
	}

	return config, nil
}

func LoadClientCredentials(certFile, keyFile, caFile, serverNameOverride string) (credentials.TransportCredentials, error) {
	config, err := LoadClientConfig(certFile, keyFile, caFile, serverNameOverride)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(config), nil
}

func ParseClientAuthType(authType string) (tls.ClientAuthType, error) {
	switch authType {
	case "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "verify_if_given":
		return tls.VerifyClientCertIfGiven, nil
	case "", "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("invalid client auth type: %s (valid: none, request, verify_if_given, require)", authType)
	}
}
