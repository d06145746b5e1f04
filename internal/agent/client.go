// Package agent is the device side of onboarding: it redeems tokens, stores
// the issued credentials and renews them over mTLS.
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/EternisAI/silo-gate/internal/api/http/dto"
	"github.com/EternisAI/silo-gate/internal/ca"
)

const requestTimeout = 60 * time.Second

type Client struct {
	server     string
	httpClient *http.Client
}

// NewClient talks to the server at baseURL. tlsConfig carries the device
// certificate for renewals and may be nil for provisioning.
func NewClient(baseURL string, tlsConfig *tls.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		server: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
	}
}

func (c *Client) Issue(ctx context.Context, token, deviceID string) (*ca.CertificateBundle, error) {
	q := url.Values{}
	q.Set("token", token)
	q.Set("deviceId", deviceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/certificate/issue?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return c.bundle(req)
}

// Renew asks for a new certificate. An empty deviceID renews the certificate
// the client presents.
func (c *Client) Renew(ctx context.Context, deviceID string) (*ca.CertificateBundle, error) {
	body, err := json.Marshal(dto.RenewCertificateRequest{DeviceID: deviceID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/secure/certificate/renew", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.bundle(req)
}

func (c *Client) CACertificate(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/certificate/ca.pem", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) bundle(req *http.Request) (*ca.CertificateBundle, error) {
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var bundle ca.CertificateBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if bundle.Certificate == "" || bundle.PrivateKey == "" {
		return nil, fmt.Errorf("response is missing certificate or key")
	}
	return &bundle, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
