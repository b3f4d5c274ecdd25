// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is the signed HTTP edge to the Outpost control plane.
//
// Every request carries the signed envelope the control plane verifies:
// an HMAC signature over "{timestamp}.{payload}", the epoch timestamp, a
// random nonce, and the client identity headers. GET requests sign the
// empty payload. The envelope is built here once so heartbeat, patch-job,
// and uplink traffic cannot drift apart.
package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/outpost-sec/outpost/lib/clock"
	"github.com/outpost-sec/outpost/lib/netutil"
	"github.com/outpost-sec/outpost/lib/signing"
	"github.com/outpost-sec/outpost/lib/version"
)

// Request headers of the signed envelope.
const (
	HeaderSignature      = "X-Request-Signature"
	HeaderTimestamp      = "X-Request-Timestamp"
	HeaderNonce          = "X-Request-Nonce"
	HeaderClientIdentity = "X-Client-Identity"
	HeaderClientCertSha  = "X-Client-Cert-Sha256"
	HeaderClientMTLS     = "X-Client-MTLS"
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderAPIKey         = "X-Api-Key"
)

// Config holds the parameters for creating a Client.
type Config struct {
	// BaseURL is the control-plane base URL. Required.
	BaseURL string

	// IdentityID is reported in X-Client-Identity. Required.
	IdentityID string

	// CertFingerprint is reported in X-Client-Cert-Sha256 when non-empty.
	CertFingerprint string

	// APIKey is sent as X-Api-Key when non-empty.
	APIKey string

	// Signer signs every request. Required.
	Signer *signing.Signer

	// HTTPClient is used for all requests. If nil, a client with a 30s
	// timeout is used.
	HTTPClient *http.Client

	// Clock provides request timestamps. If nil, the real clock is used.
	Clock clock.Clock
}

// Client performs signed exchanges with the control plane. Safe for
// concurrent use.
type Client struct {
	baseURL    string
	identityID string
	certSha    string
	apiKey     string
	signer     *signing.Signer
	httpClient *http.Client
	clock      clock.Clock
	userAgent  string
}

// Response is the outcome of a successful (2xx) exchange.
type Response struct {
	StatusCode int
	Body       []byte
}

// StatusError is returned for responses outside [200,300).
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("transport: status %d: %s", e.StatusCode, body)
}

// NewClient creates a signed transport client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("transport: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("transport: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	if cfg.IdentityID == "" {
		return nil, fmt.Errorf("transport: IdentityID is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("transport: Signer is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		identityID: cfg.IdentityID,
		certSha:    cfg.CertFingerprint,
		apiKey:     cfg.APIKey,
		signer:     cfg.Signer,
		httpClient: httpClient,
		clock:      clk,
		userAgent:  "outpost-agent/" + version.Short(),
	}, nil
}

// Post sends a signed JSON payload. Returns the response on 2xx, a
// *StatusError otherwise.
func (c *Client) Post(ctx context.Context, path string, payload []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, nil, payload)
}

// Get performs a signed GET (the signature covers the empty payload).
// Both 200 and 204 succeed; the caller distinguishes them by StatusCode.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// CloseIdleConnections drops pooled connections. Call after a network
// disruption so retries establish fresh TCP connections instead of
// reusing a poisoned one.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) (*Response, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader *bytes.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}

	timestamp := c.clock.Now().Unix()
	signature, err := c.signer.Sign(payload, timestamp)
	if err != nil {
		return nil, fmt.Errorf("transport: signing request: %w", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	request.Header.Set(HeaderSignature, signature)
	request.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	request.Header.Set(HeaderNonce, nonce)
	request.Header.Set(HeaderClientIdentity, c.identityID)
	request.Header.Set(HeaderClientMTLS, "success")
	request.Header.Set(HeaderForwardedProto, "https")
	request.Header.Set("User-Agent", c.userAgent)
	if c.certSha != "" {
		request.Header.Set(HeaderClientCertSha, c.certSha)
	}
	if c.apiKey != "" {
		request.Header.Set(HeaderAPIKey, c.apiKey)
	}
	if method == http.MethodPost {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading response from %s %s: %w", method, path, err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return &Response{StatusCode: response.StatusCode, Body: responseBody}, nil
	}

	return nil, &StatusError{StatusCode: response.StatusCode, Body: responseBody}
}

// newNonce returns 16 random bytes as 32 hex characters.
func newNonce() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("transport: generating nonce: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
