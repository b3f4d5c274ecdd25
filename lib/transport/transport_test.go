// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/outpost-sec/outpost/lib/clock"
	"github.com/outpost-sec/outpost/lib/secret"
	"github.com/outpost-sec/outpost/lib/signing"
)

const testKey = "transport-test-key"

func testSigner(t *testing.T) *signing.Signer {
	t.Helper()
	key, err := secret.NewFromBytes([]byte(testKey))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return signing.NewSigner(key)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:         serverURL,
		IdentityID:      "agent-7",
		CertFingerprint: "ab:cd:ef",
		APIKey:          "key-123",
		Signer:          testSigner(t),
		Clock:           clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestPostSignedEnvelope(t *testing.T) {
	var captured http.Header
	var capturedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		capturedBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	payload := []byte(`{"tenant_id":"t-1"}`)

	response, err := client.Post(context.Background(), "/mtls/hello", payload)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", response.StatusCode)
	}
	if got := string(response.Body); got != `{"ok":true}` {
		t.Errorf("body = %q, want ok json", got)
	}

	if string(capturedBody) != string(payload) {
		t.Errorf("server saw body %q, want %q", capturedBody, payload)
	}
	if got := captured.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := captured.Get(HeaderClientIdentity); got != "agent-7" {
		t.Errorf("identity header = %q, want agent-7", got)
	}
	if got := captured.Get(HeaderClientCertSha); got != "ab:cd:ef" {
		t.Errorf("cert header = %q, want ab:cd:ef", got)
	}
	if got := captured.Get(HeaderClientMTLS); got != "success" {
		t.Errorf("mtls header = %q, want success", got)
	}
	if got := captured.Get(HeaderForwardedProto); got != "https" {
		t.Errorf("proto header = %q, want https", got)
	}
	if got := captured.Get(HeaderAPIKey); got != "key-123" {
		t.Errorf("api key header = %q, want key-123", got)
	}
	if got := captured.Get("User-Agent"); !strings.HasPrefix(got, "outpost-agent/") {
		t.Errorf("user agent = %q, want outpost-agent/ prefix", got)
	}

	// The signature must verify over the exact timestamp and payload sent.
	timestamp, err := strconv.ParseInt(captured.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		t.Fatalf("parsing timestamp header: %v", err)
	}
	if want := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC).Unix(); timestamp != want {
		t.Errorf("timestamp = %d, want %d", timestamp, want)
	}
	if !testSigner(t).Verify(payload, timestamp, captured.Get(HeaderSignature)) {
		t.Error("signature does not verify over payload and timestamp")
	}

	nonce := captured.Get(HeaderNonce)
	if len(nonce) != 32 {
		t.Errorf("nonce length = %d, want 32", len(nonce))
	}
	if _, err := hex.DecodeString(nonce); err != nil {
		t.Errorf("nonce %q is not hex: %v", nonce, err)
	}
}

func TestGetSignsEmptyPayload(t *testing.T) {
	var signature string
	var timestamp int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(HeaderSignature)
		timestamp, _ = strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		if r.Header.Get("Content-Type") != "" {
			t.Error("GET should not carry Content-Type")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	response, err := client.Get(context.Background(), "/mtls/rmm/patch-jobs/next", url.Values{"asset_id": {"edge-07"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if response.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", response.StatusCode)
	}
	if len(response.Body) != 0 {
		t.Errorf("body = %q, want empty", response.Body)
	}

	if !testSigner(t).Verify(nil, timestamp, signature) {
		t.Error("GET signature does not verify over the empty payload")
	}
}

func TestGetQueryEncoding(t *testing.T) {
	var gotAsset string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAsset = r.URL.Query().Get("asset_id")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Get(context.Background(), "/mtls/rmm/patch-jobs/next", url.Values{"asset_id": {"edge 07"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotAsset != "edge 07" {
		t.Errorf("asset_id = %q, want 'edge 07'", gotAsset)
	}
}

func TestPostErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"backend exploded"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Post(context.Background(), "/mtls/hello", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for 500 response")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error %T, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", statusErr.StatusCode)
	}
	if !strings.Contains(string(statusErr.Body), "backend exploded") {
		t.Errorf("Body = %q, want backend error text", statusErr.Body)
	}
}

func TestOptionalHeadersOmitted(t *testing.T) {
	var captured http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:    server.URL,
		IdentityID: "agent-7",
		Signer:     testSigner(t),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := client.Post(context.Background(), "/mtls/hello", []byte(`{}`)); err != nil {
		t.Fatalf("Post: %v", err)
	}

	if _, present := captured[HeaderAPIKey]; present {
		t.Error("X-Api-Key should be omitted when not configured")
	}
	if _, present := captured[HeaderClientCertSha]; present {
		t.Error("X-Client-Cert-Sha256 should be omitted when not configured")
	}
}

func TestBaseURLTrailingSlash(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:    server.URL + "/",
		IdentityID: "agent-7",
		Signer:     testSigner(t),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := client.Post(context.Background(), "/mtls/hello", []byte(`{}`)); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if gotPath != "/mtls/hello" {
		t.Errorf("path = %q, want /mtls/hello", gotPath)
	}
}

func TestNewClientValidation(t *testing.T) {
	signer := testSigner(t)

	if _, err := NewClient(Config{IdentityID: "a", Signer: signer}); err == nil {
		t.Error("expected error for missing BaseURL")
	}
	if _, err := NewClient(Config{BaseURL: "https://x", Signer: signer}); err == nil {
		t.Error("expected error for missing IdentityID")
	}
	if _, err := NewClient(Config{BaseURL: "https://x", IdentityID: "a"}); err == nil {
		t.Error("expected error for missing Signer")
	}
}

func TestContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read;
		// otherwise it never notices the client disconnect and
		// r.Context() is never cancelled, deadlocking server.Close.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Post(ctx, "/mtls/hello", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
