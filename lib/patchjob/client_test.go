// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package patchjob

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/outpost-sec/outpost/lib/signing"
	"github.com/outpost-sec/outpost/lib/transport"
)

// newTestChannel wires a Client to an httptest backend through the
// signed transport.
func newTestChannel(t *testing.T, handler http.HandlerFunc) (*Client, *signing.Signer) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	signer := testSigner(t)
	poster, err := transport.NewClient(transport.Config{
		BaseURL:    server.URL,
		IdentityID: "identity-1",
		Signer:     signer,
	})
	if err != nil {
		t.Fatalf("transport.NewClient: %v", err)
	}
	return NewClient(poster), signer
}

func TestClientNextNoContent(t *testing.T) {
	client, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("asset_id"); got != testAssetID {
			t.Errorf("asset_id = %q, want %q", got, testAssetID)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	command, err := client.Next(context.Background(), testAssetID)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if command != nil {
		t.Errorf("Next = %+v, want nil for 204", command)
	}
}

func TestClientNextDecodesCommand(t *testing.T) {
	want := Command{JobID: "job-42", AssetID: testAssetID, IssuedAt: time.Now().Unix()}
	client, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != nextPath {
			t.Errorf("path = %q, want %q", r.URL.Path, nextPath)
		}
		if r.Header.Get(transport.HeaderSignature) == "" {
			t.Error("poll request carries no signature header")
		}
		json.NewEncoder(w).Encode(want)
	})

	command, err := client.Next(context.Background(), testAssetID)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if command == nil || command.JobID != want.JobID {
		t.Errorf("Next = %+v, want job %s", command, want.JobID)
	}
}

func TestClientNextRejectsOtherStatuses(t *testing.T) {
	client, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	if _, err := client.Next(context.Background(), testAssetID); err == nil {
		t.Error("Next with 202: no error")
	}
}

func TestClientAckAndReport(t *testing.T) {
	var gotPaths []string
	client, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	if err := client.Ack(ctx, Ack{JobID: "job-42", Status: AckReceived}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := client.Report(ctx, Result{JobID: "job-42", Status: StatusCompleted}); err != nil {
		t.Fatalf("Report: %v", err)
	}

	if len(gotPaths) != 2 || gotPaths[0] != ackPath || gotPaths[1] != resultPath {
		t.Errorf("paths = %v, want [%s %s]", gotPaths, ackPath, resultPath)
	}
}

func TestClientPostFailureSurfaces(t *testing.T) {
	client, _ := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
	})
	if err := client.Ack(context.Background(), Ack{JobID: "job-42", Status: AckReceived}); err == nil {
		t.Error("Ack with 503: no error")
	}
}
