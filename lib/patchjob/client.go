// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package patchjob

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/outpost-sec/outpost/lib/transport"
)

// Command-channel endpoints.
const (
	nextPath   = "/mtls/rmm/patch-jobs/next"
	ackPath    = "/mtls/rmm/patch-jobs/ack"
	resultPath = "/mtls/rmm/patch-jobs/result"
)

// Poster is the transport surface the client needs.
type Poster interface {
	Get(ctx context.Context, path string, query url.Values) (*transport.Response, error)
	Post(ctx context.Context, path string, payload []byte) (*transport.Response, error)
	CloseIdleConnections()
}

// Client speaks the backend's patch-job command channel through the
// signed transport.
type Client struct {
	poster Poster
}

// NewClient creates a command-channel client.
func NewClient(poster Poster) *Client {
	return &Client{poster: poster}
}

// Next polls for the next pending job for this asset. Returns (nil,
// nil) when no job is pending (204). Any status other than 200 or 204
// is an error.
func (c *Client) Next(ctx context.Context, assetID string) (*Command, error) {
	response, err := c.poster.Get(ctx, nextPath, url.Values{"asset_id": {assetID}})
	if err != nil {
		return nil, err
	}

	switch response.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var command Command
		if err := json.Unmarshal(response.Body, &command); err != nil {
			return nil, fmt.Errorf("patchjob: decoding command: %w", err)
		}
		return &command, nil
	default:
		return nil, fmt.Errorf("patchjob: poll returned unexpected status %d", response.StatusCode)
	}
}

// Ack notifies the backend of a job state transition. Fire-and-forget
// at the protocol level; the error is for the caller's log line only.
func (c *Client) Ack(ctx context.Context, ack Ack) error {
	payload, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("patchjob: encoding ack for job %s: %w", ack.JobID, err)
	}
	if _, err := c.poster.Post(ctx, ackPath, payload); err != nil {
		return fmt.Errorf("patchjob: sending %s ack for job %s: %w", ack.Status, ack.JobID, err)
	}
	return nil
}

// Report delivers a terminal result to the command channel.
func (c *Client) Report(ctx context.Context, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("patchjob: encoding result for job %s: %w", result.JobID, err)
	}
	if _, err := c.poster.Post(ctx, resultPath, payload); err != nil {
		return fmt.Errorf("patchjob: reporting job %s: %w", result.JobID, err)
	}
	return nil
}

// CloseIdleConnections drops pooled transport connections.
func (c *Client) CloseIdleConnections() {
	c.poster.CloseIdleConnections()
}
