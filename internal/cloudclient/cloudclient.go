// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package cloudclient implements orchestrator.CloudClient over HTTP: the
// gateway's side of the hybrid execution split (spec §3 "Ownership" —
// the cloud owns capability persistence, the semantic search index, and
// plan generation). Auth is a bearer header carrying the API key, attached
// to each forwarded request when an API key is configured.
package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Casys-AI/casys-pml-sub012/internal/orchestrator"
	"github.com/Casys-AI/casys-pml-sub012/internal/perr"
)

// Client forwards `execute`/`discover` requests to the remote planning
// service at BaseURL + "/v1/forward".
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// New builds a Client with a sensible request timeout (spec §5: cloud
// forwards are a suspension/blocking point with their own timeout).
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type forwardRequest struct {
	Intent           string `json:"intent,omitempty"`
	Code             string `json:"code,omitempty"`
	AcceptSuggestion bool   `json:"accept_suggestion,omitempty"`
	ReplanOf         string `json:"replan_of,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
}

// Forward implements orchestrator.CloudClient.
func (c *Client) Forward(ctx context.Context, req orchestrator.Request) (orchestrator.CloudResponse, error) {
	body, err := json.Marshal(forwardRequest{
		Intent:           req.Intent,
		Code:             req.Code,
		AcceptSuggestion: req.AcceptSuggestion,
		ReplanOf:         req.ReplanOf,
		SessionID:        req.SessionID,
	})
	if err != nil {
		return orchestrator.CloudResponse{}, perr.Wrap(perr.KindProtocol, "encode cloud forward request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/forward", bytes.NewReader(body))
	if err != nil {
		return orchestrator.CloudResponse{}, perr.Wrap(perr.KindTransport, "build cloud forward request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return orchestrator.CloudResponse{}, perr.Wrap(perr.KindTransport, "cloud forward request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return orchestrator.CloudResponse{}, perr.Wrap(perr.KindTransport, "read cloud forward response", err)
	}
	if resp.StatusCode >= 400 {
		return orchestrator.CloudResponse{}, perr.New(perr.KindTransport, fmt.Sprintf("cloud returned HTTP %d: %s", resp.StatusCode, perr.Sanitize(string(respBody))))
	}

	var out orchestrator.CloudResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return orchestrator.CloudResponse{}, perr.Wrap(perr.KindProtocol, "decode cloud forward response", err)
	}
	return out, nil
}
