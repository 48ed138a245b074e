// Package remote implements the HTTP client for the FilmTrack sync
// endpoint. The wire contract is owned by the remote system; this
// client only delivers queued operations and probes reachability.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dlauzon/filmtrack/backend/internal/errors"
	"github.com/dlauzon/filmtrack/backend/internal/models"
)

const userAgent = "FilmTrack-Desktop/1.0"

// Client delivers sync operations to the remote system.
type Client struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewClient creates a Client for the given endpoint base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		baseURL: baseURL,
	}
}

// SetToken sets the bearer token attached to delivery requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// deliveryRequest is the body posted for one queued operation.
type deliveryRequest struct {
	OperationID int64                `json:"operation_id"`
	EntityType  string               `json:"entity_type"`
	EntityID    string               `json:"entity_id"`
	Kind        models.OperationKind `json:"operation_kind"`
	Payload     json.RawMessage      `json:"payload"`
	EnqueuedAt  int64                `json:"enqueued_at"`
}

// Deliver posts one operation to the remote sync endpoint.
func (c *Client) Deliver(ctx context.Context, op *models.SyncOperation) error {
	body, err := json.Marshal(deliveryRequest{
		OperationID: op.ID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Kind:        op.Kind,
		Payload:     op.Payload,
		EnqueuedAt:  op.CreatedAt,
	})
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode operation", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/sync/operations", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrNetworkUnavailable, "delivery request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Keep the first part of the body for last_error audit
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.New(errors.ErrDeliveryFailed,
			fmt.Sprintf("remote rejected operation: status %d: %s", resp.StatusCode, msg))
	}
	return nil
}

// Reachable probes the remote health endpoint with a short deadline.
func (c *Client) Reachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
		c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
