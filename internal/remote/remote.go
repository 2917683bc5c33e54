// Package remote adapts a DriftSync HTTP endpoint to the sync pipeline's
// probe, reader, and sink collaborators.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	stdsync "sync"
	"time"

	"resty.dev/v3"

	"github.com/driftsync/driftsync/internal/sync"
	"github.com/driftsync/driftsync/internal/version"
)

const (
	probeTimeout   = 5 * time.Second
	headerUserAgent = "User-Agent"
)

// Client talks to the remote sync endpoint. It implements
// sync.NetworkProbe, sync.EntityReader, and sync.RemoteSink.
type Client struct {
	client  *resty.Client
	baseURL string

	mu    stdsync.RWMutex
	local map[string]*sync.EntitySnapshot
}

func New(baseURL, token string) *Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetHeader(headerUserAgent, version.AppName+"/"+version.Version)
	if token != "" {
		r.SetAuthToken(token)
	}

	return &Client{
		client:  r,
		baseURL: baseURL,
		local:   make(map[string]*sync.EntitySnapshot),
	}
}

func (c *Client) Close() {
	c.client.Close()
}

type healthResponse struct {
	DownlinkMbps   float64 `json:"downlinkMbps"`
	ConnectionType string  `json:"connectionType"`
}

// ConnectivitySignal probes the endpoint's health route; the request's
// round trip doubles as the RTT sample.
func (c *Client) ConnectivitySignal(ctx context.Context) (*sync.ConnectivitySignal, error) {
	var health healthResponse

	started := time.Now()
	resp, err := c.client.R().
		SetContext(ctx).
		SetTimeout(probeTimeout).
		SetResult(&health).
		Get("/v1/health")
	rtt := time.Since(started)

	if err != nil || resp.IsError() {
		return &sync.ConnectivitySignal{Online: false}, nil
	}

	return &sync.ConnectivitySignal{
		Downlink: health.DownlinkMbps,
		RTT:      rtt,
		Type:     sync.ConnectionType(health.ConnectionType),
		Online:   true,
	}, nil
}

// CheckReachability issues a lightweight request against an absolute URL.
func (c *Client) CheckReachability(ctx context.Context, target string) bool {
	resp, err := c.client.R().
		SetContext(ctx).
		SetTimeout(probeTimeout).
		Head(target)
	return err == nil && !resp.IsError()
}

type snapshotResponse struct {
	EntityKind   string         `json:"entityKind"`
	EntityID     string         `json:"entityId"`
	Data         map[string]any `json:"data"`
	Version      string         `json:"version"`
	LastModified time.Time      `json:"lastModified"`
}

func (r snapshotResponse) toSnapshot() *sync.EntitySnapshot {
	return &sync.EntitySnapshot{
		EntityKind:   r.EntityKind,
		EntityID:     r.EntityID,
		Data:         r.Data,
		Version:      r.Version,
		LastModified: r.LastModified,
	}
}

// FetchRemoteSnapshot returns the remote entity state, or nil when the
// entity does not exist remotely.
func (c *Client) FetchRemoteSnapshot(ctx context.Context, entityKind, entityID string) (*sync.EntitySnapshot, error) {
	var snap snapshotResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&snap).
		Get(fmt.Sprintf("/v1/entities/%s/%s", entityKind, entityID))
	if err != nil {
		return nil, &sync.NetworkError{Op: "fetch snapshot", Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch snapshot %s/%s: %s", entityKind, entityID, resp.Status())
	}
	return snap.toSnapshot(), nil
}

// FetchLocalSnapshot returns the last state this client successfully
// applied for the entity, or nil if it never synced one.
func (c *Client) FetchLocalSnapshot(_ context.Context, entityKind, entityID string) (*sync.EntitySnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local[entityKind+"/"+entityID], nil
}

type applyRequest struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"createdAt"`
}

type applyResponse struct {
	Status string            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Remote *snapshotResponse `json:"remote,omitempty"`
}

// ApplyOperation pushes one operation. A 409 carries the remote snapshot
// the operation conflicted with.
func (c *Client) ApplyOperation(ctx context.Context, op *sync.Operation) (*sync.ApplyResult, error) {
	body := applyRequest{
		ID:         op.ID,
		Type:       string(op.Type),
		EntityKind: op.EntityKind,
		EntityID:   op.EntityID,
		Payload:    op.Payload,
		CreatedAt:  op.CreatedAt,
	}

	var out applyResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/v1/operations")
	if err != nil {
		return nil, &sync.NetworkError{Op: "apply operation", Err: err}
	}

	switch {
	case resp.StatusCode() == http.StatusConflict && out.Remote != nil:
		return &sync.ApplyResult{
			Status: sync.ApplyConflict,
			Remote: out.Remote.toSnapshot(),
		}, nil
	case resp.IsError():
		msg := out.Error
		if msg == "" {
			msg = resp.Status()
		}
		return &sync.ApplyResult{Status: sync.ApplyError, Error: msg}, nil
	}

	c.recordLocal(op)
	return &sync.ApplyResult{Status: sync.ApplySuccess}, nil
}

func (c *Client) recordLocal(op *sync.Operation) {
	key := op.EntityKind + "/" + op.EntityID
	c.mu.Lock()
	defer c.mu.Unlock()

	if op.Type == sync.OpDelete {
		delete(c.local, key)
		return
	}
	nextVersion := 1
	if prev := c.local[key]; prev != nil {
		if v, err := strconv.Atoi(prev.Version); err == nil {
			nextVersion = v + 1
		}
	}
	c.local[key] = &sync.EntitySnapshot{
		EntityKind:   op.EntityKind,
		EntityID:     op.EntityID,
		Data:         op.Payload,
		Version:      strconv.Itoa(nextVersion),
		LastModified: op.CreatedAt,
	}
}
