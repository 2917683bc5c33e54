package sync

import (
	"context"
	"time"
)

// ConnectionType is the transport reported by the host's network probe.
type ConnectionType string

const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionUnknown  ConnectionType = "unknown"
)

// ConnectivitySignal is a single sample of the host's network conditions.
type ConnectivitySignal struct {
	// Downlink is the estimated downstream bandwidth in Mbps.
	Downlink float64
	// RTT is the estimated round-trip time to the remote.
	RTT time.Duration
	// Type is the transport in use.
	Type ConnectionType
	// Online reports basic connectivity.
	Online bool
}

// NetworkProbe is the host-supplied connectivity capability.
type NetworkProbe interface {
	ConnectivitySignal(ctx context.Context) (*ConnectivitySignal, error)
	CheckReachability(ctx context.Context, target string) bool
}

// EntitySnapshot is a point-in-time view of an entity on one side.
type EntitySnapshot struct {
	EntityKind   string         `json:"entityKind"`
	EntityID     string         `json:"entityId"`
	Data         map[string]any `json:"data"`
	Version      string         `json:"version,omitempty"`
	LastModified time.Time      `json:"lastModified"`
}

// EntityReader reads entity snapshots from the external stores.
type EntityReader interface {
	FetchRemoteSnapshot(ctx context.Context, entityKind, entityID string) (*EntitySnapshot, error)
	FetchLocalSnapshot(ctx context.Context, entityKind, entityID string) (*EntitySnapshot, error)
}

// ApplyStatus is the remote sink's verdict for a single operation.
type ApplyStatus string

const (
	ApplySuccess  ApplyStatus = "success"
	ApplyConflict ApplyStatus = "conflict"
	ApplyError    ApplyStatus = "error"
)

// ApplyResult carries the remote snapshot on conflict and a message on error.
type ApplyResult struct {
	Status ApplyStatus
	Remote *EntitySnapshot
	Error  string
}

// RemoteSink applies operations against the remote system.
type RemoteSink interface {
	ApplyOperation(ctx context.Context, op *Operation) (*ApplyResult, error)
}
