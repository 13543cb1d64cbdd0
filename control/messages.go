// Package control implements the WebSocket channel the proxy dials out to
// the backend (spec §4.8): identity handshake, config_update, a periodic
// health worker, and inbound event dispatch with auto-reconnect.
package control

import "time"

// Envelope is the outer shape of every message exchanged on the channel.
// Server messages carry "type"; event messages carry "event_type" instead
// — both are captured here since Go's JSON decoder is happy to leave
// unused fields zero.
type Envelope struct {
	Type          string          `json:"type,omitempty"`
	EventType     string          `json:"event_type,omitempty"`
	WorkspaceID   string          `json:"workspace_id,omitempty"`
	ProxyID       string          `json:"proxy_id,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	EntityType    string          `json:"entity_type,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	Payload       RawPayload      `json:"payload,omitempty"`
	Data          *WrappedPayload `json:"data,omitempty"`
}

// RawPayload defers decoding of an event's payload until the handler that
// knows its shape runs.
type RawPayload = map[string]any

// WrappedPayload models the one-level wrapping some events arrive in, per
// spec §4.8: "Some events may arrive wrapped (data.payload.event_type
// present); unwrap one level before dispatch."
type WrappedPayload struct {
	Payload struct {
		EventType string     `json:"event_type"`
		Payload   RawPayload `json:"payload"`
	} `json:"payload"`
}

// ConfigUpdate is sent by the proxy immediately after identity is
// established.
type ConfigUpdate struct {
	Type         string `json:"type"`
	IPAddress    string `json:"ip_address"`
	Port         int    `json:"port"`
	AETitle      string `json:"ae_title"`
	APIURL       string `json:"api_url"`
	ProxyVersion string `json:"proxy_version"`
}

// NodeHealth is one entry of a HealthUpdate's nodes list.
type NodeHealth struct {
	NodeID      string `json:"node_id"`
	IsReachable bool   `json:"is_reachable"`
}

// HealthUpdate is sent on every health worker tick and once more, with
// ProxyStatus "offline", on graceful shutdown.
type HealthUpdate struct {
	Type         string       `json:"type"`
	ProxyStatus  string       `json:"proxy_status"`
	ProxyVersion string       `json:"proxy_version"`
	Nodes        []NodeHealth `json:"nodes"`
}

// HeartbeatPayload mirrors proxy_heartbeat.py's payload exactly: proxy
// status plus node and disk summary counters, not a per-node list.
type HeartbeatPayload struct {
	Status            string  `json:"status"`
	NodesOnline       int     `json:"nodes_online"`
	NodesTotal        int     `json:"nodes_total"`
	ActiveDispatches  int     `json:"active_dispatches"`
	DiskUsageGB       float64 `json:"disk_usage_gb"`
	Version           string  `json:"version"`
}

// Heartbeat is the optional richer health variant named in spec §6 but left
// undefined there; grounded on the original implementation's
// proxy_heartbeat.py outgoing event, sent opportunistically when a node's
// reachability changes rather than on its own timer. Unlike HealthUpdate,
// it carries a self-assigned correlation_id, since the proxy originates it
// rather than replying to an inbound envelope.
type Heartbeat struct {
	EventType     string           `json:"event_type"`
	WorkspaceID   string           `json:"workspace_id"`
	Timestamp     string           `json:"timestamp"`
	CorrelationID string           `json:"correlation_id"`
	EntityType    string           `json:"entity_type"`
	EntityID      string           `json:"entity_id"`
	Payload       HeartbeatPayload `json:"payload"`
}

// DispatchStatusPayload is the body of a DispatchStatus message.
type DispatchStatusPayload struct {
	NodeID     string  `json:"node_id"`
	Status     string  `json:"status"` // downloading | completed | failed
	Progress   float64 `json:"progress,omitempty"`
	FilesSent  int     `json:"files_sent,omitempty"`
	FilesTotal int     `json:"files_total,omitempty"`
}

// DispatchStatus reports progress or completion of an outbound dispatch
// (spec §4.9 step 3/7).
type DispatchStatus struct {
	EventType     string                `json:"event_type"`
	WorkspaceID   string                `json:"workspace_id"`
	Timestamp     string                `json:"timestamp"`
	CorrelationID string                `json:"correlation_id"`
	EntityType    string                `json:"entity_type"`
	EntityID      string                `json:"entity_id"`
	Payload       DispatchStatusPayload `json:"payload"`
}

func isoNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// Timestamp returns the current time formatted the way every outbound
// message's timestamp field is, for callers outside this package building a
// DispatchStatus.
func Timestamp() string {
	return isoNow()
}
