// Package registry implements the authoritative Device/Service Registry
// (§4.3): the descriptor store, the capability index, the per-descriptor
// state machine, and the pluggable snapshot used to survive restarts.
// Storage is pure in-memory plus a periodic JSON snapshot to a
// pluggable persistent store (§4.3), with no SQL dependency.
package registry

import "time"

// Status is a service's lifecycle state in the registry's state
// machine (§4.3).
type Status string

const (
	StatusAbsent  Status = "absent"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DeviceStatus is a device's reported reachability (§3).
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceUnknown DeviceStatus = "unknown"
)

// Endpoints names the topics (or addresses) a descriptor exposes.
type Endpoints struct {
	In     string `json:"in,omitempty"`
	Out    string `json:"out,omitempty"`
	Status string `json:"status,omitempty"`
}

// ServiceDescriptor is the registry's record of one running service
// instance (§3). JSON tags match the canonical wire field names exactly.
type ServiceDescriptor struct {
	ServiceName    string            `json:"service_name"`
	InstanceID     string            `json:"instance_id"`
	Version        string            `json:"version"`
	Capabilities   []string          `json:"capabilities"`
	Endpoints      Endpoints         `json:"endpoints"`
	AuthFingerprint string           `json:"auth_fingerprint"`
	MaxInflight    int               `json:"max_inflight"`
	Weight         int               `json:"weight"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
	// OfflineAt records when the descriptor transitioned to offline, so
	// the 24h removal sweep (§4.3) knows when that window started.
	OfflineAt time.Time `json:"offline_at,omitempty"`
}

// DeviceDescriptor is the registry's record of one device (§3).
type DeviceDescriptor struct {
	DeviceID     string            `json:"device_id"`
	DeviceType   string            `json:"device_type"`
	Capabilities []string          `json:"capabilities"`
	Endpoints    Endpoints         `json:"endpoints"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       DeviceStatus      `json:"status"`
	LastSeen     time.Time         `json:"last_seen"`
}

// TTLConfig controls the eviction schedule §4.3 describes: a service
// goes offline after heartbeatInterval*Multiplier+Grace without a
// heartbeat, and is removed entirely OfflineRetention after that.
type TTLConfig struct {
	HeartbeatInterval time.Duration
	Multiplier        int
	Grace             time.Duration
	OfflineRetention  time.Duration
}

// DefaultTTLConfig returns §4.3's literal defaults: "3x heartbeat
// interval + 5s grace", offline entries kept 24h.
func DefaultTTLConfig(heartbeatInterval time.Duration) TTLConfig {
	return TTLConfig{
		HeartbeatInterval: heartbeatInterval,
		Multiplier:        3,
		Grace:             5 * time.Second,
		OfflineRetention:  24 * time.Hour,
	}
}

// Deadline returns the instant by which a heartbeat must arrive to keep
// a descriptor online, given it was last seen at lastSeen.
func (c TTLConfig) Deadline(lastSeen time.Time) time.Time {
	return lastSeen.Add(time.Duration(c.Multiplier)*c.HeartbeatInterval + c.Grace)
}
