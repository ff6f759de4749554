package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrFingerprintConflict is returned when a registration reuses an
// instance_id already held by a live descriptor with a different
// auth_fingerprint (§4.3 failure semantics).
var ErrFingerprintConflict = fmt.Errorf("registry: instance_id registered under a different auth_fingerprint")

// Registry is the authoritative descriptor store. Each descriptor is
// guarded by its own mutex (embedded in serviceEntry); the top-level
// mutex only protects the maps themselves, matching §5's "reader-mostly,
// fine-grained locks, no global lock" shared-resource policy.
type Registry struct {
	logger *slog.Logger
	ttl    TTLConfig

	mu       sync.RWMutex
	services map[string]*serviceEntry // keyed by instance_id
	devices  map[string]*deviceEntry  // keyed by device_id
	capIdx   *CapabilityIndex
}

type serviceEntry struct {
	mu   sync.Mutex
	desc ServiceDescriptor
}

type deviceEntry struct {
	mu   sync.Mutex
	desc DeviceDescriptor
}

// New constructs an empty Registry.
func New(ttl TTLConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		ttl:      ttl,
		services: make(map[string]*serviceEntry),
		devices:  make(map[string]*deviceEntry),
		capIdx:   NewCapabilityIndex(),
	}
}

// Register admits a service descriptor, transitioning absent -> online
// (§4.3). A duplicate instance_id with the same auth_fingerprint is
// idempotent; a different fingerprint is rejected.
func (r *Registry) Register(desc ServiceDescriptor) error {
	r.mu.Lock()
	entry, exists := r.services[desc.InstanceID]
	if !exists {
		entry = &serviceEntry{}
		r.services[desc.InstanceID] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if exists && entry.desc.AuthFingerprint != "" && entry.desc.AuthFingerprint != desc.AuthFingerprint {
		return ErrFingerprintConflict
	}

	desc.Status = StatusOnline
	desc.LastSeen = time.Now()
	desc.OfflineAt = time.Time{}
	entry.desc = desc

	r.mu.Lock()
	for _, cap := range desc.Capabilities {
		r.capIdx.Add(cap, desc.InstanceID)
	}
	r.mu.Unlock()

	r.logger.Info("service registered", "service", desc.ServiceName, "instance", desc.InstanceID)
	return nil
}

// Heartbeat refreshes a descriptor's TTL clock, re-admitting an
// offline descriptor (§4.3 "offline -> on heartbeat -> online").
func (r *Registry) Heartbeat(instanceID string) error {
	r.mu.RLock()
	entry, ok := r.services[instanceID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown instance %q", instanceID)
	}

	entry.mu.Lock()
	wasOffline := entry.desc.Status == StatusOffline
	entry.desc.Status = StatusOnline
	entry.desc.LastSeen = time.Now()
	entry.desc.OfflineAt = time.Time{}
	caps := append([]string(nil), entry.desc.Capabilities...)
	entry.mu.Unlock()

	if wasOffline {
		r.mu.Lock()
		for _, cap := range caps {
			r.capIdx.Add(cap, instanceID)
		}
		r.mu.Unlock()
		r.logger.Info("service re-admitted", "instance", instanceID)
	}
	return nil
}

// Unregister transitions a descriptor to absent and removes it from
// the capability index and descriptor map (§4.3).
func (r *Registry) Unregister(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[instanceID]; !ok {
		return
	}
	r.capIdx.RemoveInstance(instanceID)
	delete(r.services, instanceID)
	r.logger.Info("service unregistered", "instance", instanceID)
}

// SweepTTL marks descriptors whose heartbeat deadline has elapsed as
// offline, and removes descriptors that have been offline for longer
// than the configured retention window (§4.3).
func (r *Registry) SweepTTL(now time.Time) {
	r.mu.RLock()
	entries := make([]*serviceEntry, 0, len(r.services))
	for _, e := range r.services {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var toRemove []string
	for _, entry := range entries {
		entry.mu.Lock()
		desc := entry.desc
		switch {
		case desc.Status == StatusOnline && now.After(r.ttl.Deadline(desc.LastSeen)):
			entry.desc.Status = StatusOffline
			entry.desc.OfflineAt = now
			r.logger.Warn("service evicted (ttl exceeded)", "instance", desc.InstanceID, "service", desc.ServiceName)
		case desc.Status == StatusOffline && now.Sub(desc.OfflineAt) > r.ttl.OfflineRetention:
			toRemove = append(toRemove, desc.InstanceID)
		}
		becameOffline := entry.desc.Status == StatusOffline && desc.Status == StatusOnline
		entry.mu.Unlock()
		if becameOffline {
			r.mu.Lock()
			r.capIdx.RemoveInstance(desc.InstanceID)
			r.mu.Unlock()
		}
	}

	if len(toRemove) > 0 {
		r.mu.Lock()
		for _, id := range toRemove {
			r.capIdx.RemoveInstance(id)
			delete(r.services, id)
		}
		r.mu.Unlock()
	}
}

// Services returns a snapshot of every known descriptor.
func (r *Registry) Services() []ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceDescriptor, 0, len(r.services))
	for _, e := range r.services {
		e.mu.Lock()
		out = append(out, e.desc)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// ServiceInstances returns every descriptor for a logical service name,
// for load-balancer pool construction (§4.3).
func (r *Registry) ServiceInstances(serviceName string) []ServiceDescriptor {
	all := r.Services()
	out := make([]ServiceDescriptor, 0)
	for _, d := range all {
		if d.ServiceName == serviceName {
			out = append(out, d)
		}
	}
	return out
}

// LookupByCapability returns online candidates for a capability ordered
// per §4.3's tie-break: status=online first (offline entries are
// already excluded by the capability index), healthiest by last-seen
// age ascending, then instance_id lexicographic.
func (r *Registry) LookupByCapability(capability string) []ServiceDescriptor {
	r.mu.RLock()
	ids := r.capIdx.Candidates(capability)
	r.mu.RUnlock()

	out := make([]ServiceDescriptor, 0, len(ids))
	for _, id := range ids {
		r.mu.RLock()
		entry, ok := r.services[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		entry.mu.Lock()
		desc := entry.desc
		entry.mu.Unlock()
		if desc.Status == StatusOnline {
			out = append(out, desc)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen) // more recent = healthier = smaller age
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// RegisterDevice admits or refreshes a device descriptor.
func (r *Registry) RegisterDevice(desc DeviceDescriptor) {
	r.mu.Lock()
	entry, ok := r.devices[desc.DeviceID]
	if !ok {
		entry = &deviceEntry{}
		r.devices[desc.DeviceID] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	desc.LastSeen = time.Now()
	if desc.Status == "" {
		desc.Status = DeviceOnline
	}
	entry.desc = desc
	entry.mu.Unlock()
}

// Devices returns a snapshot of every known device descriptor.
func (r *Registry) Devices() []DeviceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceDescriptor, 0, len(r.devices))
	for _, e := range r.devices {
		e.mu.Lock()
		out = append(out, e.desc)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Snapshot captures the registry's full state for persistence (§4.3).
type Snapshot struct {
	Services []ServiceDescriptor `json:"services"`
	Devices  []DeviceDescriptor  `json:"devices"`
	SavedAt  time.Time           `json:"saved_at"`
}

// TakeSnapshot captures the current state including the capability
// index implicitly (it is rebuilt from descriptor capabilities on
// restore, so the snapshot's contents are just the descriptors
// themselves — see SPEC_FULL.md §3 on snapshot compaction).
func (r *Registry) TakeSnapshot() Snapshot {
	return Snapshot{
		Services: r.Services(),
		Devices:  r.Devices(),
		SavedAt:  time.Now(),
	}
}

// Restore reloads a snapshot, re-running TTL eviction immediately so a
// cold start never serves stale entries (§4.3 "reloads the last
// snapshot and re-runs TTL eviction").
func (r *Registry) Restore(snap Snapshot) {
	r.mu.Lock()
	r.services = make(map[string]*serviceEntry, len(snap.Services))
	r.capIdx = NewCapabilityIndex()
	for _, desc := range snap.Services {
		r.services[desc.InstanceID] = &serviceEntry{desc: desc}
		if desc.Status == StatusOnline {
			for _, cap := range desc.Capabilities {
				r.capIdx.Add(cap, desc.InstanceID)
			}
		}
	}
	r.devices = make(map[string]*deviceEntry, len(snap.Devices))
	for _, desc := range snap.Devices {
		r.devices[desc.DeviceID] = &deviceEntry{desc: desc}
	}
	r.mu.Unlock()

	r.SweepTTL(time.Now())
}
