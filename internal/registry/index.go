package registry

// CapabilityIndex maps a capability name to the ordered set of
// instance ids offering it. Ordering is insertion order (§3); ties are
// only possible when entries are restored from a snapshot in
// indeterminate order, in which case instance_id lexicographic order
// breaks the tie deterministically.
type CapabilityIndex struct {
	entries map[string][]string
}

// NewCapabilityIndex returns an empty index.
func NewCapabilityIndex() *CapabilityIndex {
	return &CapabilityIndex{entries: make(map[string][]string)}
}

// Add inserts instanceID under capability if not already present.
func (idx *CapabilityIndex) Add(capability, instanceID string) {
	for _, id := range idx.entries[capability] {
		if id == instanceID {
			return
		}
	}
	idx.entries[capability] = append(idx.entries[capability], instanceID)
}

// Remove deletes instanceID from capability's candidate list.
func (idx *CapabilityIndex) Remove(capability, instanceID string) {
	ids := idx.entries[capability]
	for i, id := range ids {
		if id == instanceID {
			idx.entries[capability] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// RemoveInstance deletes instanceID from every capability it appears
// under, used when a descriptor goes offline or absent.
func (idx *CapabilityIndex) RemoveInstance(instanceID string) {
	for cap := range idx.entries {
		idx.Remove(cap, instanceID)
	}
}

// Candidates returns the raw insertion-ordered candidate list for a
// capability. Callers that need the §4.3 lookup tie-break (status,
// last-seen, instance_id) apply it on top via [Registry.LookupByCapability].
func (idx *CapabilityIndex) Candidates(capability string) []string {
	ids := idx.entries[capability]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
