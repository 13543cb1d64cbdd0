// Package registry holds the in-memory NodeConfig list, refreshed from the
// backend (spec §4.9 config events), and the calling-AE-title lookups
// access control and the SCU dispatcher need.
package registry

import (
	"strings"
	"sync"

	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

// NodeRegistry is the process-wide singleton holding every configured PACS
// peer. Refreshed wholesale on a config event (atomic swap under the
// mutex), never mutated field-by-field.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes []*repo.NodeConfig
}

// New builds an empty NodeRegistry.
func New() *NodeRegistry {
	return &NodeRegistry{}
}

// Replace swaps in a wholly new node list, e.g. after a proxy.nodes_changed
// event triggers a configuration refetch.
func (r *NodeRegistry) Replace(nodes []*repo.NodeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = nodes
}

// All returns every configured node.
func (r *NodeRegistry) All() []*repo.NodeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*repo.NodeConfig, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Active returns every node with IsActive=true.
func (r *NodeRegistry) Active() []*repo.NodeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*repo.NodeConfig
	for _, n := range r.nodes {
		if n.IsActive {
			out = append(out, n)
		}
	}
	return out
}

// SetReachable updates the IsReachable flag for nodeID, e.g. after a health
// worker C-ECHO check. A no-op if nodeID is not found.
func (r *NodeRegistry) SetReachable(nodeID string, reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.NodeID == nodeID {
			n.IsReachable = reachable
			return
		}
	}
}

// FindByAETitleAndPeer implements spec §4.12's lookup: case-insensitive,
// trimmed match on calling AE title; if more than one node shares that AE
// title, disambiguate by peerIP, else take the first match. Returns nil if
// no node matches.
func (r *NodeRegistry) FindByAETitleAndPeer(callingAETitle, peerIP string) *repo.NodeConfig {
	normalized := normalizeAETitle(callingAETitle)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*repo.NodeConfig
	for _, n := range r.nodes {
		if normalizeAETitle(n.AETitle) == normalized {
			matches = append(matches, n)
		}
	}

	switch len(matches) {
	case 0:
		return nil
	case 1:
		return matches[0]
	default:
		for _, n := range matches {
			if n.Host == peerIP {
				return n
			}
		}
		return matches[0]
	}
}

// FindActiveByAETitle looks up a single active node by AE title only, used
// to validate a C-MOVE destination AE.
func (r *NodeRegistry) FindActiveByAETitle(aeTitle string) *repo.NodeConfig {
	normalized := normalizeAETitle(aeTitle)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if normalizeAETitle(n.AETitle) == normalized && n.IsActive {
			return n
		}
	}
	return nil
}

func normalizeAETitle(aeTitle string) string {
	return strings.ToLower(strings.TrimSpace(aeTitle))
}
