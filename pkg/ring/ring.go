// Package ring implements the consistent hash ring (§4.2): a pure in-memory
// structure mapping a routing key to a silo, maintained by subscribing to
// membership events, with lock-free reads via atomic snapshot swap — the
// same immutable-snapshot-swap shape the inherited registry uses for its
// version-stamp batching, generalized here to an entire ring structure
// instead of a single counter.
package ring

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodeCount is the default number of virtual nodes (tokens)
// placed per silo on the ring.
const DefaultVirtualNodeCount = 150

// Node is one member of the ring.
type Node struct {
	SiloID string
	// Weight scales the number of virtual nodes placed for this silo
	// relative to VirtualNodeCount (default 1).
	Weight int
	// VirtualNodeCount overrides the ring-wide default for this silo; 0
	// means "use the ring's configured default".
	VirtualNodeCount int
}

type token struct {
	hash   uint64
	siloID string
}

// snapshot is the immutable ring state swapped atomically on membership
// change. Tokens are sorted by hash ascending.
type snapshot struct {
	tokens []token
	nodes  map[string]Node
}

// Ring is a flat consistent hash ring over one tier of silos.
type Ring struct {
	defaultVNodes int
	snap          atomic.Pointer[snapshot]
}

// New creates an empty Ring. defaultVNodes is used for any Node that doesn't
// specify its own VirtualNodeCount; 0 means DefaultVirtualNodeCount.
func New(defaultVNodes int) *Ring {
	if defaultVNodes <= 0 {
		defaultVNodes = DefaultVirtualNodeCount
	}
	r := &Ring{defaultVNodes: defaultVNodes}
	r.snap.Store(&snapshot{nodes: map[string]Node{}})
	return r
}

// SetNodes atomically replaces the entire ring membership. Rebuild is
// O(n log n) in the total number of virtual nodes; callers should call this
// on every membership change (join/leave), not per-lookup.
func (r *Ring) SetNodes(nodes []Node) {
	nodeMap := make(map[string]Node, len(nodes))
	var tokens []token
	for _, n := range nodes {
		nodeMap[n.SiloID] = n
		weight := n.Weight
		if weight <= 0 {
			weight = 1
		}
		vnodes := n.VirtualNodeCount
		if vnodes <= 0 {
			vnodes = r.defaultVNodes
		}
		vnodes *= weight
		for i := 0; i < vnodes; i++ {
			tokens = append(tokens, token{
				hash:   hashToken(n.SiloID, i),
				siloID: n.SiloID,
			})
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].hash != tokens[j].hash {
			return tokens[i].hash < tokens[j].hash
		}
		// Tie-break by lexicographic silo_id per §4.2.
		return tokens[i].siloID < tokens[j].siloID
	})
	r.snap.Store(&snapshot{tokens: tokens, nodes: nodeMap})
}

// Lookup returns the silo_id owning key: the first token clockwise from
// hash(key), wrapping around. Returns an error if the ring is empty.
func (r *Ring) Lookup(key string) (string, error) {
	snap := r.snap.Load()
	if len(snap.tokens) == 0 {
		return "", fmt.Errorf("ring: lookup failed, no silos registered")
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(snap.tokens), func(i int) bool {
		return snap.tokens[i].hash >= h
	})
	if idx == len(snap.tokens) {
		idx = 0
	}
	return snap.tokens[idx].siloID, nil
}

// Nodes returns a snapshot of the current ring membership.
func (r *Ring) Nodes() []Node {
	snap := r.snap.Load()
	out := make([]Node, 0, len(snap.nodes))
	for _, n := range snap.nodes {
		out = append(out, n)
	}
	return out
}

// NumSilos returns the number of distinct silos currently on the ring.
func (r *Ring) NumSilos() int {
	snap := r.snap.Load()
	return len(snap.nodes)
}

func hashToken(siloID string, i int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s:%d", siloID, i))
}
