package ring

import "fmt"

// HierarchicalNode extends Node with the region/zone placement SiloInfo
// carries in §3.
type HierarchicalNode struct {
	Node
	RegionID string
	ZoneID   string
}

// HierarchicalRing implements the three-tier region/zone/silo variant from
// §4.2: a region ring keyed by region_id, a zone ring per region, and a
// silo ring per zone. Lookup walks preferred buckets first and falls back to
// the global silo ring.
type HierarchicalRing struct {
	regionRing *Ring
	zoneRings  map[string]*Ring // keyed by region_id
	siloRings  map[string]*Ring // keyed by region_id + ":" + zone_id
	globalRing *Ring

	siloVNodes int
}

// NewHierarchical creates an empty HierarchicalRing. siloVNodes is the full
// per-silo virtual node count; region rings get ~1/3 of it and zone rings
// ~1/2, per §4.2.
func NewHierarchical(siloVNodes int) *HierarchicalRing {
	if siloVNodes <= 0 {
		siloVNodes = DefaultVirtualNodeCount
	}
	return &HierarchicalRing{
		regionRing: New(maxInt(1, siloVNodes/3)),
		zoneRings:  make(map[string]*Ring),
		siloRings:  make(map[string]*Ring),
		globalRing: New(siloVNodes),
		siloVNodes: siloVNodes,
	}
}

func zoneKey(region string) string { return region }
func siloKey(region, zone string) string { return region + ":" + zone }

// SetNodes atomically rebuilds every tier from the full hierarchical
// membership list.
func (h *HierarchicalRing) SetNodes(nodes []HierarchicalNode) {
	regionSet := map[string][]Node{}
	zoneSet := map[string][]Node{}
	siloSet := map[string][]Node{}
	var all []Node

	for _, n := range nodes {
		all = append(all, n.Node)
		if n.RegionID != "" {
			regionSet[n.RegionID] = append(regionSet[n.RegionID], Node{SiloID: n.RegionID, Weight: 1, VirtualNodeCount: maxInt(1, h.siloVNodes/3)})
		}
		if n.RegionID != "" && n.ZoneID != "" {
			zoneSet[zoneKey(n.RegionID)] = append(zoneSet[zoneKey(n.RegionID)], Node{SiloID: n.ZoneID, Weight: 1, VirtualNodeCount: maxInt(1, h.siloVNodes/2)})
			siloSet[siloKey(n.RegionID, n.ZoneID)] = append(siloSet[siloKey(n.RegionID, n.ZoneID)], n.Node)
		}
	}

	h.globalRing.SetNodes(all)

	// Dedup region nodes (a region may host many silos).
	regionNodes := dedupNodes(regionSet)
	h.regionRing.SetNodes(regionNodes)

	newZoneRings := make(map[string]*Ring, len(zoneSet))
	for region, zones := range zoneSet {
		r := New(maxInt(1, h.siloVNodes/2))
		r.SetNodes(dedupNodesList(zones))
		newZoneRings[region] = r
	}
	h.zoneRings = newZoneRings

	newSiloRings := make(map[string]*Ring, len(siloSet))
	for key, silos := range siloSet {
		r := New(h.siloVNodes)
		r.SetNodes(silos)
		newSiloRings[key] = r
	}
	h.siloRings = newSiloRings
}

// Lookup resolves key, preferring preferredRegion/preferredZone if given and
// populated, falling back to the global silo ring otherwise.
func (h *HierarchicalRing) Lookup(key string, preferredRegion, preferredZone string) (string, error) {
	if preferredRegion != "" && preferredZone != "" {
		if r, ok := h.siloRings[siloKey(preferredRegion, preferredZone)]; ok && r.NumSilos() > 0 {
			return r.Lookup(key)
		}
	}
	if preferredRegion != "" {
		if r, ok := h.zoneRings[zoneKey(preferredRegion)]; ok && r.NumSilos() > 0 {
			zone, err := r.Lookup(key)
			if err == nil {
				if sr, ok := h.siloRings[siloKey(preferredRegion, zone)]; ok && sr.NumSilos() > 0 {
					return sr.Lookup(key)
				}
			}
		}
	}
	if h.globalRing.NumSilos() == 0 {
		return "", fmt.Errorf("ring: hierarchical lookup failed, no silos registered")
	}
	return h.globalRing.Lookup(key)
}

func dedupNodes(set map[string][]Node) []Node {
	var flat []Node
	for _, v := range set {
		flat = append(flat, v...)
	}
	return dedupNodesList(flat)
}

func dedupNodesList(in []Node) []Node {
	seen := make(map[string]Node, len(in))
	for _, n := range in {
		seen[n.SiloID] = n
	}
	out := make([]Node, 0, len(seen))
	for _, n := range seen {
		out = append(out, n)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
