package indexcache

import (
	"math"
	"sort"
	"strings"

	"github.com/umr-dbs/cachemesh/internal/geom"
)

// capacityImbalanceThreshold is the max(used/total) - min(used/total) gap
// that triggers a capacity-driven reorganization.
const capacityImbalanceThreshold = 0.15

// ReorgStrategy decides whether a cache instance needs reorganizing and, if
// so, computes the move/removal plan. Exactly one is configured per
// IndexCache.
type ReorgStrategy interface {
	RequiresReorg(usage map[uint32]NodeUsage) bool
	Plan(entries []ScoredEntry, usage map[uint32]NodeUsage) Plan
}

func usageSpread(usage map[uint32]NodeUsage) (min, max float64, ok bool) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, u := range usage {
		r := u.Ratio()
		if r < min {
			min = r
		}
		if r > max {
			max = r
		}
		ok = true
	}
	return min, max, ok
}

// CapacityStrategy rebalances by raw byte usage: overflow nodes donate
// their lowest-score entries, underflow nodes absorb the highest-score
// donated entries up to a shared target usage ratio.
type CapacityStrategy struct{}

func (CapacityStrategy) RequiresReorg(usage map[uint32]NodeUsage) bool {
	min, max, ok := usageSpread(usage)
	return ok && max-min > capacityImbalanceThreshold
}

func (CapacityStrategy) Plan(entries []ScoredEntry, usage map[uint32]NodeUsage) Plan {
	if len(usage) == 0 {
		return Plan{}
	}
	var sumRatio float64
	for _, u := range usage {
		sumRatio += u.Ratio()
	}
	target := math.Min(0.8, sumRatio/float64(len(usage)))

	byNode := make(map[uint32][]ScoredEntry)
	for _, e := range entries {
		byNode[e.Key.NodeID] = append(byNode[e.Key.NodeID], e)
	}

	var pool []ScoredEntry
	donated := make(map[uint32]uint64) // bytes removed from this node's usage so far
	for nodeID, u := range usage {
		if u.Ratio() <= target {
			continue
		}
		list := byNode[nodeID]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Score < list[j].Score })
		targetBytes := uint64(target * float64(u.CapacityBytes))
		used := u.UsedBytes
		for _, e := range list {
			if used <= targetBytes {
				break
			}
			pool = append(pool, e)
			used -= e.Entry.SizeBytes
			donated[nodeID] += e.Entry.SizeBytes
		}
	}

	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Score > pool[j].Score })

	var plan Plan
	for nodeID, u := range usage {
		if u.Ratio() >= target {
			continue
		}
		targetBytes := uint64(target * float64(u.CapacityBytes))
		used := u.UsedBytes
		for len(pool) > 0 && used < targetBytes {
			e := pool[0]
			if e.Key.NodeID == nodeID {
				pool = pool[1:]
				continue
			}
			pool = pool[1:]
			plan.Moves = append(plan.Moves, Move{
				Type: e.Type, SemanticID: e.SemanticID, EntryID: e.Key.EntryID,
				FromNodeID: e.Key.NodeID, ToNodeID: nodeID,
			})
			used += e.Entry.SizeBytes
		}
	}

	for _, e := range pool {
		plan.Removals = append(plan.Removals, Removal{
			Type: e.Type, SemanticID: e.SemanticID, EntryID: e.Key.EntryID, NodeID: e.Key.NodeID,
		})
	}
	return plan
}

// NeverStrategy never triggers a reorganization, for deployments that want
// placement decided once (at create time, via a PlacementStrategy) and
// never revisited.
type NeverStrategy struct{}

func (NeverStrategy) RequiresReorg(map[uint32]NodeUsage) bool { return false }

func (NeverStrategy) Plan([]ScoredEntry, map[uint32]NodeUsage) Plan { return Plan{} }

// GeographicStrategy assigns every entry to the node whose current
// centroid (of its own entries' bounds, projected to lat/lon) is nearest,
// then emits the minimum set of moves needed to reach that assignment.
type GeographicStrategy struct{}

func (GeographicStrategy) RequiresReorg(usage map[uint32]NodeUsage) bool {
	min, max, ok := usageSpread(usage)
	return ok && max-min > capacityImbalanceThreshold
}

func (GeographicStrategy) Plan(entries []ScoredEntry, usage map[uint32]NodeUsage) Plan {
	if len(entries) == 0 {
		return Plan{}
	}

	type point struct{ lon, lat float64 }
	centroids := make(map[uint32]point)
	counts := make(map[uint32]int)
	for _, e := range entries {
		x, y := geom.Centroid(e.Entry.Bounds.Cube3)
		lon, lat := geom.ToLatLon(x, y, e.Entry.Bounds.EPSG)
		p := centroids[e.Key.NodeID]
		n := counts[e.Key.NodeID]
		centroids[e.Key.NodeID] = point{
			lon: (p.lon*float64(n) + lon) / float64(n+1),
			lat: (p.lat*float64(n) + lat) / float64(n+1),
		}
		counts[e.Key.NodeID]++
	}

	nodeIDs := make([]uint32, 0, len(usage))
	for id := range usage {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })
	if len(nodeIDs) == 0 {
		return Plan{}
	}

	var plan Plan
	for _, e := range entries {
		x, y := geom.Centroid(e.Entry.Bounds.Cube3)
		lon, lat := geom.ToLatLon(x, y, e.Entry.Bounds.EPSG)

		best := nodeIDs[0]
		bestDist := math.Inf(1)
		for _, id := range nodeIDs {
			c := centroids[id]
			d := haversine(lon, lat, c.lon, c.lat)
			if d < bestDist {
				bestDist = d
				best = id
			}
		}
		if best != e.Key.NodeID {
			plan.Moves = append(plan.Moves, Move{
				Type: e.Type, SemanticID: e.SemanticID, EntryID: e.Key.EntryID,
				FromNodeID: e.Key.NodeID, ToNodeID: best,
			})
		}
	}
	return plan
}

func haversine(lon1, lat1, lon2, lat2 float64) float64 {
	const r = 6371.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * r * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// GraphStrategy keeps semantic ids related by operator-graph textual
// (substring) containment (e.g. "OP1 {SRC}" is a child of "SRC") together on the same
// node, packing the resulting forest into nodes in topological order
// without exceeding the shared target usage.
type GraphStrategy struct{}

func (GraphStrategy) RequiresReorg(usage map[uint32]NodeUsage) bool {
	min, max, ok := usageSpread(usage)
	return ok && max-min > capacityImbalanceThreshold
}

func (GraphStrategy) Plan(entries []ScoredEntry, usage map[uint32]NodeUsage) Plan {
	if len(usage) == 0 {
		return Plan{}
	}
	var sumRatio float64
	for _, u := range usage {
		sumRatio += u.Ratio()
	}
	target := math.Min(0.8, sumRatio/float64(len(usage)))

	groups := groupBySemanticForest(entries)
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].id < groups[j].id })

	nodeIDs := make([]uint32, 0, len(usage))
	for id := range usage {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })
	if len(nodeIDs) == 0 {
		return Plan{}
	}

	used := make(map[uint32]uint64, len(nodeIDs))
	capBytes := make(map[uint32]uint64, len(nodeIDs))
	for _, id := range nodeIDs {
		capBytes[id] = usage[id].CapacityBytes
	}

	var plan Plan
	nodeIdx := 0
	for _, g := range groups {
		cur := nodeIDs[nodeIdx]
		groupBytes := uint64(0)
		for _, e := range g.entries {
			groupBytes += e.Entry.SizeBytes
		}
		targetBytes := uint64(target * float64(capBytes[cur]))
		if used[cur]+groupBytes > targetBytes && nodeIdx < len(nodeIDs)-1 {
			nodeIdx++
			cur = nodeIDs[nodeIdx]
		}
		used[cur] += groupBytes
		for _, e := range g.entries {
			if e.Key.NodeID != cur {
				plan.Moves = append(plan.Moves, Move{
					Type: e.Type, SemanticID: e.SemanticID, EntryID: e.Key.EntryID,
					FromNodeID: e.Key.NodeID, ToNodeID: cur,
				})
			}
		}
	}
	return plan
}

type semanticGroup struct {
	id      string
	entries []ScoredEntry
}

// groupBySemanticForest clusters entries whose semantic id occurs as a
// substring of another's into the same group, keyed by the shortest (root)
// semantic id in each cluster.
func groupBySemanticForest(entries []ScoredEntry) []semanticGroup {
	bySemantic := make(map[string][]ScoredEntry)
	var ids []string
	for _, e := range entries {
		if _, ok := bySemantic[e.SemanticID]; !ok {
			ids = append(ids, e.SemanticID)
		}
		bySemantic[e.SemanticID] = append(bySemantic[e.SemanticID], e)
	}
	sort.Slice(ids, func(i, j int) bool { return len(ids[i]) < len(ids[j]) })

	root := make(map[string]string, len(ids))
	for _, id := range ids {
		root[id] = id
		for _, other := range ids {
			if other != id && len(other) < len(id) && strings.Contains(id, other) {
				if r, ok := root[other]; ok {
					root[id] = r
				}
				break
			}
		}
	}

	groupsByRoot := make(map[string][]ScoredEntry)
	var rootOrder []string
	for _, id := range ids {
		r := root[id]
		if _, ok := groupsByRoot[r]; !ok {
			rootOrder = append(rootOrder, r)
		}
		groupsByRoot[r] = append(groupsByRoot[r], bySemantic[id]...)
	}

	out := make([]semanticGroup, 0, len(rootOrder))
	for _, r := range rootOrder {
		out = append(out, semanticGroup{id: r, entries: groupsByRoot[r]})
	}
	return out
}
