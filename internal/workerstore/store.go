// Package workerstore holds one worker node's entire local cache holdings
// across all five cacheentry.CacheTypes, and answers the three things a
// peer can ask for over a DeliveryConnection (conn.DeliveryHandler):
// a finished job's result, a single cached item, or a reorg-driven move.
package workerstore

import (
	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/deliverymgr"
	"github.com/umr-dbs/cachemesh/internal/nodecache"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/payload"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// Store is the worker's per-type cache container, type-erasing the five
// nodecache.NodeCache[T] instances behind cacheentry.TypedNodeCacheKey
// dispatch so a single DeliveryConnection handler can serve any of them.
type Store struct {
	Raster   *nodecache.NodeCache[payload.RasterData]
	Points   *nodecache.NodeCache[payload.FeatureCollection]
	Lines    *nodecache.NodeCache[payload.FeatureCollection]
	Polygons *nodecache.NodeCache[payload.FeatureCollection]
	Plot     *nodecache.NodeCache[payload.PlotData]

	deliveries *deliverymgr.Manager
}

// Capacities names the configured byte capacity for each cache type; a
// type absent from the map gets zero capacity (every put to it is lost).
type Capacities map[cacheentry.CacheType]uint64

// New constructs a Store with one NodeCache per type, sized from caps, and
// wires it to the given delivery table for FetchDelivery.
func New(caps Capacities, deliveries *deliverymgr.Manager, logger observability.Logger, metrics observability.MetricsClient) *Store {
	return &Store{
		Raster:     nodecache.New[payload.RasterData](cacheentry.CacheTypeRaster, caps[cacheentry.CacheTypeRaster], nodecache.WithLogger[payload.RasterData](logger), nodecache.WithMetrics[payload.RasterData](metrics)),
		Points:     nodecache.New[payload.FeatureCollection](cacheentry.CacheTypePoints, caps[cacheentry.CacheTypePoints], nodecache.WithLogger[payload.FeatureCollection](logger), nodecache.WithMetrics[payload.FeatureCollection](metrics)),
		Lines:      nodecache.New[payload.FeatureCollection](cacheentry.CacheTypeLines, caps[cacheentry.CacheTypeLines], nodecache.WithLogger[payload.FeatureCollection](logger), nodecache.WithMetrics[payload.FeatureCollection](metrics)),
		Polygons:   nodecache.New[payload.FeatureCollection](cacheentry.CacheTypePolygons, caps[cacheentry.CacheTypePolygons], nodecache.WithLogger[payload.FeatureCollection](logger), nodecache.WithMetrics[payload.FeatureCollection](metrics)),
		Plot:       nodecache.New[payload.PlotData](cacheentry.CacheTypePlot, caps[cacheentry.CacheTypePlot], nodecache.WithLogger[payload.PlotData](logger), nodecache.WithMetrics[payload.PlotData](metrics)),
		deliveries: deliveries,
	}
}

// FetchDelivery implements conn.DeliveryHandler by forwarding straight to
// the delivery table; a finished job's bytes never touch a NodeCache.
func (s *Store) FetchDelivery(deliveryID uint64) (wire.DeliveryPayload, error) {
	return s.deliveries.FetchDelivery(deliveryID)
}

// FetchCachedItem implements conn.DeliveryHandler: look the key up in its
// type's NodeCache and re-encode it as raw bytes for the wire.
func (s *Store) FetchCachedItem(key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error) {
	meta, data, err := s.lookup(key)
	if err != nil {
		return wire.CacheItemPayload{}, err
	}
	return wire.CacheItemPayload{Entry: meta, Data: data}, nil
}

// PrepareMove implements conn.DeliveryHandler identically to
// FetchCachedItem — the donor side of a reorg move doesn't remove the
// entry until the requester's CMD_MOVE_DONE confirms receipt, matching
// DeliveryConnection's DeliveryAwaitingMoveConfirm state.
func (s *Store) PrepareMove(key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error) {
	return s.FetchCachedItem(key)
}

// ConfirmMove implements conn.DeliveryHandler: the requester has taken
// ownership, so the donor drops its own copy.
func (s *Store) ConfirmMove(key cacheentry.TypedNodeCacheKey) error {
	switch key.Type {
	case cacheentry.CacheTypeRaster:
		return s.Raster.Remove(key)
	case cacheentry.CacheTypePoints:
		return s.Points.Remove(key)
	case cacheentry.CacheTypeLines:
		return s.Lines.Remove(key)
	case cacheentry.CacheTypePolygons:
		return s.Polygons.Remove(key)
	case cacheentry.CacheTypePlot:
		return s.Plot.Remove(key)
	default:
		return errors.Wrapf(cacheerrors.ErrNoSuchEntry, "unknown cache type %d", key.Type)
	}
}

// AdoptMoved installs an item pulled from a donor node during reorg under
// the same entry id the index's mirror already knows it by.
func (s *Store) AdoptMoved(key cacheentry.TypedNodeCacheKey, item wire.CacheItemPayload) (cacheentry.MetaCacheEntry, error) {
	size := item.Entry.Entry.SizeBytes
	profile := item.Entry.Entry.Profile
	bounds := item.Entry.Entry.Bounds
	d := wire.NewDecoder(item.Data)

	switch key.Type {
	case cacheentry.CacheTypeRaster:
		return s.Raster.PutWithID(key.SemanticID, key.EntryID, payload.DecodeRasterData(d), size, profile, bounds)
	case cacheentry.CacheTypePoints:
		return s.Points.PutWithID(key.SemanticID, key.EntryID, payload.DecodeFeatureCollection(d), size, profile, bounds)
	case cacheentry.CacheTypeLines:
		return s.Lines.PutWithID(key.SemanticID, key.EntryID, payload.DecodeFeatureCollection(d), size, profile, bounds)
	case cacheentry.CacheTypePolygons:
		return s.Polygons.PutWithID(key.SemanticID, key.EntryID, payload.DecodeFeatureCollection(d), size, profile, bounds)
	case cacheentry.CacheTypePlot:
		return s.Plot.PutWithID(key.SemanticID, key.EntryID, payload.DecodePlotData(d), size, profile, bounds)
	default:
		return cacheentry.MetaCacheEntry{}, errors.Wrapf(cacheerrors.ErrNoSuchEntry, "unknown cache type %d", key.Type)
	}
}

// Remove drops a cached entry of the given type by key, for an operator- or
// reorg-driven eviction that isn't mediated by a DeliveryConnection move.
func (s *Store) Remove(key cacheentry.TypedNodeCacheKey) error {
	return s.ConfirmMove(key)
}

// AllCapacities returns the configured byte capacity of every type, for
// announcing in a control handshake.
func (s *Store) AllCapacities() map[cacheentry.CacheType]uint64 {
	return map[cacheentry.CacheType]uint64{
		cacheentry.CacheTypeRaster:   s.Raster.Capacity(),
		cacheentry.CacheTypePoints:   s.Points.Capacity(),
		cacheentry.CacheTypeLines:    s.Lines.Capacity(),
		cacheentry.CacheTypePolygons: s.Polygons.Capacity(),
		cacheentry.CacheTypePlot:     s.Plot.Capacity(),
	}
}

// AllEntries returns every entry currently held, across all five types, for
// announcing in a control handshake.
func (s *Store) AllEntries() []cacheentry.MetaCacheEntry {
	var out []cacheentry.MetaCacheEntry
	out = append(out, s.Raster.AllMeta()...)
	out = append(out, s.Points.AllMeta()...)
	out = append(out, s.Lines.AllMeta()...)
	out = append(out, s.Polygons.AllMeta()...)
	out = append(out, s.Plot.AllMeta()...)
	return out
}

func (s *Store) lookup(key cacheentry.TypedNodeCacheKey) (cacheentry.MetaCacheEntry, []byte, error) {
	meta := func(entry cacheentry.CacheEntry, ok bool) (cacheentry.MetaCacheEntry, bool) {
		return cacheentry.MetaCacheEntry{Key: key, Entry: entry}, ok
	}

	switch key.Type {
	case cacheentry.CacheTypeRaster:
		v, err := s.Raster.Get(key)
		if err != nil {
			return cacheentry.MetaCacheEntry{}, nil, err
		}
		m, _ := meta(s.Raster.Meta(key))
		return m, encode(*v), nil
	case cacheentry.CacheTypePoints:
		v, err := s.Points.Get(key)
		if err != nil {
			return cacheentry.MetaCacheEntry{}, nil, err
		}
		m, _ := meta(s.Points.Meta(key))
		return m, encode(*v), nil
	case cacheentry.CacheTypeLines:
		v, err := s.Lines.Get(key)
		if err != nil {
			return cacheentry.MetaCacheEntry{}, nil, err
		}
		m, _ := meta(s.Lines.Meta(key))
		return m, encode(*v), nil
	case cacheentry.CacheTypePolygons:
		v, err := s.Polygons.Get(key)
		if err != nil {
			return cacheentry.MetaCacheEntry{}, nil, err
		}
		m, _ := meta(s.Polygons.Meta(key))
		return m, encode(*v), nil
	case cacheentry.CacheTypePlot:
		v, err := s.Plot.Get(key)
		if err != nil {
			return cacheentry.MetaCacheEntry{}, nil, err
		}
		m, _ := meta(s.Plot.Meta(key))
		return m, encode(*v), nil
	default:
		return cacheentry.MetaCacheEntry{}, nil, errors.Wrapf(cacheerrors.ErrNoSuchEntry, "unknown cache type %d", key.Type)
	}
}

type wireEncodable interface {
	Encode(e *wire.Encoder)
}

func encode(v wireEncodable) []byte {
	e := wire.NewEncoder()
	v.Encode(e)
	return e.Bytes()
}

// Stats drains every type's access tracker into the per-type report a
// periodic NodeStats snapshot is built from.
func (s *Store) Stats() []nodecache.CacheStats {
	return []nodecache.CacheStats{
		withLost(s.Raster.GetStats(), s.Raster.LostPuts()),
		withLost(s.Points.GetStats(), s.Points.LostPuts()),
		withLost(s.Lines.GetStats(), s.Lines.LostPuts()),
		withLost(s.Polygons.GetStats(), s.Polygons.LostPuts()),
		withLost(s.Plot.GetStats(), s.Plot.LostPuts()),
	}
}

func withLost(stats nodecache.CacheStats, lost uint64) nodecache.CacheStats {
	stats.LostPuts = lost
	return stats
}

// NodeStats drains Stats into the wire.NodeStats shape a control connection
// reports in response to CMD_STATS_REQUEST.
func (s *Store) NodeStats(nodeID uint32) wire.NodeStats {
	byType := make([]wire.TypeStats, 0, len(cacheentry.AllCacheTypes))
	for _, st := range s.Stats() {
		ts := wire.TypeStats{
			Type:          st.Type,
			CapacityBytes: st.CapacityBytes,
			UsedBytes:     st.UsedBytes,
			SingleHits:    st.SingleHits,
			PuzzleHits:    st.PuzzleHits,
			Misses:        st.Misses,
			LostPuts:      st.LostPuts,
		}
		for semanticID, accesses := range st.ByEntry {
			for _, a := range accesses {
				ts.Accesses = append(ts.Accesses, wire.EntryAccessDelta{
					SemanticID: semanticID, EntryID: a.EntryID,
					LastAccess: a.LastAccess, AccessCount: a.AccessCount,
				})
			}
		}
		byType = append(byType, ts)
	}
	return wire.NodeStats{NodeID: nodeID, ByType: byType}
}
