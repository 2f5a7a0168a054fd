package wire

import (
	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/geom"
)

// Command/response codes. Each connection role's FSM only ever expects a
// subset of these; an unexpected code is an ErrProtocolState.
const (
	// Client <-> Index (ClientConnection)
	CmdGet byte = iota + 1
	CmdGetStats
	CmdResetStats
	RespOK
	RespStats
	RespResetted
	RespError

	// Index <-> Worker (WorkerConnection)
	CmdCreate
	CmdDeliver
	CmdPuzzle
	CmdQueryCache
	RespNewCacheEntry
	RespResultReady
	RespDeliveryQty
	RespDeliveryReady
	RespQueryHit
	RespQueryPartial
	RespQueryMiss

	// Index <-> Node control (ControlConnection)
	CmdHello
	RespHello
	CmdReorg
	RespReorgItemMoved
	RespReorgDone
	CmdStatsRequest
	RespNodeStats

	// Worker <-> Worker delivery (DeliveryConnection)
	CmdGetCachedItem
	CmdMoveItem
	CmdMoveDone
	RespCacheItem
	RespMoveInfo
	RespDeliveryPayload
)

// BaseRequest is the root shape of a client request: what to compute and
// over what region.
type BaseRequest struct {
	Type       cacheentry.CacheType
	SemanticID string
	Query      geom.QueryRectangle
}

func (r BaseRequest) Encode(e *Encoder) {
	e.U8(uint8(r.Type))
	e.Str(r.SemanticID)
	encodeQueryRectangle(e, r.Query)
}

func DecodeBaseRequest(d *Decoder) BaseRequest {
	typ := cacheentry.CacheType(d.U8())
	sid := d.Str()
	q := decodeQueryRectangle(d)
	return BaseRequest{Type: typ, SemanticID: sid, Query: q}
}

// DeliveryRequest asks a worker to redeliver a cached entry already known
// to be present on it.
type DeliveryRequest struct {
	BaseRequest
	EntryID uint64
}

func (r DeliveryRequest) Encode(e *Encoder) {
	r.BaseRequest.Encode(e)
	e.U64(r.EntryID)
}

func DecodeDeliveryRequest(d *Decoder) DeliveryRequest {
	base := DecodeBaseRequest(d)
	id := d.U64()
	return DeliveryRequest{BaseRequest: base, EntryID: id}
}

// CacheRef names a piece of a puzzle: where it lives and what it covers.
type CacheRef struct {
	Host    string
	Port    uint16
	EntryID uint64
	Bounds  cacheentry.CacheCube
}

func encodeCacheRef(e *Encoder, r CacheRef) {
	e.Str(r.Host)
	e.U32(uint32(r.Port))
	e.U64(r.EntryID)
	encodeCacheCube(e, r.Bounds)
}

func decodeCacheRef(d *Decoder) CacheRef {
	host := d.Str()
	port := uint16(d.U32())
	id := d.U64()
	bounds := decodeCacheCube(d)
	return CacheRef{Host: host, Port: port, EntryID: id, Bounds: bounds}
}

// PuzzleRequest asks a worker to assemble a result from existing pieces
// plus freshly computed remainders.
type PuzzleRequest struct {
	BaseRequest
	Parts     []CacheRef
	Remainder []geom.Cube3
}

func (r PuzzleRequest) Encode(e *Encoder) {
	r.BaseRequest.Encode(e)
	e.U64(uint64(len(r.Parts)))
	for _, p := range r.Parts {
		encodeCacheRef(e, p)
	}
	e.U64(uint64(len(r.Remainder)))
	for _, rem := range r.Remainder {
		encodeCube3(e, rem)
	}
}

func DecodePuzzleRequest(d *Decoder) PuzzleRequest {
	base := DecodeBaseRequest(d)
	nParts := d.U64()
	parts := make([]CacheRef, 0, nParts)
	for i := uint64(0); i < nParts; i++ {
		parts = append(parts, decodeCacheRef(d))
	}
	nRem := d.U64()
	rem := make([]geom.Cube3, 0, nRem)
	for i := uint64(0); i < nRem; i++ {
		rem = append(rem, decodeCube3(d))
	}
	return PuzzleRequest{BaseRequest: base, Parts: parts, Remainder: rem}
}

// DeliveryResponse tells a client where to fetch its result.
type DeliveryResponse struct {
	Host       string
	Port       uint16
	DeliveryID uint64
}

func (r DeliveryResponse) Encode(e *Encoder) {
	e.Str(r.Host)
	e.U32(uint32(r.Port))
	e.U64(r.DeliveryID)
}

func DecodeDeliveryResponse(d *Decoder) DeliveryResponse {
	host := d.Str()
	port := uint16(d.U32())
	id := d.U64()
	return DeliveryResponse{Host: host, Port: port, DeliveryID: id}
}

// ReorgMoveItem instructs a node to fetch one entry from another node.
type ReorgMoveItem struct {
	Type       cacheentry.CacheType
	SemanticID string
	EntryID    uint64
	FromNodeID uint32
	FromHost   string
	FromPort   uint16
}

func encodeReorgMoveItem(e *Encoder, m ReorgMoveItem) {
	e.U8(uint8(m.Type))
	e.Str(m.SemanticID)
	e.U64(m.EntryID)
	e.U32(m.FromNodeID)
	e.Str(m.FromHost)
	e.U32(uint32(m.FromPort))
}

func decodeReorgMoveItem(d *Decoder) ReorgMoveItem {
	typ := cacheentry.CacheType(d.U8())
	sid := d.Str()
	id := d.U64()
	fromNode := d.U32()
	fromHost := d.Str()
	fromPort := uint16(d.U32())
	return ReorgMoveItem{Type: typ, SemanticID: sid, EntryID: id, FromNodeID: fromNode, FromHost: fromHost, FromPort: fromPort}
}

// ReorgRemoveItem instructs a node to evict an entry with no replacement.
type ReorgRemoveItem struct {
	Type       cacheentry.CacheType
	SemanticID string
	EntryID    uint64
}

func encodeReorgRemoveItem(e *Encoder, r ReorgRemoveItem) {
	e.U8(uint8(r.Type))
	e.Str(r.SemanticID)
	e.U64(r.EntryID)
}

func decodeReorgRemoveItem(d *Decoder) ReorgRemoveItem {
	typ := cacheentry.CacheType(d.U8())
	sid := d.Str()
	id := d.U64()
	return ReorgRemoveItem{Type: typ, SemanticID: sid, EntryID: id}
}

// ReorgDescription is the per-node reorganization plan the index sends on
// a control connection.
type ReorgDescription struct {
	Moves    []ReorgMoveItem
	Removals []ReorgRemoveItem
}

func (r ReorgDescription) Encode(e *Encoder) {
	e.U64(uint64(len(r.Moves)))
	for _, m := range r.Moves {
		encodeReorgMoveItem(e, m)
	}
	e.U64(uint64(len(r.Removals)))
	for _, rm := range r.Removals {
		encodeReorgRemoveItem(e, rm)
	}
}

func DecodeReorgDescription(d *Decoder) ReorgDescription {
	nMoves := d.U64()
	moves := make([]ReorgMoveItem, 0, nMoves)
	for i := uint64(0); i < nMoves; i++ {
		moves = append(moves, decodeReorgMoveItem(d))
	}
	nRemovals := d.U64()
	removals := make([]ReorgRemoveItem, 0, nRemovals)
	for i := uint64(0); i < nRemovals; i++ {
		removals = append(removals, decodeReorgRemoveItem(d))
	}
	return ReorgDescription{Moves: moves, Removals: removals}
}

// HelloRequest is what the index writes first on a control connection: the
// node id it has assigned and the hostname it believes it dialed.
type HelloRequest struct {
	NodeID   uint32
	Hostname string
}

func (h HelloRequest) Encode(e *Encoder) {
	e.U32(h.NodeID)
	e.Str(h.Hostname)
}

func DecodeHelloRequest(d *Decoder) HelloRequest {
	id := d.U32()
	host := d.Str()
	return HelloRequest{NodeID: id, Hostname: host}
}

// ReorgMoveResult is what a node streams back for each move in a
// ReorgDescription, once the fetch from the donor node has settled.
type ReorgMoveResult struct {
	Type       cacheentry.CacheType
	SemanticID string
	EntryID    uint64
	FromNodeID uint32
	Success    bool
	Error      string
}

func (r ReorgMoveResult) Encode(e *Encoder) {
	e.U8(uint8(r.Type))
	e.Str(r.SemanticID)
	e.U64(r.EntryID)
	e.U32(r.FromNodeID)
	e.Bool(r.Success)
	e.Str(r.Error)
}

func DecodeReorgMoveResult(d *Decoder) ReorgMoveResult {
	typ := cacheentry.CacheType(d.U8())
	sid := d.Str()
	id := d.U64()
	fromNode := d.U32()
	ok := d.Bool()
	errStr := d.Str()
	return ReorgMoveResult{Type: typ, SemanticID: sid, EntryID: id, FromNodeID: fromNode, Success: ok, Error: errStr}
}

// NodeHandshake is what a node announces on its control connection: its
// delivery port, configured capacity per type, and everything it already
// holds (the index never persists entries across a node restart).
type NodeHandshake struct {
	Port            uint16
	CapacityPerType map[cacheentry.CacheType]uint64
	Entries         []cacheentry.MetaCacheEntry
}

func (h NodeHandshake) Encode(e *Encoder) {
	e.U32(uint32(h.Port))
	e.U64(uint64(len(h.CapacityPerType)))
	for _, t := range cacheentry.AllCacheTypes {
		if cap, ok := h.CapacityPerType[t]; ok {
			e.U8(uint8(t))
			e.U64(cap)
		}
	}
	e.U64(uint64(len(h.Entries)))
	for _, me := range h.Entries {
		encodeMetaCacheEntry(e, me)
	}
}

func DecodeNodeHandshake(d *Decoder) NodeHandshake {
	port := uint16(d.U32())
	nCap := d.U64()
	capacities := make(map[cacheentry.CacheType]uint64, nCap)
	for i := uint64(0); i < nCap; i++ {
		t := cacheentry.CacheType(d.U8())
		capacities[t] = d.U64()
	}
	nEntries := d.U64()
	entries := make([]cacheentry.MetaCacheEntry, 0, nEntries)
	for i := uint64(0); i < nEntries; i++ {
		entries = append(entries, decodeMetaCacheEntry(d))
	}
	return NodeHandshake{Port: port, CapacityPerType: capacities, Entries: entries}
}

// EntryAccessDelta is one (semantic_id, entry) access-count report inside
// a NodeStats payload.
type EntryAccessDelta struct {
	SemanticID  string
	EntryID     uint64
	LastAccess  int64
	AccessCount uint32
}

// TypeStats is one CacheType's slice of a NodeStats payload.
type TypeStats struct {
	Type          cacheentry.CacheType
	CapacityBytes uint64
	UsedBytes     uint64
	Accesses      []EntryAccessDelta
	SingleHits    uint64
	PuzzleHits    uint64
	Misses        uint64
	LostPuts      uint64
}

// NodeStats is the periodic capacity + access-delta report a node sends in
// response to CmdStatsRequest.
type NodeStats struct {
	NodeID uint32
	ByType []TypeStats
}

func (s NodeStats) Encode(e *Encoder) {
	e.U32(s.NodeID)
	e.U64(uint64(len(s.ByType)))
	for _, ts := range s.ByType {
		e.U8(uint8(ts.Type))
		e.U64(ts.CapacityBytes)
		e.U64(ts.UsedBytes)
		e.U64(uint64(len(ts.Accesses)))
		for _, a := range ts.Accesses {
			e.Str(a.SemanticID)
			e.U64(a.EntryID)
			e.I64(a.LastAccess)
			e.U32(a.AccessCount)
		}
		e.U64(ts.SingleHits)
		e.U64(ts.PuzzleHits)
		e.U64(ts.Misses)
		e.U64(ts.LostPuts)
	}
}

func DecodeNodeStats(d *Decoder) NodeStats {
	nodeID := d.U32()
	nTypes := d.U64()
	types := make([]TypeStats, 0, nTypes)
	for i := uint64(0); i < nTypes; i++ {
		typ := cacheentry.CacheType(d.U8())
		capBytes := d.U64()
		used := d.U64()
		nAccess := d.U64()
		accesses := make([]EntryAccessDelta, 0, nAccess)
		for j := uint64(0); j < nAccess; j++ {
			sid := d.Str()
			id := d.U64()
			last := d.I64()
			count := d.U32()
			accesses = append(accesses, EntryAccessDelta{SemanticID: sid, EntryID: id, LastAccess: last, AccessCount: count})
		}
		single := d.U64()
		puzzle := d.U64()
		misses := d.U64()
		lost := d.U64()
		types = append(types, TypeStats{
			Type: typ, CapacityBytes: capBytes, UsedBytes: used, Accesses: accesses,
			SingleHits: single, PuzzleHits: puzzle, Misses: misses, LostPuts: lost,
		})
	}
	return NodeStats{NodeID: nodeID, ByType: types}
}

// CacheItemPayload pairs an entry's metadata with its raw bytes, carried on
// a DeliveryConnection by RESP_CACHE_ITEM answering CMD_GET_CACHED_ITEM and
// by RESP_MOVE_INFO answering CMD_MOVE_ITEM.
type CacheItemPayload struct {
	Entry cacheentry.MetaCacheEntry
	Data  []byte
}

func (p CacheItemPayload) Encode(e *Encoder) {
	encodeMetaCacheEntry(e, p.Entry)
	e.Blob(p.Data)
}

func DecodeCacheItemPayload(d *Decoder) CacheItemPayload {
	entry := decodeMetaCacheEntry(d)
	data := d.Blob()
	return CacheItemPayload{Entry: entry, Data: data}
}

// DeliveryPayload is the raw result blob returned by CMD_GET against a
// registered delivery id.
type DeliveryPayload struct {
	Data []byte
}

func (p DeliveryPayload) Encode(e *Encoder) { e.Blob(p.Data) }

func DecodeDeliveryPayload(d *Decoder) DeliveryPayload {
	return DeliveryPayload{Data: d.Blob()}
}

// EncodeMetaCacheEntry/DecodeMetaCacheEntry expose the cache-entry codec
// for RESP_NEW_CACHE_ENTRY payloads and handshake entry lists.
func EncodeMetaCacheEntry(e *Encoder, m cacheentry.MetaCacheEntry) { encodeMetaCacheEntry(e, m) }
func DecodeMetaCacheEntryMsg(d *Decoder) cacheentry.MetaCacheEntry { return decodeMetaCacheEntry(d) }

// EncodeTypedKey/DecodeTypedKey expose the key codec for
// CMD_GET_CACHED_ITEM / CMD_MOVE_ITEM payloads.
func EncodeTypedKey(e *Encoder, k cacheentry.TypedNodeCacheKey) { encodeTypedKey(e, k) }
func DecodeTypedKey(d *Decoder) cacheentry.TypedNodeCacheKey    { return decodeTypedKey(d) }

// EncodeCacheRef/DecodeCacheRef expose the CacheRef codec for
// RESP_QUERY_HIT payloads.
func EncodeCacheRef(e *Encoder, r CacheRef) { encodeCacheRef(e, r) }
func DecodeCacheRef(d *Decoder) CacheRef    { return decodeCacheRef(d) }

// EncodeCube3/DecodeCube3 expose the cube codec for remainder lists sent
// outside a PuzzleRequest (e.g. RESP_QUERY_PARTIAL's bare remainder echo).
func EncodeCube3(e *Encoder, c geom.Cube3) { encodeCube3(e, c) }
func DecodeCube3(d *Decoder) geom.Cube3    { return decodeCube3(d) }

// EncodeQueryRectangle/DecodeQueryRectangle expose the rectangle codec for
// CMD_GET_STATS-adjacent messages that carry a bare rectangle.
func EncodeQueryRectangle(e *Encoder, q geom.QueryRectangle) { encodeQueryRectangle(e, q) }
func DecodeQueryRectangle(d *Decoder) geom.QueryRectangle    { return decodeQueryRectangle(d) }
