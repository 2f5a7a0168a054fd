package puzzle

import (
	"context"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// LocalStore is the subset of nodecache.NodeCache[T] the retriever needs:
// a value lookup and its metadata (for cost-profile accounting).
type LocalStore[T any] interface {
	Get(key cacheentry.TypedNodeCacheKey) (*T, error)
	Meta(key cacheentry.TypedNodeCacheKey) (cacheentry.CacheEntry, bool)
}

// Codec decodes a piece's raw wire bytes into its typed in-memory shape;
// satisfied by payload.DecodeRasterData etc, adapted to a plain function.
type Codec[T any] func(d *wire.Decoder) T

// SelfLocator tells the retriever whether a CacheRef points at this
// worker's own delivery endpoint, so a local ref never takes the network
// path even if it happens to carry this worker's own host/port.
type SelfLocator interface {
	IsSelf(host string, port uint16) bool
}

// RemoteFetcher opens a DeliveryConnection to ref.Host:ref.Port and
// retrieves one cached item, honoring ctx cancellation.
type RemoteFetcher interface {
	FetchCachedItem(ctx context.Context, host string, port uint16, key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error)
}

// Retriever fetches a single puzzle piece, preferring the local cache and
// falling back to a remote DeliveryConnection fetch, adding the piece's
// cost (and, for remote pieces, its network IO cost) to the profiler.
type Retriever[T any] struct {
	typ     cacheentry.CacheType
	local   LocalStore[T]
	self    SelfLocator
	fetcher RemoteFetcher
	codec   Codec[T]
}

// NewRetriever constructs a Retriever backed by the given local store and
// remote fetcher.
func NewRetriever[T any](typ cacheentry.CacheType, local LocalStore[T], self SelfLocator, fetcher RemoteFetcher, codec Codec[T]) *Retriever[T] {
	return &Retriever[T]{typ: typ, local: local, self: self, fetcher: fetcher, codec: codec}
}

// Fetch retrieves the piece ref refers to for semanticID, adding its cost
// to profiler.
func (r *Retriever[T]) Fetch(ctx context.Context, semanticID string, ref wire.CacheRef, profiler *Profiler) (T, error) {
	key := cacheentry.TypedNodeCacheKey{Type: r.typ, SemanticID: semanticID, EntryID: ref.EntryID}

	if r.self.IsSelf(ref.Host, ref.Port) {
		v, err := r.local.Get(key)
		if err != nil {
			var zero T
			return zero, err
		}
		if meta, ok := r.local.Meta(key); ok {
			profiler.AddPieceCost(meta.Profile)
		}
		return *v, nil
	}

	item, err := r.fetcher.FetchCachedItem(ctx, ref.Host, ref.Port, key)
	if err != nil {
		var zero T
		return zero, err
	}
	profiler.AddPieceCost(item.Entry.Entry.Profile)
	profiler.AddIOCost(len(item.Data))
	return r.codec(wire.NewDecoder(item.Data)), nil
}
