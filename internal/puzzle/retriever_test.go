package puzzle

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

type fakeLocalStore struct {
	values map[uint64]string
	metas  map[uint64]cacheentry.CacheEntry
}

func (f *fakeLocalStore) Get(key cacheentry.TypedNodeCacheKey) (*string, error) {
	v, ok := f.values[key.EntryID]
	if !ok {
		return nil, errors.New("not found")
	}
	return &v, nil
}

func (f *fakeLocalStore) Meta(key cacheentry.TypedNodeCacheKey) (cacheentry.CacheEntry, bool) {
	m, ok := f.metas[key.EntryID]
	return m, ok
}

type fakeSelfLocator struct {
	selfHost string
	selfPort uint16
}

func (f fakeSelfLocator) IsSelf(host string, port uint16) bool {
	return host == f.selfHost && port == f.selfPort
}

type fakeRemoteFetcher struct {
	item wire.CacheItemPayload
	err  error
}

func (f fakeRemoteFetcher) FetchCachedItem(ctx context.Context, host string, port uint16, key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error) {
	return f.item, f.err
}

func stringCodec(d *wire.Decoder) string { return d.Str() }

func TestRetriever_Fetch_Local(t *testing.T) {
	local := &fakeLocalStore{
		values: map[uint64]string{1: "hello"},
		metas:  map[uint64]cacheentry.CacheEntry{1: {Profile: cacheentry.ProfilingData{CPUCostMS: 5}}},
	}
	self := fakeSelfLocator{selfHost: "127.0.0.1", selfPort: 9000}
	r := NewRetriever[string](cacheentry.CacheTypeRaster, local, self, fakeRemoteFetcher{}, stringCodec)

	var profiler Profiler
	ref := wire.CacheRef{Host: "127.0.0.1", Port: 9000, EntryID: 1}
	v, err := r.Fetch(context.Background(), "sem", ref, &profiler)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, 5.0, profiler.Total().CPUCostMS)
}

func TestRetriever_Fetch_Remote(t *testing.T) {
	local := &fakeLocalStore{values: map[uint64]string{}, metas: map[uint64]cacheentry.CacheEntry{}}
	self := fakeSelfLocator{selfHost: "127.0.0.1", selfPort: 9000}

	e := wire.NewEncoder()
	e.Str("remote-value")
	item := wire.CacheItemPayload{
		Entry: cacheentry.MetaCacheEntry{Entry: cacheentry.CacheEntry{Profile: cacheentry.ProfilingData{CPUCostMS: 2}}},
		Data:  e.Bytes(),
	}
	fetcher := fakeRemoteFetcher{item: item}
	r := NewRetriever[string](cacheentry.CacheTypeRaster, local, self, fetcher, stringCodec)

	var profiler Profiler
	ref := wire.CacheRef{Host: "10.0.0.1", Port: 9001, EntryID: 2}
	v, err := r.Fetch(context.Background(), "sem", ref, &profiler)
	require.NoError(t, err)
	assert.Equal(t, "remote-value", v)
	assert.Equal(t, 2.0, profiler.Total().CPUCostMS)
	assert.Greater(t, profiler.Total().IOCostMS, 0.0)
}

func TestRetriever_Fetch_RemoteError(t *testing.T) {
	local := &fakeLocalStore{values: map[uint64]string{}, metas: map[uint64]cacheentry.CacheEntry{}}
	self := fakeSelfLocator{selfHost: "127.0.0.1", selfPort: 9000}
	fetcher := fakeRemoteFetcher{err: errors.New("dial failed")}
	r := NewRetriever[string](cacheentry.CacheTypeRaster, local, self, fetcher, stringCodec)

	var profiler Profiler
	ref := wire.CacheRef{Host: "10.0.0.1", Port: 9001, EntryID: 2}
	_, err := r.Fetch(context.Background(), "sem", ref, &profiler)
	assert.Error(t, err)
}
