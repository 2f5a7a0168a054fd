package puzzle

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheentry"
	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
	"github.com/umr-dbs/cachemesh/internal/config"
	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/resilience"
	"github.com/umr-dbs/cachemesh/internal/wire"
)

// DialTimeout bounds a single delivery-connection dial attempt.
const DialTimeout = 5 * time.Second

// DialFetcher is the default RemoteFetcher: it dials a DeliveryConnection
// per request, guarded by a circuit breaker keyed on the remote address so
// a partitioned peer stops being hammered, and retried with exponential
// backoff per cfg.
type DialFetcher struct {
	backoff config.BackoffConfig
	breaker config.BreakerConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewDialFetcher constructs a DialFetcher.
func NewDialFetcher(backoff config.BackoffConfig, breaker config.BreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *DialFetcher {
	return &DialFetcher{
		backoff: backoff, breaker: breaker, logger: logger, metrics: metrics,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

func (f *DialFetcher) breakerFor(addr string) *resilience.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[addr]; ok {
		return cb
	}
	cb := resilience.New(addr, resilience.Config{
		FailureThreshold: f.breaker.FailureThreshold,
		ResetTimeout:     f.breaker.ResetTimeout,
		HalfOpenMax:      f.breaker.HalfOpenMax,
	}, f.logger, f.metrics)
	f.breakers[addr] = cb
	return cb
}

// FetchCachedItem opens a delivery connection to host:port, sends
// CMD_GET_CACHED_ITEM, and returns the decoded RESP_CACHE_ITEM payload.
func (f *DialFetcher) FetchCachedItem(ctx context.Context, host string, port uint16, key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	cb := f.breakerFor(addr)

	var result wire.CacheItemPayload
	err := cb.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, f.backoff, f.logger, "fetch_cached_item", func(ctx context.Context) error {
			item, err := fetchOnce(ctx, addr, key)
			if err != nil {
				return err
			}
			result = item
			return nil
		})
	})
	return result, err
}

// FetchMovedItem carries out the reorg move handshake against a donor node:
// CMD_MOVE_ITEM, read the donor's RESP_MOVE_INFO payload, then CMD_MOVE_DONE
// to let the donor drop its own copy. Unlike FetchCachedItem this is not
// circuit-breaker-wrapped — a failed move is reported to the index as one
// failed ReorgMoveResult rather than tripping the puzzle-assembly breaker.
func (f *DialFetcher) FetchMovedItem(ctx context.Context, host string, port uint16, key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.CacheItemPayload{}, errors.Wrapf(err, "dialing delivery connection %s", addr)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := wire.WriteMagic(conn, wire.MagicDelivery); err != nil {
		return wire.CacheItemPayload{}, err
	}
	e := wire.NewEncoder()
	wire.EncodeTypedKey(e, key)
	if err := wire.WriteFrame(conn, wire.CmdMoveItem, e.Bytes()); err != nil {
		return wire.CacheItemPayload{}, err
	}
	code, payload, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.CacheItemPayload{}, err
	}
	switch code {
	case wire.RespMoveInfo:
		item := wire.DecodeCacheItemPayload(wire.NewDecoder(payload))
		if err := wire.WriteFrame(conn, wire.CmdMoveDone, nil); err != nil {
			return wire.CacheItemPayload{}, err
		}
		return item, nil
	case wire.RespError:
		return wire.CacheItemPayload{}, errors.Wrapf(cacheerrors.ErrDelivery, "%s: %s", addr, wire.NewDecoder(payload).Str())
	default:
		return wire.CacheItemPayload{}, errors.Wrapf(cacheerrors.ErrWireFraming, "unexpected delivery response code %d", code)
	}
}

func fetchOnce(ctx context.Context, addr string, key cacheentry.TypedNodeCacheKey) (wire.CacheItemPayload, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.CacheItemPayload{}, errors.Wrapf(err, "dialing delivery connection %s", addr)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := wire.WriteMagic(conn, wire.MagicDelivery); err != nil {
		return wire.CacheItemPayload{}, err
	}
	e := wire.NewEncoder()
	wire.EncodeTypedKey(e, key)
	if err := wire.WriteFrame(conn, wire.CmdGetCachedItem, e.Bytes()); err != nil {
		return wire.CacheItemPayload{}, err
	}

	code, payload, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.CacheItemPayload{}, err
	}
	switch code {
	case wire.RespCacheItem:
		item := wire.DecodeCacheItemPayload(wire.NewDecoder(payload))
		return item, nil
	case wire.RespError:
		msg := wire.NewDecoder(payload).Str()
		return wire.CacheItemPayload{}, errors.Wrapf(cacheerrors.ErrDelivery, "%s: %s", addr, msg)
	default:
		return wire.CacheItemPayload{}, errors.Wrapf(cacheerrors.ErrWireFraming, "unexpected delivery response code %d", code)
	}
}
