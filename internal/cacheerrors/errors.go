// Package cacheerrors declares the sentinel error kinds shared across the
// cache mesh, matching the failure domains of the error handling design.
package cacheerrors

import "github.com/pkg/errors"

// Sentinel errors. Callers compare with errors.Is after github.com/pkg/errors
// wrapping, which preserves the wrapped cause for errors.Is/As.
var (
	// ErrInvalidInterval is raised when a > b on some dimension of an interval or cube.
	ErrInvalidInterval = errors.New("invalid interval: a > b")

	// ErrNoSuchEntry means a cache key is not present. Absorbed locally:
	// promoted to a miss or a remainder, never propagated to the client.
	ErrNoSuchEntry = errors.New("no such cache entry")

	// ErrCapacityExceeded means a put was attempted beyond 1.1x configured
	// capacity. The put is skipped and counted as a lost put.
	ErrCapacityExceeded = errors.New("node cache capacity exceeded")

	// ErrWireFraming covers truncated frames, unknown magics, and unknown
	// command codes for the current role/state.
	ErrWireFraming = errors.New("wire framing error")

	// ErrProtocolState means an operation was invoked while the connection's
	// FSM was in the wrong state.
	ErrProtocolState = errors.New("protocol state error")

	// ErrDelivery means a remote delivery returned an error code or an
	// unrecognized response code.
	ErrDelivery = errors.New("delivery error")

	// ErrTimeout means a read/write timed out where a timeout was imposed.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidArgument covers out-of-range or malformed request fields.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOperator means the downstream operator-graph computation failed.
	ErrOperator = errors.New("operator computation failed")

	// ErrNodeFailure means a node's control connection died.
	ErrNodeFailure = errors.New("node failure")

	// ErrRateLimited means a client's per-address token bucket was empty
	// when a CMD_GET request arrived.
	ErrRateLimited = errors.New("rate limited")
)
