package client

import "errors"

var (
	// ErrTransient marks a network-level failure worth retrying: refused
	// connections, timeouts, 5xx responses.
	ErrTransient = errors.New("client: transient network error")

	// ErrProtocol marks a malformed or out-of-contract frame or response.
	// Not retryable as-is.
	ErrProtocol = errors.New("client: protocol error")

	// ErrVersionGap means the server has pruned history past our cursor;
	// the only recovery is a full resync from version zero.
	ErrVersionGap = errors.New("client: version gap, full resync required")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client: closed")
)
