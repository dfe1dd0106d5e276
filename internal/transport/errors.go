package transport

import "errors"

var (
	// ErrSocketUnavailable means no live connection exists for this
	// attempt; the caller should fall back to REST.
	ErrSocketUnavailable = errors.New("socket unavailable")

	// ErrAckTimeout means the send was written but no ack arrived in time.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrAckRejected means the server acked with ok=false.
	ErrAckRejected = errors.New("send rejected by server")

	// ErrUnauthorized maps HTTP 401; never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUpgradeRequired maps HTTP 402 for non-privileged sessions.
	ErrUpgradeRequired = errors.New("upgrade required")

	// ErrBadResponse covers unparseable server bodies; handled the same
	// as an explicit ok=false.
	ErrBadResponse = errors.New("malformed server response")
)
