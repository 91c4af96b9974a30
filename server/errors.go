package server

import "errors"

var (
	// ErrServerClosed is returned by ReceiveRequest after Shutdown.
	ErrServerClosed = errors.New("pullserve: server closed")

	// ErrBodyConsumed is returned when the request body is read again
	// after it was already consumed to its end.
	ErrBodyConsumed = errors.New("pullserve: body already consumed")

	// ErrResponseFinished is returned by response operations after Finish.
	ErrResponseFinished = errors.New("pullserve: response already finished")

	// ErrNotUpgradeable is returned when the upgrade slot was already taken.
	ErrNotUpgradeable = errors.New("pullserve: not upgradeable")

	// ErrMissingKey is returned by Upgrade when the request carries no
	// Sec-WebSocket-Key header.
	ErrMissingKey = errors.New("pullserve: missing Sec-WebSocket-Key header")

	// ErrRequestClosed is returned when the connection behind a request
	// went away before the operation could complete.
	ErrRequestClosed = errors.New("pullserve: request closed")

	// ErrConnClosed is returned by WebSocket operations once the
	// connection reached its terminal closed state.
	ErrConnClosed = errors.New("pullserve: connection closed")
)
