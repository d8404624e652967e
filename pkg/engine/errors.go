package engine

import (
	"errors"
)

// Contract violations reported to the transport caller. They indicate
// a transport-layer bug, not a recoverable conversation condition.
var (
	// ErrUnknownCall is returned for a packet addressed to a call id
	// with no live session.
	ErrUnknownCall = errors.New("engine: unknown call")

	// ErrCallExists is returned for a call-started packet whose call
	// id already has a live session.
	ErrCallExists = errors.New("engine: call already exists")

	// ErrCallEnded is returned for a packet addressed to a call that
	// has reached its terminal state.
	ErrCallEnded = errors.New("engine: call ended")

	// ErrEngineClosed is returned once the engine has shut down.
	ErrEngineClosed = errors.New("engine: closed")
)
