package negotiation

import "errors"

var (
	// ErrPrecondition reports an operation attempted out of order: an
	// answer applied with no pending offer, or an offer/answer requested
	// without local media when the engine requires it. The engine's state
	// is never mutated by a precondition failure.
	ErrPrecondition = errors.New("negotiation: precondition not met")

	// ErrRemoteDescriptionInvalid reports malformed or incompatible remote
	// SDP. Existing session state is left untouched.
	ErrRemoteDescriptionInvalid = errors.New("negotiation: remote description invalid")

	// ErrChannelNotOpen reports a chat send attempted before the data
	// channel reached the open state.
	ErrChannelNotOpen = errors.New("negotiation: data channel not open")
)
