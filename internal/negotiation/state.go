package negotiation

import "fmt"

// State is the engine's negotiation lifecycle state.
type State int

const (
	StateIdle State = iota
	StateBuilding
	StateOfferCreated
	StateAnswerCreated
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateOfferCreated:
		return "offer_created"
	case StateAnswerCreated:
		return "answer_created"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// GatherMode selects how local descriptions are exposed.
type GatherMode int

const (
	// GatherTrickle exposes the description immediately and streams
	// candidates through the OnLocalCandidate callback as they are found.
	// This is the default: it is strictly faster to connect.
	GatherTrickle GatherMode = iota

	// GatherComplete holds the description until ICE gathering finishes
	// (bounded by GatherTimeout), producing one self-contained blob.
	// Fallback for relays that cannot carry incremental candidates.
	GatherComplete
)

// DataChannelState mirrors the chat channel lifecycle.
type DataChannelState int

const (
	DataChannelConnecting DataChannelState = iota
	DataChannelOpen
	DataChannelClosed
)

func (s DataChannelState) String() string {
	switch s {
	case DataChannelConnecting:
		return "connecting"
	case DataChannelOpen:
		return "open"
	case DataChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("datachannel(%d)", int(s))
	}
}
