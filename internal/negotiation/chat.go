package negotiation

import "time"

// Direction tags a chat entry by origin.
type Direction int

const (
	DirectionLocal Direction = iota
	DirectionRemote
)

func (d Direction) String() string {
	if d == DirectionRemote {
		return "remote"
	}
	return "local"
}

// ChatEntry is one line of the per-session chat log.
type ChatEntry struct {
	At        time.Time
	Direction Direction
	Text      string
}
