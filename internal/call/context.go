package call

import "time"

// State is the top-level lifecycle state of a call.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateProcessing   State = "processing"
	StateEnding       State = "ending"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateRejected     State = "rejected"
)

// Substate tracks where an active call is within the audio pipeline.
type Substate string

const (
	SubstateIdle       Substate = "idle"
	SubstateReceiving  Substate = "receiving"
	SubstateProcessing Substate = "processing"
	SubstateResponding Substate = "responding"
	SubstateError      Substate = "error"
)

// Context carries the identity of one inbound call through the pipeline.
type Context struct {
	CallID       string
	CallerNumber string
	CalledNumber string
	TrunkName    string
	RoomName     string
	StartTime    time.Time
	AnswerTime   time.Time
	Metadata     map[string]string
}

// Stats is a point-in-time snapshot of one call's pipeline counters.
type Stats struct {
	CallID         string
	State          State
	Substate       Substate
	TotalTurns     int
	FailedTurns    int
	DroppedTurns   int
	Interruptions  int
	BufferedChunks int
	StartTime      time.Time
}

// terminal reports whether a call in state s can no longer change state.
func terminal(s State) bool {
	return s == StateCompleted || s == StateFailed || s == StateRejected
}
