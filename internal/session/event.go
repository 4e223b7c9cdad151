package session

// EventType classifies controller events sent to observers.
type EventType int

const (
	EventState    EventType = iota // state transition
	EventProgress                  // progress percentage changed
	EventRound                     // round finished, summary attached
	EventError                     // host-visible error was reported
)

var eventTypeNames = map[EventType]string{
	EventState:    "state",
	EventProgress: "progress",
	EventRound:    "round",
	EventError:    "error",
}

func (t EventType) String() string {
	if n, ok := eventTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// Event carries a session snapshot to observers.
type Event struct {
	Type     EventType
	Status   Status
	Progress int
	Round    *RoundSummary // EventRound only
	Message  string        // EventError only
}
