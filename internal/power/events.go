package power

// EventType represents the type of event handled by the controller worker
type EventType int

const (
	EventPowerStateChange EventType = iota
	EventProcessingComplete
	EventListenerDied
	EventDisplayBrightness
)

// Event represents an event in the controller queue
type Event struct {
	Type EventType
	Data interface{}
}

// ProcessingCompleteData carries the generation the signal was raised in.
// A newer accepted transition makes it stale.
type ProcessingCompleteData struct {
	Generation uint64
}

// ListenerDiedData identifies a listener whose connection went away
type ListenerDiedData struct {
	Token string
}

// DisplayBrightnessData contains a brightness change from the hardware
type DisplayBrightnessData struct {
	Brightness int
}
