package session

// State is the outer lifecycle of a session.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateInChannel
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateJoining:
		return "Joining"
	case StateInChannel:
		return "InChannel"
	case StateLeaving:
		return "Leaving"
	default:
		return "Unknown"
	}
}

// Snapshot is the observable session state published after every change.
type Snapshot struct {
	State         State
	ChannelID     string
	Transmitting  bool
	Capturing     bool
	EffectEnabled bool
	Speakerphone  bool
	Volume        int
	Peers         []string

	// LastError holds the last surfaced failure until dismissed.
	LastError error
}

func (s Snapshot) clone() Snapshot {
	if s.Peers != nil {
		s.Peers = append([]string(nil), s.Peers...)
	}
	return s
}

// Listener receives every published snapshot, in order, on the controller
// goroutine. It must not block or wait on the controller.
type Listener interface {
	OnSessionChanged(Snapshot)
}

type ListenerFunc func(Snapshot)

func (f ListenerFunc) OnSessionChanged(s Snapshot) { f(s) }

// SampleSink receives the rolling amplitude window while capturing. The
// slice is a copy the sink may keep but must treat as read-only input.
type SampleSink interface {
	OnSamples(window []float64)
}

type SampleSinkFunc func([]float64)

func (f SampleSinkFunc) OnSamples(w []float64) { f(w) }
