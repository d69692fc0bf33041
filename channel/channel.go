package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Connection owns the link to a real-time audio channel.
type Connection interface {
	// Join connects to a channel. Peer notifications flow on the handle's
	// Events channel once it returns.
	Join(ctx context.Context, params JoinParams) (*Handle, error)

	// Leave disconnects. Calling it on a left or released handle is a no-op.
	Leave(ctx context.Context, h *Handle) error

	// SetTransmitEnabled mutes or unmutes the local-to-remote stream. The
	// last call always wins.
	SetTransmitEnabled(h *Handle, enabled bool) error

	SetPlaybackVolume(h *Handle, volume int) error
	SetSpeakerphone(h *Handle, on bool) error
	SetEffect(h *Handle, enabled bool) error

	// Release frees everything held for the handle. Safe to repeat.
	Release(h *Handle) error
}

type JoinParams struct {
	ChannelID string
	Token     string
	LocalID   string
}

// Playback volume bounds; 100 is unity gain.
const (
	MinVolume     = 0
	DefaultVolume = 100
	MaxVolume     = 400
)

var (
	// ErrHandleReleased is returned for any use of a released, left or
	// foreign handle.
	ErrHandleReleased = errors.New("channel handle released")
	ErrAlreadyJoined  = errors.New("channel already joined")
)

type JoinError struct {
	Reason string
	Err    error
}

func (e *JoinError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("join failed: %s: %v", e.Reason, e.Err)
	}
	return "join failed: " + e.Reason
}

func (e *JoinError) Unwrap() error { return e.Err }

type TransmitToggleError struct {
	Enabled bool
	Err     error
}

func (e *TransmitToggleError) Error() string {
	return fmt.Sprintf("set transmit %t: %v", e.Enabled, e.Err)
}

func (e *TransmitToggleError) Unwrap() error { return e.Err }

type EventType int

const (
	PeerJoined EventType = iota
	PeerLeft
	Disconnected
)

func (t EventType) String() string {
	switch t {
	case PeerJoined:
		return "peer_joined"
	case PeerLeft:
		return "peer_left"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Event struct {
	Type   EventType
	PeerID string
	Err    error
}

var handleSeq atomic.Uint64

// Handle is an opaque reference to one joined channel.
type Handle struct {
	id        uint64
	channelID string
	localID   string
	events    chan Event

	mu       sync.Mutex
	released atomic.Bool
}

func NewHandle(channelID, localID string) *Handle {
	return &Handle{
		id:        handleSeq.Add(1),
		channelID: channelID,
		localID:   localID,
		events:    make(chan Event, 64),
	}
}

func (h *Handle) ID() uint64        { return h.id }
func (h *Handle) ChannelID() string { return h.channelID }
func (h *Handle) LocalID() string   { return h.localID }
func (h *Handle) Released() bool    { return h != nil && h.released.Load() }

// Events delivers peer notifications. It is closed on release.
func (h *Handle) Events() <-chan Event { return h.events }

// Emit delivers an event without blocking; it reports false when the event
// was dropped.
func (h *Handle) Emit(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released.Load() {
		return false
	}
	select {
	case h.events <- ev:
		return true
	default:
		return false
	}
}

// MarkReleased invalidates the handle and closes its event stream. It
// reports whether this call did the work.
func (h *Handle) MarkReleased() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.released.CompareAndSwap(false, true) {
		return false
	}
	close(h.events)
	return true
}
