package sound

import (
	"context"
	"fmt"
)

// CueRequest asks for one cue to be played.
type CueRequest struct {
	AssetID           string
	InjectIntoChannel bool
	PlayLocally       bool
}

// Player plays short cues on the device and into the channel mix.
type Player interface {
	// Play is fire-and-forget. The local and channel paths fail
	// independently.
	Play(req CueRequest)

	// StopMixing stops any in-progress channel injection. Idempotent.
	StopMixing()
}

// Output renders a clip on the local device, blocking until it is done.
type Output interface {
	Play(ctx context.Context, samples []int16, sampleRate int) error
}

// Mixer injects a clip into the outbound channel stream.
type Mixer interface {
	MixCue(ctx context.Context, assetID string, samples []int16, sampleRate int) error
	StopMixing() error
}

// CueError reports a cue that could not be loaded or played. It is never
// fatal to a session.
type CueError struct {
	AssetID string
	Path    string
	Err     error
}

func (e *CueError) Error() string {
	return fmt.Sprintf("cue %s (%s): %v", e.AssetID, e.Path, e.Err)
}

func (e *CueError) Unwrap() error { return e.Err }
