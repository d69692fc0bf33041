package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/d1nch8g/ptt/audio"
	"github.com/d1nch8g/ptt/channel"
	"github.com/d1nch8g/ptt/permission"
	"github.com/d1nch8g/ptt/sound"
)

// recorder is a call log shared by all fakes of one test.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.list() {
		if c == call {
			n++
		}
	}
	return n
}

// index returns the position of the first call at or after from, or -1.
func (r *recorder) index(call string, from int) int {
	calls := r.list()
	for i := max(from, 0); i < len(calls); i++ {
		if calls[i] == call {
			return i
		}
	}
	return -1
}

type fakeGate struct {
	status permission.Status
	err    error
	asked  atomic.Int32
}

func (g *fakeGate) EnsureMicrophonePermission(context.Context) (permission.Status, error) {
	g.asked.Add(1)
	return g.status, g.err
}

type fakeConn struct {
	rec *recorder

	// joinGate, when set, blocks Join until closed or ctx is done.
	joinGate chan struct{}
	joinErr  error

	transmitErr error
	effectErr   error
	leaveErr    error
	releaseErr  error
	leavePanics bool

	mu       sync.Mutex
	live     map[*channel.Handle]bool
	maxLive  int
	last     *channel.Handle
	transmit bool
	volume   int
	speaker  bool
}

func newFakeConn(rec *recorder) *fakeConn {
	return &fakeConn{rec: rec, live: make(map[*channel.Handle]bool)}
}

func (f *fakeConn) Join(ctx context.Context, params channel.JoinParams) (*channel.Handle, error) {
	f.rec.add("conn.join")
	if f.joinGate != nil {
		select {
		case <-f.joinGate:
		case <-ctx.Done():
			return nil, &channel.JoinError{Reason: "timeout", Err: ctx.Err()}
		}
	}
	if f.joinErr != nil {
		return nil, f.joinErr
	}

	h := channel.NewHandle(params.ChannelID, params.LocalID)
	f.mu.Lock()
	f.live[h] = true
	f.maxLive = max(f.maxLive, len(f.live))
	f.last = h
	f.mu.Unlock()
	return h, nil
}

func (f *fakeConn) Leave(context.Context, *channel.Handle) error {
	f.rec.add("conn.leave")
	if f.leavePanics {
		panic("leave exploded")
	}
	return f.leaveErr
}

func (f *fakeConn) SetTransmitEnabled(_ *channel.Handle, enabled bool) error {
	if enabled {
		f.rec.add("conn.transmit:on")
	} else {
		f.rec.add("conn.transmit:off")
	}
	f.mu.Lock()
	f.transmit = enabled
	f.mu.Unlock()
	if f.transmitErr != nil {
		return &channel.TransmitToggleError{Enabled: enabled, Err: f.transmitErr}
	}
	return nil
}

func (f *fakeConn) SetPlaybackVolume(_ *channel.Handle, volume int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = volume
	return nil
}

func (f *fakeConn) SetSpeakerphone(_ *channel.Handle, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaker = on
	return nil
}

func (f *fakeConn) SetEffect(_ *channel.Handle, enabled bool) error {
	if enabled {
		f.rec.add("conn.effect:on")
	} else {
		f.rec.add("conn.effect:off")
	}
	return f.effectErr
}

func (f *fakeConn) Release(h *channel.Handle) error {
	f.rec.add("conn.release")
	f.mu.Lock()
	delete(f.live, h)
	f.mu.Unlock()
	h.MarkReleased()
	return f.releaseErr
}

func (f *fakeConn) liveHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeConn) transmitting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transmit
}

func (f *fakeConn) lastHandle() *channel.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeCapture struct {
	rec      *recorder
	startErr error

	mu      sync.Mutex
	live    map[*audio.CaptureHandle]bool
	current *audio.CaptureHandle
}

func newFakeCapture(rec *recorder) *fakeCapture {
	return &fakeCapture{rec: rec, live: make(map[*audio.CaptureHandle]bool)}
}

func (f *fakeCapture) StartCapture(context.Context) (*audio.CaptureHandle, error) {
	f.rec.add("capture.start")
	if f.startErr != nil {
		return nil, f.startErr
	}
	h := audio.StartLoop(4, true, func(ctx context.Context, _ *audio.Window) {
		<-ctx.Done()
	})
	f.mu.Lock()
	f.live[h] = true
	f.current = h
	f.mu.Unlock()
	return h, nil
}

func (f *fakeCapture) StopCapture(h *audio.CaptureHandle) {
	f.rec.add("capture.stop")
	f.mu.Lock()
	delete(f.live, h)
	f.mu.Unlock()
	h.Release()
}

func (f *fakeCapture) liveHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// push writes a level into the current capture window.
func (f *fakeCapture) push(v float64) {
	f.mu.Lock()
	h := f.current
	f.mu.Unlock()
	if h != nil {
		h.Window().Push(v)
	}
}

type fakeCues struct {
	rec *recorder
}

func (f *fakeCues) Play(req sound.CueRequest) {
	f.rec.add("cue.play:" + req.AssetID)
}

func (f *fakeCues) StopMixing() {
	f.rec.add("cue.stop")
}

var errBoom = errors.New("boom")
