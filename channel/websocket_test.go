package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const closedFrame = -1

type received struct {
	kind int
	data []byte
}

// fakeServer is a minimal channel server.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	reply    func(join Message) *Message
	received chan received
	path     chan string
	// ready carries each connection once the handler is done writing to it.
	ready chan *websocket.Conn
}

func newFakeServer(t *testing.T, reply func(join Message) *Message) *fakeServer {
	fs := &fakeServer{
		t:        t,
		reply:    reply,
		received: make(chan received, 1024),
		path:     make(chan string, 4),
		ready:    make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.path <- r.URL.RequestURI()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var join Message
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		if resp := fs.reply(join); resp != nil {
			conn.WriteJSON(resp)
		}
		select {
		case fs.ready <- conn:
		default:
		}
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				fs.received <- received{kind: closedFrame}
				return
			}
			fs.received <- received{kind: kind, data: data}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string { return "ws" + strings.TrimPrefix(fs.srv.URL, "http") }

// conn returns the next server-side connection. From then on the test is
// its only writer.
func (fs *fakeServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.ready:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no server connection")
		return nil
	}
}

func (fs *fakeServer) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-fs.received:
		require.NotEqual(t, closedFrame, r.kind, "server connection closed")
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return received{}
	}
}

// nextText skips binary frames.
func (fs *fakeServer) nextText(t *testing.T) Message {
	t.Helper()
	for {
		r := fs.next(t)
		if r.kind != websocket.TextMessage {
			continue
		}
		var msg Message
		require.NoError(t, json.Unmarshal(r.data, &msg))
		return msg
	}
}

func joinedWith(peers ...string) func(Message) *Message {
	return func(Message) *Message {
		return &Message{Type: "joined", Peers: peers}
	}
}

func TestEngineJoinLeaveRelease(t *testing.T) {
	fs := newFakeServer(t, joinedWith("bob"))
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice", Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "lobby", h.ChannelID())

	path := <-fs.path
	assert.Contains(t, path, "/v1/apps/app/channels/lobby/ws")
	assert.Contains(t, path, "uid=alice")
	assert.Contains(t, path, "token=tok")

	ev := <-h.Events()
	assert.Equal(t, Event{Type: PeerJoined, PeerID: "bob"}, ev)

	_, err = e.Join(context.Background(), JoinParams{ChannelID: "other", LocalID: "alice"})
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	require.NoError(t, e.Leave(context.Background(), h))
	assert.Equal(t, "leave", fs.nextText(t).Type)
	require.NoError(t, e.Leave(context.Background(), h))

	require.NoError(t, e.Release(h))
	require.NoError(t, e.Release(h))
	assert.True(t, h.Released())
	_, open := <-h.Events()
	assert.False(t, open)

	err = e.SetTransmitEnabled(h, true)
	var toggleErr *TransmitToggleError
	require.True(t, errors.As(err, &toggleErr))
	assert.ErrorIs(t, err, ErrHandleReleased)
	assert.ErrorIs(t, e.SetPlaybackVolume(h, 50), ErrHandleReleased)
	assert.ErrorIs(t, e.SetSpeakerphone(h, true), ErrHandleReleased)
	assert.ErrorIs(t, e.SetEffect(h, true), ErrHandleReleased)

	// the engine is free for a new join
	h2, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.True(t, h2.Released())
}

func TestEngineJoinRejected(t *testing.T) {
	fs := newFakeServer(t, func(Message) *Message {
		return &Message{Type: "error", Reason: "invalid token"}
	})
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	_, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	var joinErr *JoinError
	require.True(t, errors.As(err, &joinErr))
	assert.Equal(t, "invalid token", joinErr.Reason)
}

func TestEngineJoinTimeoutLeavesNothingBehind(t *testing.T) {
	fs := newFakeServer(t, func(Message) *Message { return nil })
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := e.Join(ctx, JoinParams{ChannelID: "lobby", LocalID: "alice"})
	var joinErr *JoinError
	require.True(t, errors.As(err, &joinErr))
	assert.Equal(t, "timeout", joinErr.Reason)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the socket was closed by the client
	select {
	case r := <-fs.received:
		assert.Equal(t, closedFrame, r.kind)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not close the socket")
	}

	e.mu.Lock()
	assert.Nil(t, e.session)
	assert.False(t, e.joining)
	e.mu.Unlock()
}

func TestEngineJoinDialFailure(t *testing.T) {
	e := NewEngine(Config{ServerURL: "ws://127.0.0.1:1", AppID: "app"}, nil, nil, nil)

	_, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	var joinErr *JoinError
	require.True(t, errors.As(err, &joinErr))
	assert.Equal(t, "dial", joinErr.Reason)

	_, err = e.Join(context.Background(), JoinParams{LocalID: "alice"})
	require.True(t, errors.As(err, &joinErr))
}

func TestEngineTransmitLastWriterWins(t *testing.T) {
	fs := newFakeServer(t, joinedWith())
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	defer e.Release(h)

	for i := 0; i < 50; i++ {
		require.NoError(t, e.SetTransmitEnabled(h, true))
		require.NoError(t, e.SetTransmitEnabled(h, false))
	}
	require.NoError(t, e.SetEffect(h, true)) // marker after the burst

	var last Message
	var seq uint64
	for {
		msg := fs.nextText(t)
		if msg.Type == "effect" {
			break
		}
		require.Equal(t, "transmit", msg.Type)
		require.Greater(t, msg.Seq, seq)
		seq = msg.Seq
		last = msg
	}
	// the marker may overtake the last flush; leave flushes anything pending
	require.NoError(t, e.Leave(context.Background(), h))
	for {
		msg := fs.nextText(t)
		if msg.Type == "leave" {
			break
		}
		require.Equal(t, "transmit", msg.Type)
		require.Greater(t, msg.Seq, seq)
		seq = msg.Seq
		last = msg
	}
	require.NotNil(t, last.Enabled)
	assert.False(t, *last.Enabled)
}

type fakeUplink struct {
	frames chan []int16
}

func (u *fakeUplink) Open(ctx context.Context) (<-chan []int16, error) {
	out := make(chan []int16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-u.frames:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func TestEngineUplinkGatedByTransmit(t *testing.T) {
	fs := newFakeServer(t, joinedWith())
	up := &fakeUplink{frames: make(chan []int16)}
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, up, nil, nil)

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	defer e.Release(h)

	// once 3 is handed over, the pump has finished with 1
	up.frames <- []int16{1}
	up.frames <- []int16{2}
	up.frames <- []int16{3}
	require.NoError(t, e.SetTransmitEnabled(h, true))
	up.frames <- []int16{4}

	for {
		r := fs.next(t)
		if r.kind != websocket.BinaryMessage {
			continue
		}
		require.Equal(t, FrameVoice, r.data[0])
		pcm := DecodePCM(r.data[1:])
		assert.NotEqual(t, []int16{1}, pcm)
		break
	}
}

type fakeDownlink struct {
	frames       chan []int16
	speakerphone chan bool
}

func (d *fakeDownlink) StartPlayback(ctx context.Context, frames <-chan []int16, _ int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			d.frames <- f
		}
	}
}

func (d *fakeDownlink) SetSpeakerphone(on bool) { d.speakerphone <- on }

func TestEngineDownlinkVolumeAndRoute(t *testing.T) {
	fs := newFakeServer(t, joinedWith())
	down := &fakeDownlink{frames: make(chan []int16, 4), speakerphone: make(chan bool, 1)}
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, down, nil)

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	defer e.Release(h)

	require.NoError(t, e.SetPlaybackVolume(h, 200))
	require.NoError(t, e.SetSpeakerphone(h, false))
	assert.False(t, <-down.speakerphone)

	require.NoError(t, fs.conn(t).WriteMessage(websocket.BinaryMessage, EncodeFrame(FrameVoice, []int16{100, -20000})))

	select {
	case f := <-down.frames:
		assert.Equal(t, []int16{200, -32768}, f)
	case <-time.After(3 * time.Second):
		t.Fatal("no downlink audio")
	}
}

func TestEnginePeerEventsAndDisconnect(t *testing.T) {
	fs := newFakeServer(t, joinedWith())
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	defer e.Release(h)

	conn := fs.conn(t)
	require.NoError(t, conn.WriteJSON(Message{Type: "peer_joined", UID: "carol"}))
	require.NoError(t, conn.WriteJSON(Message{Type: "peer_left", UID: "carol"}))
	conn.Close()

	want := []Event{
		{Type: PeerJoined, PeerID: "carol"},
		{Type: PeerLeft, PeerID: "carol"},
	}
	for _, w := range want {
		assert.Equal(t, w, <-h.Events())
	}
	ev := <-h.Events()
	assert.Equal(t, Disconnected, ev.Type)
	assert.Error(t, ev.Err)
}

func TestEngineMixCue(t *testing.T) {
	fs := newFakeServer(t, joinedWith())
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	assert.ErrorIs(t, e.MixCue(context.Background(), "start", []int16{1}, 16000), ErrHandleReleased)
	assert.NoError(t, e.StopMixing())

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	defer e.Release(h)

	clip := make([]int16, 16000*50/1000) // 50ms => 3 frames of 20ms
	require.NoError(t, e.MixCue(context.Background(), "start", clip, 16000))

	start := fs.nextText(t)
	assert.Equal(t, "mix_start", start.Type)
	assert.Equal(t, "start", start.Asset)
	assert.Equal(t, 16000, start.SampleRate)

	cueFrames := 0
	for {
		r := fs.next(t)
		if r.kind == websocket.BinaryMessage {
			assert.Equal(t, FrameCue, r.data[0])
			cueFrames++
			continue
		}
		var msg Message
		require.NoError(t, json.Unmarshal(r.data, &msg))
		assert.Equal(t, "mix_stop", msg.Type)
		break
	}
	assert.Equal(t, 3, cueFrames)
}

func TestEngineStopMixingCancels(t *testing.T) {
	fs := newFakeServer(t, joinedWith())
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	defer e.Release(h)

	done := make(chan error, 1)
	go func() {
		done <- e.MixCue(context.Background(), "long", make([]int16, 16000*10), 16000)
	}()
	assert.Equal(t, "mix_start", fs.nextText(t).Type)

	require.NoError(t, e.StopMixing())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("mix not cancelled")
	}
	assert.NoError(t, e.StopMixing())
}

// mixUntil returns the text messages sent before the mix_start of marker,
// and how many cue frames arrived after the first mix_stop.
func mixUntil(t *testing.T, fs *fakeServer, marker string) (msgs []string, lateCueFrames int) {
	t.Helper()
	stopped := false
	for {
		r := fs.next(t)
		if r.kind == websocket.BinaryMessage {
			if stopped && r.data[0] == FrameCue {
				lateCueFrames++
			}
			continue
		}
		var msg Message
		require.NoError(t, json.Unmarshal(r.data, &msg))
		if msg.Type == "mix_start" && msg.Asset == marker {
			return msgs, lateCueFrames
		}
		msgs = append(msgs, msg.Type)
		if msg.Type == "mix_stop" {
			stopped = true
		}
	}
}

const markerClip = 320 // one 20ms frame at 16kHz

func TestEngineStopMixingAfterFinishedCueSendsNothing(t *testing.T) {
	fs := newFakeServer(t, joinedWith())
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	defer e.Release(h)

	require.NoError(t, e.MixCue(context.Background(), "start", make([]int16, markerClip), 16000))
	require.NoError(t, e.StopMixing())
	require.NoError(t, e.StopMixing())
	require.NoError(t, e.MixCue(context.Background(), "marker", make([]int16, markerClip), 16000))

	msgs, late := mixUntil(t, fs, "marker")
	assert.Equal(t, []string{"mix_start", "mix_stop"}, msgs)
	assert.Zero(t, late)
}

func TestEngineStopMixingFollowsQueuedFrames(t *testing.T) {
	fs := newFakeServer(t, joinedWith())
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	defer e.Release(h)

	done := make(chan error, 1)
	go func() {
		done <- e.MixCue(context.Background(), "long", make([]int16, 16000*10), 16000)
	}()
	assert.Equal(t, "mix_start", fs.nextText(t).Type)
	require.Equal(t, websocket.BinaryMessage, fs.next(t).kind)

	require.NoError(t, e.StopMixing())
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, e.MixCue(context.Background(), "marker", make([]int16, markerClip), 16000))

	msgs, late := mixUntil(t, fs, "marker")
	assert.Equal(t, []string{"mix_stop"}, msgs)
	assert.Zero(t, late)
}

func TestEngineCancelledCueStopsOnce(t *testing.T) {
	fs := newFakeServer(t, joinedWith())
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	defer e.Release(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.MixCue(ctx, "long", make([]int16, 16000*10), 16000)
	}()
	assert.Equal(t, "mix_start", fs.nextText(t).Type)

	// the cue player cancels its own context before stopping the mix
	cancel()
	require.NoError(t, e.StopMixing())
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, e.MixCue(context.Background(), "marker", make([]int16, markerClip), 16000))

	msgs, late := mixUntil(t, fs, "marker")
	assert.Equal(t, []string{"mix_stop"}, msgs)
	assert.Zero(t, late)
}

func TestEngineMixCueRejectsTinySampleRate(t *testing.T) {
	fs := newFakeServer(t, joinedWith())
	e := NewEngine(Config{ServerURL: fs.url(), AppID: "app"}, nil, nil, nil)

	h, err := e.Join(context.Background(), JoinParams{ChannelID: "lobby", LocalID: "alice"})
	require.NoError(t, err)
	defer e.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, rate := range []int{40, 0, -8000} {
		err := e.MixCue(ctx, "x", make([]int16, 10), rate)
		require.Error(t, err)
		assert.NotErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.NoError(t, e.StopMixing())
}

func TestScaleVolume(t *testing.T) {
	pcm := []int16{1000, -1000, 30000}
	ScaleVolume(pcm, 50)
	assert.Equal(t, []int16{500, -500, 15000}, pcm)

	ScaleVolume(pcm, 0)
	assert.Equal(t, []int16{0, 0, 0}, pcm)
}

func TestFrameRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	frame := EncodeFrame(FrameVoice, in)
	assert.Equal(t, FrameVoice, frame[0])
	assert.Equal(t, in, DecodePCM(frame[1:]))
}
