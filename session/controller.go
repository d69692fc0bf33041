package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d1nch8g/ptt/audio"
	"github.com/d1nch8g/ptt/channel"
	"github.com/d1nch8g/ptt/logging"
	"github.com/d1nch8g/ptt/permission"
	"github.com/d1nch8g/ptt/sound"
)

const (
	DefaultJoinTimeout = 15 * time.Second
	DefaultStartCue    = sound.CueStart
	DefaultEndCue      = sound.CueEnd

	mailboxSize = 256
)

// Config holds the session settings that do not change between joins.
type Config struct {
	LocalID     string
	Token       string
	StartCue    string
	EndCue      string
	JoinTimeout time.Duration
}

// Controller is the single authority over session state. All intents are
// serialized on one goroutine; joins and leaves run in the background and
// report back, so intents arriving mid-transition are ignored, not queued.
type Controller struct {
	config  Config
	gate    permission.Gate
	conn    channel.Connection
	capture audio.CaptureDevice
	cues    sound.Player
	logger  *zap.Logger

	intents chan intent
	done    chan struct{}

	// Owned by the run goroutine.
	snap          Snapshot
	handle        *channel.Handle
	events        <-chan channel.Event
	captureHandle *audio.CaptureHandle
	joinCancel    context.CancelFunc
	joinWaiters   []chan error
	leaveWaiters  []chan error
	disposing     bool
	disposeReply  []chan error

	mu        sync.RWMutex
	published Snapshot
	listeners []Listener
	sinks     []SampleSink
	samples   []float64

	// sampleSource is the capture whose windows may land in samples.
	sampleSource *audio.CaptureHandle
}

// NewController wires the collaborators and starts the controller. cues may
// be nil when no cue player is available.
func NewController(
	config Config,
	gate permission.Gate,
	conn channel.Connection,
	capture audio.CaptureDevice,
	cues sound.Player,
	logger *zap.Logger,
) *Controller {
	if config.JoinTimeout == 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}
	if config.StartCue == "" {
		config.StartCue = DefaultStartCue
	}
	if config.EndCue == "" {
		config.EndCue = DefaultEndCue
	}

	c := &Controller{
		config:  config,
		gate:    gate,
		conn:    conn,
		capture: capture,
		cues:    cues,
		logger:  logging.OrNop(logger).Named("session"),
		intents: make(chan intent, mailboxSize),
		done:    make(chan struct{}),
		snap:    Snapshot{State: StateIdle, Volume: channel.DefaultVolume},
	}
	c.published = c.snap.clone()

	go c.run()
	return c
}

type intentKind int

const (
	intentJoin intentKind = iota
	intentLeave
	intentPTTDown
	intentPTTUp
	intentSetEffect
	intentSetVolume
	intentSetSpeakerphone
	intentDismissError
	intentDispose
	intentJoinDone
	intentLeaveDone
	intentSubscribe
	intentSync
)

type intent struct {
	kind      intentKind
	channelID string
	flag      bool
	value     int
	reply     chan error
	join      *joinResult
	listener  Listener
}

type joinResult struct {
	handle  *channel.Handle
	capture *audio.CaptureHandle
	err     error
}

// Join starts joining channelID and waits for the outcome. Abandoning the
// wait through ctx does not abort the join. While a join or leave is in
// flight, or when already in a channel, it returns ErrBusy.
func (c *Controller) Join(ctx context.Context, channelID string) error {
	return c.call(ctx, intent{kind: intentJoin, channelID: channelID})
}

// Leave tears the session down and waits until Idle. Leaving while Idle is
// a no-op and a second leave during Leaving waits for the same teardown.
func (c *Controller) Leave(ctx context.Context) error {
	return c.call(ctx, intent{kind: intentLeave})
}

func (c *Controller) PTTDown() { c.post(intent{kind: intentPTTDown}) }
func (c *Controller) PTTUp()   { c.post(intent{kind: intentPTTUp}) }

func (c *Controller) SetEffect(enabled bool) {
	c.post(intent{kind: intentSetEffect, flag: enabled})
}

// SetVolume sets the playback volume, clamped to channel.MinVolume..MaxVolume.
// The value is kept across joins.
func (c *Controller) SetVolume(volume int) {
	c.post(intent{kind: intentSetVolume, value: volume})
}

func (c *Controller) SetSpeakerphone(on bool) {
	c.post(intent{kind: intentSetSpeakerphone, flag: on})
}

func (c *Controller) DismissError() { c.post(intent{kind: intentDismissError}) }

// Dispose leaves any active session, cancels a pending join and stops the
// controller. Later intents are dropped and calls return ErrClosed.
func (c *Controller) Dispose(ctx context.Context) error {
	err := c.call(ctx, intent{kind: intentDispose})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once the controller has been disposed.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published.clone()
}

// Samples returns the latest amplitude window, or nil when not capturing.
func (c *Controller) Samples() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.published.Capturing || c.samples == nil {
		return nil
	}
	return slices.Clone(c.samples)
}

// Subscribe registers l. Its first delivery is the current snapshot.
func (c *Controller) Subscribe(l Listener) {
	c.post(intent{kind: intentSubscribe, listener: l})
}

func (c *Controller) AddSampleSink(s SampleSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

func (c *Controller) post(in intent) {
	select {
	case c.intents <- in:
	case <-c.done:
	}
}

func (c *Controller) call(ctx context.Context, in intent) error {
	in.reply = make(chan error, 1)
	select {
	case c.intents <- in:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-in.reply:
		return err
	case <-c.done:
		// Dispose replies before closing done.
		select {
		case err := <-in.reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sync waits until every intent posted before it has been handled.
func (c *Controller) sync(ctx context.Context) error {
	return c.call(ctx, intent{kind: intentSync})
}

func (c *Controller) run() {
	defer close(c.done)

	for {
		select {
		case in := <-c.intents:
			if c.handleIntent(in) {
				return
			}
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.handleChannelEvent(ev)
		}
	}
}

// handleIntent applies one intent and reports whether the controller is
// finished.
func (c *Controller) handleIntent(in intent) bool {
	switch in.kind {
	case intentJoin:
		c.onJoin(in)
	case intentJoinDone:
		return c.onJoinDone(in.join)
	case intentLeave:
		c.onLeave(in)
	case intentLeaveDone:
		return c.onLeaveDone()
	case intentPTTDown:
		c.onPTT(true)
	case intentPTTUp:
		c.onPTT(false)
	case intentSetEffect:
		c.onSetEffect(in.flag)
	case intentSetVolume:
		c.onSetVolume(in.value)
	case intentSetSpeakerphone:
		c.onSetSpeakerphone(in.flag)
	case intentDismissError:
		if c.snap.LastError != nil {
			c.snap.LastError = nil
			c.publish()
		}
	case intentDispose:
		return c.onDispose(in)
	case intentSubscribe:
		c.mu.Lock()
		c.listeners = append(c.listeners, in.listener)
		c.mu.Unlock()
		in.listener.OnSessionChanged(c.snap.clone())
	case intentSync:
		in.reply <- nil
	}
	return false
}

func (c *Controller) onJoin(in intent) {
	if c.disposing {
		reply(in.reply, ErrClosed)
		return
	}
	if c.snap.State != StateIdle {
		c.logger.Debug("join ignored", zap.Stringer("state", c.snap.State))
		reply(in.reply, ErrBusy)
		return
	}
	if in.channelID == "" {
		reply(in.reply, &channel.JoinError{Reason: "empty channel id"})
		return
	}

	c.snap.State = StateJoining
	c.snap.ChannelID = in.channelID
	c.snap.LastError = nil
	c.snap.Peers = nil
	c.joinWaiters = append(c.joinWaiters, in.reply)
	c.publish()

	ctx, cancel := context.WithCancel(context.Background())
	c.joinCancel = cancel
	c.logger.Info("joining channel", zap.String("channel", in.channelID))

	go func() {
		res := c.acquire(ctx, in.channelID)
		c.post(intent{kind: intentJoinDone, join: res})
	}()
}

// acquire runs the join sequence off the controller goroutine. Anything
// obtained before a failing step is released before returning.
func (c *Controller) acquire(ctx context.Context, channelID string) *joinResult {
	status, err := c.gate.EnsureMicrophonePermission(ctx)
	if err != nil {
		return &joinResult{err: &channel.JoinError{Reason: "permission check", Err: err}}
	}
	if status != permission.Granted {
		return &joinResult{err: ErrPermissionDenied}
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.config.JoinTimeout)
	h, err := c.conn.Join(joinCtx, channel.JoinParams{
		ChannelID: channelID,
		Token:     c.config.Token,
		LocalID:   c.config.LocalID,
	})
	cancel()
	if err != nil {
		if h != nil {
			c.releaseConnection(h)
		}
		var je *channel.JoinError
		if !errors.As(err, &je) {
			err = &channel.JoinError{Reason: "connect", Err: err}
		}
		return &joinResult{err: err}
	}

	if err := c.conn.SetTransmitEnabled(h, false); err != nil {
		c.logger.Warn("initial mute failed", zap.Error(err))
	}

	ch, err := c.capture.StartCapture(ctx)
	if err != nil {
		c.releaseConnection(h)
		return &joinResult{err: err}
	}

	if err := ctx.Err(); err != nil {
		c.capture.StopCapture(ch)
		c.releaseConnection(h)
		return &joinResult{err: &channel.JoinError{Reason: "cancelled", Err: err}}
	}
	return &joinResult{handle: h, capture: ch}
}

func (c *Controller) releaseConnection(h *channel.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.JoinTimeout)
	defer cancel()
	c.step("leave", func() error { return c.conn.Leave(ctx, h) })
	c.step("release", func() error { return c.conn.Release(h) })
}

func (c *Controller) onJoinDone(res *joinResult) bool {
	if c.joinCancel != nil {
		c.joinCancel()
		c.joinCancel = nil
	}
	waiters := c.joinWaiters
	c.joinWaiters = nil

	if res.err != nil {
		c.logger.Warn("join failed", zap.String("channel", c.snap.ChannelID), zap.Error(res.err))
		c.snap.State = StateIdle
		c.snap.ChannelID = ""
		c.snap.LastError = res.err
		c.publish()
		replyAll(waiters, res.err)
		if c.disposing {
			return c.finishDispose()
		}
		return false
	}

	c.handle = res.handle
	c.events = res.handle.Events()
	c.captureHandle = res.capture

	c.snap.State = StateInChannel
	c.snap.Transmitting = false
	c.snap.EffectEnabled = false
	c.snap.Capturing = true
	c.applyPlaybackSettings()

	c.mu.Lock()
	c.sampleSource = res.capture
	c.samples = nil
	c.mu.Unlock()
	go c.forwardSamples(res.capture, res.capture.SampleStream())

	if c.disposing {
		// Dispose arrived while joining; unwind what just landed.
		c.publish()
		replyAll(waiters, ErrClosed)
		c.beginLeave()
		return false
	}

	c.logger.Info("joined channel", zap.String("channel", c.snap.ChannelID))
	c.publish()
	replyAll(waiters, nil)
	return false
}

func (c *Controller) applyPlaybackSettings() {
	if err := c.conn.SetPlaybackVolume(c.handle, c.snap.Volume); err != nil {
		c.logger.Warn("set volume failed", zap.Error(err))
	}
	if c.snap.Speakerphone {
		if err := c.conn.SetSpeakerphone(c.handle, true); err != nil {
			c.logger.Warn("set speakerphone failed", zap.Error(err))
		}
	}
}

func (c *Controller) onLeave(in intent) {
	switch c.snap.State {
	case StateIdle:
		reply(in.reply, nil)
	case StateJoining:
		c.logger.Debug("leave ignored while joining")
		reply(in.reply, ErrBusy)
	case StateLeaving:
		c.leaveWaiters = append(c.leaveWaiters, in.reply)
	case StateInChannel:
		c.leaveWaiters = append(c.leaveWaiters, in.reply)
		c.beginLeave()
	}
}

// beginLeave publishes Leaving with transmit off and runs the teardown in
// the background. Every step is attempted regardless of earlier failures.
func (c *Controller) beginLeave() {
	effect := c.snap.EffectEnabled
	h, ch := c.handle, c.captureHandle

	c.snap.State = StateLeaving
	c.snap.Transmitting = false
	c.snap.EffectEnabled = false
	c.publish()
	c.logger.Info("leaving channel", zap.String("channel", c.snap.ChannelID))

	go func() {
		c.teardown(h, ch, effect)
		c.post(intent{kind: intentLeaveDone})
	}()
}

func (c *Controller) teardown(h *channel.Handle, ch *audio.CaptureHandle, effect bool) {
	if h != nil {
		c.step("mute", func() error { return c.conn.SetTransmitEnabled(h, false) })
		if effect {
			c.step("effect", func() error { return c.conn.SetEffect(h, false) })
		}
	}
	if c.cues != nil {
		c.step("stop mixing", func() error { c.cues.StopMixing(); return nil })
	}
	if ch != nil {
		c.step("stop capture", func() error { c.capture.StopCapture(ch); return nil })
	}
	if h != nil {
		c.releaseConnection(h)
	}
}

// step runs one cleanup action, logging its failure or panic and moving on.
func (c *Controller) step(name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		c.logger.Warn("cleanup step failed", zap.Error(&LeaveCleanupError{Step: name, Err: err}))
	}
}

func (c *Controller) onLeaveDone() bool {
	c.handle = nil
	c.events = nil
	c.captureHandle = nil

	c.snap.State = StateIdle
	c.snap.ChannelID = ""
	c.snap.Capturing = false
	c.snap.Transmitting = false
	c.snap.EffectEnabled = false
	c.snap.Peers = nil

	c.mu.Lock()
	c.sampleSource = nil
	c.samples = nil
	c.mu.Unlock()

	c.logger.Info("left channel")
	c.publish()

	waiters := c.leaveWaiters
	c.leaveWaiters = nil
	replyAll(waiters, nil)

	if c.disposing {
		return c.finishDispose()
	}
	return false
}

func (c *Controller) onPTT(down bool) {
	if c.snap.State != StateInChannel {
		c.logger.Debug("ptt ignored", zap.Bool("down", down), zap.Stringer("state", c.snap.State))
		return
	}
	if c.snap.Transmitting == down {
		return
	}

	c.snap.Transmitting = down
	if err := c.conn.SetTransmitEnabled(c.handle, down); err != nil {
		c.logger.Warn("transmit toggle failed", zap.Error(err))
	}

	cue := c.config.EndCue
	if down {
		cue = c.config.StartCue
	}
	if c.cues != nil {
		c.cues.StopMixing()
		c.cues.Play(sound.CueRequest{AssetID: cue, InjectIntoChannel: true, PlayLocally: true})
	}
	c.publish()
}

func (c *Controller) onSetEffect(enabled bool) {
	if c.snap.State != StateInChannel || c.snap.EffectEnabled == enabled {
		return
	}
	c.snap.EffectEnabled = enabled
	if err := c.conn.SetEffect(c.handle, enabled); err != nil {
		c.logger.Warn("effect toggle failed", zap.Error(err))
	}
	c.publish()
}

func (c *Controller) onSetVolume(volume int) {
	volume = min(max(volume, channel.MinVolume), channel.MaxVolume)
	if volume == c.snap.Volume {
		return
	}
	c.snap.Volume = volume
	if c.snap.State == StateInChannel {
		if err := c.conn.SetPlaybackVolume(c.handle, volume); err != nil {
			c.logger.Warn("set volume failed", zap.Error(err))
		}
	}
	c.publish()
}

func (c *Controller) onSetSpeakerphone(on bool) {
	if on == c.snap.Speakerphone {
		return
	}
	c.snap.Speakerphone = on
	if c.snap.State == StateInChannel {
		if err := c.conn.SetSpeakerphone(c.handle, on); err != nil {
			c.logger.Warn("set speakerphone failed", zap.Error(err))
		}
	}
	c.publish()
}

func (c *Controller) handleChannelEvent(ev channel.Event) {
	if c.snap.State != StateInChannel {
		return
	}
	switch ev.Type {
	case channel.PeerJoined:
		if !slices.Contains(c.snap.Peers, ev.PeerID) {
			c.snap.Peers = append(c.snap.Peers, ev.PeerID)
			c.publish()
		}
	case channel.PeerLeft:
		if i := slices.Index(c.snap.Peers, ev.PeerID); i >= 0 {
			c.snap.Peers = slices.Delete(c.snap.Peers, i, i+1)
			c.publish()
		}
	case channel.Disconnected:
		err := ErrDisconnected
		if ev.Err != nil {
			err = fmt.Errorf("%w: %w", ErrDisconnected, ev.Err)
		}
		c.logger.Warn("channel disconnected", zap.Error(err))
		c.snap.LastError = err
		c.beginLeave()
	}
}

func (c *Controller) onDispose(in intent) bool {
	c.disposeReply = append(c.disposeReply, in.reply)
	if c.disposing {
		return false
	}
	c.disposing = true
	c.logger.Info("disposing", zap.Stringer("state", c.snap.State))

	switch c.snap.State {
	case StateJoining:
		if c.joinCancel != nil {
			c.joinCancel()
		}
	case StateInChannel:
		c.beginLeave()
	case StateLeaving:
	default:
		return c.finishDispose()
	}
	return false
}

func (c *Controller) finishDispose() bool {
	// Release anything bookkeeping may have missed.
	if c.handle != nil || c.captureHandle != nil {
		c.teardown(c.handle, c.captureHandle, c.snap.EffectEnabled)
		c.handle, c.captureHandle, c.events = nil, nil, nil
	}
	replyAll(c.leaveWaiters, nil)
	replyAll(c.joinWaiters, ErrClosed)
	c.leaveWaiters, c.joinWaiters = nil, nil

	replyAll(c.disposeReply, nil)
	c.disposeReply = nil
	return true
}

func (c *Controller) publish() {
	snap := c.snap.clone()

	c.mu.Lock()
	c.published = snap
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnSessionChanged(snap.clone())
	}
}

// forwardSamples feeds windows from src to the sinks until the stream
// closes. Windows arriving after src stopped being the session's capture
// are dropped.
func (c *Controller) forwardSamples(src *audio.CaptureHandle, stream <-chan []float64) {
	for w := range stream {
		c.mu.Lock()
		if c.sampleSource != src {
			c.mu.Unlock()
			continue
		}
		c.samples = w
		sinks := slices.Clone(c.sinks)
		c.mu.Unlock()

		for _, s := range sinks {
			s.OnSamples(slices.Clone(w))
		}
	}
}

func reply(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}

func replyAll(chs []chan error, err error) {
	for _, ch := range chs {
		reply(ch, err)
	}
}
