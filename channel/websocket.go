package channel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/d1nch8g/ptt/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	mixFrameMs     = 20
	stopMixWait    = time.Second
)

// Binary frame kinds; the payload is 16-bit little-endian mono PCM.
const (
	FrameVoice byte = 0x01
	FrameCue   byte = 0x02
)

// Message is a JSON control frame exchanged with the channel server.
type Message struct {
	Type       string   `json:"type"`
	AppID      string   `json:"appId,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	UID        string   `json:"uid,omitempty"`
	Token      string   `json:"token,omitempty"`
	Enabled    *bool    `json:"enabled,omitempty"`
	Seq        uint64   `json:"seq,omitempty"`
	Asset      string   `json:"asset,omitempty"`
	SampleRate int      `json:"sampleRate,omitempty"`
	Peers      []string `json:"peers,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Uplink supplies microphone frames while joined.
type Uplink interface {
	Open(ctx context.Context) (<-chan []int16, error)
}

// Downlink renders the channel's incoming audio.
type Downlink interface {
	StartPlayback(ctx context.Context, frames <-chan []int16, sampleRate int) error
	SetSpeakerphone(on bool)
}

type Config struct {
	ServerURL        string
	AppID            string
	SampleRate       int
	HandshakeTimeout time.Duration
}

// Engine is a Connection speaking JSON control and binary PCM frames over a
// websocket. It holds at most one joined channel.
type Engine struct {
	config   Config
	uplink   Uplink
	downlink Downlink
	logger   *zap.Logger
	dialer   websocket.Dialer

	mu      sync.Mutex
	session *wsSession
	joining bool
}

var _ Connection = (*Engine)(nil)

// NewEngine creates an engine. uplink and downlink may be nil.
func NewEngine(config Config, uplink Uplink, downlink Downlink, logger *zap.Logger) *Engine {
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	return &Engine{
		config:   config,
		uplink:   uplink,
		downlink: downlink,
		logger:   logging.OrNop(logger).Named("channel"),
		dialer:   websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
	}
}

type outFrame struct {
	kind int
	data []byte
}

// mixing is one MixCue call in flight. started is read by others only after
// done is closed.
type mixing struct {
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

type wsSession struct {
	handle *Handle
	conn   *websocket.Conn
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendChan  chan []byte
	frameChan chan outFrame

	transmit      atomic.Bool
	transmitDirty chan struct{}
	seq           uint64

	volume   atomic.Int32
	downlink chan []int16

	mixMu sync.Mutex
	mix   *mixing

	writers sync.WaitGroup
	readers sync.WaitGroup

	leaveOnce sync.Once
	left      atomic.Bool
}

func (e *Engine) buildURL(params JoinParams) (string, error) {
	u, err := url.Parse(e.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	u.Path = fmt.Sprintf("/v1/apps/%s/channels/%s/ws", url.PathEscape(e.config.AppID), url.PathEscape(params.ChannelID))
	q := u.Query()
	q.Set("uid", params.LocalID)
	if params.Token != "" {
		q.Set("token", params.Token)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (e *Engine) Join(ctx context.Context, params JoinParams) (*Handle, error) {
	if params.ChannelID == "" {
		return nil, &JoinError{Reason: "empty channel id"}
	}

	e.mu.Lock()
	if e.joining || (e.session != nil && !e.session.handle.Released()) {
		e.mu.Unlock()
		return nil, &JoinError{Reason: "busy", Err: ErrAlreadyJoined}
	}
	e.joining = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.joining = false
		e.mu.Unlock()
	}()

	wsURL, err := e.buildURL(params)
	if err != nil {
		return nil, &JoinError{Reason: "invalid server url", Err: err}
	}

	conn, _, err := e.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, &JoinError{Reason: "dial", Err: err}
	}
	conn.SetReadLimit(maxMessageSize)

	peers, err := e.handshake(ctx, conn, params)
	if err != nil {
		conn.Close()
		return nil, err
	}

	h := NewHandle(params.ChannelID, params.LocalID)
	s := e.startSession(h, conn)

	e.mu.Lock()
	e.session = s
	e.mu.Unlock()

	for _, p := range peers {
		h.Emit(Event{Type: PeerJoined, PeerID: p})
	}

	e.logger.Info("joined channel",
		zap.String("channel", params.ChannelID),
		zap.String("uid", params.LocalID),
		zap.Int("peers", len(peers)))
	return h, nil
}

// handshake sends join and waits for joined, honoring ctx.
func (e *Engine) handshake(ctx context.Context, conn *websocket.Conn, params JoinParams) ([]string, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
	}
	join := Message{
		Type:    "join",
		AppID:   e.config.AppID,
		Channel: params.ChannelID,
		UID:     params.LocalID,
		Token:   params.Token,
	}
	if err := conn.WriteJSON(join); err != nil {
		return nil, &JoinError{Reason: "send join", Err: err}
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil, &JoinError{Reason: "timeout", Err: ctx.Err()}
			}
			return nil, &JoinError{Reason: "read", Err: err}
		}

		switch msg.Type {
		case "joined":
			if !stop() {
				// The deadline callback already fired.
				return nil, &JoinError{Reason: "timeout", Err: context.DeadlineExceeded}
			}
			conn.SetReadDeadline(time.Time{})
			conn.SetWriteDeadline(time.Time{})
			return msg.Peers, nil
		case "error":
			return nil, &JoinError{Reason: msg.Reason}
		}
	}
}

func (e *Engine) startSession(h *Handle, conn *websocket.Conn) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		handle:        h,
		conn:          conn,
		logger:        e.logger.With(zap.String("channel", h.ChannelID())),
		ctx:           ctx,
		cancel:        cancel,
		sendChan:      make(chan []byte, 64),
		frameChan:     make(chan outFrame, 64),
		transmitDirty: make(chan struct{}, 1),
		downlink:      make(chan []int16, 32),
	}
	s.volume.Store(DefaultVolume)

	s.writers.Add(1)
	go func() {
		defer s.writers.Done()
		s.writePump()
	}()

	s.readers.Add(1)
	go func() {
		defer s.readers.Done()
		s.readPump()
	}()

	if e.uplink != nil {
		s.writers.Add(1)
		go func() {
			defer s.writers.Done()
			s.uplinkPump(e.uplink)
		}()
	}

	if e.downlink != nil {
		s.readers.Add(1)
		go func() {
			defer s.readers.Done()
			if err := e.downlink.StartPlayback(ctx, s.downlink, e.config.SampleRate); err != nil && ctx.Err() == nil {
				s.logger.Warn("downlink playback stopped", zap.Error(err))
			}
		}()
	}

	return s
}

func (s *wsSession) readPump() {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("connection lost", zap.Error(err))
				s.handle.Emit(Event{Type: Disconnected, Err: err})
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind == websocket.BinaryMessage {
			s.receiveFrame(data)
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("failed to parse message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "peer_joined":
			s.emit(Event{Type: PeerJoined, PeerID: msg.UID})
		case "peer_left":
			s.emit(Event{Type: PeerLeft, PeerID: msg.UID})
		case "error":
			s.logger.Warn("server error", zap.String("reason", msg.Reason))
		}
	}
}

func (s *wsSession) emit(ev Event) {
	if !s.handle.Emit(ev) {
		s.logger.Warn("dropping channel event", zap.Stringer("event", ev.Type), zap.String("peer", ev.PeerID))
	}
}

func (s *wsSession) receiveFrame(data []byte) {
	if len(data) < 3 || data[0] != FrameVoice {
		return
	}
	pcm := DecodePCM(data[1:])
	ScaleVolume(pcm, int(s.volume.Load()))

	select {
	case s.downlink <- pcm:
	default:
		// Drop audio if playback is behind
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case message := <-s.sendChan:
			if err := s.write(websocket.TextMessage, message); err != nil {
				s.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-s.transmitDirty:
			if err := s.writeTransmit(); err != nil {
				s.logger.Warn("transmit write error", zap.Error(err))
				return
			}

		case frame := <-s.frameChan:
			if err := s.write(frame.kind, frame.data); err != nil {
				s.logger.Warn("binary write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) write(kind int, data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(kind, data)
}

// writeTransmit sends the latest desired transmit state with a fresh seq.
// Only the writer goroutine (or Leave after it stopped) calls it.
func (s *wsSession) writeTransmit() error {
	s.seq++
	enabled := s.transmit.Load()
	data, err := json.Marshal(Message{Type: "transmit", Enabled: &enabled, Seq: s.seq})
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *wsSession) uplinkPump(uplink Uplink) {
	frames, err := uplink.Open(s.ctx)
	if err != nil {
		s.logger.Warn("uplink unavailable", zap.Error(err))
		return
	}

	for frame := range frames {
		if !s.transmit.Load() {
			continue
		}
		select {
		case s.frameChan <- outFrame{websocket.BinaryMessage, EncodeFrame(FrameVoice, frame)}:
		case <-s.ctx.Done():
		default:
			// Drop audio if the socket is behind
		}
	}
}

func (s *wsSession) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}

	select {
	case s.sendChan <- data:
		return nil
	case <-s.ctx.Done():
		return ErrHandleReleased
	default:
		return fmt.Errorf("send channel is full")
	}
}

// queue sends a control message in order with the binary frames.
func (s *wsSession) queue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}

	select {
	case s.frameChan <- outFrame{websocket.TextMessage, data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// active resolves h to the live session.
func (e *Engine) active(h *Handle) (*wsSession, error) {
	if h == nil || h.Released() {
		return nil, ErrHandleReleased
	}

	e.mu.Lock()
	s := e.session
	e.mu.Unlock()

	if s == nil || s.handle != h || s.left.Load() {
		return nil, ErrHandleReleased
	}
	return s, nil
}

func (e *Engine) SetTransmitEnabled(h *Handle, enabled bool) error {
	s, err := e.active(h)
	if err != nil {
		return &TransmitToggleError{Enabled: enabled, Err: err}
	}

	s.transmit.Store(enabled)
	select {
	case s.transmitDirty <- struct{}{}:
	default:
		// a flush is already pending and will carry this value
	}
	return nil
}

func (e *Engine) SetPlaybackVolume(h *Handle, volume int) error {
	s, err := e.active(h)
	if err != nil {
		return err
	}
	if volume < MinVolume {
		volume = MinVolume
	}
	if volume > MaxVolume {
		volume = MaxVolume
	}
	s.volume.Store(int32(volume))
	return nil
}

func (e *Engine) SetSpeakerphone(h *Handle, on bool) error {
	if _, err := e.active(h); err != nil {
		return err
	}
	if e.downlink != nil {
		e.downlink.SetSpeakerphone(on)
	}
	return nil
}

func (e *Engine) SetEffect(h *Handle, enabled bool) error {
	s, err := e.active(h)
	if err != nil {
		return err
	}
	return s.send(Message{Type: "effect", Enabled: &enabled})
}

// MixCue streams a clip into the outbound mix in real time, replacing any
// cue still being mixed. A mix_start is followed by one mix_stop, sent here
// or by StopMixing, unless a newer cue replaces it first.
func (e *Engine) MixCue(ctx context.Context, assetID string, samples []int16, sampleRate int) (err error) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil || s.left.Load() {
		return ErrHandleReleased
	}
	chunk := sampleRate * mixFrameMs / 1000
	if chunk < 1 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	m := &mixing{cancel: cancel, done: make(chan struct{})}
	defer func() {
		if s.endMix(m) && m.started {
			if stopErr := s.stopMix(assetID); err == nil {
				err = stopErr
			}
		}
		close(m.done)
	}()

	s.mixMu.Lock()
	prev := s.mix
	s.mix = m
	s.mixMu.Unlock()

	if prev != nil {
		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.queue(ctx, Message{Type: "mix_start", Asset: assetID, SampleRate: sampleRate}); err != nil {
		return err
	}
	m.started = true

	ticker := time.NewTicker(mixFrameMs * time.Millisecond)
	defer ticker.Stop()

	for off := 0; off < len(samples); off += chunk {
		end := off + chunk
		if end > len(samples) {
			end = len(samples)
		}

		select {
		case s.frameChan <- outFrame{websocket.BinaryMessage, EncodeFrame(FrameCue, samples[off:end])}:
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// endMix clears the mix slot if m still holds it.
func (s *wsSession) endMix(m *mixing) bool {
	s.mixMu.Lock()
	defer s.mixMu.Unlock()
	if s.mix != m {
		return false
	}
	s.mix = nil
	return true
}

// stopMix queues mix_stop behind any cue frames already queued.
func (s *wsSession) stopMix(assetID string) error {
	ctx, cancel := context.WithTimeout(s.ctx, stopMixWait)
	defer cancel()
	return s.queue(ctx, Message{Type: "mix_stop", Asset: assetID})
}

// StopMixing cancels the cue being mixed, if any. Nothing is sent when no
// cue is in flight.
func (e *Engine) StopMixing() error {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil || s.left.Load() {
		return nil
	}

	s.mixMu.Lock()
	m := s.mix
	s.mix = nil
	s.mixMu.Unlock()

	if m == nil {
		return nil
	}
	m.cancel()

	select {
	case <-m.done:
	case <-s.ctx.Done():
		return ErrHandleReleased
	}
	if !m.started {
		return nil
	}
	return s.stopMix("")
}

func (e *Engine) Leave(ctx context.Context, h *Handle) error {
	if h == nil || h.Released() {
		return nil
	}

	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil || s.handle != h {
		return nil
	}

	var leaveErr error
	s.leaveOnce.Do(func() {
		leaveErr = s.shutdown(ctx)
		e.logger.Info("left channel", zap.String("channel", h.ChannelID()))
	})
	return leaveErr
}

// shutdown stops the writers, flushes a pending transmit state, says
// goodbye and closes the socket.
func (s *wsSession) shutdown(ctx context.Context) error {
	s.left.Store(true)
	s.cancel()
	s.writers.Wait()

	var errs []error
	select {
	case <-s.transmitDirty:
		if err := s.writeTransmit(); err != nil {
			errs = append(errs, fmt.Errorf("flush transmit: %w", err))
		}
	default:
	}

	if data, err := json.Marshal(Message{Type: "leave"}); err == nil {
		if err := s.write(websocket.TextMessage, data); err != nil {
			errs = append(errs, fmt.Errorf("send leave: %w", err))
		}
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	s.readers.Wait()

	return errors.Join(errs...)
}

func (e *Engine) Release(h *Handle) error {
	if h == nil {
		return nil
	}

	var err error
	if !h.Released() {
		err = e.Leave(context.Background(), h)
	}

	e.mu.Lock()
	if e.session != nil && e.session.handle == h {
		e.session = nil
	}
	e.mu.Unlock()

	h.MarkReleased()
	return err
}

// Close releases whatever channel is still held.
func (e *Engine) Close() error {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return e.Release(s.handle)
}

// EncodeFrame builds a binary frame of the given kind.
func EncodeFrame(kind byte, pcm []int16) []byte {
	buf := make([]byte, 1+2*len(pcm))
	buf[0] = kind
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(buf[1+2*i:], uint16(v))
	}
	return buf
}

// DecodePCM reads 16-bit little-endian samples; a trailing odd byte is
// ignored.
func DecodePCM(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return pcm
}

// ScaleVolume applies a 0..400 volume in place with clipping.
func ScaleVolume(pcm []int16, volume int) {
	if volume == DefaultVolume {
		return
	}
	for i, v := range pcm {
		scaled := int(v) * volume / DefaultVolume
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		pcm[i] = int16(scaled)
	}
}
