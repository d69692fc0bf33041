package audio

import (
	"context"
	"fmt"
	"sync"
)

// CaptureDevice owns the local microphone capture used for visualization.
type CaptureDevice interface {
	// StartCapture opens a capture session. Only one session may be alive at
	// a time.
	StartCapture(ctx context.Context) (*CaptureHandle, error)

	// StopCapture ends the session. Safe on nil, stopped or foreign handles.
	StopCapture(h *CaptureHandle)
}

// CaptureError reports that no capture session could be opened.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture: %s: %v", e.Reason, e.Err)
	}
	return "capture: " + e.Reason
}

func (e *CaptureError) Unwrap() error { return e.Err }

// ErrBusy is the reason used when a second session is requested.
const ErrBusy = "capture already running"

// CaptureHandle is a live capture session feeding an amplitude window.
type CaptureHandle struct {
	window    *Window
	synthetic bool

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// StartLoop runs loop in its own goroutine, writing into a fresh window, and
// returns the handle controlling it. loop must return once ctx is done.
func StartLoop(windowSize int, synthetic bool, loop func(ctx context.Context, w *Window)) *CaptureHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &CaptureHandle{
		window:    NewWindow(windowSize),
		synthetic: synthetic,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		loop(ctx, h.window)
	}()
	return h
}

// Synthetic reports whether the handle animates samples instead of reading
// a real microphone.
func (h *CaptureHandle) Synthetic() bool { return h.synthetic }

// Window returns the rolling amplitude window the session writes into.
func (h *CaptureHandle) Window() *Window { return h.window }

// SampleStream returns a push stream of window snapshots. Each new snapshot
// replaces an unread older one. The stream closes when capture stops; a new
// session yields a new stream.
func (h *CaptureHandle) SampleStream() <-chan []float64 {
	return h.window.Subscribe()
}

// Done is closed once the capture loop has fully exited.
func (h *CaptureHandle) Done() <-chan struct{} { return h.done }

// Release stops the loop, waits for it and closes the window. It reports
// whether this call did the work.
func (h *CaptureHandle) Release() bool {
	if h == nil {
		return false
	}
	released := false
	h.stopOnce.Do(func() {
		released = true
		h.cancel()
		<-h.done
		h.window.Close()
	})
	return released
}

// Slot tracks the single live handle of a device.
type Slot struct {
	mu     sync.Mutex
	active *CaptureHandle
}

// Claim runs start while holding the slot, refusing when a handle is alive.
func (s *Slot) Claim(ctx context.Context, start func() (*CaptureHandle, error)) (*CaptureHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, &CaptureError{Reason: ErrBusy}
	}
	if err := ctx.Err(); err != nil {
		return nil, &CaptureError{Reason: "cancelled", Err: err}
	}
	h, err := start()
	if err != nil {
		return nil, err
	}
	s.active = h
	return h, nil
}

// Free releases h and clears the slot if h is the live handle.
func (s *Slot) Free(h *CaptureHandle) bool {
	if h == nil {
		return false
	}
	s.mu.Lock()
	if s.active == h {
		s.active = nil
	}
	s.mu.Unlock()
	return h.Release()
}
