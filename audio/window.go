package audio

import (
	"math"
	"sync"
)

// Window is a fixed-size rolling window of normalized loudness values in
// [0, 1], oldest first. Pushing past capacity drops the oldest value.
type Window struct {
	mu     sync.Mutex
	buf    []float64
	next   int
	subs   []chan []float64
	closed bool
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{buf: make([]float64, size)}
}

func (w *Window) Len() int { return len(w.buf) }

// Push appends one value and broadcasts the new snapshot to subscribers
// without blocking. A subscriber that has not read the previous snapshot gets
// it replaced.
func (w *Window) Push(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.buf[w.next] = clamp01(v)
	w.next = (w.next + 1) % len(w.buf)

	if len(w.subs) == 0 {
		return
	}
	snap := w.snapshotLocked()
	for _, ch := range w.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Snapshot copies the window, oldest first. Its length is always Len().
func (w *Window) Snapshot() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Window) snapshotLocked() []float64 {
	out := make([]float64, 0, len(w.buf))
	out = append(out, w.buf[w.next:]...)
	out = append(out, w.buf[:w.next]...)
	return out
}

// Subscribe returns a channel carrying the latest snapshot after each Push.
// It is closed by Close; subscribing to a closed window yields a closed
// channel.
func (w *Window) Subscribe() <-chan []float64 {
	ch := make(chan []float64, 1)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		close(ch)
		return ch
	}
	w.subs = append(w.subs, ch)
	return ch
}

func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
}

// Level converts a buffer of PCM samples in [-1, 1] into a loudness value in
// [0, 1] by mapping its RMS from -60..0 dBFS.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	return clamp01((db + 60) / 60)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
