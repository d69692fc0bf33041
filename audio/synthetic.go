package audio

import (
	"context"
	"math"
	"time"
)

const syntheticPhaseStep = 0.35

// SyntheticLevel is the animated loudness used when no microphone exists.
func SyntheticLevel(phase float64) float64 {
	return 0.2 + 0.25*(1+math.Sin(phase)) + 0.1*math.Sin(phase*2.7)
}

// StartSynthetic starts a capture session that animates its window on a
// timer instead of reading hardware.
func StartSynthetic(windowSize int, interval time.Duration) *CaptureHandle {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return StartLoop(windowSize, true, func(ctx context.Context, w *Window) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		phase := 0.0
		w.Push(SyntheticLevel(phase))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				phase += syntheticPhaseStep
				w.Push(SyntheticLevel(phase))
			}
		}
	})
}

// SyntheticDevice always produces animated samples.
type SyntheticDevice struct {
	windowSize int
	interval   time.Duration
	slot       Slot
}

var _ CaptureDevice = (*SyntheticDevice)(nil)

func NewSyntheticDevice(windowSize int, interval time.Duration) *SyntheticDevice {
	return &SyntheticDevice{windowSize: windowSize, interval: interval}
}

func (d *SyntheticDevice) StartCapture(ctx context.Context) (*CaptureHandle, error) {
	return d.slot.Claim(ctx, func() (*CaptureHandle, error) {
		return StartSynthetic(d.windowSize, d.interval), nil
	})
}

func (d *SyntheticDevice) StopCapture(h *CaptureHandle) {
	d.slot.Free(h)
}
