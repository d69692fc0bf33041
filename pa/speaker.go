package pa

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/d1nch8g/ptt/logging"
)

// Speaker renders PCM on the default output device.
type Speaker struct {
	framesPerBuffer int
	logger          *zap.Logger
	speakerphone    atomic.Bool
}

func NewSpeaker(framesPerBuffer int, logger *zap.Logger) *Speaker {
	if framesPerBuffer <= 0 {
		framesPerBuffer = GetDefaultConfig().FramesPerBuffer
	}
	s := &Speaker{
		framesPerBuffer: framesPerBuffer,
		logger:          logging.OrNop(logger).Named("speaker"),
	}
	s.speakerphone.Store(true)
	return s
}

// SetSpeakerphone selects the output route. Desktop hosts expose a single
// default output, so the route is only recorded.
func (s *Speaker) SetSpeakerphone(on bool) {
	s.speakerphone.Store(on)
	s.logger.Debug("output route changed", zap.Bool("speakerphone", on))
}

func (s *Speaker) Speakerphone() bool { return s.speakerphone.Load() }

// Play renders one mono clip and returns once it finished or ctx is done.
func (s *Speaker) Play(ctx context.Context, samples []int16, sampleRate int) error {
	if len(samples) == 0 {
		return nil
	}

	frames := make(chan []int16, 1)
	frames <- samples
	close(frames)
	return s.StartPlayback(ctx, frames, sampleRate)
}

// StartPlayback plays mono frames from a channel until it is closed or ctx
// is done.
func (s *Speaker) StartPlayback(ctx context.Context, frames <-chan []int16, sampleRate int) error {
	if err := Acquire(); err != nil {
		return err
	}
	defer Release()

	buffer := make([]int16, s.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), s.framesPerBuffer, buffer)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			for len(frame) > 0 {
				n := copy(buffer, frame)
				// Zero-fill remaining buffer
				for i := n; i < len(buffer); i++ {
					buffer[i] = 0
				}
				frame = frame[n:]

				if err := stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
					s.logger.Warn("error writing audio", zap.Error(err))
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
	}
}
