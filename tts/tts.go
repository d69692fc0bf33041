package tts

import "context"

// Synthesizer renders text to a complete WAV file. It satisfies
// sound.Synthesizer, which spoken cues resolve through.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Close() error
}

// Options represents the configuration for speech synthesis
type Options struct {
	Voice  string
	Speed  float64
	Volume float64
	Model  string
}

func GetDefaultOptions() Options {
	return Options{
		Voice:  "marina",
		Speed:  1.0,
		Volume: 0.0,
		Model:  "general",
	}
}

func (o Options) withDefaults() Options {
	def := GetDefaultOptions()
	if o.Voice == "" {
		o.Voice = def.Voice
	}
	if o.Speed == 0 {
		o.Speed = def.Speed
	}
	if o.Model == "" {
		o.Model = def.Model
	}
	return o
}
