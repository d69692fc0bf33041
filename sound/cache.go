package sound

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const toneSampleRate = 16000

// Built-in cue ids, synthesized when no asset file exists.
const (
	CueStart = "start"
	CueEnd   = "end"
)

// SpokenPrefix marks an asset id whose remainder is text to synthesize,
// as in "say:over".
const SpokenPrefix = "say:"

const synthesizeTimeout = 10 * time.Second

var (
	extensions = []string{".mp3", ".wav"}

	ErrNoSynthesizer = errors.New("no speech synthesizer configured")
)

// Synthesizer renders text to an encoded WAV or MP3 file.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type CacheOption func(*Cache)

// WithSynthesizer enables spoken cues.
func WithSynthesizer(s Synthesizer) CacheOption {
	return func(c *Cache) { c.synth = s }
}

// Cache materializes cue assets once per process and reuses them. Assets
// are static, so entries are never invalidated.
type Cache struct {
	dir string

	mu    sync.RWMutex
	clips map[string]*Clip
	group singleflight.Group

	readFile func(string) ([]byte, error)
	synth    Synthesizer
}

func NewCache(dir string, opts ...CacheOption) *Cache {
	c := &Cache{
		dir:      dir,
		clips:    make(map[string]*Clip),
		readFile: os.ReadFile,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns the decoded clip for assetID, decoding it on first use.
func (c *Cache) Load(assetID string) (*Clip, error) {
	c.mu.RLock()
	clip, ok := c.clips[assetID]
	c.mu.RUnlock()
	if ok {
		return clip, nil
	}

	v, err, _ := c.group.Do(assetID, func() (interface{}, error) {
		c.mu.RLock()
		clip, ok := c.clips[assetID]
		c.mu.RUnlock()
		if ok {
			return clip, nil
		}

		clip, err := c.materialize(assetID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.clips[assetID] = clip
		c.mu.Unlock()
		return clip, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Clip), nil
}

func (c *Cache) materialize(assetID string) (*Clip, error) {
	if text, ok := strings.CutPrefix(assetID, SpokenPrefix); ok {
		return c.synthesize(assetID, text)
	}
	if assetID == "" || filepath.Base(assetID) != assetID {
		return nil, &CueError{AssetID: assetID, Err: fmt.Errorf("invalid asset id")}
	}

	for _, ext := range extensions {
		path := filepath.Join(c.dir, assetID+ext)
		data, err := c.readFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &CueError{AssetID: assetID, Path: path, Err: err}
		}

		clip, err := Decode(data)
		if err != nil {
			return nil, &CueError{AssetID: assetID, Path: path, Err: err}
		}
		return clip, nil
	}

	switch assetID {
	case CueStart:
		return Tone(toneSampleRate, 120, 660, 990), nil
	case CueEnd:
		return Tone(toneSampleRate, 120, 990, 660), nil
	}
	return nil, &CueError{AssetID: assetID, Path: c.dir, Err: fs.ErrNotExist}
}

func (c *Cache) synthesize(assetID, text string) (*Clip, error) {
	if c.synth == nil {
		return nil, &CueError{AssetID: assetID, Err: ErrNoSynthesizer}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &CueError{AssetID: assetID, Err: fmt.Errorf("empty cue text")}
	}

	ctx, cancel := context.WithTimeout(context.Background(), synthesizeTimeout)
	defer cancel()

	data, err := c.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, &CueError{AssetID: assetID, Path: "tts", Err: err}
	}
	clip, err := Decode(data)
	if err != nil {
		return nil, &CueError{AssetID: assetID, Path: "tts", Err: err}
	}
	return clip, nil
}

// Tone synthesizes a short sweep from fromHz to toHz with a soft envelope.
func Tone(sampleRate, durationMs int, fromHz, toHz float64) *Clip {
	n := sampleRate * durationMs / 1000
	samples := make([]int16, n)
	fade := n / 10
	if fade == 0 {
		fade = 1
	}

	phase := 0.0
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n)
		freq := fromHz + (toHz-fromHz)*t
		phase += 2 * math.Pi * freq / float64(sampleRate)

		env := 1.0
		if i < fade {
			env = float64(i) / float64(fade)
		} else if i > n-fade {
			env = float64(n-i) / float64(fade)
		}
		samples[i] = int16(math.Sin(phase) * env * 0.5 * math.MaxInt16)
	}
	return &Clip{Samples: samples, SampleRate: sampleRate}
}
