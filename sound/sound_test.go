package sound

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wavBytes(t *testing.T, samples []int16, rate int) []byte {
	t.Helper()

	var buf bytes.Buffer
	dataSize := len(samples) * 2
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	for _, s := range samples {
		binary.Write(&buf, binary.LittleEndian, s)
	}
	return buf.Bytes()
}

func TestDecodeWAV(t *testing.T) {
	in := []int16{0, 1000, -1000, 32767, -32768}
	clip, err := Decode(wavBytes(t, in, 8000))
	require.NoError(t, err)
	assert.Equal(t, 8000, clip.SampleRate)
	assert.Equal(t, in, clip.Samples)
}

func TestDecodeWAVZeroSampleRate(t *testing.T) {
	_, err := Decode(wavBytes(t, []int16{1, 2, 3}, 0))
	assert.ErrorContains(t, err, "sample rate")
}

func TestDecodeUnknown(t *testing.T) {
	_, err := Decode([]byte("definitely not audio"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, "mp3", detectFormat([]byte("ID3\x04\x00")))
	assert.Equal(t, "mp3", detectFormat([]byte{0xFF, 0xFB, 0x90}))
	assert.Equal(t, "wav", detectFormat([]byte("RIFF\x00\x00\x00\x00WAVE")))
	assert.Equal(t, "unknown", detectFormat(nil))
}

func TestCacheLoadsOnceAndReuses(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "beep.wav"), wavBytes(t, []int16{1, 2, 3}, 16000), 0o644))

	c := NewCache(dir)
	var reads atomic.Int32
	read := c.readFile
	c.readFile = func(p string) ([]byte, error) {
		reads.Add(1)
		return read(p)
	}

	var wg sync.WaitGroup
	clips := make([]*Clip, 8)
	for i := range clips {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clip, err := c.Load("beep")
			assert.NoError(t, err)
			clips[i] = clip
		}(i)
	}
	wg.Wait()

	for _, clip := range clips {
		assert.Same(t, clips[0], clip)
	}
	// beep.mp3 miss + beep.wav hit, exactly once
	assert.Equal(t, int32(2), reads.Load())
}

func TestCacheBuiltinTones(t *testing.T) {
	c := NewCache(t.TempDir())

	start, err := c.Load(CueStart)
	require.NoError(t, err)
	assert.NotEmpty(t, start.Samples)
	assert.Equal(t, toneSampleRate, start.SampleRate)

	end, err := c.Load(CueEnd)
	require.NoError(t, err)
	assert.NotEqual(t, start.Samples, end.Samples)
}

func TestCacheMissingAsset(t *testing.T) {
	c := NewCache(t.TempDir())

	_, err := c.Load("nope")
	var cueErr *CueError
	require.True(t, errors.As(err, &cueErr))
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = c.Load("../etc/passwd")
	require.Error(t, err)
}

type fakeSynth struct {
	calls atomic.Int32
	data  []byte
	err   error
	texts chan string
}

func (s *fakeSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	s.calls.Add(1)
	select {
	case s.texts <- text:
	default:
	}
	return s.data, s.err
}

func TestCacheSpokenCue(t *testing.T) {
	synth := &fakeSynth{data: wavBytes(t, []int16{1, 2, 3}, 22050), texts: make(chan string, 4)}
	c := NewCache(t.TempDir(), WithSynthesizer(synth))

	clip, err := c.Load("say: over ")
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3}, clip.Samples)
	assert.Equal(t, 22050, clip.SampleRate)
	assert.Equal(t, "over", <-synth.texts)

	_, err = c.Load("say: over ")
	require.NoError(t, err)
	assert.EqualValues(t, 1, synth.calls.Load())

	_, err = c.Load("say:   ")
	assert.Error(t, err)
}

func TestCacheSpokenCueErrors(t *testing.T) {
	_, err := NewCache(t.TempDir()).Load("say:over")
	assert.ErrorIs(t, err, ErrNoSynthesizer)

	boom := errors.New("quota exceeded")
	_, err = NewCache(t.TempDir(), WithSynthesizer(&fakeSynth{err: boom})).Load("say:over")
	var cueErr *CueError
	require.ErrorAs(t, err, &cueErr)
	assert.Equal(t, "tts", cueErr.Path)
	assert.ErrorIs(t, err, boom)

	_, err = NewCache(t.TempDir(), WithSynthesizer(&fakeSynth{data: []byte("junk")})).Load("say:over")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestTone(t *testing.T) {
	clip := Tone(16000, 100, 440, 440)
	assert.Len(t, clip.Samples, 1600)
	assert.Equal(t, int16(0), clip.Samples[0])
}

type fakeOutput struct {
	err    error
	played chan string
}

func (o *fakeOutput) Play(_ context.Context, samples []int16, _ int) error {
	o.played <- "local"
	return o.err
}

type fakeMixer struct {
	err     error
	block   bool
	mixed   chan string
	stopped atomic.Int32
}

func (m *fakeMixer) MixCue(ctx context.Context, assetID string, _ []int16, _ int) error {
	m.mixed <- assetID
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.err
}

func (m *fakeMixer) StopMixing() error {
	m.stopped.Add(1)
	return nil
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		return ""
	}
}

func TestCuePlayerPathsFailIndependently(t *testing.T) {
	out := &fakeOutput{err: errors.New("speaker gone"), played: make(chan string, 4)}
	mix := &fakeMixer{err: errors.New("channel gone"), mixed: make(chan string, 4)}
	p := NewCuePlayer(NewCache(t.TempDir()), out, mix, nil)
	defer p.Close()

	p.Play(CueRequest{AssetID: CueStart, PlayLocally: true, InjectIntoChannel: true})
	assert.Equal(t, "local", recv(t, out.played))
	assert.Equal(t, CueStart, recv(t, mix.mixed))

	// both paths still work after failures
	p.Play(CueRequest{AssetID: CueEnd, PlayLocally: true, InjectIntoChannel: true})
	assert.Equal(t, "local", recv(t, out.played))
	assert.Equal(t, CueEnd, recv(t, mix.mixed))
}

func TestCuePlayerOnlyRequestedPaths(t *testing.T) {
	out := &fakeOutput{played: make(chan string, 4)}
	mix := &fakeMixer{mixed: make(chan string, 4)}
	p := NewCuePlayer(NewCache(t.TempDir()), out, mix, nil)

	p.Play(CueRequest{AssetID: CueStart, PlayLocally: true})
	p.Close()

	assert.Len(t, out.played, 1)
	assert.Len(t, mix.mixed, 0)
}

func TestCuePlayerStopMixingCancelsInjection(t *testing.T) {
	mix := &fakeMixer{block: true, mixed: make(chan string, 4)}
	p := NewCuePlayer(NewCache(t.TempDir()), nil, mix, nil)

	p.Play(CueRequest{AssetID: CueStart, InjectIntoChannel: true})
	recv(t, mix.mixed)

	p.StopMixing()
	p.StopMixing()
	assert.Equal(t, int32(2), mix.stopped.Load())

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("injection was not cancelled")
	}

	p.Play(CueRequest{AssetID: CueStart, InjectIntoChannel: true})
	assert.Len(t, mix.mixed, 0)
}
