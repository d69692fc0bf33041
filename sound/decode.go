package sound

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
	"github.com/youpy/go-wav"
)

// Clip is decoded mono 16-bit PCM.
type Clip struct {
	Samples    []int16
	SampleRate int
}

var ErrUnknownFormat = errors.New("unknown audio format")

// Decode sniffs the container and decodes mp3 or wav into a mono clip.
func Decode(data []byte) (*Clip, error) {
	switch detectFormat(data) {
	case "wav":
		return decodeWAV(data)
	case "mp3":
		return decodeMP3(data)
	default:
		return nil, ErrUnknownFormat
	}
}

func detectFormat(data []byte) string {
	if len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return "wav"
	}
	if len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")) {
		return "mp3"
	}
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return "mp3"
	}
	return "unknown"
}

// go-mp3 always yields 16-bit little-endian stereo.
func decodeMP3(data []byte) (*Clip, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open mp3: %w", err)
	}

	pcm, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mp3: %w", err)
	}

	samples := make([]int16, len(pcm)/4)
	for i := range samples {
		l := int16(uint16(pcm[i*4]) | uint16(pcm[i*4+1])<<8)
		r := int16(uint16(pcm[i*4+2]) | uint16(pcm[i*4+3])<<8)
		samples[i] = int16((int32(l) + int32(r)) / 2)
	}

	return &Clip{Samples: samples, SampleRate: d.SampleRate()}, nil
}

func decodeWAV(data []byte) (*Clip, error) {
	r := wav.NewReader(bytes.NewReader(data))

	format, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("failed to read wav format: %w", err)
	}
	if format.NumChannels == 0 {
		return nil, fmt.Errorf("wav has no channels")
	}
	if format.SampleRate == 0 {
		return nil, fmt.Errorf("wav has no sample rate")
	}

	var samples []int16
	for {
		chunk, err := r.ReadSamples()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read wav samples: %w", err)
		}

		for _, s := range chunk {
			var sum int
			for ch := uint(0); ch < uint(format.NumChannels); ch++ {
				sum += toInt16(r.IntValue(s, ch), format.BitsPerSample)
			}
			samples = append(samples, int16(sum/int(format.NumChannels)))
		}
	}

	return &Clip{Samples: samples, SampleRate: int(format.SampleRate)}, nil
}

func toInt16(v int, bits uint16) int {
	switch bits {
	case 8:
		return (v - 128) << 8
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	default:
		return v
	}
}
