package pa

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var (
	paMu       sync.Mutex
	paRefCount int
)

// Acquire initializes PortAudio on first use. Every successful Acquire must
// be paired with a Release.
func Acquire() error {
	paMu.Lock()
	defer paMu.Unlock()

	if paRefCount == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize PortAudio: %w", err)
		}
	}
	paRefCount++
	return nil
}

// Release terminates PortAudio once the last user is gone.
func Release() error {
	paMu.Lock()
	defer paMu.Unlock()

	if paRefCount == 0 {
		return nil
	}
	paRefCount--
	if paRefCount == 0 {
		if err := portaudio.Terminate(); err != nil {
			return fmt.Errorf("failed to terminate PortAudio: %w", err)
		}
	}
	return nil
}

// HasInput reports whether a default input device with at least one channel
// exists. PortAudio must be acquired.
func HasInput() bool {
	dev, err := portaudio.DefaultInputDevice()
	return err == nil && dev != nil && dev.MaxInputChannels > 0
}

// Device describes one PortAudio device.
type Device struct {
	Name           string
	HostAPI        string
	InputChannels  int
	OutputChannels int
	SampleRate     float64
}

// Devices lists the devices PortAudio can see.
func Devices() ([]Device, error) {
	if err := Acquire(); err != nil {
		return nil, err
	}
	defer Release()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		d := Device{
			Name:           info.Name,
			InputChannels:  info.MaxInputChannels,
			OutputChannels: info.MaxOutputChannels,
			SampleRate:     info.DefaultSampleRate,
		}
		if info.HostApi != nil {
			d.HostAPI = info.HostApi.Name
		}
		devices = append(devices, d)
	}
	return devices, nil
}
