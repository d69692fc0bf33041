package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/d1nch8g/ptt/session"
)

const (
	meterWidth    = 30
	meterInterval = 100 * time.Millisecond
	clearLine     = "\r\033[K"
)

// Presenter renders session snapshots and the input level on a terminal.
type Presenter struct {
	out io.Writer

	mu        sync.Mutex
	last      string
	lastErr   error
	lastMeter time.Time
	showMeter bool
}

func NewPresenter(out io.Writer) *Presenter {
	return &Presenter{out: out}
}

func (p *Presenter) OnSessionChanged(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.showMeter = s.Capturing
	if line := FormatSnapshot(s); line != p.last {
		p.last = line
		fmt.Fprintf(p.out, "%s%s\n", clearLine, line)
	}
	if s.LastError != nil && s.LastError != p.lastErr {
		fmt.Fprintf(p.out, "%serror: %v (x to dismiss)\n", clearLine, s.LastError)
	}
	p.lastErr = s.LastError
}

// OnSamples redraws the meter line, at most once per meterInterval.
func (p *Presenter) OnSamples(window []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.showMeter || time.Since(p.lastMeter) < meterInterval {
		return
	}
	p.lastMeter = time.Now()
	fmt.Fprintf(p.out, "%s%s", clearLine, RenderMeter(window, meterWidth))
}

// FormatSnapshot renders the one-line status of a session.
func FormatSnapshot(s session.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", s.State)
	if s.ChannelID != "" {
		fmt.Fprintf(&b, " %s", s.ChannelID)
	}
	if s.State != session.StateInChannel {
		return b.String()
	}

	tx := "muted"
	if s.Transmitting {
		tx = "TALKING"
	}
	fmt.Fprintf(&b, " | %s | effect %s | vol %d | speaker %s", tx, onOff(s.EffectEnabled), s.Volume, onOff(s.Speakerphone))
	if len(s.Peers) > 0 {
		fmt.Fprintf(&b, " | peers: %s", strings.Join(s.Peers, ", "))
	}
	return b.String()
}

// RenderMeter draws the newest level of window as a bar with a percentage.
func RenderMeter(window []float64, width int) string {
	level := 0.0
	if n := len(window); n > 0 {
		// Peak of the newest five values.
		for _, v := range window[max(0, n-5):] {
			level = max(level, v)
		}
	}
	level = min(max(level, 0), 1)

	filled := int(level*float64(width) + 0.5)
	return fmt.Sprintf("[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat("-", width-filled), int(level*100+0.5))
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
