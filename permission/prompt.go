package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// PromptGate asks the user on a terminal. The answer is remembered as the
// grant for the rest of the process, the way an OS keeps it.
type PromptGate struct {
	in  *bufio.Reader
	out io.Writer

	mu     sync.Mutex
	status Status

	// pending is a read left running by a prompt whose ctx ended first.
	pending chan answer
}

type answer struct {
	line string
	err  error
}

var _ Gate = (*PromptGate)(nil)

func NewPromptGate(in io.Reader, out io.Writer) *PromptGate {
	return &PromptGate{
		in:  bufio.NewReader(in),
		out: out,
	}
}

// EnsureMicrophonePermission prompts at most once per call, and only while
// the status is undetermined. It returns ctx.Err() if ctx ends before the
// user answers; that answer then goes to the next call.
func (g *PromptGate) EnsureMicrophonePermission(ctx context.Context) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status != Undetermined {
		return g.status, nil
	}
	if err := ctx.Err(); err != nil {
		return Undetermined, err
	}

	if g.pending == nil {
		fmt.Fprint(g.out, "Allow microphone access? [y/N]: ")
		ch := make(chan answer, 1)
		go func() {
			line, err := g.in.ReadString('\n')
			ch <- answer{line: line, err: err}
		}()
		g.pending = ch
	}

	var a answer
	select {
	case a = <-g.pending:
		g.pending = nil
	case <-ctx.Done():
		return Undetermined, ctx.Err()
	}
	if a.err != nil && a.line == "" {
		return Undetermined, fmt.Errorf("failed to read permission answer: %w", a.err)
	}

	switch strings.ToLower(strings.TrimSpace(a.line)) {
	case "y", "yes":
		g.status = Granted
	default:
		g.status = Denied
	}
	return g.status, nil
}
