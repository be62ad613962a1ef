package ollama

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultPullIdleTimeout = 30 * time.Second

// PullOptions configures a model pull subprocess.
type PullOptions struct {
	Binary    string // pull command, default "ollama"
	Model     string // "name:variant"
	ModelsDir string // exported as OLLAMA_MODELS so artifacts land on the configured storage
	// IdleTimeout bounds how long the process may run without printing
	// anything at all; zero uses the default. There is no overall
	// deadline; large files are legitimately slow.
	IdleTimeout time.Duration
}

// Pull is a running model download subprocess. Stdout is exposed as a
// line-oriented stream on Lines; stderr is captured separately for
// diagnostics only.
type Pull struct {
	// Lines carries stdout lines in order and is closed at end of output.
	Lines <-chan string

	cmd      *exec.Cmd
	g        *errgroup.Group
	watchdog *time.Timer

	mu       sync.Mutex
	stderr   bytes.Buffer
	sawLine  bool
	noOutput bool
}

// StartPull launches the pull subprocess. A non-nil error means the
// process never started (binary missing, bad working state), an
// immediate, terminal failure distinct from a process that starts but
// stays silent.
func StartPull(ctx context.Context, opts PullOptions) (*Pull, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "ollama"
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = defaultPullIdleTimeout
	}

	cmd := exec.CommandContext(ctx, binary, "pull", opts.Model)
	cmd.Env = append(os.Environ(), "OLLAMA_MODELS="+opts.ModelsDir)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s pull: %w", binary, err)
	}

	lines := make(chan string)
	p := &Pull{Lines: lines, cmd: cmd}

	// Idle watchdog: kill the process if it never prints anything within
	// the idle window. Disarmed by the first stdout line.
	p.watchdog = time.AfterFunc(idle, func() {
		p.mu.Lock()
		silent := !p.sawLine
		if silent {
			p.noOutput = true
		}
		p.mu.Unlock()
		if silent {
			cmd.Process.Kill()
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	p.g = g

	g.Go(func() error {
		defer close(lines)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			p.mu.Lock()
			if !p.sawLine {
				p.sawLine = true
				p.watchdog.Stop()
			}
			p.mu.Unlock()
			select {
			case lines <- sc.Text():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return sc.Err()
	})

	g.Go(func() error {
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				p.mu.Lock()
				if p.stderr.Len() < 64*1024 {
					p.stderr.Write(buf[:n])
				}
				p.mu.Unlock()
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	return p, nil
}

// Stderr returns whatever the subprocess wrote to stderr so far.
func (p *Pull) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.stderr.String())
}

// Wait blocks until the subprocess and its readers finish. It returns nil
// on clean exit, ErrNoOutput when the process started but stayed silent
// past the idle window, the context error on cancellation, and otherwise
// the exit error annotated with a stderr excerpt.
func (p *Pull) Wait() error {
	gErr := p.g.Wait()
	waitErr := p.cmd.Wait()
	p.watchdog.Stop()

	p.mu.Lock()
	noOutput := p.noOutput
	p.mu.Unlock()
	if noOutput {
		return ErrNoOutput
	}

	if waitErr != nil {
		if diag := p.Stderr(); diag != "" {
			return fmt.Errorf("pull failed: %w: %s", waitErr, firstLine(diag))
		}
		return fmt.Errorf("pull failed: %w", waitErr)
	}
	return gErr
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
