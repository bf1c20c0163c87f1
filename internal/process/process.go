// Package process spawns and supervises the external tools a capture job drives
// (virtual display server, browser, screen recorder).
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

var (
	ErrStart = errors.New("process start failed")
	ErrExit  = errors.New("process exited with failure")
)

// Spec describes a command line to run.
type Spec struct {
	Name          string
	Path          string
	Args          []string
	Env           []string // appended to the parent environment
	CaptureOutput bool     // keep the tail of combined stdout/stderr
}

// outputLimit bounds the output kept per process.
const outputLimit = 64 << 10

// Process is a running external tool. Liveness is observed by polling.
type Process interface {
	Name() string
	Pid() int
	Alive() bool
	// TerminateAndWait signals the process, waits for it to exit and returns the
	// captured output. Calling it more than once returns the first result.
	TerminateAndWait() ([]byte, error)
}

type Launcher interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
	// Run executes a one-shot command and returns its combined output.
	Run(ctx context.Context, spec Spec) ([]byte, error)
}

type ExecLauncher struct {
	grace time.Duration
	log   *slog.Logger
}

// NewExecLauncher creates a launcher backed by os/exec. A terminated process gets
// grace time to exit after SIGTERM before it is killed.
func NewExecLauncher(grace time.Duration, log *slog.Logger) *ExecLauncher {
	return &ExecLauncher{grace: grace, log: log}
}

func (l *ExecLauncher) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStart, spec.Name, err)
	}
	// Not CommandContext: the lifetime is owned by TerminateAndWait.
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	p := &execProcess{
		name:  spec.Name,
		cmd:   cmd,
		grace: l.grace,
		out:   &tailBuffer{limit: outputLimit},
		done:  make(chan struct{}),
	}
	if spec.CaptureOutput {
		cmd.Stdout = p.out
		cmd.Stderr = p.out
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStart, spec.Name, err)
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	l.log.Debug("process started.", slog.String("name", spec.Name), slog.Int("pid", cmd.Process.Pid),
		slog.Any("args", spec.Args))

	return p, nil
}

func (l *ExecLauncher) Run(ctx context.Context, spec Spec) ([]byte, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%w: %s: %w", ErrExit, spec.Name, err)
	}
	return out, nil
}

type execProcess struct {
	name    string
	cmd     *exec.Cmd
	grace   time.Duration
	out     *tailBuffer
	done    chan struct{}
	waitErr error

	signalled atomic.Bool
	once      sync.Once
	result    error
}

func (p *execProcess) Name() string {
	return p.name
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) TerminateAndWait() ([]byte, error) {
	p.once.Do(func() {
		if p.Alive() {
			p.signalled.Store(true)
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
			timer := time.NewTimer(p.grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				_ = p.cmd.Process.Kill()
				<-p.done
			}
		}
		// an exit caused by our own signal is the expected outcome
		if p.waitErr != nil && !p.signalled.Load() {
			p.result = fmt.Errorf("%w: %s: %w", ErrExit, p.name, p.waitErr)
		}
	})
	// out is written only by the wait goroutine, which has finished here
	return p.out.Bytes(), p.result
}

// tailBuffer keeps the last limit bytes written to it. os/exec writes to it from a
// single goroutine when Stdout and Stderr are the same writer.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) Bytes() []byte {
	return b.buf
}
