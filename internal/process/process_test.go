package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newLauncher() *ExecLauncher {
	return NewExecLauncher(2*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitExit(t *testing.T, p Process) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.Alive() {
		if time.Now().After(deadline) {
			t.Fatalf("%s still alive", p.Name())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpawn_TerminateLongRunning(t *testing.T) {
	l := newLauncher()
	p, err := l.Spawn(context.Background(), Spec{Name: "sleep", Path: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !p.Alive() {
		t.Fatal("sleep should be alive right after spawn")
	}
	if p.Pid() <= 0 {
		t.Errorf("Pid() = %d", p.Pid())
	}

	if _, err := p.TerminateAndWait(); err != nil {
		t.Errorf("TerminateAndWait: %v, want nil for a process we signalled", err)
	}
	if p.Alive() {
		t.Error("process alive after TerminateAndWait")
	}
	// idempotent
	if _, err := p.TerminateAndWait(); err != nil {
		t.Errorf("second TerminateAndWait: %v", err)
	}
}

func TestSpawn_ExitedProcessReportsFailure(t *testing.T) {
	l := newLauncher()
	p, err := l.Spawn(context.Background(), Spec{
		Name:          "sh",
		Path:          "sh",
		Args:          []string{"-c", "echo started; echo broken >&2; exit 3"},
		CaptureOutput: true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitExit(t, p)

	out, err := p.TerminateAndWait()
	if !errors.Is(err, ErrExit) {
		t.Errorf("TerminateAndWait err = %v, want ErrExit", err)
	}
	if !strings.Contains(string(out), "started") || !strings.Contains(string(out), "broken") {
		t.Errorf("output = %q, want stdout and stderr combined", out)
	}
}

func TestSpawn_MissingBinary(t *testing.T) {
	l := newLauncher()
	_, err := l.Spawn(context.Background(), Spec{Name: "missing", Path: "/nonexistent/capture-tool"})
	if !errors.Is(err, ErrStart) {
		t.Errorf("Spawn err = %v, want ErrStart", err)
	}
}

func TestSpawn_CancelledContext(t *testing.T) {
	l := newLauncher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Spawn(ctx, Spec{Name: "sleep", Path: "sleep", Args: []string{"1"}}); !errors.Is(err, ErrStart) {
		t.Errorf("Spawn err = %v, want ErrStart", err)
	}
}

func TestRun_EnvOverride(t *testing.T) {
	l := newLauncher()
	out, err := l.Run(context.Background(), Spec{
		Name: "sh",
		Path: "sh",
		Args: []string{"-c", "echo $DISPLAY"},
		Env:  []string{"DISPLAY=:7"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(string(out)) != ":7" {
		t.Errorf("DISPLAY = %q, want :7", out)
	}
}

func TestRun_Failure(t *testing.T) {
	l := newLauncher()
	_, err := l.Run(context.Background(), Spec{Name: "false", Path: "sh", Args: []string{"-c", "exit 1"}})
	if !errors.Is(err, ErrExit) {
		t.Errorf("Run err = %v, want ErrExit", err)
	}
}

func TestSpawn_OutputIsBounded(t *testing.T) {
	l := newLauncher()
	p, err := l.Spawn(context.Background(), Spec{
		Name:          "sh",
		Path:          "sh",
		Args:          []string{"-c", "i=0; while [ $i -lt 20000 ]; do echo chatter-line-$i; i=$((i+1)); done; echo last"},
		CaptureOutput: true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitExit(t, p)

	out, _ := p.TerminateAndWait()
	if len(out) > outputLimit {
		t.Errorf("kept %d bytes, want at most %d", len(out), outputLimit)
	}
	if !strings.HasSuffix(string(out), "last\n") {
		t.Errorf("output does not end with the last line: %q", out[len(out)-20:])
	}
}

func TestTailBuffer(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   string
	}{
		{"under limit", []string{"ab", "cd"}, "abcd"},
		{"exactly limit", []string{"abcdefgh"}, "abcdefgh"},
		{"overflow across writes", []string{"abcde", "fghij"}, "cdefghij"},
		{"single large write", []string{"ab", "0123456789"}, "23456789"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &tailBuffer{limit: 8}
			for _, w := range tt.writes {
				if n, err := b.Write([]byte(w)); n != len(w) || err != nil {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := string(b.Bytes()); got != tt.want {
				t.Errorf("Bytes() = %q, want %q", got, tt.want)
			}
		})
	}
}
