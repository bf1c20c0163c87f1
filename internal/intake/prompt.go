// Package intake accepts ad-hoc capture tasks and feeds them to the pipeline.
package intake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/IliaW/capture-worker/internal/model"
)

// ErrExit is returned by Prompt.Run when the user typed "exit".
var ErrExit = errors.New("exit requested")

const usage = `Example: https://example.com 800x600 linux
Example with proxy: https://example.com 800x600 linux 123.45.67.89:8080
Type 'exit' to quit.
`

const promptLine = "Enter task (URL WxH OS [proxy]): "

// Request is a task waiting to be dispatched, tagged with where it came from.
type Request struct {
	Task   *model.CaptureTask
	Source model.Source
}

// Prompt reads "URL WxH OS [proxy]" lines and queues them as capture tasks.
type Prompt struct {
	in    io.Reader
	out   io.Writer
	tasks chan<- *Request
	log   *slog.Logger
}

func NewPrompt(in io.Reader, out io.Writer, tasks chan<- *Request, log *slog.Logger) *Prompt {
	return &Prompt{in: in, out: out, tasks: tasks, log: log}
}

// Run returns ErrExit on "exit", nil on end of input and ctx.Err() when cancelled.
func (p *Prompt) Run(ctx context.Context) error {
	fmt.Fprint(p.out, usage)
	scanner := bufio.NewScanner(p.in)
	for {
		fmt.Fprint(p.out, promptLine)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			p.log.Info("prompt input closed.")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") {
			return ErrExit
		}

		task, err := ParseLine(line)
		if err != nil {
			fmt.Fprintf(p.out, "%s, try again.\n", err)
			continue
		}

		select {
		case p.tasks <- &Request{Task: task, Source: model.Prompt}:
			fmt.Fprintf(p.out, "Queued %s.\n", task.URL)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errNotEnoughFields = errors.New("not enough fields")

// ParseLine parses "URL WxH OS [proxy]". Extra fields after the proxy are ignored.
func ParseLine(line string) (*model.CaptureTask, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, errNotEnoughFields
	}
	if _, err := model.ParseScreenSize(fields[1]); err != nil {
		return nil, err
	}
	task := &model.CaptureTask{URL: fields[0], ScreenSize: fields[1], OSType: fields[2]}
	if len(fields) > 3 {
		task.Proxy = fields[3]
	}
	return task, nil
}
