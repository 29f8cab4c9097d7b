package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/rendiffdev/conductor/job"
)

// DefaultStderrTail is how many bytes of stderr are kept for failure
// detail.
const DefaultStderrTail = 4096

// CommandExecutor runs an external program for each task.
//
// The task is written to stdin as JSON. Each stdout line that parses as a
// JSON object is a report:
//
//	{"progress": 42.5, "stage": "encoding", "fps": 61.2, "eta_seconds": 90}
//	{"metrics": {"vmaf": 95.1, "output_size_bytes": 1048576}}
//	{"error": "unsupported codec"}
//
// Other lines are logged at debug level. A non-zero exit or an error line
// fails the job.
type CommandExecutor struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Logger *slog.Logger

	// StderrTail bounds the stderr kept for failure detail.
	StderrTail int
}

// NewCommandExecutor creates a CommandExecutor for path.
func NewCommandExecutor(path string, args ...string) *CommandExecutor {
	return &CommandExecutor{Path: path, Args: args}
}

type reportLine struct {
	Progress   *float64     `json:"progress"`
	Stage      string       `json:"stage"`
	FPS        *float64     `json:"fps"`
	ETASeconds *int64       `json:"eta_seconds"`
	Metrics    *job.Metrics `json:"metrics"`
	Error      string       `json:"error"`
}

// Execute implements Executor.
func (c *CommandExecutor) Execute(ctx context.Context, t Task, r Reporter) (*job.Metrics, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	input, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("worker: encode task: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	cmd.Stdin = bytes.NewReader(input)
	stderr := &tailBuffer{max: c.StderrTail}
	if stderr.max <= 0 {
		stderr.max = DefaultStderrTail
	}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{Message: fmt.Sprintf("start %s: %v", c.Path, err)}
	}

	var (
		metrics   *job.Metrics
		errLine   string
		reportErr error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rep reportLine
		if line[0] != '{' || json.Unmarshal(line, &rep) != nil {
			logger.Debug("executor output", slog.String("job_id", t.JobID.String()), slog.String("line", string(line)))
			continue
		}
		switch {
		case rep.Error != "":
			errLine = rep.Error
		case rep.Metrics != nil:
			metrics = rep.Metrics
		case rep.Progress != nil && reportErr == nil:
			reportErr = r.Progress(ctx, *rep.Progress, rep.Stage, Hints{FPS: rep.FPS, ETASeconds: rep.ETASeconds})
			if reportErr != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
	}
	// Drain so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if reportErr != nil {
		return nil, reportErr
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		msg := errLine
		if msg == "" {
			msg = fmt.Sprintf("%s exited with status %d", c.Path, exitErr.ExitCode())
		}
		return nil, &ExecutionError{Message: msg, Detail: failureDetail(exitErr.ExitCode(), stderr.String())}
	case waitErr != nil:
		return nil, &ExecutionError{Message: waitErr.Error(), Detail: failureDetail(-1, stderr.String())}
	case errLine != "":
		return nil, &ExecutionError{Message: errLine, Detail: failureDetail(0, stderr.String())}
	}
	return metrics, nil
}

func failureDetail(code int, stderr string) json.RawMessage {
	b, _ := json.Marshal(struct { //nolint:errchkjson // plain struct always marshals
		ExitCode int    `json:"exit_code"`
		Stderr   string `json:"stderr,omitempty"`
	}{code, strings.TrimSpace(stderr)})
	return b
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf.Reset()
		t.buf.Write(p[n-t.max:])
		return n, nil
	}
	if over := t.buf.Len() + n - t.max; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
