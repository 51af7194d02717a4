// Package runner defines the stage-executor contract: a stage hands over
// named input files and declared output paths, the executor runs the
// underlying external command as a black box and reports success or failure.
// The engine never inspects tool-specific flags; only the executor's
// registered command builders know them.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
)

// A Request names one stage invocation for one sample.
type Request struct {
	// Stage selects the registered command builder.
	Stage string
	// Sample is the sample id, used for error reporting only.
	Sample string
	// Inputs maps declared input names to file paths or values.
	Inputs map[string]string
	// Outputs maps declared output names to the paths the command must
	// produce. Every declared output is existence-checked after the
	// command exits.
	Outputs map[string]string
	// WorkDir is the directory the command runs in; it is created if
	// missing.
	WorkDir string
}

// A Result reports the produced outputs, keyed by their declared names.
type Result struct {
	Outputs map[string]string
}

// An Executor runs a stage's external command for one input tuple.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecError is a stage execution failure: the external command exited
// non-zero, or did not produce a declared output.
type ExecError struct {
	Stage    string
	Sample   string
	ExitCode int
	// Stderr holds the tail of the command's standard error.
	Stderr string
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("stage %s failed for sample %s (exit %d)", e.Stage, e.Sample, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// An ArgvFunc builds the command line for one request. A builder may return
// a shell invocation ({"bash", "-c", …}) when the stage needs redirection
// or a pipe.
type ArgvFunc func(req Request) []string

// Local executes stage commands as local subprocesses.
type Local struct {
	// StderrTailBytes bounds the stderr excerpt kept for error reports.
	// 0 means 4096.
	StderrTailBytes int

	mu   sync.Mutex
	cmds map[string]ArgvFunc
}

// NewLocal returns an executor with no registered stages.
func NewLocal() *Local {
	return &Local{cmds: make(map[string]ArgvFunc)}
}

// Register binds a command builder to a stage name, replacing any previous
// binding.
func (l *Local) Register(stage string, fn ArgvFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds[stage] = fn
}

// Stages returns the registered stage names, sorted.
func (l *Local) Stages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.cmds))
	for n := range l.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute implements Executor.
func (l *Local) Execute(ctx context.Context, req Request) (Result, error) {
	l.mu.Lock()
	build := l.cmds[req.Stage]
	l.mu.Unlock()
	if build == nil {
		return Result{}, errors.Errorf("no command registered for stage %s", req.Stage)
	}
	if req.WorkDir != "" {
		if err := os.MkdirAll(req.WorkDir, 0755); err != nil {
			return Result{}, errors.Wrapf(err, "stage %s: create workdir", req.Stage)
		}
	}
	argv := build(req)
	if len(argv) == 0 {
		return Result{}, errors.Errorf("stage %s: empty command line", req.Stage)
	}
	log.Debug.Printf("exec %s [%s]: %v", req.Stage, req.Sample, argv)

	tail := newTailWriter(l.StderrTailBytes)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Stderr = tail
	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return Result{}, &ExecError{
				Stage:    req.Stage,
				Sample:   req.Sample,
				ExitCode: exit.ExitCode(),
				Stderr:   tail.String(),
			}
		}
		return Result{}, errors.Wrapf(err, "stage %s [%s]", req.Stage, req.Sample)
	}
	for name, path := range req.Outputs {
		if _, err := os.Stat(path); err != nil {
			return Result{}, &ExecError{
				Stage:    req.Stage,
				Sample:   req.Sample,
				ExitCode: 0,
				Stderr:   fmt.Sprintf("declared output %s (%s) was not produced", name, path),
			}
		}
	}
	return Result{Outputs: req.Outputs}, nil
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	max int
	buf bytes.Buffer
}

var _ io.Writer = (*tailWriter)(nil)

func newTailWriter(max int) *tailWriter {
	if max <= 0 {
		max = 4096
	}
	return &tailWriter{max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.buf.Len() > w.max {
		b := w.buf.Bytes()
		trimmed := append([]byte(nil), b[len(b)-w.max:]...)
		w.buf.Reset()
		w.buf.Write(trimmed)
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	return string(bytes.TrimSpace(w.buf.Bytes()))
}
