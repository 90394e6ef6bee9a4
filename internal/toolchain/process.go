package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Stage names a step of the build for error reporting.
type Stage string

const (
	StageCompile Stage = "compile"
	StageLink    Stage = "link"
)

// notRun is the exit code reported for a process that never exited normally.
const notRun = -1

// Result is what a finished tool invocation left behind.
type Result struct {
	Command  []string
	Output   []byte // combined stdout and stderr
	ExitCode int
	Duration time.Duration
}

// Runner spawns tool processes. Tests replace it to avoid a real toolchain.
type Runner interface {
	Run(ctx context.Context, dir string, argv []string) (*Result, error)
}

// ExecRunner runs processes with os/exec, each bound to Timeout when it is
// positive.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, dir string, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Command:  argv,
		Output:   out.Bytes(),
		ExitCode: 0,
		Duration: time.Since(start),
	}

	if err != nil {
		res.ExitCode = notRun
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return res, fmt.Errorf("timed out after %s: %w", r.Timeout, ctxErr)
			}
			return res, fmt.Errorf("cancelled: %w", ctxErr)
		}
		if res.ExitCode == notRun {
			return res, fmt.Errorf("failed to start: %w", err)
		}
		return res, err
	}
	return res, nil
}

// ProcessError carries everything known about a failed tool invocation.
type ProcessError struct {
	Stage    Stage
	Module   string // empty for the link stage
	Command  []string
	Output   []byte
	ExitCode int
	Err      error
}

func (e *ProcessError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "stage %s", e.Stage)
	if e.Module != "" {
		fmt.Fprintf(&sb, ": module %s", e.Module)
	}
	fmt.Fprintf(&sb, ": %v (exit code %d)\n  command: %s", e.Err, e.ExitCode, FormatCommand(e.Command))
	if out := strings.TrimRight(string(e.Output), "\r\n"); out != "" {
		sb.WriteString("\n  output:\n")
		for _, line := range strings.Split(out, "\n") {
			sb.WriteString("    ")
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		return strings.TrimRight(sb.String(), "\n")
	}
	return sb.String()
}

func (e *ProcessError) Unwrap() error { return e.Err }

func newProcessError(stage Stage, module string, argv []string, res *Result, err error) *ProcessError {
	pe := &ProcessError{
		Stage:    stage,
		Module:   module,
		Command:  argv,
		ExitCode: notRun,
		Err:      err,
	}
	if res != nil {
		pe.Output = res.Output
		pe.ExitCode = res.ExitCode
	}
	return pe
}

// FormatCommand renders argv for logs, quoting arguments that contain spaces.
func FormatCommand(argv []string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		if arg == "" || strings.ContainsAny(arg, " \t\"") {
			parts[i] = fmt.Sprintf("%q", arg)
		} else {
			parts[i] = arg
		}
	}
	return strings.Join(parts, " ")
}

// Resolve returns p relative to dir unless p is already absolute.
func Resolve(dir, p string) string {
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
