// Package command runs the external tools the build delegates to (zfs, gtar,
// gzip, zonename) and keeps their raw diagnostics for error reporting.
package command

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// DefaultEnv is the environment external tools run with. The caller's
// environment is never inherited.
var DefaultEnv = []string{
	"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
	"LC_ALL=C",
}

// Result holds the captured output of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes a program to completion.
type Runner interface {
	Run(program string, args ...string) (*Result, error)
}

// ExitError reports a process that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Exec runs programs with os/exec.
type Exec struct {
	Env    []string
	Logger *slog.Logger
}

var _ Runner = (*Exec)(nil)

func (e *Exec) logger() *slog.Logger {
	if e != nil && e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Run executes program and waits for it. A non-zero exit is returned as an
// *ExitError together with the captured result.
func (e *Exec) Run(program string, args ...string) (*Result, error) {
	cmd := exec.Command(program, args...)
	cmd.Env = DefaultEnv
	if e != nil && e.Env != nil {
		cmd.Env = e.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	line := Line(program, args...)
	e.logger().Debug("running command", "command", line)

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &ExitError{
			Command:  line,
			ExitCode: result.ExitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}
	return result, fmt.Errorf("run %s: %w", line, err)
}

// Line renders a command line for logs and errors.
func Line(program string, args ...string) string {
	return strings.Join(append([]string{program}, args...), " ")
}

// Stderr extracts the raw diagnostic carried by err, if any.
func Stderr(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Stderr
	}
	return ""
}
