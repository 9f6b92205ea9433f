// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runner executes external toolstack commands and captures their
// output and exit status.
//
// A non-zero exit status is not an error of Run: it is reported in the Result
// so callers can decide whether to ignore it. Use RunChecked (or Result.Err)
// when a failure must be surfaced.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/virttest/internal/metrics"
	"github.com/alexandremahdhaoui/virttest/pkg/execcontext"
	utilexec "k8s.io/utils/exec"
)

var (
	ErrEmptyCommand  = errors.New("command is empty")
	ErrStartCommand  = errors.New("failed to start command")
	ErrCommandFailed = errors.New("command exited with non-zero status")
)

// Command is a single invocation of an external binary.
type Command struct {
	Argv []string
	// Env holds variables added on top of the process environment.
	Env map[string]string
	// Subcommand labels the invocation in metrics and logs (e.g. "domstate").
	Subcommand string
}

// Cmd is a shorthand for a Command without extra environment.
func Cmd(argv ...string) Command {
	return Command{Argv: argv}
}

// Binary returns the base name of the executable.
func (c Command) Binary() string {
	if len(c.Argv) == 0 {
		return ""
	}
	return filepath.Base(c.Argv[0])
}

// String renders the command the way it would be typed in a shell.
func (c Command) String() string {
	return execcontext.FormatCmd(execcontext.New(c.Env, nil), c.Argv...)
}

// Result of a finished command.
type Result struct {
	Argv       []string
	Stdout     string
	Stderr     string
	ExitStatus int
	Duration   time.Duration
}

// Success reports whether the command exited with status 0.
func (r *Result) Success() bool {
	return r.ExitStatus == 0
}

// Err returns a *CmdError when the command failed, nil otherwise.
func (r *Result) Err() error {
	if r.Success() {
		return nil
	}
	return &CmdError{Result: r}
}

// CmdError describes a command that exited with a non-zero status.
type CmdError struct {
	Result *Result
}

func (e *CmdError) Error() string {
	return fmt.Sprintf(
		"command %q exited with status %d: %s",
		execcontext.FormatCmd(execcontext.Empty(), e.Result.Argv...),
		e.Result.ExitStatus,
		bytes.TrimSpace([]byte(e.Result.Stderr)),
	)
}

func (e *CmdError) Unwrap() error {
	return ErrCommandFailed
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// RunChecked runs cmd and converts a non-zero exit status into an error.
// The result is returned in both cases.
func RunChecked(ctx context.Context, r Runner, cmd Command) (*Result, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return res, res.Err()
}

type execRunner struct {
	exec    utilexec.Interface
	execCtx execcontext.Context
	metrics *metrics.Commands
}

// Option configures the Runner returned by New.
type Option func(*execRunner)

// WithExec replaces the process execution backend.
func WithExec(e utilexec.Interface) Option {
	return func(r *execRunner) {
		r.exec = e
	}
}

// WithExecContext sets the environment and prepended command (e.g. sudo)
// applied to every command.
func WithExecContext(ctx execcontext.Context) Option {
	return func(r *execRunner) {
		r.execCtx = ctx
	}
}

// WithMetrics records every execution in m.
func WithMetrics(m *metrics.Commands) Option {
	return func(r *execRunner) {
		r.metrics = m
	}
}

// New returns a Runner executing commands on the local host.
func New(opts ...Option) Runner {
	r := &execRunner{
		exec:    utilexec.New(),
		execCtx: execcontext.Empty(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements Runner.
func (r *execRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, ErrEmptyCommand
	}

	execCtx := execcontext.Merge(r.execCtx, execcontext.New(cmd.Env, nil))
	argv := execcontext.Argv(execCtx, cmd.Argv...)

	c := r.exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(execCtx.Envs()) > 0 {
		c.SetEnv(execcontext.Environ(execCtx, os.Environ()))
	}

	var stdout, stderr bytes.Buffer
	c.SetStdout(&stdout)
	c.SetStderr(&stderr)

	start := time.Now()
	err := c.Run()
	res := &Result{
		Argv:     cmd.Argv,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		r.metrics.Observe(cmd.Binary(), cmd.Subcommand, metrics.ResultError, res.Duration)
		return nil, errors.Join(ctxErr, fmt.Errorf("command=%s", cmd.String()))
	}

	if err != nil {
		var exitErr utilexec.ExitError
		if !errors.As(err, &exitErr) {
			r.metrics.Observe(cmd.Binary(), cmd.Subcommand, metrics.ResultError, res.Duration)
			return nil, errors.Join(err, fmt.Errorf("command=%s", cmd.String()), ErrStartCommand)
		}
		res.ExitStatus = exitErr.ExitStatus()
	}

	result := metrics.ResultSuccess
	if !res.Success() {
		result = metrics.ResultFailure
	}
	r.metrics.Observe(cmd.Binary(), cmd.Subcommand, result, res.Duration)

	slog.Debug(
		"command finished",
		"command", execcontext.FormatCmd(execCtx, cmd.Argv...),
		"exitStatus", res.ExitStatus,
		"duration", res.Duration.String(),
	)

	return res, nil
}
