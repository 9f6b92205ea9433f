// Package runnerfake provides a scripted runner.Runner for unit tests.
package runnerfake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/virttest/pkg/runner"
)

var ErrUnexpectedCommand = errors.New("unexpected command")

// Reply is the scripted outcome of one command.
type Reply struct {
	Stdout     string
	Stderr     string
	ExitStatus int
	Err        error
}

// OK is a successful reply printing stdout.
func OK(stdout string) Reply {
	return Reply{Stdout: stdout}
}

// Fail is a reply exiting with status 1 and printing stderr.
func Fail(stderr string) Reply {
	return Reply{Stderr: stderr, ExitStatus: 1}
}

// Fake answers commands by their space-joined argv. When several replies are
// scripted for the same command they are consumed in order and the last one
// is repeated.
type Fake struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []runner.Command
}

func New() *Fake {
	return &Fake{replies: make(map[string][]Reply)}
}

// On scripts replies for the command.
func (f *Fake) On(cmd string, replies ...Reply) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[cmd] = append(f.replies[cmd], replies...)
	return f
}

// Run implements runner.Runner.
func (f *Fake) Run(_ context.Context, cmd runner.Command) (*runner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, cmd)
	key := strings.Join(cmd.Argv, " ")

	queue, ok := f.replies[key]
	if !ok || len(queue) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedCommand, key)
	}

	reply := queue[0]
	if len(queue) > 1 {
		f.replies[key] = queue[1:]
	}

	if reply.Err != nil {
		return nil, reply.Err
	}

	return &runner.Result{
		Argv:       cmd.Argv,
		Stdout:     reply.Stdout,
		Stderr:     reply.Stderr,
		ExitStatus: reply.ExitStatus,
	}, nil
}

// Calls returns the commands run so far, space-joined.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, strings.Join(c.Argv, " "))
	}
	return out
}

// Commands returns the commands run so far.
func (f *Fake) Commands() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runner.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// Called reports whether cmd was run at least once.
func (f *Fake) Called(cmd string) bool {
	for _, c := range f.Calls() {
		if c == cmd {
			return true
		}
	}
	return false
}
