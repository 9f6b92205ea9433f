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

package virsh

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/virttest/pkg/runner"
)

const DefaultBinary = "virsh"

var (
	// ErrDomainNotFound indicates the domain is unknown to libvirt.
	ErrDomainNotFound = errors.New("domain not found")
	// ErrNetworkNotFound indicates the virtual network is unknown to libvirt.
	ErrNetworkNotFound = errors.New("network not found")
	// ErrVirshCommand indicates a virsh command exited with a non-zero status.
	ErrVirshCommand = errors.New("virsh command failed")
	// ErrParseUUID indicates virsh printed something that is not a UUID.
	ErrParseUUID = errors.New("failed to parse domain UUID")
)

// Client runs virsh subcommands against a single connection URI.
// The zero URI targets the toolstack's default hypervisor.
type Client struct {
	runner runner.Runner
	binary string
	uri    string
}

// Option configures a Client.
type Option func(*Client)

// WithBinary overrides the virsh executable.
func WithBinary(binary string) Option {
	return func(c *Client) {
		c.binary = binary
	}
}

// WithURI sets the connection URI passed with --connect.
func WithURI(uri string) Option {
	return func(c *Client) {
		c.uri = uri
	}
}

func New(r runner.Runner, opts ...Option) *Client {
	c := &Client{
		runner: r,
		binary: DefaultBinary,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URI returns the connection URI of the client.
func (c *Client) URI() string {
	return c.uri
}

// ForURI returns a copy of the client targeting another connection URI.
func (c *Client) ForURI(uri string) *Client {
	out := *c
	out.uri = uri
	return &out
}

// Runner returns the runner used to execute commands.
func (c *Client) Runner() runner.Runner {
	return c.runner
}

// Command builds the invocation of a virsh subcommand.
func (c *Client) Command(subcommand string, args ...string) runner.Command {
	argv := []string{c.binary}
	if c.uri != "" {
		argv = append(argv, "--connect", c.uri)
	}
	argv = append(argv, subcommand)
	argv = append(argv, args...)

	return runner.Command{
		Argv:       argv,
		Subcommand: subcommand,
	}
}

// Run executes a subcommand and returns its result whatever the exit status.
func (c *Client) Run(ctx context.Context, subcommand string, args ...string) (*runner.Result, error) {
	return c.runner.Run(ctx, c.Command(subcommand, args...))
}

// output executes a subcommand, fails on a non-zero exit status and returns
// the trimmed stdout.
func (c *Client) output(ctx context.Context, subcommand string, args ...string) (string, error) {
	res, err := c.Run(ctx, subcommand, args...)
	if err != nil {
		return "", err
	}
	if err := checkResult(res); err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func checkResult(res *runner.Result) error {
	err := res.Err()
	if err == nil {
		return nil
	}
	switch {
	case isDomainNotFound(res.Stderr):
		return errors.Join(ErrDomainNotFound, err)
	case isNetworkNotFound(res.Stderr):
		return errors.Join(ErrNetworkNotFound, err)
	default:
		return errors.Join(ErrVirshCommand, err)
	}
}

func isDomainNotFound(stderr string) bool {
	return strings.Contains(stderr, "Domain not found") ||
		strings.Contains(stderr, "failed to get domain")
}

func isNetworkNotFound(stderr string) bool {
	return strings.Contains(stderr, "Network not found") ||
		strings.Contains(stderr, "failed to get network")
}

func domainErr(name string, err error) error {
	return errors.Join(err, fmt.Errorf("vmName=%s", name))
}
