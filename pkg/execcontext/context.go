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

// Package execcontext describes how external toolstack commands are executed:
// which environment variables they receive and which command (e.g. "sudo")
// they are prefixed with.
package execcontext

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: slices.Clone(prependCmd),
		envs:       maps.Clone(envs),
	}
}

// Empty returns a context without environment variables nor prepended command.
func Empty() Context {
	return New(nil, nil)
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Merge combines two contexts. Environment variables of b override those of a
// and the prepended commands are concatenated in order.
func Merge(a, b Context) Context {
	envs := a.Envs()
	maps.Copy(envs, b.Envs())
	return New(envs, append(a.PrependCmd(), b.PrependCmd()...))
}

// Argv returns the argument vector to execute, including the prepended command.
func Argv(ctx Context, cmd ...string) []string {
	return append(ctx.PrependCmd(), cmd...)
}

// Environ returns base extended with the context's environment variables.
// Context variables are appended in sorted key order so the result is stable.
func Environ(ctx Context, base []string) []string {
	envs := ctx.Envs()
	out := slices.Clone(base)
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out = append(out, fmt.Sprintf("%s=%s", k, envs[k]))
	}
	return out
}

// FormatCmd renders the command as it would be typed in a shell.
func FormatCmd(ctx Context, cmd ...string) string {
	var b strings.Builder

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		fmt.Fprintf(&b, "%s=%q ", k, envs[k])
	}

	for _, s := range ctx.PrependCmd() {
		safelyAppendToCmd(&b, s)
	}

	for _, s := range cmd {
		safelyAppendToCmd(&b, s)
	}

	return strings.TrimSpace(b.String())
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	":":  {},
	"&":  {},
}

func safelyAppendToCmd(b *strings.Builder, s string) {
	if _, ok := unquottable[s]; ok || isShellSafe(s) {
		b.WriteString(s)
		b.WriteByte(' ')
		return
	}
	fmt.Fprintf(b, "%q ", s)
}

// isShellSafe reports whether s can be written unquoted.
func isShellSafe(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_=,./:+@%", r):
		default:
			return false
		}
	}
	return true
}
