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

// Package libvirtd controls the libvirtd system service.
package libvirtd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexandremahdhaoui/virttest/pkg/runner"
)

var ErrUnknownAction = errors.New("unknown libvirtd service action")

// Service actions.
const (
	ActionStart       = "start"
	ActionStop        = "stop"
	ActionRestart     = "restart"
	ActionCondRestart = "condrestart"
	ActionReload      = "reload"
	ActionForceReload = "force-reload"
	ActionTryRestart  = "try-restart"
	ActionStatus      = "status"
)

var actions = map[string]struct{}{
	ActionStart:       {},
	ActionStop:        {},
	ActionRestart:     {},
	ActionCondRestart: {},
	ActionReload:      {},
	ActionForceReload: {},
	ActionTryRestart:  {},
	ActionStatus:      {},
}

const serviceName = "libvirtd"

// Service runs "service libvirtd <action>".
type Service struct {
	runner runner.Runner
}

func New(r runner.Runner) *Service {
	return &Service{runner: r}
}

// Control runs action and reports whether it succeeded. For ActionStatus it
// reports whether the daemon is running. A failing command is logged and
// reported as false; only an unknown action or a command that could not be
// started returns an error.
func (s *Service) Control(ctx context.Context, action string) (bool, error) {
	if _, ok := actions[action]; !ok {
		return false, errors.Join(fmt.Errorf("action=%s", action), ErrUnknownAction)
	}

	res, err := s.runner.Run(ctx, runner.Command{
		Argv:       []string{"service", serviceName, action},
		Subcommand: action,
	})
	if err != nil {
		return false, err
	}

	if action == ActionStatus {
		return strings.Contains(res.Stdout, "pid"), nil
	}

	if !res.Success() {
		slog.ErrorContext(ctx, "failed to control libvirtd service",
			"action", action,
			"exitStatus", res.ExitStatus,
			"stderr", strings.TrimSpace(res.Stderr))
		return false, nil
	}

	return true, nil
}

// Status reports whether libvirtd is running.
func (s *Service) Status(ctx context.Context) (bool, error) {
	return s.Control(ctx, ActionStatus)
}

func (s *Service) Start(ctx context.Context) (bool, error) {
	return s.Control(ctx, ActionStart)
}

func (s *Service) Stop(ctx context.Context) (bool, error) {
	return s.Control(ctx, ActionStop)
}

func (s *Service) Restart(ctx context.Context) (bool, error) {
	return s.Control(ctx, ActionRestart)
}
