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

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexandremahdhaoui/virttest/internal/metrics"
	"github.com/alexandremahdhaoui/virttest/internal/util/filelock"
	"github.com/alexandremahdhaoui/virttest/internal/util/logging"
	"github.com/alexandremahdhaoui/virttest/internal/util/ssh"
	"github.com/alexandremahdhaoui/virttest/pkg/execcontext"
	"github.com/alexandremahdhaoui/virttest/pkg/runner"
	"github.com/alexandremahdhaoui/virttest/pkg/vmm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var sudoCmd = []string{"sudo", "-E"}

// app carries the state shared by the subcommands. It is populated by the
// root command before any subcommand runs.
type app struct {
	config   *Config
	registry *prometheus.Registry
	runner   runner.Runner
	vmm      *vmm.VMM

	newRunner func(cfg *Config, m *metrics.Commands) runner.Runner
	vmmOpts   []vmm.VMMOption
}

func newApp() *app {
	return &app{newRunner: defaultRunner}
}

func defaultRunner(cfg *Config, m *metrics.Commands) runner.Runner {
	var prepend []string
	if cfg.Sudo {
		prepend = sudoCmd
	}
	return runner.New(
		runner.WithExecContext(execcontext.New(nil, prepend)),
		runner.WithMetrics(m),
	)
}

// setup loads the configuration, installs the logger and builds the runner
// and the VM manager.
func (a *app) setup(cmd *cobra.Command) error {
	v, err := BindConfig(cmd.Root().PersistentFlags())
	if err != nil {
		return err
	}

	cfg, err := LoadConfig(v)
	if err != nil {
		return err
	}
	a.config = cfg

	if _, err := logging.Setup(cfg.LoggingOptions()); err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.runner = a.newRunner(cfg, metrics.NewCommands(a.registry))

	opts := []vmm.VMMOption{
		vmm.WithBaseDir(cfg.BaseDir),
		vmm.WithLock(filelock.New(cfg.LockFile)),
	}
	if login, ok := cfg.GuestLogin(); ok {
		opts = append(opts, vmm.WithGuestShutdown(ssh.GuestShutdown(login)))
	}
	a.vmm = vmm.NewVMM(a.runner, append(opts, a.vmmOpts...)...)

	slog.Debug("virttest configured",
		"connect", cfg.ConnectURI,
		"sudo", cfg.Sudo,
		"lockFile", cfg.LockFile,
		"baseDir", cfg.BaseDir)

	return nil
}

// vm returns the VM named name, described by the configured VM definition.
func (a *app) vm(ctx context.Context, name string) (*vmm.VM, error) {
	p, err := a.config.LoadParams()
	if err != nil {
		return nil, err
	}
	return a.vmm.New(ctx, name, p)
}

func (a *app) printMetrics(cmd *cobra.Command) error {
	if !a.config.Metrics {
		return nil
	}
	return metrics.WriteText(cmd.OutOrStdout(), a.registry)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "virttest",
		Short: "virttest manages libvirt virtual machines for tests.",
		Long: `virttest creates, inspects and tears down libvirt virtual machines
by driving the virsh and virt-install command-line tools.

Global flags can be set with VIRTTEST_* environment variables, e.g.
VIRTTEST_CONNECT=qemu:///system or VIRTTEST_LOCK_FILE=/run/virttest.lock.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.printMetrics(cmd)
		},
	}

	AddFlags(root.PersistentFlags())

	root.AddCommand(
		newCreateCmd(a),
		newStartCmd(a),
		newShutdownCmd(a),
		newDestroyCmd(a),
		newRemoveCmd(a),
		newStateCmd(a),
		newInfoCmd(a),
		newVcpusCmd(a),
		newBlkCmd(a),
		newSaveCmd(a),
		newRestoreCmd(a),
		newMigrateCmd(a),
		newLibvirtdCmd(a),
	)

	return root
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
