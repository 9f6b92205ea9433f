//go:build e2e

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

package e2e_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virttest/internal/util/filelock"
	"github.com/alexandremahdhaoui/virttest/internal/util/logging"
	"github.com/alexandremahdhaoui/virttest/pkg/execcontext"
	"github.com/alexandremahdhaoui/virttest/pkg/libvirtd"
	"github.com/alexandremahdhaoui/virttest/pkg/runner"
	"github.com/alexandremahdhaoui/virttest/pkg/virsh"
	"github.com/alexandremahdhaoui/virttest/pkg/virtinstall"
	"github.com/alexandremahdhaoui/virttest/pkg/vmm"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

const (
	// EnvParams points to the YAML definition of the VM to create. The VM
	// must boot from an existing image (medium: import).
	EnvParams = "VIRTTEST_E2E_PARAMS"
	// EnvSudo runs the toolstack commands with sudo when set to "true".
	EnvSudo = "VIRTTEST_E2E_SUDO"
)

func loadParams(t *testing.T) virtinstall.Params {
	t.Helper()

	path := os.Getenv(EnvParams)
	if path == "" {
		t.Skipf("%s is not set", EnvParams)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var p virtinstall.Params
	require.NoError(t, yaml.Unmarshal(data, &p))
	require.NoError(t, p.SetDefaults())
	return p
}

// TestVMLifecycle_E2E creates, inspects, shuts down and removes a VM on
// the local hypervisor.
func TestVMLifecycle_E2E(t *testing.T) {
	params := loadParams(t)

	_, err := logging.SetupDevelopment()
	require.NoError(t, err)

	var prepend []string
	if os.Getenv(EnvSudo) == "true" {
		prepend = []string{"sudo", "-E"}
	}
	r := runner.New(runner.WithExecContext(execcontext.New(nil, prepend)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	running, err := libvirtd.New(r).Status(ctx)
	require.NoError(t, err)
	if !running {
		t.Skip("libvirtd is not running")
	}

	dir := t.TempDir()
	v := vmm.NewVMM(r,
		vmm.WithBaseDir(dir),
		vmm.WithLock(filelock.New(filepath.Join(dir, "vm-create.lock"))),
	)

	name := "virttest-e2e-" + uuid.NewString()[:8]
	vm, err := v.New(ctx, name, params)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := vm.Remove(context.Background()); err != nil {
			t.Logf("failed to remove VM %s: %v", name, err)
		}
	})

	t.Run("Create", func(t *testing.T) {
		require.NoError(t, vm.Create(ctx, vmm.CreateOptions{}))
		require.NoError(t, vm.VerifyAlive(ctx))
	})

	t.Run("Inspect", func(t *testing.T) {
		id, err := vm.UUID(ctx)
		require.NoError(t, err)
		_, err = uuid.Parse(id)
		assert.NoError(t, err)

		md := vm.Metadata(ctx)
		assert.Equal(t, virsh.StateRunning, md.State)
		assert.Equal(t, id, md.UUID)

		for i := range vm.NICs() {
			mac, err := vm.MACAddress(ctx, i)
			require.NoError(t, err)
			assert.Equal(t, vm.NICs()[i].MAC, mac)
		}

		used, err := vm.UsedMemory(ctx)
		require.NoError(t, err)
		assert.Positive(t, used)

		disks, err := vm.DiskDevices(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, disks)
	})

	t.Run("BackupXML", func(t *testing.T) {
		path, err := vm.BackupXML(ctx)
		require.NoError(t, err)
		defer func() { _ = os.Remove(path) }()
		assert.FileExists(t, path)
	})

	t.Run("PauseResume", func(t *testing.T) {
		require.NoError(t, vm.Pause(ctx))
		state, err := vm.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, virsh.StatePaused, state)
		require.NoError(t, vm.Resume(ctx))
	})

	t.Run("Destroy", func(t *testing.T) {
		require.NoError(t, vm.Destroy(ctx, vmm.DestroyOptions{}))
		assert.True(t, vm.IsDead(ctx))
	})
}
