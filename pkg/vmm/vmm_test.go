//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vmm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virttest/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/virttest/internal/util/filelock"
	"github.com/alexandremahdhaoui/virttest/pkg/virsh"
	"github.com/alexandremahdhaoui/virttest/pkg/virtinstall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTimeouts() Timeouts {
	return Timeouts{
		Start:                 50 * time.Millisecond,
		StartInterval:         time.Millisecond,
		Shutdown:              50 * time.Millisecond,
		ShutdownInterval:      time.Millisecond,
		GuestShutdown:         50 * time.Millisecond,
		GuestShutdownInterval: time.Millisecond,
	}
}

func newTestVMM(t *testing.T, fake *runnerfake.Fake, opts ...VMMOption) *VMM {
	t.Helper()
	dir := t.TempDir()
	defaults := []VMMOption{
		WithBaseDir(dir),
		WithLock(filelock.New(filepath.Join(dir, "vm-create.lock"))),
		WithTimeouts(testTimeouts()),
		WithHostArch(func() (string, error) { return "x86_64", nil }),
	}
	return NewVMM(fake, append(defaults, opts...)...)
}

func testParams() virtinstall.Params {
	return virtinstall.Params{
		Binary:  "virt-install",
		HVMOrPV: virtinstall.VirtHVM,
		Mem:     512,
		SMP:     1,
		Medium:  virtinstall.MediumImport,
	}
}

func newTestVM(t *testing.T, v *VMM, name string) *VM {
	t.Helper()
	vm, err := v.New(context.Background(), name, testParams())
	require.NoError(t, err)
	return vm
}

func TestNewVMM_WithDefaultOptions(t *testing.T) {
	v := NewVMM(runnerfake.New())

	assert.Equal(t, filelock.DefaultPath, v.lock.Path())
	assert.Equal(t, DefaultTimeouts(), v.timeouts)
	assert.Equal(t, defaultPIDDir, v.pidDir)
	assert.NotNil(t, v.MACPool())
	assert.NotNil(t, v.AddressCache())
	assert.Empty(t, v.Virsh().URI())
}

func TestNewVMM_SharedPools(t *testing.T) {
	pool := NewMACPool()
	cache := NewAddressCache()

	a := NewVMM(runnerfake.New(), WithMACPool(pool), WithAddressCache(cache))
	b := NewVMM(runnerfake.New(), WithMACPool(pool), WithAddressCache(cache))

	assert.Same(t, a.MACPool(), b.MACPool())
	assert.Same(t, a.AddressCache(), b.AddressCache())
}

func TestVMM_New(t *testing.T) {
	ctx := context.Background()

	t.Run("default uri", func(t *testing.T) {
		fake := runnerfake.New()
		p := testParams()
		p.ConnectURI = virsh.DefaultURI

		vm, err := newTestVMM(t, fake).New(ctx, "vm1", p)
		require.NoError(t, err)
		assert.Empty(t, vm.ConnectURI())
		assert.Equal(t, "qemu", vm.DriverType())
		assert.Empty(t, fake.Calls())
	})

	t.Run("canonicalized uri", func(t *testing.T) {
		fake := runnerfake.New().On("virsh --connect xen:// uri", runnerfake.OK("xen:///system\n"))
		p := testParams()
		p.ConnectURI = "xen://"

		vm, err := newTestVMM(t, fake).New(ctx, "vm1", p)
		require.NoError(t, err)
		assert.Equal(t, "xen:///system", vm.ConnectURI())
		assert.Equal(t, "xen", vm.DriverType())
		assert.Equal(t, "xen:///system", vm.Virsh().URI())
	})

	t.Run("invalid uri", func(t *testing.T) {
		fake := runnerfake.New().On("virsh --connect bogus:// uri", runnerfake.Fail("error: no connection driver available"))
		p := testParams()
		p.ConnectURI = "bogus://"

		_, err := newTestVMM(t, fake).New(ctx, "vm1", p)
		assert.ErrorIs(t, err, ErrInvalidConnectURI)
	})
}

func TestVM_Clone(t *testing.T) {
	ctx := context.Background()
	v := newTestVMM(t, runnerfake.New())

	p := testParams()
	p.NICs = []virtinstall.NIC{{Name: "nic1", NetType: "network", NetDst: "default"}}
	vm, err := v.New(ctx, "vm1", p)
	require.NoError(t, err)
	vm.uuid = "6695eb01-f6a4-8304-79aa-97f2502e193f"
	vm.redirs[22] = 5022
	vm.nics[0].MAC = "52:54:00:00:00:01"

	t.Run("without state", func(t *testing.T) {
		clone, err := vm.Clone(ctx, "vm2", nil, false)
		require.NoError(t, err)
		assert.Equal(t, "vm2", clone.Name())
		assert.Empty(t, clone.uuid)
		assert.Empty(t, clone.Redirs())
		assert.Empty(t, clone.NICs()[0].MAC)
	})

	t.Run("with state", func(t *testing.T) {
		clone, err := vm.Clone(ctx, "", nil, true)
		require.NoError(t, err)
		assert.Equal(t, "vm1", clone.Name())
		assert.Equal(t, vm.uuid, clone.uuid)
		assert.Equal(t, map[int]int{22: 5022}, clone.Redirs())
		assert.Equal(t, "52:54:00:00:00:01", clone.NICs()[0].MAC)

		// the clone does not alias the source
		clone.redirs[80] = 5080
		assert.NotContains(t, vm.redirs, 80)
	})

	t.Run("new params", func(t *testing.T) {
		np := testParams()
		np.Mem = 4096
		clone, err := vm.Clone(ctx, "vm3", &np, false)
		require.NoError(t, err)
		assert.Equal(t, 4096, clone.Params().Mem)
		assert.Empty(t, clone.NICs())
	})
}
