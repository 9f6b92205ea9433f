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
	"os"
	"time"

	"github.com/alexandremahdhaoui/virttest/internal/util/filelock"
	"github.com/alexandremahdhaoui/virttest/internal/util/ports"
	"github.com/alexandremahdhaoui/virttest/pkg/runner"
	"github.com/alexandremahdhaoui/virttest/pkg/virsh"
	"github.com/alexandremahdhaoui/virttest/pkg/virtinstall"
)

const (
	defaultPIDDir  = "/var/run/libvirt/qemu"
	defaultProcDir = "/proc"
)

// Timeouts of the polling loops.
type Timeouts struct {
	// Start bounds the wait for a created or started domain to be alive.
	Start time.Duration
	// Shutdown bounds WaitForShutdown; the state is checked every
	// ShutdownInterval.
	Shutdown         time.Duration
	ShutdownInterval time.Duration
	// GuestShutdown bounds the wait after the guest shutdown command was sent.
	GuestShutdown         time.Duration
	GuestShutdownInterval time.Duration
	// StartInterval is the polling interval while waiting for a domain start.
	StartInterval time.Duration
}

// DefaultTimeouts returns the timeouts libvirt test suites rely on.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Start:                 60 * time.Second,
		StartInterval:         time.Second,
		Shutdown:              60 * time.Second,
		ShutdownInterval:      5 * time.Second,
		GuestShutdown:         60 * time.Second,
		GuestShutdownInterval: time.Second,
	}
}

// GuestShutdownFunc sends command to the guest operating system, e.g. over a
// login session. It is used by graceful destroys.
type GuestShutdownFunc func(ctx context.Context, vm *VM, command string) error

// VMM holds what the VMs of a test run share: the command runner, the VM
// creation lock, the MAC address pool and the address cache.
type VMM struct {
	runner     runner.Runner
	virshOpts  []virsh.Option
	virsh      *virsh.Client
	lock       *filelock.Lock
	macs       *MACPool
	addresses  *AddressCache
	timeouts   Timeouts
	onShutdown GuestShutdownFunc
	findPorts  func(lo, hi, n int) ([]int, error)
	hostArch   func() (string, error)
	baseDir    string // serial console and test log files
	pidDir     string
	procDir    string
}

// VMMOption is a function that modifies VMM configuration
type VMMOption func(*VMM)

// WithBaseDir sets the directory of serial console and test log files.
func WithBaseDir(baseDir string) VMMOption {
	return func(v *VMM) {
		v.baseDir = baseDir
	}
}

// WithLock sets the lock serializing VM creation.
func WithLock(l *filelock.Lock) VMMOption {
	return func(v *VMM) {
		v.lock = l
	}
}

// WithMACPool shares a MAC address pool between several VMMs.
func WithMACPool(p *MACPool) VMMOption {
	return func(v *VMM) {
		v.macs = p
	}
}

// WithAddressCache shares a MAC to IP address cache.
func WithAddressCache(c *AddressCache) VMMOption {
	return func(v *VMM) {
		v.addresses = c
	}
}

// WithVirshOptions configures the virsh clients, e.g. virsh.WithBinary.
func WithVirshOptions(opts ...virsh.Option) VMMOption {
	return func(v *VMM) {
		v.virshOpts = append(v.virshOpts, opts...)
	}
}

// WithTimeouts overrides the polling timeouts.
func WithTimeouts(t Timeouts) VMMOption {
	return func(v *VMM) {
		v.timeouts = t
	}
}

// WithGuestShutdown sets the hook used to shut the guest down from inside.
func WithGuestShutdown(f GuestShutdownFunc) VMMOption {
	return func(v *VMM) {
		v.onShutdown = f
	}
}

// WithPIDDir overrides the directory of the hypervisor PID files.
func WithPIDDir(dir string) VMMOption {
	return func(v *VMM) {
		v.pidDir = dir
	}
}

// WithProcDir overrides the procfs mount point.
func WithProcDir(dir string) VMMOption {
	return func(v *VMM) {
		v.procDir = dir
	}
}

// WithPortFinder overrides how free host ports are found.
func WithPortFinder(f func(lo, hi, n int) ([]int, error)) VMMOption {
	return func(v *VMM) {
		v.findPorts = f
	}
}

// WithHostArch overrides how the host architecture is detected.
func WithHostArch(f func() (string, error)) VMMOption {
	return func(v *VMM) {
		v.hostArch = f
	}
}

// NewVMM creates a new VMM running commands with r.
func NewVMM(r runner.Runner, opts ...VMMOption) *VMM {
	v := &VMM{
		runner:    r,
		lock:      filelock.New(filelock.DefaultPath),
		timeouts:  DefaultTimeouts(),
		findPorts: ports.FindFreePorts,
		hostArch:  virtinstall.HostArch,
		baseDir:   os.TempDir(),
		pidDir:    defaultPIDDir,
		procDir:   defaultProcDir,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.macs == nil {
		v.macs = NewMACPool()
	}
	if v.addresses == nil {
		v.addresses = NewAddressCache()
	}
	v.virsh = virsh.New(r, v.virshOpts...)

	return v
}

// Virsh returns the virsh client of the default connection.
func (v *VMM) Virsh() *virsh.Client {
	return v.virsh
}

// MACPool returns the MAC address pool.
func (v *VMM) MACPool() *MACPool {
	return v.macs
}

// AddressCache returns the MAC to IP address cache.
func (v *VMM) AddressCache() *AddressCache {
	return v.addresses
}
