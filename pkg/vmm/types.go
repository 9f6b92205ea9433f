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
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"

	"github.com/alexandremahdhaoui/virttest/pkg/virsh"
	"github.com/alexandremahdhaoui/virttest/pkg/virtinstall"
)

var (
	ErrVMDead             = errors.New("VM is not alive")
	ErrVMStatus           = errors.New("VM is in an unexpected state")
	ErrStartVM            = errors.New("failed to start VM")
	ErrCreateVM           = errors.New("failed to create VM")
	ErrRemoveVM           = errors.New("failed to remove VM")
	ErrShutdownTimeout    = errors.New("timed out waiting for VM to shut down")
	ErrImageMissing       = errors.New("CD-ROM image is missing")
	ErrHashMismatch       = errors.New("CD-ROM image hash mismatch")
	ErrMACAddressMissing  = errors.New("no MAC address defined for NIC")
	ErrXMLFileNotFound    = errors.New("domain XML file not found")
	ErrPIDUnavailable     = errors.New("VM PID is unavailable")
	ErrInvalidConnectURI  = errors.New("invalid connect URI")
	ErrNICNotFound        = errors.New("NIC not found")
	errReadProcStatm      = errors.New("failed to read process statm")
	errBackupXML          = errors.New("failed to back up domain XML")
	errAllocatePorts      = errors.New("failed to allocate host ports")
	errProbeMachineTypes  = errors.New("failed to probe supported machine types")
	errBuildCreateCommand = errors.New("failed to build virt-install command")
)

// VM is a libvirt domain driven through virsh and virt-install.
type VM struct {
	vmm    *VMM
	virsh  *virsh.Client
	name   string
	params virtinstall.Params

	connectURI string
	driverType string
	uuid       string

	// redirs maps guest ports to host ports.
	redirs      map[int]int
	vncPort     int
	vncAutoport bool
	vncListen   string
	spicePort   int
	pciDevices  []string
	nics        []virtinstall.NIC
	onlyPTY     bool
}

const defaultSpicePort = 8000

// New returns the VM name described by params. The connect URI is
// canonicalized with "virsh uri" unless it selects the default hypervisor.
func (v *VMM) New(ctx context.Context, name string, params virtinstall.Params) (*VM, error) {
	vm := &VM{
		vmm:         v,
		redirs:      make(map[int]int),
		vncAutoport: true,
		spicePort:   defaultSpicePort,
	}
	if err := vm.init(ctx, name, params); err != nil {
		return nil, err
	}
	return vm, nil
}

func (vm *VM) init(ctx context.Context, name string, params virtinstall.Params) error {
	uri, err := virsh.NormalizeConnectURI(ctx, vm.vmm.virsh, params.ConnectURI)
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s connectURI=%s", name, params.ConnectURI), ErrInvalidConnectURI)
	}

	vm.name = name
	vm.params = params
	vm.vncListen = virtinstall.DefaultVNCListen
	vm.setURI(uri)
	if vm.nics == nil {
		vm.nics = slices.Clone(params.NICs)
	}

	slog.Info("libvirt VM", "vmName", vm.name, "driver", vm.driverType, "uri", vm.connectURI)
	return nil
}

func (vm *VM) setURI(uri string) {
	vm.connectURI = uri
	vm.driverType = virsh.Driver(uri)
	vm.virsh = vm.vmm.virsh.ForURI(uri)
}

// Clone returns a copy of vm, not alive, with optionally a new name and new
// params. With copyState, runtime state such as ports, UUID and NIC MACs is
// copied as well.
func (vm *VM) Clone(ctx context.Context, name string, params *virtinstall.Params, copyState bool) (*VM, error) {
	if name == "" {
		name = vm.name
	}
	p := vm.params.Clone()
	if params != nil {
		p = params.Clone()
	}

	out := &VM{
		vmm:         vm.vmm,
		redirs:      make(map[int]int),
		vncAutoport: true,
		spicePort:   defaultSpicePort,
	}
	if copyState {
		out.uuid = vm.uuid
		out.redirs = maps.Clone(vm.redirs)
		out.vncPort = vm.vncPort
		out.vncAutoport = vm.vncAutoport
		out.spicePort = vm.spicePort
		out.pciDevices = slices.Clone(vm.pciDevices)
		out.nics = slices.Clone(vm.nics)
		out.onlyPTY = vm.onlyPTY
	}

	if err := out.init(ctx, name, p); err != nil {
		return nil, err
	}
	return out, nil
}

func (vm *VM) Name() string {
	return vm.name
}

// Params returns the parameters the VM is created from.
func (vm *VM) Params() virtinstall.Params {
	return vm.params.Clone()
}

// ConnectURI returns the connection URI, "" for the default hypervisor.
func (vm *VM) ConnectURI() string {
	return vm.connectURI
}

// DriverType returns the hypervisor driver, e.g. "qemu".
func (vm *VM) DriverType() string {
	return vm.driverType
}

// Redirs returns the host port of every redirected guest port.
func (vm *VM) Redirs() map[int]int {
	return maps.Clone(vm.redirs)
}

// VNCPort returns the VNC port, 0 when libvirt picks it.
func (vm *VM) VNCPort() int {
	return vm.vncPort
}

func (vm *VM) SpicePort() int {
	return vm.spicePort
}

// NICs returns the NICs with their current MAC addresses.
func (vm *VM) NICs() []virtinstall.NIC {
	return slices.Clone(vm.nics)
}

// OnlyPTY reports whether the serial console is only reachable with
// "virsh console".
func (vm *VM) OnlyPTY() bool {
	return vm.onlyPTY
}

// SerialConsoleFile is the file the serial console is logged to.
func (vm *VM) SerialConsoleFile() string {
	return filepath.Join(vm.vmm.baseDir, "serial-"+vm.name)
}

// TestLogFile is the file the guest test log is written to.
func (vm *VM) TestLogFile() string {
	return filepath.Join(vm.vmm.baseDir, "testlog-"+vm.name)
}

// Virsh returns the virsh client bound to the VM's connection.
func (vm *VM) Virsh() *virsh.Client {
	return vm.virsh
}
