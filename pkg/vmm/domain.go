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
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/virttest/pkg/virsh"
	"github.com/alexandremahdhaoui/virttest/pkg/virtinstall"
	"libvirt.org/go/libvirtxml"
)

const (
	pageSizeKiB = 4
	statmShared = 2
)

// State returns the domain state, e.g. "running".
func (vm *VM) State(ctx context.Context) (string, error) {
	return vm.virsh.DomState(ctx, vm.name)
}

// ID returns the runtime domain ID.
func (vm *VM) ID(ctx context.Context) (string, error) {
	return vm.virsh.DomID(ctx, vm.name)
}

// UUID returns the domain UUID. The first UUID seen is kept.
func (vm *VM) UUID(ctx context.Context) (string, error) {
	id, err := vm.virsh.DomUUID(ctx, vm.name)
	if err != nil {
		return "", err
	}
	if vm.uuid == "" {
		vm.uuid = id
	}
	return vm.uuid, nil
}

// XML returns the domain XML definition.
func (vm *VM) XML(ctx context.Context) (string, error) {
	return vm.virsh.DumpXML(ctx, vm.name)
}

// BackupXML dumps the domain XML to a new temporary file and returns its path.
func (vm *VM) BackupXML(ctx context.Context) (string, error) {
	f, err := os.CreateTemp("", vm.name+"-*.xml")
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", vm.name), errBackupXML)
	}
	path := f.Name()
	_ = f.Close()

	if err := vm.virsh.DumpXMLToFile(ctx, vm.name, path); err != nil {
		_ = os.Remove(path)
		slog.Error("failed to backup xml file", "vmName", vm.name, "error", err.Error())
		return "", errors.Join(err, fmt.Errorf("vmName=%s", vm.name), errBackupXML)
	}
	return path, nil
}

func (vm *VM) IsAlive(ctx context.Context) bool {
	return vm.virsh.IsAlive(ctx, vm.name)
}

func (vm *VM) IsDead(ctx context.Context) bool {
	return vm.virsh.IsDead(ctx, vm.name)
}

// VerifyAlive returns ErrVMDead, with the current state, when the VM is dead.
func (vm *VM) VerifyAlive(ctx context.Context) error {
	if vm.IsAlive(ctx) {
		return nil
	}
	state, err := vm.State(ctx)
	if err != nil {
		state = "unknown"
	}
	return errors.Join(fmt.Errorf("domain %s is inactive: state=%s", vm.name, state), ErrVMDead)
}

// IsPersistent reports whether the domain is defined persistently. Errors
// count as not persistent.
func (vm *VM) IsPersistent(ctx context.Context) bool {
	out, err := vm.virsh.DomInfo(ctx, vm.name)
	if err != nil {
		return false
	}
	return virsh.IsPersistent(out)
}

// Dominfo returns the "virsh dominfo" fields.
func (vm *VM) Dominfo(ctx context.Context) (map[string]string, error) {
	out, err := vm.virsh.DomInfo(ctx, vm.name)
	if err != nil {
		return nil, err
	}
	return virsh.ParseDominfo(out), nil
}

// Vcpuinfo returns one record per virtual CPU.
func (vm *VM) Vcpuinfo(ctx context.Context) ([]map[string]string, error) {
	out, err := vm.virsh.VCPUInfo(ctx, vm.name)
	if err != nil {
		return nil, err
	}
	return virsh.ParseVcpuinfo(out), nil
}

// UsedMemory returns the memory used by the domain in KiB.
func (vm *VM) UsedMemory(ctx context.Context) (int, error) {
	info, err := vm.Dominfo(ctx)
	if err != nil {
		return 0, err
	}
	return virsh.UsedMemoryKiB(info)
}

// BlockDevices returns the block devices keyed by target. A failing
// domblklist yields no devices.
func (vm *VM) BlockDevices(ctx context.Context) (map[string]virsh.BlockDevice, error) {
	res, err := vm.virsh.DomBlkList(ctx, vm.name, "--details")
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		slog.Info("failed to get vm block devices", "vmName", vm.name, "stderr", strings.TrimSpace(res.Stderr))
		return map[string]virsh.BlockDevice{}, nil
	}
	return virsh.ParseDomblklist(res.Stdout), nil
}

// DiskDevices returns the block devices of device type "disk".
func (vm *VM) DiskDevices(ctx context.Context) (map[string]virsh.BlockDevice, error) {
	devices, err := vm.BlockDevices(ctx)
	if err != nil {
		return nil, err
	}
	for target, d := range devices {
		if d.Device != "disk" {
			delete(devices, target)
		}
	}
	return devices, nil
}

// MACAddress returns the MAC address of the nicIndex-th interface in the
// domain XML.
func (vm *VM) MACAddress(ctx context.Context, nicIndex int) (string, error) {
	xml, err := vm.XML(ctx)
	if err != nil {
		return "", err
	}
	macs, err := interfaceMACs(xml)
	if err != nil {
		return "", err
	}
	if nicIndex < 0 || nicIndex >= len(macs) || macs[nicIndex] == "" {
		return "", errors.Join(fmt.Errorf("vmName=%s nicIndex=%d", vm.name, nicIndex), ErrMACAddressMissing)
	}
	return macs[nicIndex], nil
}

// interfaceMACs lists the MAC address of every interface, "" when unset.
func interfaceMACs(xml string) ([]string, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(xml); err != nil {
		return nil, err
	}
	if dom.Devices == nil {
		return nil, nil
	}
	out := make([]string, 0, len(dom.Devices.Interfaces))
	for _, iface := range dom.Devices.Interfaces {
		var mac string
		if iface.MAC != nil {
			mac = iface.MAC.Address
		}
		out = append(out, mac)
	}
	return out, nil
}

// IPAddress returns the cached IP address of the nicIndex-th NIC.
func (vm *VM) IPAddress(nicIndex int) (string, error) {
	if nicIndex < 0 || nicIndex >= len(vm.nics) {
		return "", errors.Join(fmt.Errorf("vmName=%s nicIndex=%d", vm.name, nicIndex), ErrNICNotFound)
	}
	mac := vm.nics[nicIndex].MAC
	ip, ok := vm.vmm.addresses.Get(mac)
	if !ok {
		return "", errors.Join(fmt.Errorf("vmName=%s mac=%s", vm.name, mac), ErrAddressUnknown)
	}
	return ip, nil
}

// RefreshAddresses records in the address cache the IPv4 address of every
// interface reported by "virsh domifaddr". NICs without a MAC address first
// get the one of the domain XML.
func (vm *VM) RefreshAddresses(ctx context.Context) error {
	if slices.ContainsFunc(vm.nics, func(nic virtinstall.NIC) bool { return nic.MAC == "" }) {
		vm.syncMACs(ctx)
	}

	out, err := vm.virsh.DomIfAddr(ctx, vm.name)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, addr := range virsh.ParseDomifaddr(out) {
		if addr.Protocol != "ipv4" || seen[addr.MAC] {
			continue
		}
		seen[addr.MAC] = true
		slog.Debug("guest address found", "vmName", vm.name, "mac", addr.MAC, "ip", addr.Address)
		vm.vmm.addresses.Set(addr.MAC, addr.Address)
	}
	return nil
}

// PID returns the hypervisor process ID read from its PID file.
func (vm *VM) PID() (int, error) {
	path := fmt.Sprintf("%s/%s.pid", vm.vmm.pidDir, vm.name)
	b, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("PID file not readable", "path", path, "error", err.Error())
		return 0, errors.Join(err, fmt.Errorf("path=%s", path), ErrPIDUnavailable)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		slog.Error("PID file has invalid contents", "path", path, "contents", string(b))
		return 0, errors.Join(err, fmt.Errorf("path=%s", path), ErrPIDUnavailable)
	}
	return pid, nil
}

// VCPUPIDs returns the host thread IDs of the virtual CPUs.
func (vm *VM) VCPUPIDs(ctx context.Context) ([]int, error) {
	out, err := vm.virsh.QemuMonitorCommand(ctx, vm.name, "info cpus")
	if err != nil {
		return nil, err
	}
	return virsh.ParseThreadIDs(out)
}

// SharedMemoryMB returns the shared memory of the hypervisor process in MiB.
func (vm *VM) SharedMemoryMB(ctx context.Context) (float64, error) {
	if vm.IsDead(ctx) {
		slog.Error("could not get shared memory info from dead VM", "vmName", vm.name)
		return 0, errors.Join(fmt.Errorf("vmName=%s", vm.name), ErrVMDead)
	}

	pid, err := vm.PID()
	if err != nil {
		return 0, err
	}

	path := fmt.Sprintf("%s/%d/statm", vm.vmm.procDir, pid)
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Join(err, fmt.Errorf("path=%s", path), errReadProcStatm)
	}

	fields := strings.Fields(string(b))
	if len(fields) <= statmShared {
		return 0, errors.Join(fmt.Errorf("path=%s contents=%q", path, string(b)), errReadProcStatm)
	}
	pages, err := strconv.Atoi(fields[statmShared])
	if err != nil {
		return 0, errors.Join(err, fmt.Errorf("path=%s", path), errReadProcStatm)
	}

	return float64(pages*pageSizeKiB) / 1024, nil
}
