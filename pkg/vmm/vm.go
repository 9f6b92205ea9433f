package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/virttest/pkg/runner"
	"github.com/alexandremahdhaoui/virttest/pkg/virsh"
	"github.com/alexandremahdhaoui/virttest/pkg/virtinstall"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
)

const driverXen = "xen"

// Host port ranges.
const (
	redirPortMin = 5000
	redirPortMax = 6000
	vncPortMin   = 5900
	vncPortMax   = 6100
	spicePortMin = 8000
	spicePortMax = 8100
)

// DefaultMigrateOptions are passed to "virsh migrate" when none are given.
var DefaultMigrateOptions = []string{"--live", "--timeout", "60"}

// CreateOptions tune Create.
type CreateOptions struct {
	// MACSource is a VM whose NIC MAC addresses are copied, matched by NIC
	// name. Without it, new addresses are generated.
	MACSource *VM
}

// Create installs and starts the VM with virt-install. A running instance
// is destroyed first. Creation is serialized across processes by the
// VMM's file lock.
func (vm *VM) Create(ctx context.Context, opts CreateOptions) error {
	slog.Info("creating VM", "vmName", vm.name)

	if err := vm.Destroy(ctx, DestroyOptions{Gracefully: true}); err != nil {
		return err
	}

	if err := vm.verifyCDROMs(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", vm.name), ErrCreateVM)
	}

	if err := vm.ensureNetworks(ctx); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", vm.name), ErrCreateVM)
	}

	if err := vm.vmm.lock.Lock(ctx); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", vm.name), ErrCreateVM)
	}
	defer func() {
		if err := vm.vmm.lock.Unlock(); err != nil {
			slog.Error("failed to release VM creation lock", "path", vm.vmm.lock.Path(), "error", err.Error())
		}
	}()

	if err := vm.create(ctx, opts); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", vm.name), ErrCreateVM)
	}
	return nil
}

func (vm *VM) create(ctx context.Context, opts CreateOptions) error {
	p := vm.params

	if err := vm.allocatePorts(p); err != nil {
		return err
	}

	vm.pciDevices = slices.Clone(p.PCIDevices)

	var generated string
	if p.UUID == virtinstall.UUIDRandom {
		generated = uuid.NewString()
		vm.uuid = generated
	}

	if err := vm.assignMACs(opts.MACSource); err != nil {
		return err
	}

	cmd, err := vm.createCommand(ctx, generated)
	if err != nil {
		return err
	}

	slog.Info("running libvirt command (reformatted)", "vmName", vm.name)
	for _, line := range cmd.Reformatted() {
		slog.Info(line)
	}

	if _, err := runner.RunChecked(ctx, vm.vmm.runner, cmd.RunnerCommand()); err != nil {
		return err
	}

	if err := vm.waitAlive(ctx); err != nil {
		return err
	}

	id, err := vm.virsh.DomUUID(ctx, vm.name)
	if err != nil {
		return err
	}
	vm.uuid = id

	return nil
}

// CreateCommand assembles the virt-install command for the VM's current
// state without running it. Only an explicit UUID from the params is
// passed to virt-install; a cached domain UUID never is.
func (vm *VM) CreateCommand(ctx context.Context) (*virtinstall.Command, error) {
	return vm.createCommand(ctx, "")
}

// createCommand builds the command, passing generatedUUID in place of a
// random UUID request.
func (vm *VM) createCommand(ctx context.Context, generatedUUID string) (*virtinstall.Command, error) {
	p := vm.params.Clone()

	help, err := virtinstall.Probe(ctx, vm.vmm.runner, p.BinaryPath())
	if err != nil {
		return nil, err
	}

	st := &virtinstall.State{
		Name:        vm.name,
		ConnectURI:  vm.connectURI,
		DriverType:  vm.driverType,
		UUID:        generatedUUID,
		VNCPort:     vm.vncPort,
		VNCAutoport: vm.vncAutoport,
		VNCListen:   vm.vncListen,
		SerialFile:  vm.SerialConsoleFile(),
		PCIDevices:  vm.pciDevices,
		NICs:        vm.nics,
	}

	if p.MachineType != "" {
		if p.Arch == "" {
			if p.Arch, err = vm.vmm.hostArch(); err != nil {
				return nil, err
			}
		}
		caps, err := vm.virsh.Capabilities(ctx)
		if err != nil {
			return nil, errors.Join(err, errProbeMachineTypes)
		}
		if st.MachineTypes, err = virtinstall.ParseMachineTypes(caps); err != nil {
			return nil, errors.Join(err, errProbeMachineTypes)
		}
	}

	cmd, err := virtinstall.Build(help, p, st)
	if err != nil {
		return nil, errors.Join(err, errBuildCreateCommand)
	}

	vm.vncPort = st.VNCPort
	vm.vncAutoport = st.VNCAutoport
	vm.vncListen = st.VNCListen
	vm.onlyPTY = st.OnlyPTY

	return cmd, nil
}

func (vm *VM) allocatePorts(p virtinstall.Params) error {
	vm.redirs = make(map[int]int)
	if len(p.Redirs) > 0 {
		hostPorts, err := vm.vmm.findPorts(redirPortMin, redirPortMax, len(p.Redirs))
		if err != nil {
			return errors.Join(err, errAllocatePorts)
		}
		for i, r := range p.Redirs {
			vm.redirs[r.GuestPort] = hostPorts[i]
		}
	}

	if p.Display == virtinstall.DisplayVNC {
		if p.VNCAutoport {
			vm.vncPort = 0
			vm.vncAutoport = true
		} else {
			port, err := vm.findPort(vncPortMin, vncPortMax)
			if err != nil {
				return err
			}
			// a configured port overrides the allocated one when the
			// command is built
			vm.vncPort = port
			vm.vncAutoport = false
		}
	}

	if p.Spice {
		port, err := vm.findPort(spicePortMin, spicePortMax)
		if err != nil {
			return err
		}
		vm.spicePort = port
	}

	return nil
}

func (vm *VM) findPort(lo, hi int) (int, error) {
	ports, err := vm.vmm.findPorts(lo, hi, 1)
	if err != nil {
		return 0, errors.Join(err, errAllocatePorts)
	}
	return ports[0], nil
}

func (vm *VM) assignMACs(source *VM) error {
	for i := range vm.nics {
		nic := &vm.nics[i]
		switch {
		case source != nil:
			mac, err := source.nicMAC(nic.Name)
			if err != nil {
				return err
			}
			slog.Debug("copying mac for nic", "nic", nic.Name, "from", source.name)
			nic.MAC = mac
			vm.vmm.macs.Reserve(vm.name, nic.Name, mac)
		case nic.MAC != "":
			vm.vmm.macs.Reserve(vm.name, nic.Name, nic.MAC)
		default:
			mac, err := vm.vmm.macs.Generate(vm.name, nic.Name)
			if err != nil {
				return err
			}
			nic.MAC = mac
		}
	}
	return nil
}

func (vm *VM) nicMAC(nicName string) (string, error) {
	for _, nic := range vm.nics {
		if nic.Name == nicName && nic.MAC != "" {
			return nic.MAC, nil
		}
	}
	if mac, ok := vm.vmm.macs.Get(vm.name, nicName); ok {
		return mac, nil
	}
	return "", errors.Join(fmt.Errorf("vmName=%s nic=%s", vm.name, nicName), ErrMACAddressMissing)
}

// ensureNetworks starts the libvirt networks the NICs are attached to.
func (vm *VM) ensureNetworks(ctx context.Context) error {
	seen := make(map[string]struct{})
	for _, nic := range vm.nics {
		if nic.NetType != virtinstall.NetTypeNetwork || nic.NetDst == "" {
			continue
		}
		if _, ok := seen[nic.NetDst]; ok {
			continue
		}
		seen[nic.NetDst] = struct{}{}
		if err := vm.virsh.EnsureNetworkActive(ctx, nic.NetDst); err != nil {
			return err
		}
	}
	return nil
}

func (vm *VM) waitAlive(ctx context.Context) error {
	t := vm.vmm.timeouts
	slog.Debug("waiting for domain to start", "vmName", vm.name)
	err := wait.PollUntilContextTimeout(ctx, t.StartInterval, t.Start, true, func(ctx context.Context) (bool, error) {
		return vm.IsAlive(ctx), nil
	})
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s: libvirt domain not active after start", vm.name), ErrStartVM)
	}
	return nil
}

// Start boots the defined domain. NIC MAC addresses are first synchronized
// with the domain XML.
func (vm *VM) Start(ctx context.Context) error {
	if _, err := vm.UUID(ctx); err != nil {
		return errors.Join(err, ErrStartVM)
	}

	vm.syncMACs(ctx)

	if err := vm.virsh.Start(ctx, vm.name); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s: libvirt domain failed to start", vm.name), ErrStartVM)
	}

	if err := vm.waitAlive(ctx); err != nil {
		return err
	}

	id, err := vm.virsh.DomUUID(ctx, vm.name)
	if err != nil {
		return errors.Join(err, ErrStartVM)
	}
	vm.uuid = id
	return nil
}

func (vm *VM) syncMACs(ctx context.Context) {
	xml, err := vm.XML(ctx)
	if err != nil {
		slog.Warn("failed to read domain XML, not syncing MAC addresses", "vmName", vm.name, "error", err.Error())
		return
	}
	macs, err := interfaceMACs(xml)
	if err != nil {
		slog.Warn("failed to parse domain XML, not syncing MAC addresses", "vmName", vm.name, "error", err.Error())
		return
	}

	for i := range vm.nics {
		nic := &vm.nics[i]
		if i >= len(macs) || macs[i] == "" {
			slog.Warn("nic requested by test but not defined for vm", "nicIndex", i, "vmName", vm.name)
			continue
		}
		switch {
		case nic.MAC == "":
			slog.Debug("updating nic with mac", "nicIndex", i, "mac", macs[i], "vmName", vm.name)
			nic.MAC = macs[i]
			vm.vmm.macs.Reserve(vm.name, nic.Name, macs[i])
		case !strings.EqualFold(nic.MAC, macs[i]):
			slog.Warn("requested mac doesn't match mac defined for vm",
				"requested", nic.MAC, "defined", macs[i], "vmName", vm.name)
		}
	}
}

// WaitForShutdown reports whether the domain shut down within the shutdown
// timeout. libvirt does not block on shutdown.
func (vm *VM) WaitForShutdown(ctx context.Context) bool {
	t := vm.vmm.timeouts
	start := time.Now()
	err := wait.PollUntilContextTimeout(ctx, t.ShutdownInterval, t.Shutdown, true, func(ctx context.Context) (bool, error) {
		slog.Debug("waiting for guest to shutdown", "vmName", vm.name)
		return vm.IsDead(ctx), nil
	})
	if err != nil {
		return false
	}
	slog.Debug("shutdown complete", "vmName", vm.name, "duration", time.Since(start).String())
	return true
}

// Shutdown asks the guest to shut down and waits for it.
func (vm *VM) Shutdown(ctx context.Context) error {
	state, err := vm.State(ctx)
	if err != nil {
		slog.Error("VM failed to shut down", "vmName", vm.name, "error", err.Error())
		return err
	}

	if state != virsh.StateShutOff {
		if err := vm.virsh.Shutdown(ctx, vm.name); err != nil {
			slog.Error("VM failed to shut down", "vmName", vm.name, "error", err.Error())
			return err
		}
	}

	if !vm.WaitForShutdown(ctx) {
		slog.Error("VM failed to shut down", "vmName", vm.name)
		return errors.Join(fmt.Errorf("vmName=%s", vm.name), ErrShutdownTimeout)
	}

	slog.Debug("VM shut down", "vmName", vm.name)
	return nil
}

// DestroyOptions tune Destroy.
type DestroyOptions struct {
	// Gracefully first sends the shutdown command to the guest, when both
	// the command and a guest shutdown hook are configured.
	Gracefully bool
	// FreeMACs releases the NIC MAC addresses unless the domain is
	// persistent.
	FreeMACs bool
}

// Destroy stops the VM and removes its serial console and test log files.
// A failed "virsh destroy" is only logged; Destroy fails when the domain is
// still alive afterwards.
func (vm *VM) Destroy(ctx context.Context, opts DestroyOptions) error {
	defer vm.removeRunFiles()

	if vm.IsAlive(ctx) {
		slog.Debug("destroying VM", "vmName", vm.name)
		if !(opts.Gracefully && vm.shutdownGuest(ctx)) {
			if err := vm.virsh.Destroy(ctx, vm.name); err != nil {
				slog.Warn("virsh destroy failed", "vmName", vm.name, "error", err.Error())
			}
			if !vm.IsDead(ctx) {
				state, _ := vm.State(ctx)
				return errors.Join(fmt.Errorf("vmName=%s state=%q: VM is still alive after destroy", vm.name, state), ErrVMStatus)
			}
		}
	}

	if opts.FreeMACs {
		vm.freeMACs(ctx)
	}
	return nil
}

// shutdownGuest reports whether the guest went down after receiving its
// shutdown command.
func (vm *VM) shutdownGuest(ctx context.Context) bool {
	command := vm.params.ShutdownCommand
	if command == "" || vm.vmm.onShutdown == nil {
		return false
	}

	slog.Debug("trying to shutdown VM with shell command", "vmName", vm.name)
	if err := vm.vmm.onShutdown(ctx, vm, command); err != nil {
		slog.Debug("failed to send shutdown command", "vmName", vm.name, "error", err.Error())
		return false
	}

	slog.Debug("shutdown command sent; waiting for VM to go down", "vmName", vm.name)
	t := vm.vmm.timeouts
	err := wait.PollUntilContextTimeout(ctx, t.GuestShutdownInterval, t.GuestShutdown, false, func(ctx context.Context) (bool, error) {
		return vm.IsDead(ctx), nil
	})
	if err != nil {
		return false
	}

	slog.Debug("VM is down", "vmName", vm.name)
	return true
}

func (vm *VM) removeRunFiles() {
	for _, f := range []string{vm.TestLogFile(), vm.SerialConsoleFile()} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			slog.Debug("failed to remove file", "path", f, "error", err.Error())
		}
	}
}

func (vm *VM) freeMACs(ctx context.Context) {
	if vm.IsPersistent(ctx) {
		slog.Warn("requested MAC address release from persistent vm, ignoring", "vmName", vm.name)
		return
	}
	slog.Debug("releasing MAC addresses", "vmName", vm.name)
	for _, nic := range vm.nics {
		vm.vmm.macs.Free(vm.name, nic.Name)
	}
}

// Remove destroys and undefines the VM, then releases its MAC addresses.
func (vm *VM) Remove(ctx context.Context) error {
	if err := vm.Destroy(ctx, DestroyOptions{Gracefully: true}); err != nil {
		return err
	}
	if err := vm.Undefine(ctx); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s: undefine error", vm.name), ErrRemoveVM)
	}
	if err := vm.Destroy(ctx, DestroyOptions{FreeMACs: true}); err != nil {
		return err
	}
	slog.Debug("VM was removed", "vmName", vm.name)
	return nil
}

// Define defines the domain from an XML file.
func (vm *VM) Define(ctx context.Context, xmlFile string) error {
	if _, err := os.Stat(xmlFile); err != nil {
		slog.Error("file not found", "path", xmlFile)
		return errors.Join(err, fmt.Errorf("path=%s", xmlFile), ErrXMLFileNotFound)
	}
	if err := vm.virsh.Define(ctx, xmlFile); err != nil {
		slog.Error("define VM failed", "path", xmlFile, "error", err.Error())
		return err
	}
	return nil
}

func (vm *VM) Undefine(ctx context.Context) error {
	if err := vm.virsh.Undefine(ctx, vm.name); err != nil {
		slog.Error("undefine VM failed", "vmName", vm.name, "error", err.Error())
		return err
	}
	return nil
}

func (vm *VM) Pause(ctx context.Context) error {
	return vm.virsh.Suspend(ctx, vm.name)
}

func (vm *VM) Resume(ctx context.Context) error {
	return vm.virsh.Resume(ctx, vm.name)
}

// SaveToFile saves a paused VM to path. The VM must be shut off afterwards.
func (vm *VM) SaveToFile(ctx context.Context, path string) error {
	if err := vm.expectState(ctx, "cannot save a VM that is", virsh.StatePaused); err != nil {
		return err
	}

	slog.Debug("saving VM", "vmName", vm.name, "path", path)
	if err := vm.virsh.Save(ctx, vm.name, path); err != nil {
		return err
	}

	return vm.expectState(ctx, "VM not shut off after save, it is", virsh.StateShutOff)
}

// RestoreFromFile restores a shut off VM from path. The VM must be paused
// or running afterwards.
func (vm *VM) RestoreFromFile(ctx context.Context, path string) error {
	if err := vm.expectState(ctx, "cannot restore VM that is", virsh.StateShutOff); err != nil {
		return err
	}

	slog.Debug("restoring VM", "vmName", vm.name, "path", path)
	if err := vm.virsh.Restore(ctx, path); err != nil {
		return err
	}

	return vm.expectState(ctx, "VM not paused after restore, it is", virsh.StatePaused, virsh.StateRunning)
}

func (vm *VM) expectState(ctx context.Context, msg string, want ...string) error {
	state, err := vm.State(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(want, state) {
		return errors.Join(fmt.Errorf("vmName=%s: %s %s", vm.name, msg, state), ErrVMStatus)
	}
	return nil
}

// Migrate migrates the VM to destURI. On success the VM follows the domain
// to its new connection. options default to DefaultMigrateOptions.
func (vm *VM) Migrate(ctx context.Context, destURI string, options, extra []string) (*runner.Result, error) {
	if options == nil {
		options = DefaultMigrateOptions
	}

	slog.Info("migrating VM", "vmName", vm.name, "from", vm.connectURI, "to", destURI)
	res, err := vm.virsh.Migrate(ctx, vm.name, destURI, options, extra)
	if err != nil {
		return nil, err
	}

	if res.Success() && destURI != "" {
		vm.setURI(destURI)
	}
	return res, nil
}

func (vm *VM) AttachDevice(ctx context.Context, xmlFile string, extra ...string) (*runner.Result, error) {
	return vm.virsh.AttachDevice(ctx, vm.name, xmlFile, extra...)
}

func (vm *VM) DetachDevice(ctx context.Context, xmlFile string, extra ...string) (*runner.Result, error) {
	return vm.virsh.DetachDevice(ctx, vm.name, xmlFile, extra...)
}

func (vm *VM) AttachInterface(ctx context.Context, options ...string) (*runner.Result, error) {
	return vm.virsh.AttachInterface(ctx, vm.name, options...)
}

func (vm *VM) DetachInterface(ctx context.Context, options ...string) (*runner.Result, error) {
	return vm.virsh.DetachInterface(ctx, vm.name, options...)
}

// VCPUPin pins a virtual CPU to a host CPU list such as "0-2".
func (vm *VM) VCPUPin(ctx context.Context, vcpu int, cpuList string) error {
	return vm.virsh.VCPUPin(ctx, vm.name, vcpu, cpuList)
}

// Screendump writes a screenshot of the console to filename.
func (vm *VM) Screendump(ctx context.Context, filename string) error {
	slog.Debug("requesting screenshot", "vmName", vm.name, "path", filename)
	return vm.virsh.Screenshot(ctx, vm.name, filename)
}
