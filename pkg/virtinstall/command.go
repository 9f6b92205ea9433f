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

package virtinstall

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/virttest/pkg/execcontext"
	"github.com/alexandremahdhaoui/virttest/pkg/runner"
	"k8s.io/utils/ptr"
)

var (
	ErrNameRequired           = errors.New("VM name is required")
	ErrUnsupportedMachineType = errors.New("unsupported machine type")
	ErrKernelRequired         = errors.New("kernel path is required for a cdrom install")
	ErrLinkPXEBoot            = errors.New("failed to link pxeboot directory")
)

const (
	DefaultVNCListen = "0.0.0.0"

	driverXen = "xen"
)

// State is the part of a VM's runtime state the command line depends on.
// Build records in it what it decides: the VNC port and listen address, and
// whether the serial console is only reachable as a PTY.
type State struct {
	Name       string
	ConnectURI string
	DriverType string
	// UUID is the UUID generated for a UUIDRandom request. It is ignored
	// otherwise.
	UUID string

	VNCPort     int
	VNCAutoport bool
	VNCListen   string

	SerialFile string
	OnlyPTY    bool

	PCIDevices []string
	// NICs overrides Params.NICs, e.g. once MAC addresses were generated.
	NICs []NIC

	// MachineTypes, when set, is used to reject unsupported machine types.
	MachineTypes MachineTypes
}

// Command is an assembled virt-install invocation.
type Command struct {
	Env  map[string]string
	Argv []string
}

// RunnerCommand converts c for execution.
func (c *Command) RunnerCommand() runner.Command {
	return runner.Command{
		Argv:       c.Argv,
		Env:        c.Env,
		Subcommand: "install",
	}
}

func (c *Command) String() string {
	return execcontext.FormatCmd(execcontext.New(c.Env, nil), c.Argv...)
}

// Reformatted renders the command with one option per line.
func (c *Command) Reformatted() []string {
	var (
		lines   []string
		current []string
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		if len(lines) == 0 {
			lines = append(lines, execcontext.FormatCmd(execcontext.New(c.Env, nil), current...))
		} else {
			lines = append(lines, "    "+execcontext.FormatCmd(execcontext.Empty(), current...))
		}
		current = nil
	}
	for _, arg := range c.Argv {
		if strings.HasPrefix(arg, "-") {
			flush()
		}
		current = append(current, arg)
	}
	flush()
	return lines
}

// BinaryPath returns the virt-install executable. Bare names are looked up
// in PATH; relative paths are resolved against RootDir.
func (p *Params) BinaryPath() string {
	if !strings.ContainsRune(p.Binary, filepath.Separator) {
		return p.Binary
	}
	return ResolvePath(p.RootDir, p.Binary)
}

type builder struct {
	help HelpText
	argv []string
}

func (b *builder) add(args ...string) {
	b.argv = append(b.argv, args...)
}

// addIf adds args when virt-install supports --option.
func (b *builder) addIf(option string, args ...string) {
	if b.help.HasOption(option) {
		b.add(args...)
	}
}

// Build assembles the virt-install command line for p.
func Build(help HelpText, p Params, st *State) (*Command, error) {
	if st == nil || st.Name == "" {
		return nil, ErrNameRequired
	}

	cmd := &Command{}
	if p.X11Display != "" {
		cmd.Env = map[string]string{"DISPLAY": p.X11Display}
	}

	b := &builder{help: help}
	b.add(p.BinaryPath())

	if st.ConnectURI != "" {
		b.addIf("connect", "--connect="+st.ConnectURI)
	}

	switch p.HVMOrPV {
	case "":
	case VirtHVM:
		b.add("--hvm", "--accelerate")
	case VirtPV:
		b.add("--paravirt")
	default:
		slog.Warn("unknown virt type, using default", "hvmOrPV", p.HVMOrPV)
	}

	b.add("--name", st.Name)

	if p.MachineType != "" {
		if st.MachineTypes != nil && !st.MachineTypes.Supports(p.HVMOrPV, p.Arch, p.MachineType) {
			return nil, errors.Join(
				fmt.Errorf("machineType=%s hvmOrPV=%s arch=%s supported=%v",
					p.MachineType, p.HVMOrPV, p.Arch, st.MachineTypes.Get(p.HVMOrPV, p.Arch)),
				ErrUnsupportedMachineType,
			)
		}
		b.addIf("machine", "--machine", p.MachineType)
	}

	if p.Mem > 0 {
		b.add(fmt.Sprintf("--ram=%d", p.Mem))
	}

	if p.UseCheckCPU {
		b.addIf("check-cpu", "--check-cpu")
	}

	if p.SMP > 0 {
		b.add(fmt.Sprintf("--vcpu=%d", p.SMP))
	}

	location, err := b.addMedium(p)
	if err != nil {
		return nil, err
	}
	if location != "" {
		b.addIf("location", "--location", location)
	}

	b.addDisplay(p, st)

	if p.VideoDevice != "" {
		b.addIf("video", "--video="+p.VideoDevice)
	}

	if p.SoundDevice != "" {
		b.addIf("soundhw", "--soundhw", p.SoundDevice)
	}

	// libvirt generates a UUID when none is given
	if id := effectiveUUID(p, st); id != "" {
		b.addIf("uuid", "--uuid", id)
	}

	if p.UseOSType {
		b.addIf("os-type", "--os-type", p.OSType)
	}

	if p.UseOSVariant {
		b.addIf("os-variant", "--os-variant", p.OSVariant)
	}

	b.addSerial(st)

	for _, dev := range st.PCIDevices {
		b.addIf("host-device", "--host-device", dev)
	}

	b.addImages(p)
	b.addCDROMs(p, st)

	if p.FloppyName != "" {
		b.add(disk{path: ResolvePath(p.DataDir, p.FloppyName), device: "floppy"}.args()...)
	}

	nics := st.NICs
	if nics == nil {
		nics = p.NICs
	}
	for _, nic := range nics {
		args := nicArgs(help, nic)
		slog.Debug("adding nic to virt-install command", "nic", nic.Name, "args", strings.Join(args, " "))
		b.add(args...)
	}

	if p.UseNoReboot {
		b.add("--noreboot")
	}
	if p.UseAutostart {
		b.add("--autostart")
	}
	if p.Debug {
		b.add("--debug")
	}
	if p.UseWait {
		b.add("--wait", p.WaitTime)
	}
	if p.KernelParams != "" {
		b.add("--extra-args", p.KernelParams)
	}

	b.add("--noautoconsole")

	cmd.Argv = b.argv
	return cmd, nil
}

// addMedium adds the install medium switches and returns the --location
// value, if any.
func (b *builder) addMedium(p Params) (string, error) {
	switch p.Medium {
	case MediumURL:
		return p.URL, nil
	case MediumKernelInitrd:
		// directory layout must be one virt-install recognizes
		return p.ImageDir, nil
	case MediumNFS:
		return fmt.Sprintf("nfs:%s:%s", p.NFSServer, p.NFSDir), nil
	case MediumCDROM:
		switch {
		case p.UseLibvirtCDROMSwitch:
			b.addIf("cdrom", "--cdrom", p.CDROMCD1)
		case p.UnattendedDeliveryMethod == UnattendedIntegrated:
			b.addIf("cdrom", "--cdrom", filepath.Join(p.DataDir, p.CDROMUnattended))
		default:
			if err := linkPXEBoot(p.Kernel); err != nil {
				return "", err
			}
			return p.DataDir, nil
		}
	case MediumImport:
		b.addIf("import", "--import")
	}
	return "", nil
}

func (b *builder) addDisplay(p Params, st *State) {
	switch p.Display {
	case DisplayVNC:
		st.VNCAutoport = p.VNCAutoport
		if st.VNCAutoport {
			st.VNCPort = 0
		} else if p.VNCPort > 0 {
			st.VNCPort = p.VNCPort
		}

		if st.VNCPort > 0 {
			b.add("--vnc", fmt.Sprintf("--vncport=%d", st.VNCPort))
		} else {
			b.add("--vnc")
		}

		if p.VNCListen != "" {
			st.VNCListen = p.VNCListen
		}
		if st.VNCListen == "" {
			st.VNCListen = DefaultVNCListen
		}
		b.addIf("vnclisten", "--vnclisten="+st.VNCListen)
	case DisplaySDL:
		b.addIf("sdl", "--sdl")
	case DisplayNoGraphic:
		b.add("--nographics")
	}
}

func (b *builder) addSerial(st *State) {
	if !b.help.HasOption("serial") {
		st.OnlyPTY = true
		return
	}
	if st.SerialFile != "" {
		b.add("--serial", "file,path="+st.SerialFile)
	}
	b.add("--serial", "pty")
}

func (b *builder) addImages(p Params) {
	for _, img := range p.Images {
		var filename string
		if img.Filename != "" {
			filename = ResolvePath(p.DataDir, img.Filename)
		}

		if img.UseStoragePool {
			filename = ""
			b.add(disk{
				pool:   img.Pool,
				vol:    img.Vol,
				device: img.Device,
				bus:    img.Bus,
				perms:  img.Perms,
				size:   img.Size,
				sparse: img.Sparse,
				cache:  img.Cache,
				format: img.Format,
			}.args()...)
		}

		if !ptr.Deref(img.BootDrive, true) {
			continue
		}

		if filename != "" {
			b.add(disk{
				path:   filename,
				bus:    img.DriveFormat,
				size:   img.Size,
				sparse: img.Sparse,
				cache:  img.Cache,
				format: img.Format,
			}.args()...)
		}
	}
}

func (b *builder) addCDROMs(p Params, st *State) {
	if p.UnattendedDeliveryMethod == UnattendedIntegrated {
		return
	}
	if st.DriverType == driverXen && p.HVMOrPV == VirtPV {
		return
	}

	for _, cd := range p.CDROMs {
		// the winutils iso is attached even when installing with --cdrom
		if p.UseLibvirtCDROMSwitch && cd.Name != winutilsCDROM {
			slog.Debug("using --cdrom instead of --disk for install, skipping cdrom", "cdrom", cd.Name, "iso", cd.ISO)
			continue
		}
		if p.Medium == MediumCDROMNoKernelInitrd && cd.ISO == p.CDROMCD1 {
			slog.Debug("using cdrom or url for install, skipping cdrom", "iso", cd.ISO)
			continue
		}
		if cd.ISO != "" {
			b.add(disk{path: ResolvePath(p.RootDir, cd.ISO), device: "cdrom"}.args()...)
		}
	}
}

type disk struct {
	path   string
	pool   string
	vol    string
	device string
	bus    string
	perms  string
	size   string
	sparse *bool
	cache  string
	format string
}

func (d disk) args() []string {
	var opts []string
	switch {
	case d.path != "":
		opts = append(opts, "path="+d.path)
	case d.pool != "" && d.vol != "":
		opts = append(opts, fmt.Sprintf("vol=%s/%s", d.pool, d.vol))
	case d.pool != "":
		opts = append(opts, "pool="+d.pool)
	}
	if d.device != "" {
		opts = append(opts, "device="+d.device)
	}
	if d.bus != "" {
		opts = append(opts, "bus="+d.bus)
	}
	if d.perms != "" {
		opts = append(opts, d.perms)
	}
	if d.size != "" {
		opts = append(opts, "size="+strings.TrimRight(d.size, "Gg"))
	}
	if d.sparse != nil && !*d.sparse {
		opts = append(opts, "sparse=false")
	}
	if d.format != "" {
		opts = append(opts, "format="+d.format)
	}
	if d.cache != "" {
		opts = append(opts, "cache="+d.cache)
	}
	return []string{"--disk", strings.Join(opts, ",")}
}

// nicArgs renders a NIC. virt-install releases listing --bridge expect
// "--network=<type>:<dst> --mac=<mac>"; newer ones take the model and MAC
// as --network options.
func nicArgs(help HelpText, nic NIC) []string {
	legacy := help.HasOption("bridge")

	var network string
	if nic.NetType != "" {
		network = "--network=" + nic.NetType
		if nic.NetType != NetTypeUser && nic.NetDst != "" {
			if legacy {
				network += ":" + nic.NetDst
			} else {
				network += "=" + nic.NetDst
			}
		}
	}

	macInline := false
	if !legacy && nic.NetType != "" {
		if nic.Model != "" {
			network += ",model=" + nic.Model
		}
		if nic.MAC != "" {
			network += ",mac=" + nic.MAC
			macInline = true
		}
	}

	var args []string
	if network != "" {
		args = append(args, network)
	}
	// --mac can be given without --network
	if nic.MAC != "" && !macInline {
		args = append(args, "--mac="+nic.MAC)
	}
	return args
}

func effectiveUUID(p Params, st *State) string {
	if p.UUID == UUIDRandom {
		return st.UUID
	}
	return p.UUID
}

// linkPXEBoot points "<kernel dir>/../pxeboot" at the kernel directory,
// replacing a stale link or leftover directory.
func linkPXEBoot(kernel string) error {
	if kernel == "" {
		return ErrKernelRequired
	}

	kernelDir := filepath.Dir(kernel)
	link := filepath.Join(filepath.Dir(kernelDir), "pxeboot")

	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 && fi.IsDir() {
			slog.Info("removing leftover pxeboot directory", "path", link)
		}
		if err := os.RemoveAll(link); err != nil {
			return errors.Join(err, fmt.Errorf("path=%s", link), ErrLinkPXEBoot)
		}
	}

	if err := os.Symlink(kernelDir, link); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", link), ErrLinkPXEBoot)
	}
	return nil
}

// ResolvePath resolves p against base unless p is absolute or base is empty.
func ResolvePath(base, p string) string {
	if base == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
