package virtinstall

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/virttest/pkg/runner"
	"golang.org/x/sys/unix"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrProbeHelp         = errors.New("failed to read virt-install help text")
	ErrParseCapabilities = errors.New("failed to parse hypervisor capabilities")
	ErrUnameFailed       = errors.New("failed to read host architecture")
)

// HelpText is the output of "virt-install --help". Each option of the
// command line is only emitted when the installed virt-install lists it.
type HelpText string

// HasOption reports whether the help text mentions --option.
func (h HelpText) HasOption(option string) bool {
	return strings.Contains(string(h), "--"+option)
}

// Probe runs "<binary> --help".
func Probe(ctx context.Context, r runner.Runner, binary string) (HelpText, error) {
	res, err := runner.RunChecked(ctx, r, runner.Command{
		Argv:       []string{binary, "--help"},
		Subcommand: "--help",
	})
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("binary=%s", binary), ErrProbeHelp)
	}
	return HelpText(res.Stdout), nil
}

// MachineTypes maps an OS type ("hvm", "xen") and an architecture to the
// machine types the hypervisor supports.
type MachineTypes map[string]map[string][]string

// Supports reports whether machine is supported for the virtualization type
// (hvm or pv) and architecture.
func (m MachineTypes) Supports(hvmOrPV, arch, machine string) bool {
	for _, name := range m[osTypeFor(hvmOrPV)][arch] {
		if name == machine {
			return true
		}
	}
	return false
}

// Get returns the machine types for the virtualization type and architecture.
func (m MachineTypes) Get(hvmOrPV, arch string) []string {
	return m[osTypeFor(hvmOrPV)][arch]
}

// ParseMachineTypes extracts the supported machine types from the
// "virsh capabilities" XML. Both machine aliases and canonical names are
// listed.
func ParseMachineTypes(capsXML string) (MachineTypes, error) {
	var caps libvirtxml.Caps
	if err := caps.Unmarshal(capsXML); err != nil {
		return nil, errors.Join(err, ErrParseCapabilities)
	}

	out := make(MachineTypes)
	for _, guest := range caps.Guests {
		archs, ok := out[guest.OSType]
		if !ok {
			archs = make(map[string][]string)
			out[guest.OSType] = archs
		}

		machines := guest.Arch.Machines
		for _, d := range guest.Arch.Domains {
			machines = append(machines, d.Machines...)
		}

		seen := make(map[string]struct{}, len(archs[guest.Arch.Name]))
		for _, name := range archs[guest.Arch.Name] {
			seen[name] = struct{}{}
		}
		for _, m := range machines {
			for _, name := range []string{m.Name, m.Canonical} {
				if name == "" {
					continue
				}
				if _, dup := seen[name]; dup {
					continue
				}
				seen[name] = struct{}{}
				archs[guest.Arch.Name] = append(archs[guest.Arch.Name], name)
			}
		}
	}

	return out, nil
}

// HostArch returns the host architecture as printed by "uname -m".
func HostArch() (string, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", errors.Join(err, ErrUnameFailed)
	}
	return unix.ByteSliceToString(u.Machine[:]), nil
}

// osTypeFor maps the hvm_or_pv parameter to the capabilities OS type.
func osTypeFor(hvmOrPV string) string {
	if hvmOrPV == VirtPV {
		return "xen"
	}
	return hvmOrPV
}
