package virsh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/alexandremahdhaoui/virttest/pkg/runner"
	"github.com/google/uuid"
)

// Domain states as printed by "virsh domstate".
const (
	StateRunning    = "running"
	StateIdle       = "idle"
	StatePaused     = "paused"
	StateInShutdown = "in shutdown"
	StateShutOff    = "shut off"
	StateCrashed    = "crashed"
	StateSuspended  = "pmsuspended"
)

// CanonicalURI returns the canonical form of the client's connection URI
// as printed by "virsh uri".
func (c *Client) CanonicalURI(ctx context.Context) (string, error) {
	return c.output(ctx, "uri")
}

// Capabilities returns the hypervisor capabilities XML.
func (c *Client) Capabilities(ctx context.Context) (string, error) {
	return c.output(ctx, "capabilities")
}

// DomState returns the domain state, e.g. "running" or "shut off".
func (c *Client) DomState(ctx context.Context, name string) (string, error) {
	out, err := c.output(ctx, "domstate", name)
	if err != nil {
		return "", domainErr(name, err)
	}
	return out, nil
}

// DomID returns the runtime ID of a domain ("-" when inactive).
func (c *Client) DomID(ctx context.Context, name string) (string, error) {
	out, err := c.output(ctx, "domid", name)
	if err != nil {
		return "", domainErr(name, err)
	}
	return out, nil
}

// DomUUID returns the UUID of a domain.
func (c *Client) DomUUID(ctx context.Context, name string) (string, error) {
	out, err := c.output(ctx, "domuuid", name)
	if err != nil {
		return "", domainErr(name, err)
	}
	id, err := uuid.Parse(out)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s output=%q", name, out), ErrParseUUID)
	}
	return id.String(), nil
}

// DomInfo returns the raw "virsh dominfo" output. See ParseDominfo.
func (c *Client) DomInfo(ctx context.Context, name string) (string, error) {
	out, err := c.output(ctx, "dominfo", name)
	if err != nil {
		return "", domainErr(name, err)
	}
	return out, nil
}

// DumpXML returns the XML definition of a domain.
func (c *Client) DumpXML(ctx context.Context, name string) (string, error) {
	out, err := c.output(ctx, "dumpxml", name)
	if err != nil {
		return "", domainErr(name, err)
	}
	return out, nil
}

// DumpXMLToFile writes the XML definition of a domain to path.
func (c *Client) DumpXMLToFile(ctx context.Context, name, path string) error {
	xml, err := c.DumpXML(ctx, name)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(xml+"\n"), 0o644)
}

// Define defines a persistent domain from an XML file.
func (c *Client) Define(ctx context.Context, xmlFile string) error {
	return c.checked(ctx, "define", xmlFile)
}

// Undefine removes the persistent definition of a domain.
func (c *Client) Undefine(ctx context.Context, name string) error {
	return wrapDomain(name, c.checked(ctx, "undefine", name))
}

// Start boots a defined, inactive domain.
func (c *Client) Start(ctx context.Context, name string) error {
	return wrapDomain(name, c.checked(ctx, "start", name))
}

// Shutdown asks the guest to shut down. It does not wait.
func (c *Client) Shutdown(ctx context.Context, name string) error {
	return wrapDomain(name, c.checked(ctx, "shutdown", name))
}

// Destroy forcefully stops a domain.
func (c *Client) Destroy(ctx context.Context, name string) error {
	return wrapDomain(name, c.checked(ctx, "destroy", name))
}

// Suspend pauses a running domain.
func (c *Client) Suspend(ctx context.Context, name string) error {
	return wrapDomain(name, c.checked(ctx, "suspend", name))
}

// Resume unpauses a domain.
func (c *Client) Resume(ctx context.Context, name string) error {
	return wrapDomain(name, c.checked(ctx, "resume", name))
}

// Save stops the domain and saves its memory state to path.
func (c *Client) Save(ctx context.Context, name, path string) error {
	return wrapDomain(name, c.checked(ctx, "save", name, path))
}

// Restore restores a domain from a state file written by Save.
func (c *Client) Restore(ctx context.Context, path string) error {
	return c.checked(ctx, "restore", path)
}

// Migrate runs "virsh migrate <options> <name> <destURI> <extra>".
// The result is returned whatever the exit status.
func (c *Client) Migrate(ctx context.Context, name, destURI string, options, extra []string) (*runner.Result, error) {
	args := append([]string{}, options...)
	args = append(args, name)
	if destURI != "" {
		args = append(args, destURI)
	}
	args = append(args, extra...)
	return c.Run(ctx, "migrate", args...)
}

// AttachDevice attaches the device described by xmlFile.
func (c *Client) AttachDevice(ctx context.Context, name, xmlFile string, extra ...string) (*runner.Result, error) {
	return c.Run(ctx, "attach-device", append([]string{name, xmlFile}, extra...)...)
}

// DetachDevice detaches the device described by xmlFile.
func (c *Client) DetachDevice(ctx context.Context, name, xmlFile string, extra ...string) (*runner.Result, error) {
	return c.Run(ctx, "detach-device", append([]string{name, xmlFile}, extra...)...)
}

// AttachInterface attaches a network interface, e.g. options "--type network --source default".
func (c *Client) AttachInterface(ctx context.Context, name string, options ...string) (*runner.Result, error) {
	return c.Run(ctx, "attach-interface", append([]string{name}, options...)...)
}

// DetachInterface detaches a network interface.
func (c *Client) DetachInterface(ctx context.Context, name string, options ...string) (*runner.Result, error) {
	return c.Run(ctx, "detach-interface", append([]string{name}, options...)...)
}

// VCPUPin pins a virtual CPU to a host CPU list.
func (c *Client) VCPUPin(ctx context.Context, name string, vcpu int, cpuList string) error {
	return wrapDomain(name, c.checked(ctx, "vcpupin", name, strconv.Itoa(vcpu), cpuList))
}

// VCPUInfo returns the raw "virsh vcpuinfo" output. See ParseVcpuinfo.
func (c *Client) VCPUInfo(ctx context.Context, name string) (string, error) {
	out, err := c.output(ctx, "vcpuinfo", name)
	if err != nil {
		return "", domainErr(name, err)
	}
	return out, nil
}

// DomIfAddr returns the raw "virsh domifaddr" output. See ParseDomifaddr.
func (c *Client) DomIfAddr(ctx context.Context, name string) (string, error) {
	out, err := c.output(ctx, "domifaddr", name)
	if err != nil {
		return "", domainErr(name, err)
	}
	return out, nil
}

// DomBlkList runs "virsh domblklist". The result is returned whatever the
// exit status. See ParseDomblklist.
func (c *Client) DomBlkList(ctx context.Context, name string, options ...string) (*runner.Result, error) {
	return c.Run(ctx, "domblklist", append([]string{name}, options...)...)
}

// Screenshot writes a screenshot of the domain console to file.
func (c *Client) Screenshot(ctx context.Context, name, file string) error {
	return wrapDomain(name, c.checked(ctx, "screenshot", name, file))
}

// QemuMonitorCommand sends a human monitor command to a QEMU domain.
func (c *Client) QemuMonitorCommand(ctx context.Context, name, command string) (string, error) {
	out, err := c.output(ctx, "qemu-monitor-command", name, "--hmp", command)
	if err != nil {
		return "", domainErr(name, err)
	}
	return out, nil
}

// IsDead reports whether the domain is shut off, crashed or missing.
func (c *Client) IsDead(ctx context.Context, name string) bool {
	state, err := c.DomState(ctx, name)
	if err != nil {
		return true
	}
	return state == StateShutOff || state == StateCrashed
}

// IsAlive reports whether the domain is not dead.
func (c *Client) IsAlive(ctx context.Context, name string) bool {
	return !c.IsDead(ctx, name)
}

func (c *Client) checked(ctx context.Context, subcommand string, args ...string) error {
	_, err := c.output(ctx, subcommand, args...)
	return err
}

func wrapDomain(name string, err error) error {
	if err == nil {
		return nil
	}
	return domainErr(name, err)
}
