package vmm

import (
	"context"

	"github.com/alexandremahdhaoui/virttest/pkg/virtinstall"
)

// VMMetadata holds information about a virtual machine
type VMMetadata struct {
	Name       string `json:"name"`
	UUID       string `json:"uuid,omitempty"`
	State      string `json:"state,omitempty"`
	ConnectURI string `json:"connectURI,omitempty"`
	DriverType string `json:"driverType"`
	VNCPort    int    `json:"vncPort,omitempty"`
	SpicePort  int    `json:"spicePort,omitempty"`
	// Redirs maps guest ports to host ports.
	Redirs     map[int]int       `json:"redirs,omitempty"`
	NICs       []virtinstall.NIC `json:"nics,omitempty"`
	SerialFile string            `json:"serialFile,omitempty"`
	OnlyPTY    bool              `json:"onlyPTY,omitempty"`
	Persistent bool              `json:"persistent"`
	Dominfo    map[string]string `json:"dominfo,omitempty"`
}

// Metadata collects the VM record and, when the domain exists, its state
// and dominfo. Lookup failures leave the live fields empty.
func (vm *VM) Metadata(ctx context.Context) VMMetadata {
	md := VMMetadata{
		Name:       vm.name,
		UUID:       vm.uuid,
		ConnectURI: vm.connectURI,
		DriverType: vm.driverType,
		VNCPort:    vm.vncPort,
		SpicePort:  vm.spicePort,
		Redirs:     vm.Redirs(),
		NICs:       vm.NICs(),
		SerialFile: vm.SerialConsoleFile(),
		OnlyPTY:    vm.onlyPTY,
	}

	if state, err := vm.State(ctx); err == nil {
		md.State = state
	}
	if md.UUID == "" {
		if id, err := vm.UUID(ctx); err == nil {
			md.UUID = id
		}
	}
	if info, err := vm.Dominfo(ctx); err == nil {
		md.Dominfo = info
		md.Persistent = info["Persistent"] == "yes"
	}

	return md
}
