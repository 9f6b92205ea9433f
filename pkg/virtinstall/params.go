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
	"github.com/creasty/defaults"
)

// Install media.
const (
	MediumURL                 = "url"
	MediumKernelInitrd        = "kernel_initrd"
	MediumNFS                 = "nfs"
	MediumCDROM               = "cdrom"
	MediumCDROMNoKernelInitrd = "cdrom_no_kernel_initrd"
	MediumImport              = "import"
)

// Displays.
const (
	DisplayVNC       = "vnc"
	DisplaySDL       = "sdl"
	DisplayNoGraphic = "nographic"
)

const (
	VirtHVM = "hvm"
	VirtPV  = "pv"

	// UnattendedIntegrated delivers the unattended answer file on the install CD.
	UnattendedIntegrated = "integrated"

	// UUIDRandom asks for a freshly generated UUID at creation time.
	UUIDRandom = "random"

	// NetTypeUser is QEMU user-mode networking, which has no destination.
	NetTypeUser    = "user"
	NetTypeNetwork = "network"
	NetTypeBridge  = "bridge"

	winutilsCDROM = "winutils"
)

// Params holds the test parameters describing a VM to install.
type Params struct {
	// Binary is the virt-install executable. Relative paths are resolved
	// against RootDir.
	Binary string `json:"virtInstallBinary" default:"virt-install"`
	// RootDir is the base directory for relative file names.
	RootDir string `json:"rootDir,omitempty"`
	// DataDir holds install media, unattended files and floppies.
	DataDir string `json:"dataDir,omitempty"`

	ConnectURI string `json:"connectURI" default:"default"`
	X11Display string `json:"x11Display,omitempty"`

	HVMOrPV     string `json:"hvmOrPV" default:"hvm"`
	Arch        string `json:"vmArchName,omitempty"`
	MachineType string `json:"machineType,omitempty"`

	// Mem is the memory size in MiB.
	Mem         int  `json:"mem,omitempty"`
	UseCheckCPU bool `json:"useCheckCPU,omitempty"`
	SMP         int  `json:"smp,omitempty"`

	Medium                   string `json:"medium,omitempty"`
	URL                      string `json:"url,omitempty"`
	ImageDir                 string `json:"imageDir,omitempty"`
	NFSServer                string `json:"nfsServer,omitempty"`
	NFSDir                   string `json:"nfsDir,omitempty"`
	UseLibvirtCDROMSwitch    bool   `json:"useLibvirtCDROMSwitch,omitempty"`
	CDROMCD1                 string `json:"cdromCD1,omitempty"`
	UnattendedDeliveryMethod string `json:"unattendedDeliveryMethod,omitempty"`
	CDROMUnattended          string `json:"cdromUnattended,omitempty"`
	// Kernel is the path of the install kernel; its directory is linked as
	// "pxeboot" for CD-ROM installs without the --cdrom switch.
	Kernel string `json:"kernel,omitempty"`

	Display     string `json:"display,omitempty"`
	VNCAutoport bool   `json:"vncAutoport,omitempty"`
	VNCPort     int    `json:"vncPort,omitempty"`
	VNCListen   string `json:"vncListen,omitempty"`
	Spice       bool   `json:"spice,omitempty"`

	VideoDevice string `json:"videoDevice,omitempty"`
	SoundDevice string `json:"soundDevice,omitempty"`

	// UUID is either empty (libvirt generates one), UUIDRandom or a UUID.
	UUID         string `json:"uuid,omitempty"`
	UseOSType    bool   `json:"useOSType,omitempty"`
	OSType       string `json:"osType,omitempty"`
	UseOSVariant bool   `json:"useOSVariant,omitempty"`
	OSVariant    string `json:"osVariant,omitempty"`

	Images     []Image  `json:"images,omitempty"`
	CDROMs     []CDROM  `json:"cdroms,omitempty"`
	FloppyName string   `json:"floppyName,omitempty"`
	NICs       []NIC    `json:"nics,omitempty"`
	PCIDevices []string `json:"pciDevices,omitempty"`
	Redirs     []Redir  `json:"redirs,omitempty"`

	UseNoReboot  bool   `json:"useNoReboot,omitempty"`
	UseAutostart bool   `json:"useAutostart,omitempty"`
	Debug        bool   `json:"virtInstallDebug,omitempty"`
	UseWait      bool   `json:"useVirtInstallWait,omitempty"`
	WaitTime     string `json:"virtInstallWaitTime,omitempty"`
	KernelParams string `json:"kernelParams,omitempty"`

	// ShutdownCommand is sent to the guest for a graceful shutdown.
	ShutdownCommand string `json:"shutdownCommand,omitempty"`
}

// Image is a disk attached to the VM.
type Image struct {
	Name     string `json:"name"`
	Filename string `json:"filename,omitempty"`

	UseStoragePool bool   `json:"useStoragePool,omitempty"`
	Pool           string `json:"imagePool,omitempty"`
	Vol            string `json:"imageVol,omitempty"`
	Device         string `json:"imageDevice,omitempty"`
	Bus            string `json:"imageBus,omitempty"`
	Perms          string `json:"imagePerms,omitempty"`

	// DriveFormat is the bus used when the image is attached by path.
	DriveFormat string `json:"driveFormat,omitempty"`
	Size        string `json:"imageSize,omitempty"`
	Sparse      *bool  `json:"driveSparse,omitempty"`
	Cache       string `json:"driveCache,omitempty"`
	Format      string `json:"imageFormat,omitempty"`
	// BootDrive defaults to true. False images are only attached from a pool.
	BootDrive *bool `json:"bootDrive,omitempty"`
}

// CDROM is an ISO attached as a CD-ROM drive.
type CDROM struct {
	Name string `json:"name"`
	ISO  string `json:"cdrom,omitempty"`

	// Expected digests. MD5Sum1M covers the first MiB only.
	MD5Sum   string `json:"md5sum,omitempty"`
	MD5Sum1M string `json:"md5sum1m,omitempty"`
	SHA1Sum  string `json:"sha1sum,omitempty"`
}

// NIC is a virtual network interface.
type NIC struct {
	Name    string `json:"name"`
	MAC     string `json:"mac,omitempty"`
	NetType string `json:"nettype,omitempty" default:"network"`
	NetDst  string `json:"netdst,omitempty" default:"default"`
	Model   string `json:"nicModel,omitempty"`
}

// Redir forwards a guest port to a host port allocated at creation.
type Redir struct {
	Name      string `json:"name"`
	GuestPort int    `json:"guestPort"`
}

// SetDefaults applies the struct-tag defaults to p and its NICs.
func (p *Params) SetDefaults() error {
	if err := defaults.Set(p); err != nil {
		return err
	}
	for i := range p.NICs {
		if err := defaults.Set(&p.NICs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	out := p
	out.Images = append([]Image(nil), p.Images...)
	out.CDROMs = append([]CDROM(nil), p.CDROMs...)
	out.NICs = append([]NIC(nil), p.NICs...)
	out.PCIDevices = append([]string(nil), p.PCIDevices...)
	out.Redirs = append([]Redir(nil), p.Redirs...)
	return out
}
