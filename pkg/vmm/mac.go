package vmm

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// macPrefix is the locally administered prefix used by libvirt/QEMU.
const macPrefix = "52:54:00"

const maxMACAttempts = 1 << 12

var (
	ErrMACPoolExhausted = errors.New("failed to generate an unused MAC address")
	ErrAddressUnknown   = errors.New("no IP address known for MAC address")
)

// MACPool hands out unique MAC addresses to the NICs of the VMs of a run.
type MACPool struct {
	mu    sync.Mutex
	owner map[string]string // nic key -> mac
	used  map[string]struct{}
}

func NewMACPool() *MACPool {
	return &MACPool{
		owner: make(map[string]string),
		used:  make(map[string]struct{}),
	}
}

func nicKey(vmName, nicName string) string {
	return vmName + "/" + nicName
}

// Get returns the MAC address held by a NIC, if any.
func (p *MACPool) Get(vmName, nicName string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mac, ok := p.owner[nicKey(vmName, nicName)]
	return mac, ok
}

// Generate returns the MAC address of a NIC, allocating a new random one
// on first use.
func (p *MACPool) Generate(vmName, nicName string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := nicKey(vmName, nicName)
	if mac, ok := p.owner[key]; ok {
		return mac, nil
	}

	for range maxMACAttempts {
		mac, err := generateRandomMAC()
		if err != nil {
			return "", err
		}
		if _, taken := p.used[mac]; taken {
			continue
		}
		p.owner[key] = mac
		p.used[mac] = struct{}{}
		return mac, nil
	}

	return "", errors.Join(fmt.Errorf("vmName=%s nic=%s", vmName, nicName), ErrMACPoolExhausted)
}

// Reserve records mac as held by a NIC, replacing its previous address.
func (p *MACPool) Reserve(vmName, nicName, mac string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := nicKey(vmName, nicName)
	if old, ok := p.owner[key]; ok {
		delete(p.used, old)
	}
	mac = strings.ToLower(mac)
	p.owner[key] = mac
	p.used[mac] = struct{}{}
}

// Free releases the MAC address of a NIC.
func (p *MACPool) Free(vmName, nicName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := nicKey(vmName, nicName)
	if mac, ok := p.owner[key]; ok {
		delete(p.used, mac)
		delete(p.owner, key)
	}
}

// generateRandomMAC generates a random MAC address with libvirt's prefix (52:54:00)
func generateRandomMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x", macPrefix, buf[0], buf[1], buf[2]), nil
}

// AddressCache maps MAC addresses to the IP addresses guests obtained.
type AddressCache struct {
	mu    sync.RWMutex
	addrs map[string]string
}

func NewAddressCache() *AddressCache {
	return &AddressCache{addrs: make(map[string]string)}
}

// Set records the IP address of mac.
func (c *AddressCache) Set(mac, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs[strings.ToLower(mac)] = ip
}

// Get returns the IP address of mac.
func (c *AddressCache) Get(mac string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ip, ok := c.addrs[strings.ToLower(mac)]
	return ip, ok
}

// Delete forgets mac.
func (c *AddressCache) Delete(mac string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.addrs, strings.ToLower(mac))
}
