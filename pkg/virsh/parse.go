package virsh

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrMissingField  = errors.New("field missing from virsh output")
	ErrParseQuantity = errors.New("failed to parse quantity")
)

// Keys of "virsh dominfo" output used by callers.
const (
	DominfoUsedMemory = "Used memory"
	DominfoMaxMemory  = "Max memory"
	DominfoPersistent = "Persistent"
	DominfoState      = "State"
	DominfoUUID       = "UUID"
	DominfoCPUs       = "CPU(s)"

	vcpuinfoLastKey = "CPU Affinity"
)

var (
	persistentRegex = regexp.MustCompile(`(?m)^Persistent:\s+[Yy]es`)
	threadIDRegex   = regexp.MustCompile(`thread_id=(\d+)`)
)

// ParseDominfo parses "key: value" lines. The key is the text before the
// first colon and the value the text after the last one, both trimmed, so
// a value containing colons keeps its last field only. Blank lines and
// lines without a colon are ignored.
func ParseDominfo(out string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value := line[strings.LastIndex(line, ":")+1:]
		info[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return info
}

// ParseVcpuinfo parses "virsh vcpuinfo" output into one map per virtual CPU.
// A record ends with its "CPU Affinity" line.
func ParseVcpuinfo(out string) []map[string]string {
	var (
		records []map[string]string
		current = make(map[string]string)
	)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		current[key] = strings.TrimSpace(value)
		if key == vcpuinfoLastKey {
			records = append(records, current)
			current = make(map[string]string)
		}
	}
	return records
}

// BlockDevice is one row of "virsh domblklist --details".
type BlockDevice struct {
	Type   string
	Device string
	Target string
	Source string
}

// ParseDomblklist parses "virsh domblklist --details" output keyed by target.
// The first two lines (header and separator) are skipped.
func ParseDomblklist(out string) map[string]BlockDevice {
	devices := make(map[string]BlockDevice)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) <= 2 {
		return devices
	}

	for _, line := range lines[2:] {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		devices[fields[2]] = BlockDevice{
			Type:   fields[0],
			Device: fields[1],
			Target: fields[2],
			Source: fields[3],
		}
	}

	return devices
}

// InterfaceAddress is one address row of "virsh domifaddr".
type InterfaceAddress struct {
	Name     string
	MAC      string
	Protocol string
	// Address is the IP address without its prefix length.
	Address string
}

// ParseDomifaddr parses "virsh domifaddr" output. The header and separator
// lines are skipped. Rows naming the interface "-" carry a further address
// of the previous interface.
func ParseDomifaddr(out string) []InterfaceAddress {
	var addrs []InterfaceAddress

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) <= 2 {
		return addrs
	}

	var name, mac string
	for _, line := range lines[2:] {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if fields[0] != "-" {
			name, mac = fields[0], strings.ToLower(fields[1])
		}
		ip, _, _ := strings.Cut(fields[3], "/")
		addrs = append(addrs, InterfaceAddress{
			Name:     name,
			MAC:      mac,
			Protocol: fields[2],
			Address:  ip,
		})
	}

	return addrs
}

// ParseThreadIDs extracts vCPU thread IDs from "info cpus" monitor output.
func ParseThreadIDs(out string) ([]int, error) {
	matches := threadIDRegex.FindAllStringSubmatch(out, -1)
	ids := make([]int, 0, len(matches))
	for _, m := range matches {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("thread_id=%s", m[1]), ErrParseQuantity)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseKiB parses a memory quantity such as "1048576 KiB" and returns the
// number, dropping the unit.
func ParseKiB(value string) (int, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrParseQuantity, value)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, errors.Join(err, fmt.Errorf("value=%q", value), ErrParseQuantity)
	}
	return n, nil
}

// UsedMemoryKiB returns the "Used memory" entry of parsed dominfo output.
func UsedMemoryKiB(info map[string]string) (int, error) {
	value, ok := info[DominfoUsedMemory]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, DominfoUsedMemory)
	}
	return ParseKiB(value)
}

// IsPersistent reports whether raw dominfo output marks the domain persistent.
func IsPersistent(dominfo string) bool {
	return persistentRegex.MatchString(dominfo)
}

// parseYesNo interprets virsh boolean columns.
func parseYesNo(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "yes")
}
