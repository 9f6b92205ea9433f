package virsh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrStartNetwork        = errors.New("failed to start libvirt network")
)

// NetworkInfo is the parsed output of "virsh net-info".
type NetworkInfo struct {
	Name       string
	UUID       string
	Active     bool
	Persistent bool
	Autostart  bool
	Bridge     string
}

// ParseNetInfo parses "virsh net-info" output.
func ParseNetInfo(out string) NetworkInfo {
	kv := ParseDominfo(out)
	return NetworkInfo{
		Name:       kv["Name"],
		UUID:       kv["UUID"],
		Active:     parseYesNo(kv["Active"]),
		Persistent: parseYesNo(kv["Persistent"]),
		Autostart:  parseYesNo(kv["Autostart"]),
		Bridge:     kv["Bridge"],
	}
}

// NetInfo returns information about a libvirt network.
// Returns ErrNetworkNotFound if the network doesn't exist.
func (c *Client) NetInfo(ctx context.Context, name string) (*NetworkInfo, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}
	out, err := c.output(ctx, "net-info", name)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("network=%s", name))
	}
	info := ParseNetInfo(out)
	return &info, nil
}

// NetStart starts an inactive libvirt network.
func (c *Client) NetStart(ctx context.Context, name string) error {
	if name == "" {
		return ErrNetworkNameRequired
	}
	if err := c.checked(ctx, "net-start", name); err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", name), ErrStartNetwork)
	}
	return nil
}

// EnsureNetworkActive starts the network if it is defined but inactive.
func (c *Client) EnsureNetworkActive(ctx context.Context, name string) error {
	info, err := c.NetInfo(ctx, name)
	if err != nil {
		return err
	}
	if info.Active {
		return nil
	}
	slog.Info("starting inactive libvirt network", "network", name)
	return c.NetStart(ctx, name)
}
