// Package ssh logs into guests over SSH.
package ssh

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alexandremahdhaoui/virttest/pkg/vmm"
	"golang.org/x/crypto/ssh"
)

// GuestLogin describes how to log into a guest.
type GuestLogin struct {
	// Host overrides the guest address. When empty, the address of the
	// first NIC is looked up in the VMM address cache, refreshed from
	// "virsh domifaddr" on a miss.
	Host           string
	User           string
	PrivateKeyPath string
	Port           string
}

// GuestShutdown returns a hook sending the shutdown command to the guest
// over SSH, for use with vmm.WithGuestShutdown.
func GuestShutdown(login GuestLogin) vmm.GuestShutdownFunc {
	return func(ctx context.Context, vm *vmm.VM, command string) error {
		host := login.Host
		if host == "" {
			ip, err := guestAddress(ctx, vm)
			if err != nil {
				return err
			}
			host = ip
		}

		client, err := NewClient(host, login.User, login.PrivateKeyPath, login.Port)
		if err != nil {
			return err
		}

		slog.Debug("sending shutdown command over ssh", "vmName", vm.Name(), "host", host)
		_, _, err = client.Run(ctx, command)

		// the guest may drop the connection before reporting an exit status
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			return nil
		}
		return err
	}
}

func guestAddress(ctx context.Context, vm *vmm.VM) (string, error) {
	ip, err := vm.IPAddress(0)
	if !errors.Is(err, vmm.ErrAddressUnknown) {
		return ip, err
	}

	if rerr := vm.RefreshAddresses(ctx); rerr != nil {
		slog.Debug("failed to refresh guest addresses", "vmName", vm.Name(), "error", rerr.Error())
		return "", err
	}
	return vm.IPAddress(0)
}
