package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/virttest/pkg/libvirtd"
	"github.com/alexandremahdhaoui/virttest/pkg/vmm"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

const (
	outputYAML = "yaml"
	outputJSON = "json"
)

var errUnknownOutput = errors.New("unknown output format")

func newCreateCmd(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Install and start a VM with virt-install",
		Long: `Install and start a VM with virt-install. A running domain with the
same name is destroyed first. With --dry-run the virt-install command line
is printed instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if dryRun {
				c, err := vm.CreateCommand(cmd.Context())
				if err != nil {
					return err
				}
				printf(cmd, "%s\n", strings.Join(c.Reformatted(), " \\\n"))
				return nil
			}

			if err := vm.Create(cmd.Context(), vmm.CreateOptions{}); err != nil {
				return err
			}
			printf(cmd, "%s created\n", vm.Name())
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the virt-install command without running it")
	return cmd
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start NAME",
		Short: "Start a defined VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := vm.Start(cmd.Context()); err != nil {
				return err
			}
			printf(cmd, "%s started\n", vm.Name())
			return nil
		},
	}
}

func newShutdownCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown NAME",
		Short: "Shut a VM down and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := vm.Shutdown(cmd.Context()); err != nil {
				return err
			}
			printf(cmd, "%s shut off\n", vm.Name())
			return nil
		},
	}
}

func newDestroyCmd(a *app) *cobra.Command {
	var opts vmm.DestroyOptions

	cmd := &cobra.Command{
		Use:   "destroy NAME",
		Short: "Stop a VM forcefully",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := vm.Destroy(cmd.Context(), opts); err != nil {
				return err
			}
			printf(cmd, "%s destroyed\n", vm.Name())
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Gracefully, "gracefully", false, "send the shutdown command to the guest first")
	cmd.Flags().BoolVar(&opts.FreeMACs, "free-macs", false, "release the NIC MAC addresses")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Destroy and undefine a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := vm.Remove(cmd.Context()); err != nil {
				return err
			}
			printf(cmd, "%s removed\n", vm.Name())
			return nil
		},
	}
}

func newStateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "state NAME",
		Short: "Print the domain state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			state, err := vm.State(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", state)
			return nil
		},
	}
}

func newInfoCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "info NAME",
		Short: "Print the VM metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			md := vm.Metadata(cmd.Context())

			var b []byte
			switch output {
			case outputYAML:
				b, err = yaml.Marshal(md)
			case outputJSON:
				b, err = json.MarshalIndent(md, "", "  ")
				b = append(b, '\n')
			default:
				return fmt.Errorf("%w: %s", errUnknownOutput, output)
			}
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputYAML, "output format: yaml or json")
	return cmd
}

func newVcpusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "vcpus NAME",
		Short: "List the virtual CPUs of a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			records, err := vm.Vcpuinfo(cmd.Context())
			if err != nil {
				return err
			}
			printVcpus(cmd.OutOrStdout(), records)
			return nil
		},
	}
}

func newBlkCmd(a *app) *cobra.Command {
	var disksOnly bool

	cmd := &cobra.Command{
		Use:   "blk NAME",
		Short: "List the block devices of a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			list := vm.BlockDevices
			if disksOnly {
				list = vm.DiskDevices
			}
			devices, err := list(cmd.Context())
			if err != nil {
				return err
			}
			printBlockDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}

	cmd.Flags().BoolVar(&disksOnly, "disks", false, "only list disk devices")
	return cmd
}

func newSaveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "save NAME PATH",
		Short: "Save a paused VM to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return vm.SaveToFile(cmd.Context(), args[1])
		},
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore NAME PATH",
		Short: "Restore a shut off VM from a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return vm.RestoreFromFile(cmd.Context(), args[1])
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	var options, extra []string

	cmd := &cobra.Command{
		Use:   "migrate NAME DEST_URI",
		Short: "Migrate a VM to another connection URI",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := a.vm(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("option") {
				options = nil
			}
			res, err := vm.Migrate(cmd.Context(), args[1], options, extra)
			if err != nil {
				return err
			}
			if err := res.Err(); err != nil {
				return err
			}
			printf(cmd, "%s migrated to %s\n", vm.Name(), vm.ConnectURI())
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&options, "option", vmm.DefaultMigrateOptions,
		"options passed before the domain name")
	cmd.Flags().StringSliceVar(&extra, "extra", nil, "arguments passed after the destination URI")
	return cmd
}

func newLibvirtdCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "libvirtd ACTION",
		Short:     "Control the libvirtd service",
		Long:      "Control the libvirtd service. The status action reports whether the daemon is running.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{libvirtd.ActionStart, libvirtd.ActionStop, libvirtd.ActionRestart, libvirtd.ActionStatus},
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := libvirtd.New(a.runner).Control(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printf(cmd, "%t\n", ok)
			return nil
		},
	}
}
