package main

import (
	"io"
	"maps"
	"slices"

	"github.com/alexandremahdhaoui/virttest/pkg/virsh"
	"github.com/olekukonko/tablewriter"
)

var vcpuColumns = []string{"VCPU", "CPU", "State", "CPU time", "CPU Affinity"}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

func printVcpus(w io.Writer, records []map[string]string) {
	table := newTable(w, vcpuColumns)
	for _, r := range records {
		row := make([]string, 0, len(vcpuColumns))
		for _, col := range vcpuColumns {
			row = append(row, r[col])
		}
		table.Append(row)
	}
	table.Render()
}

// printBlockDevices prints the devices sorted by target.
func printBlockDevices(w io.Writer, devices map[string]virsh.BlockDevice) {
	table := newTable(w, []string{"TARGET", "TYPE", "DEVICE", "SOURCE"})
	for _, target := range slices.Sorted(maps.Keys(devices)) {
		d := devices[target]
		table.Append([]string{d.Target, d.Type, d.Device, d.Source})
	}
	table.Render()
}
