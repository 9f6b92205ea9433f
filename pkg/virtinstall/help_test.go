//go:build unit

package virtinstall

import (
	"context"
	"testing"

	"github.com/alexandremahdhaoui/virttest/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/virttest/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const capsXML = `<capabilities>
  <host>
    <cpu><arch>x86_64</arch></cpu>
  </host>
  <guest>
    <os_type>hvm</os_type>
    <arch name='x86_64'>
      <wordsize>64</wordsize>
      <emulator>/usr/bin/qemu-system-x86_64</emulator>
      <machine maxCpus='255'>pc-i440fx-8.2</machine>
      <machine canonical='pc-i440fx-8.2' maxCpus='255'>pc</machine>
      <machine canonical='pc-q35-8.2' maxCpus='288'>q35</machine>
      <domain type='qemu'/>
      <domain type='kvm'>
        <machine maxCpus='288'>pc-q35-8.2</machine>
        <machine maxCpus='255'>pc-i440fx-7.2</machine>
      </domain>
    </arch>
  </guest>
  <guest>
    <os_type>xen</os_type>
    <arch name='x86_64'>
      <machine>xenpv</machine>
      <domain type='xen'/>
    </arch>
  </guest>
</capabilities>`

func TestHelpText_HasOption(t *testing.T) {
	help := HelpText("  --connect=URI\n  --os-variant=VARIANT\n")

	assert.True(t, help.HasOption("connect"))
	assert.True(t, help.HasOption("os-variant"))
	// substring match, as the help text lists "--os-variant"
	assert.True(t, help.HasOption("os"))
	assert.False(t, help.HasOption("machine"))
}

func TestProbe(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		fake := runnerfake.New().On("virt-install --help", runnerfake.OK("usage: virt-install --connect=URI"))
		help, err := Probe(ctx, fake, "virt-install")
		require.NoError(t, err)
		assert.True(t, help.HasOption("connect"))
	})

	t.Run("failure", func(t *testing.T) {
		fake := runnerfake.New().On("virt-install --help", runnerfake.Fail("command not found"))
		_, err := Probe(ctx, fake, "virt-install")
		assert.ErrorIs(t, err, ErrProbeHelp)
		assert.ErrorIs(t, err, runner.ErrCommandFailed)
	})
}

func TestParseMachineTypes(t *testing.T) {
	mt, err := ParseMachineTypes(capsXML)
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"pc-i440fx-8.2", "pc", "q35", "pc-q35-8.2", "pc-i440fx-7.2"},
		mt.Get(VirtHVM, "x86_64"),
	)
	assert.True(t, mt.Supports(VirtHVM, "x86_64", "q35"))
	assert.True(t, mt.Supports(VirtPV, "x86_64", "xenpv"))
	assert.False(t, mt.Supports(VirtHVM, "aarch64", "virt"))

	_, err = ParseMachineTypes("<capabilities")
	assert.ErrorIs(t, err, ErrParseCapabilities)
}
