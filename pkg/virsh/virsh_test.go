//go:build unit

package virsh

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/virttest/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/virttest/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Command(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want []string
	}{
		{
			name: "default connection",
			want: []string{"virsh", "domstate", "vm1"},
		},
		{
			name: "explicit uri",
			opts: []Option{WithURI("qemu:///system")},
			want: []string{"virsh", "--connect", "qemu:///system", "domstate", "vm1"},
		},
		{
			name: "custom binary",
			opts: []Option{WithBinary("/opt/bin/virsh")},
			want: []string{"/opt/bin/virsh", "domstate", "vm1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(runnerfake.New(), tt.opts...)
			cmd := c.Command("domstate", "vm1")
			assert.Equal(t, tt.want, cmd.Argv)
			assert.Equal(t, "domstate", cmd.Subcommand)
		})
	}
}

func TestClient_DomState(t *testing.T) {
	ctx := context.Background()
	fake := runnerfake.New().
		On("virsh domstate vm1", runnerfake.OK("running\n\n")).
		On("virsh domstate ghost", runnerfake.Fail("error: failed to get domain 'ghost'"))
	c := New(fake)

	state, err := c.DomState(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	_, err = c.DomState(ctx, "ghost")
	assert.ErrorIs(t, err, ErrDomainNotFound)
	assert.ErrorIs(t, err, runner.ErrCommandFailed)
}

func TestClient_IsAliveIsDead(t *testing.T) {
	ctx := context.Background()
	fake := runnerfake.New().
		On("virsh domstate running", runnerfake.OK("running")).
		On("virsh domstate paused", runnerfake.OK("paused")).
		On("virsh domstate off", runnerfake.OK("shut off")).
		On("virsh domstate crashed", runnerfake.OK("crashed")).
		On("virsh domstate ghost", runnerfake.Fail("error: Domain not found"))
	c := New(fake)

	assert.True(t, c.IsAlive(ctx, "running"))
	assert.True(t, c.IsAlive(ctx, "paused"))
	assert.True(t, c.IsDead(ctx, "off"))
	assert.True(t, c.IsDead(ctx, "crashed"))
	assert.True(t, c.IsDead(ctx, "ghost"))
	assert.False(t, c.IsAlive(ctx, "ghost"))
}

func TestClient_DomUUID(t *testing.T) {
	ctx := context.Background()
	fake := runnerfake.New().
		On("virsh domuuid vm1", runnerfake.OK("6695EB01-F6A4-8304-79AA-97F2502E193F\n")).
		On("virsh domuuid broken", runnerfake.OK("not-a-uuid\n"))
	c := New(fake)

	id, err := c.DomUUID(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, "6695eb01-f6a4-8304-79aa-97f2502e193f", id)

	_, err = c.DomUUID(ctx, "broken")
	assert.ErrorIs(t, err, ErrParseUUID)
}

func TestClient_CheckedSubcommands(t *testing.T) {
	ctx := context.Background()
	fake := runnerfake.New().
		On("virsh start vm1", runnerfake.OK("Domain vm1 started")).
		On("virsh shutdown vm1", runnerfake.OK("")).
		On("virsh destroy vm1", runnerfake.Fail("error: Requested operation is not valid: domain is not running")).
		On("virsh suspend vm1", runnerfake.OK("")).
		On("virsh resume vm1", runnerfake.OK("")).
		On("virsh save vm1 /tmp/vm1.save", runnerfake.OK("")).
		On("virsh restore /tmp/vm1.save", runnerfake.OK("")).
		On("virsh vcpupin vm1 1 0-2", runnerfake.OK("")).
		On("virsh undefine vm1", runnerfake.OK(""))
	c := New(fake)

	require.NoError(t, c.Start(ctx, "vm1"))
	require.NoError(t, c.Shutdown(ctx, "vm1"))
	require.NoError(t, c.Suspend(ctx, "vm1"))
	require.NoError(t, c.Resume(ctx, "vm1"))
	require.NoError(t, c.Save(ctx, "vm1", "/tmp/vm1.save"))
	require.NoError(t, c.Restore(ctx, "/tmp/vm1.save"))
	require.NoError(t, c.VCPUPin(ctx, "vm1", 1, "0-2"))
	require.NoError(t, c.Undefine(ctx, "vm1"))

	err := c.Destroy(ctx, "vm1")
	assert.ErrorIs(t, err, ErrVirshCommand)
}

func TestClient_Migrate(t *testing.T) {
	ctx := context.Background()
	fake := runnerfake.New().
		On("virsh --connect qemu:///system migrate --live --timeout 60 vm1 qemu+ssh://dst/system --verbose",
			runnerfake.OK(""))
	c := New(fake, WithURI("qemu:///system"))

	res, err := c.Migrate(ctx, "vm1", "qemu+ssh://dst/system",
		[]string{"--live", "--timeout", "60"}, []string{"--verbose"})
	require.NoError(t, err)
	assert.True(t, res.Success())
}

func TestClient_DumpXMLToFile(t *testing.T) {
	ctx := context.Background()
	fake := runnerfake.New().On("virsh dumpxml vm1", runnerfake.OK("<domain/>\n"))
	c := New(fake)

	path := filepath.Join(t.TempDir(), "vm1.xml")
	require.NoError(t, c.DumpXMLToFile(ctx, "vm1", path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<domain/>\n", string(b))
}

func TestClient_QemuMonitorCommand(t *testing.T) {
	ctx := context.Background()
	fake := runnerfake.New().
		On("virsh qemu-monitor-command vm1 --hmp info cpus", runnerfake.OK("* CPU #0: thread_id=11\n"))
	c := New(fake)

	out, err := c.QemuMonitorCommand(ctx, "vm1", "info cpus")
	require.NoError(t, err)
	ids, err := ParseThreadIDs(out)
	require.NoError(t, err)
	assert.Equal(t, []int{11}, ids)
}

func TestClient_EnsureNetworkActive(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive network is started", func(t *testing.T) {
		fake := runnerfake.New().
			On("virsh net-info default", runnerfake.OK("Name: default\nActive: no\n")).
			On("virsh net-start default", runnerfake.OK("Network default started"))
		require.NoError(t, New(fake).EnsureNetworkActive(ctx, "default"))
		assert.True(t, fake.Called("virsh net-start default"))
	})

	t.Run("active network is left alone", func(t *testing.T) {
		fake := runnerfake.New().
			On("virsh net-info default", runnerfake.OK("Name: default\nActive: yes\n"))
		require.NoError(t, New(fake).EnsureNetworkActive(ctx, "default"))
		assert.False(t, fake.Called("virsh net-start default"))
	})

	t.Run("missing network", func(t *testing.T) {
		fake := runnerfake.New().
			On("virsh net-info nope", runnerfake.Fail("error: Network not found: no network with matching name 'nope'"))
		err := New(fake).EnsureNetworkActive(ctx, "nope")
		assert.ErrorIs(t, err, ErrNetworkNotFound)
	})

	t.Run("empty name", func(t *testing.T) {
		err := New(runnerfake.New()).EnsureNetworkActive(ctx, "")
		assert.ErrorIs(t, err, ErrNetworkNameRequired)
	})
}
