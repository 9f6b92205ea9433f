//go:build unit

package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/virttest/internal/metrics"
	"github.com/alexandremahdhaoui/virttest/pkg/execcontext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	utilexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

func scriptedExec(fakeCmd *testingexec.FakeCmd) *testingexec.FakeExec {
	return &testingexec.FakeExec{
		CommandScript: []testingexec.FakeCommandAction{
			func(cmd string, args ...string) utilexec.Cmd {
				return testingexec.InitFakeCmd(fakeCmd, cmd, args...)
			},
		},
	}
}

func TestRun_Success(t *testing.T) {
	fakeCmd := &testingexec.FakeCmd{
		RunScript: []testingexec.FakeAction{
			func() ([]byte, []byte, error) { return []byte("running\n"), nil, nil },
		},
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewCommands(reg)
	r := New(WithExec(scriptedExec(fakeCmd)), WithMetrics(m))

	res, err := r.Run(context.Background(), Command{
		Argv:       []string{"virsh", "domstate", "vm1"},
		Subcommand: "domstate",
	})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "running\n", res.Stdout)
	assert.Equal(t, []string{"virsh", "domstate", "vm1"}, fakeCmd.Argv)
	assert.Empty(t, fakeCmd.Env)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Total().WithLabelValues("virsh", "domstate", metrics.ResultSuccess)))
}

func TestRun_NonZeroExitIsReportedInResult(t *testing.T) {
	fakeCmd := &testingexec.FakeCmd{
		RunScript: []testingexec.FakeAction{
			func() ([]byte, []byte, error) {
				return nil, []byte("error: failed to get domain 'vm1'\n"), testingexec.FakeExitError{Status: 1}
			},
		},
	}
	r := New(WithExec(scriptedExec(fakeCmd)))

	res, err := r.Run(context.Background(), Cmd("virsh", "domstate", "vm1"))
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, 1, res.ExitStatus)

	err = res.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)

	var cmdErr *CmdError
	require.True(t, errors.As(err, &cmdErr))
	assert.Contains(t, cmdErr.Error(), "failed to get domain")
}

func TestRun_StartFailure(t *testing.T) {
	fakeCmd := &testingexec.FakeCmd{
		RunScript: []testingexec.FakeAction{
			func() ([]byte, []byte, error) { return nil, nil, utilexec.ErrExecutableNotFound },
		},
	}
	r := New(WithExec(scriptedExec(fakeCmd)))

	_, err := r.Run(context.Background(), Cmd("virt-install", "--help"))
	assert.ErrorIs(t, err, ErrStartCommand)
}

func TestRun_ExecContextAndEnv(t *testing.T) {
	fakeCmd := &testingexec.FakeCmd{
		RunScript: []testingexec.FakeAction{
			func() ([]byte, []byte, error) { return nil, nil, nil },
		},
	}
	r := New(
		WithExec(scriptedExec(fakeCmd)),
		WithExecContext(execcontext.New(nil, []string{"sudo"})),
	)

	_, err := r.Run(context.Background(), Command{
		Argv: []string{"virt-install", "--name", "vm1"},
		Env:  map[string]string{"DISPLAY": ":1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sudo", "virt-install", "--name", "vm1"}, fakeCmd.Argv)
	assert.Contains(t, fakeCmd.Env, "DISPLAY=:1")
}

func TestRun_EmptyCommand(t *testing.T) {
	_, err := New().Run(context.Background(), Command{})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestRunChecked(t *testing.T) {
	fakeCmd := &testingexec.FakeCmd{
		RunScript: []testingexec.FakeAction{
			func() ([]byte, []byte, error) { return nil, []byte("boom"), testingexec.FakeExitError{Status: 2} },
		},
	}
	r := New(WithExec(scriptedExec(fakeCmd)))

	res, err := RunChecked(context.Background(), r, Cmd("virsh", "start", "vm1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, 2, res.ExitStatus)
}

func TestCommand_String(t *testing.T) {
	c := Command{
		Argv: []string{"virt-install", "--name", "vm 1"},
		Env:  map[string]string{"DISPLAY": ":0"},
	}
	assert.Equal(t, `DISPLAY=":0" virt-install --name "vm 1"`, c.String())
	assert.Equal(t, "virt-install", c.Binary())
}
