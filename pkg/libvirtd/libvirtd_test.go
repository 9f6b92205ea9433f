//go:build unit

package libvirtd

import (
	"context"
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/virttest/internal/util/fakes/runnerfake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Control(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		action string
		reply  runnerfake.Reply
		want   bool
	}{
		{name: "start", action: ActionStart, reply: runnerfake.OK(""), want: true},
		{name: "reload", action: ActionReload, reply: runnerfake.OK(""), want: true},
		{name: "stop failure", action: ActionStop, reply: runnerfake.Fail("Failed to stop libvirtd.service"), want: false},
		{
			name:   "status running",
			action: ActionStatus,
			reply:  runnerfake.OK("libvirtd (pid  1234) is running..."),
			want:   true,
		},
		{
			name:   "status stopped",
			action: ActionStatus,
			reply:  runnerfake.Reply{Stdout: "libvirtd is stopped", ExitStatus: 3},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runnerfake.New().On("service libvirtd "+tt.action, tt.reply)
			got, err := New(fake).Control(ctx, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestService_UnknownAction(t *testing.T) {
	fake := runnerfake.New()
	_, err := New(fake).Control(context.Background(), "explode")
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.Empty(t, fake.Calls())
}

func TestService_RunnerError(t *testing.T) {
	errBoom := errors.New("boom")
	fake := runnerfake.New().On("service libvirtd restart", runnerfake.Reply{Err: errBoom})
	_, err := New(fake).Restart(context.Background())
	assert.ErrorIs(t, err, errBoom)
}

func TestService_Convenience(t *testing.T) {
	ctx := context.Background()
	fake := runnerfake.New().
		On("service libvirtd start", runnerfake.OK("")).
		On("service libvirtd stop", runnerfake.OK("")).
		On("service libvirtd status", runnerfake.OK("active (running) Main PID: 42"))
	s := New(fake)

	ok, err := s.Start(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// "PID" is not "pid"
	ok, err = s.Status(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
