//go:build unit

package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommands_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCommands(reg)

	c.Observe("virsh", "domstate", ResultSuccess, 10*time.Millisecond)
	c.Observe("virsh", "domstate", ResultSuccess, 20*time.Millisecond)
	c.Observe("virsh", "start", ResultFailure, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Total().WithLabelValues("virsh", "domstate", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Total().WithLabelValues("virsh", "start", ResultFailure)))

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, reg))
	assert.Contains(t, buf.String(), "virttest_commands_total")
	assert.Contains(t, buf.String(), "virttest_command_duration_seconds")
}

func TestCommands_NilSafe(t *testing.T) {
	var c *Commands
	assert.NotPanics(t, func() {
		c.Observe("virsh", "list", ResultSuccess, time.Millisecond)
	})
}
