package statsd

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePrefix(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"  settlement.worker  ": "settlement.worker",
		"..foo..":               "foo",
		".":                     "",
		"":                      "",
	}
	for input, want := range tests {
		assert.Equal(t, want, sanitizePrefix(input), "input %q", input)
	}
}

func TestNormalizeMetricName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		" task/run ":     "task_run",
		"foo..bar":       "foo.bar",
		"row outcome":    "row_outcome",
		"escrow:tracker": "escrow_tracker",
		"   ":            "",
	}
	for input, want := range tests {
		assert.Equal(t, want, normalizeMetricName(input), "input %q", input)
	}
}

func TestFormatTags(t *testing.T) {
	t.Parallel()

	global := map[string]string{"env": "prod", " service ": " settlement "}
	local := map[string]string{"result": " success ", "": "ignored", "env": "stage"}

	assert.Equal(t, "|#env:stage,result:success,service:settlement", formatTags(global, local))
	assert.Empty(t, formatTags(nil, nil))
}

func TestMetricNameUsesDefaultPrefix(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{})
	require.NoError(t, err)
	assert.Equal(t, "settlement.task.run", client.metricName("task.run"))
	assert.Empty(t, client.metricName(""))
}

func TestClientWritesLines(t *testing.T) {
	t.Parallel()

	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	client := &Client{
		prefix:     "settlement",
		conn:       clientConn,
		globalTags: map[string]string{"env": "test"},
		logger:     slog.Default(),
	}

	received := make(chan string, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := peerConn.Read(buf)
		received <- string(buf[:n])
	}()

	client.Count("row.outcome", 2, map[string]string{"task": "escrow"})

	select {
	case line := <-received:
		assert.Equal(t, "settlement.row.outcome:2|c|#env:test,task:escrow", line)
	case <-time.After(time.Second):
		t.Fatal("no metric received")
	}
}

func TestClientEnabledAndClose(t *testing.T) {
	t.Parallel()

	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	client := &Client{conn: clientConn}
	assert.True(t, client.Enabled())
	require.NoError(t, client.Close())
	assert.False(t, client.Enabled())
	require.NoError(t, client.Close())

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	require.NoError(t, nilClient.Close())
	nilClient.Count("ignored", 1, nil)
}

func TestNewClientDisabledWithoutAddress(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{Enabled: true, Address: "   "})
	require.NoError(t, err)
	assert.False(t, client.Enabled())
	client.Timing("noop", time.Second, nil)
}

func TestNewClientDialError(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Enabled: true, Address: "bad address"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statsd dial")
}

func TestRecorderCountTotal(t *testing.T) {
	t.Parallel()

	var rec Recorder
	rec.Count("row.outcome", 1, map[string]string{"task": "a", "outcome": "ok"})
	rec.Count("row.outcome", 2, map[string]string{"task": "a", "outcome": "retry"})
	rec.Count("row.outcome", 1, map[string]string{"task": "b", "outcome": "ok"})
	rec.Timing("task.duration", 1500*time.Millisecond, nil)

	assert.Equal(t, int64(3), rec.CountTotal("row.outcome", map[string]string{"task": "a"}))
	assert.Equal(t, int64(2), rec.CountTotal("row.outcome", map[string]string{"outcome": "ok"}))
	require.Len(t, rec.Metrics(), 4)
	assert.InDelta(t, 1500.0, rec.Metrics()[3].Value, 0.001)
}
