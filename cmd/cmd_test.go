package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/client"
	"github.com/babelcloud/gbox/packages/arstream/internal/server"
	"github.com/babelcloud/gbox/packages/arstream/internal/server/handlers"
)

// shortTransport opens, sends one frame and loses the stream right away.
type shortTransport struct{}

func (shortTransport) Open(ctx context.Context, req stream.OpenRequest, sink stream.Sink) error {
	go func() {
		sink.Emit(stream.EventOpened{})
		sink.Emit(stream.EventData{Frame: []byte(req.URL)})
		sink.Emit(stream.EventClosed{})
	}()
	return nil
}

func (shortTransport) Close(id stream.ID) error { return nil }

func newTestServer(t *testing.T) string {
	t.Helper()
	keeper := server.NewDeviceKeeper(server.KeeperOptions{
		Transport:       func(string) stream.Transport { return shortTransport{} },
		TeardownTimeout: 2 * time.Second,
		EventBuffer:     16,
	})
	s := server.NewArstreamServer(0, 0, keeper)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return ts.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	t.Cleanup(func() { serverURL = "" })

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionFlag(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "arstream version dev")
}

func TestDeviceCommands(t *testing.T) {
	url := newTestServer(t)

	out, err := run(t, "--server", url, "device", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "No devices attached")

	out, err = run(t, "--server", url, "device", "attach", "drone-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Device drone-1 attached, session ")

	out, err = run(t, "--server", url, "device", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "SERIAL")
	assert.Contains(t, out, "drone-1")
	assert.Contains(t, out, "idle")

	_, err = run(t, "--server", url, "device", "detach", "drone-1")
	require.NoError(t, err)

	_, err = run(t, "--server", url, "device", "detach", "drone-1")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestStreamOpenFollow(t *testing.T) {
	url := newTestServer(t)
	_, err := run(t, "--server", url, "device", "attach", "drone-1")
	require.NoError(t, err)

	out, err := run(t, "--server", url, "stream", "open", "drone-1", "ws://drone/a", "--track", "front", "--follow")
	require.NoError(t, err)
	assert.Contains(t, out, "Stream #1 requested on drone-1")
	assert.Contains(t, out, "#1 CLOSED FAILED")

	out, err = run(t, "--server", url, "stream", "ls", "drone-1")
	require.NoError(t, err)
	assert.Contains(t, out, "front")
	assert.Contains(t, out, "1 stream\n")

	// the slot is released once the closed callback has returned
	require.Eventually(t, func() bool {
		out, err := run(t, "--server", url, "stream", "dump", "drone-1")
		return err == nil && out == "device drone-1\n  current: none\n  pending: none\n"
	}, 5*time.Second, 20*time.Millisecond)

	_, err = run(t, "--server", url, "stream", "stop", "drone-1", "#1")
	assert.NoError(t, err)
}

func TestParseStreamArg(t *testing.T) {
	id, err := parseStreamArg("#12")
	require.NoError(t, err)
	assert.Equal(t, stream.ID(12), id)

	id, err = parseStreamArg("3")
	require.NoError(t, err)
	assert.Equal(t, stream.ID(3), id)

	_, err = parseStreamArg("0")
	assert.Error(t, err)
	_, err = parseStreamArg("abc")
	assert.Error(t, err)
}

func TestPrintStreams(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	printStreams(&out, client.StreamList{Streams: []handlers.StreamDTO{
		{ID: 1, URL: "ws://drone/a", State: "CLOSED", Reason: "INTERRUPTED"},
		{ID: 2, URL: "ws://drone/b", State: "OPEN"},
	}})
	assert.Equal(t, `ID  STATE   REASON       TRACK  URL
--  ------  -----------  -----  ------------
#1  CLOSED  INTERRUPTED         ws://drone/a
#2  OPEN                        ws://drone/b

2 streams
`, out.String())
}

func TestCheckServerStatus(t *testing.T) {
	url := newTestServer(t)
	assert.NoError(t, checkServerStatus(client.New(url)))
	assert.Equal(t, ErrServerUnavailable, checkServerStatus(client.New("http://127.0.0.1:1")))
}
