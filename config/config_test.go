package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	assert.Equal(t, filepath.Join(xdg.Home, ".arstream"), GetHome())
	assert.Equal(t, 29888, GetServerPort())
	assert.Equal(t, "http://localhost:29888", GetServerURL())
	assert.Equal(t, 5037, GetAdbPort())
	assert.True(t, GetAdbWatch())
	assert.Equal(t, TransportWebSocket, GetStreamTransport())
	assert.Equal(t, 10*time.Second, GetOpenTimeout())
	assert.Equal(t, 5*time.Second, GetTeardownTimeout())
	assert.Equal(t, 64, GetEventBuffer())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ARSTREAM_PORT", "30001")
	t.Setenv("ARSTREAM_HOME", "/tmp/arstream-test")
	t.Setenv("ARSTREAM_TRANSPORT", TransportMux)
	t.Setenv("ARSTREAM_MUX_ADDR", "10.0.0.2:27183")

	assert.Equal(t, 30001, GetServerPort())
	assert.Equal(t, "http://localhost:30001", GetServerURL())
	assert.Equal(t, filepath.Join("/tmp/arstream-test", "logs"), GetLogDir())
	assert.Equal(t, TransportMux, GetStreamTransport())
	assert.Equal(t, "10.0.0.2:27183", GetMuxAddr())

	t.Setenv("ARSTREAM_URL", "http://drone-host:9000")
	assert.Equal(t, "http://drone-host:9000", GetServerURL())
}
