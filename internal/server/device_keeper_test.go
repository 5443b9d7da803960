package server

import (
	"testing"
	"time"

	adb "github.com/basiooo/goadb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
)

func newTestKeeper(t *testing.T) *DeviceKeeper {
	t.Helper()
	dm := NewDeviceKeeper(KeeperOptions{
		Transport:       func(string) stream.Transport { return newLoopback() },
		TeardownTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { dm.Close() })
	return dm
}

func TestADBStateAttachesAndDetaches(t *testing.T) {
	dm := newTestKeeper(t)

	dm.noteADBState("drone-1", adb.StateOnline)
	require.NoError(t, dm.applyADBState("drone-1", adb.StateOnline))
	devices := dm.ListDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, SourceADB, devices[0].Source)

	dm.noteADBState("drone-1", adb.StateOffline)
	require.NoError(t, dm.applyADBState("drone-1", adb.StateOffline))
	assert.Empty(t, dm.ListDevices())

	// offline for a device never attached is not an error
	dm.noteADBState("drone-2", adb.StateOffline)
	assert.NoError(t, dm.applyADBState("drone-2", adb.StateOffline))
}

// A quick online/offline flap whose handlers run out of order leaves the
// device detached.
func TestADBFlapHandledOutOfOrder(t *testing.T) {
	dm := newTestKeeper(t)

	dm.noteADBState("drone-1", adb.StateOnline)
	dm.noteADBState("drone-1", adb.StateOffline)

	require.NoError(t, dm.applyADBState("drone-1", adb.StateOffline))
	require.NoError(t, dm.applyADBState("drone-1", adb.StateOnline))
	assert.Empty(t, dm.ListDevices())

	// and back online again
	dm.noteADBState("drone-1", adb.StateOnline)
	require.NoError(t, dm.applyADBState("drone-1", adb.StateOffline))
	require.NoError(t, dm.applyADBState("drone-1", adb.StateOnline))
	assert.Len(t, dm.ListDevices(), 1)
}
