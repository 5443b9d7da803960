package server

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	adb "github.com/basiooo/goadb"
	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/keymutex"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/pipeline"
	"github.com/babelcloud/gbox/packages/arstream/internal/server/handlers"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

const (
	SourceManual = "manual"
	SourceADB    = "adb"
)

// TransportFactory creates the stream transport of a device session.
type TransportFactory func(serial string) stream.Transport

// shutdowner is implemented by transports holding a device level connection.
type shutdowner interface {
	Shutdown() error
}

// KeeperOptions configures a DeviceKeeper.
type KeeperOptions struct {
	Transport         TransportFactory
	ControllerOptions []stream.Option
	TeardownTimeout   time.Duration
	EventBuffer       int
}

// DeviceKeeper owns one stream controller per attached device.
type DeviceKeeper struct {
	adbClient     *adb.Adb
	deviceWatcher *adb.DeviceWatcher

	opts KeeperOptions

	serialSessions *bimap.BiMap[string, string]
	deviceSessions *DeviceMap

	mu         sync.RWMutex
	deviceLock keymutex.KeyMutex

	// last state adb reported per serial, written in event order
	adbMu     sync.Mutex
	adbStates map[string]adb.DeviceState
}

func NewDeviceKeeper(opts KeeperOptions) *DeviceKeeper {
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &DeviceKeeper{
		opts:           opts,
		serialSessions: bimap.NewBiMap[string, string](),
		deviceSessions: NewDeviceMap(),
		deviceLock:     keymutex.NewHashed(1024),
		adbStates:      make(map[string]adb.DeviceState),
	}
}

// WatchADB follows adb device hot plug: devices coming online are attached,
// devices going offline are detached.
func (dm *DeviceKeeper) WatchADB(port int) error {
	adbClient, err := adb.NewWithConfig(adb.ServerConfig{
		Port: port,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create adb client on port %d", port)
	}
	if err := adbClient.StartServer(); err != nil {
		return errors.Wrapf(err, "failed to start adb server on port %d", port)
	}
	dm.adbClient = adbClient

	dm.deviceWatcher = adbClient.NewDeviceWatcher()
	go func() {
		logger := util.GetLogger()
		for event := range dm.deviceWatcher.C() {
			logger.Info("Device event", "serial", event.Serial, "from", event.OldState, "to", event.NewState)
			dm.noteADBState(event.Serial, event.NewState)
			serial, state := event.Serial, event.NewState
			go dm.guard(serial, func() error {
				return dm.applyADBState(serial, state)
			})
		}
		if err := dm.deviceWatcher.Err(); err != nil {
			logger.Error("adb device watcher error", "error", err)
		}
	}()
	return nil
}

func (dm *DeviceKeeper) noteADBState(serial string, state adb.DeviceState) {
	dm.adbMu.Lock()
	defer dm.adbMu.Unlock()
	dm.adbStates[serial] = state
}

func (dm *DeviceKeeper) latestADBState(serial string) adb.DeviceState {
	dm.adbMu.Lock()
	defer dm.adbMu.Unlock()
	return dm.adbStates[serial]
}

// applyADBState attaches a device adb reports online and detaches one it
// reports offline. Events are handled concurrently, so an event that is no
// longer the latest for its serial is skipped under the device lock.
func (dm *DeviceKeeper) applyADBState(serial string, state adb.DeviceState) error {
	dm.deviceLock.LockKey(serial)
	defer dm.deviceLock.UnlockKey(serial)

	if latest := dm.latestADBState(serial); latest != state {
		util.GetLogger().Debug("Skipping stale device event", "serial", serial, "state", state, "latest", latest)
		return nil
	}
	switch state {
	case adb.StateOnline:
		_, err := dm.attachLocked(serial, SourceADB)
		return err
	case adb.StateOffline:
		err := dm.detachLocked(serial)
		if errors.Is(err, handlers.ErrDeviceNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (dm *DeviceKeeper) guard(serial string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			util.GetLogger().Error("Recovered from device event goroutine", "serial", serial, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		util.GetLogger().Error("Device event handling failed", "serial", serial, "error", err)
	}
}

// Close stops watching adb and detaches every device concurrently.
func (dm *DeviceKeeper) Close() error {
	if dm.deviceWatcher != nil {
		dm.deviceWatcher.Shutdown()
	}

	var g errgroup.Group
	for _, session := range dm.deviceSessions.List() {
		serial := session.Serial
		g.Go(func() error {
			err := dm.DetachDevice(serial)
			if errors.Is(err, handlers.ErrDeviceNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (dm *DeviceKeeper) attach(serial, source string) (*DeviceSession, error) {
	dm.deviceLock.LockKey(serial)
	defer dm.deviceLock.UnlockKey(serial)
	return dm.attachLocked(serial, source)
}

func (dm *DeviceKeeper) attachLocked(serial, source string) (*DeviceSession, error) {
	if session, ok := dm.getDevice(serial); ok {
		return session, nil
	}
	if dm.opts.Transport == nil {
		return nil, errors.Errorf("no stream transport configured for device %s", serial)
	}

	transport := dm.opts.Transport(serial)
	session := dm.addDevice(serial, &DeviceSession{
		Serial:     serial,
		Source:     source,
		AttachedAt: time.Now(),
		Controller: stream.NewController(serial, transport, dm.opts.ControllerOptions...),
		transport:  transport,
		streams:    newStreamRegistry(),
	})
	util.GetLogger().Info("Device attached", "serial", serial, "source", source, "session", session.Token)
	return session, nil
}

// AttachDevice opens a session for serial, or returns the existing one.
func (dm *DeviceKeeper) AttachDevice(serial string) (handlers.DeviceDTO, error) {
	session, err := dm.attach(serial, SourceManual)
	if err != nil {
		return handlers.DeviceDTO{}, err
	}
	return session.dto(), nil
}

// DetachDevice tears the session down: every stream is closed and the
// controller stopped before the device is forgotten.
func (dm *DeviceKeeper) DetachDevice(serial string) error {
	dm.deviceLock.LockKey(serial)
	defer dm.deviceLock.UnlockKey(serial)
	return dm.detachLocked(serial)
}

func (dm *DeviceKeeper) detachLocked(serial string) error {
	session, ok := dm.getDevice(serial)
	if !ok {
		return errors.Wrapf(handlers.ErrDeviceNotFound, "device %s", serial)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dm.opts.TeardownTimeout)
	defer cancel()
	err := session.Controller.Close(ctx)
	if s, ok := session.transport.(shutdowner); ok {
		if serr := s.Shutdown(); serr != nil {
			util.GetLogger().Warn("Transport shutdown failed", "serial", serial, "error", serr)
		}
	}
	dm.delDevice(session)
	util.GetLogger().Info("Device detached", "serial", serial, "session", session.Token)
	return errors.Wrapf(err, "device %s teardown", serial)
}

// SerialBySession resolves a session token to its device serial.
func (dm *DeviceKeeper) SerialBySession(token string) (string, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.serialSessions.GetInverse(token)
}

func (dm *DeviceKeeper) ListDevices() []handlers.DeviceDTO {
	sessions := dm.deviceSessions.List()
	out := make([]handlers.DeviceDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.dto())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

func (dm *DeviceKeeper) OpenStream(serial, url, track string) (handlers.DeviceDTO, handlers.StreamDTO, error) {
	session, err := dm.mustGetDevice(serial)
	if err != nil {
		return handlers.DeviceDTO{}, handlers.StreamDTO{}, err
	}
	s := session.streams.open(session.Controller, url, track)
	util.GetLogger().Info("Stream requested", "serial", serial, "stream", s.handle.ID(), "url", url, "track", track)
	return session.dto(), s.dto(), nil
}

func (dm *DeviceKeeper) StopStream(serial string, id stream.ID) error {
	session, err := dm.mustGetDevice(serial)
	if err != nil {
		return err
	}
	s, ok := session.streams.get(id)
	if !ok {
		return errors.Wrapf(handlers.ErrStreamNotFound, "stream %s on device %s", id, serial)
	}
	s.handle.RequestStop()
	return nil
}

func (dm *DeviceKeeper) ListStreams(serial string) ([]handlers.StreamDTO, error) {
	session, err := dm.mustGetDevice(serial)
	if err != nil {
		return nil, err
	}
	return session.streams.list(), nil
}

func (dm *DeviceKeeper) DumpStreams(ctx context.Context, serial string) (stream.Snapshot, error) {
	session, err := dm.mustGetDevice(serial)
	if err != nil {
		return stream.Snapshot{}, err
	}
	return session.Controller.Dump(ctx)
}

func (dm *DeviceKeeper) WatchStream(serial string, id stream.ID, subscriberID string) (<-chan pipeline.Event, func(), error) {
	session, err := dm.mustGetDevice(serial)
	if err != nil {
		return nil, nil, err
	}
	s, ok := session.streams.get(id)
	if !ok {
		return nil, nil, errors.Wrapf(handlers.ErrStreamNotFound, "stream %s on device %s", id, serial)
	}
	ch := s.events.Subscribe(subscriberID, dm.opts.EventBuffer)
	return ch, func() { s.events.Unsubscribe(subscriberID) }, nil
}

func (dm *DeviceKeeper) mustGetDevice(serial string) (*DeviceSession, error) {
	session, ok := dm.getDevice(serial)
	if !ok {
		return nil, errors.Wrapf(handlers.ErrDeviceNotFound, "device %s", serial)
	}
	return session, nil
}

func (dm *DeviceKeeper) getDevice(serial string) (*DeviceSession, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	return dm.deviceSessions.Get(serial)
}

func (dm *DeviceKeeper) addDevice(serial string, deviceSession *DeviceSession) *DeviceSession {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	session := dm.deviceSessions.Set(serial, deviceSession)
	dm.serialSessions.Insert(serial, session.Token)
	return session
}

func (dm *DeviceKeeper) delDevice(session *DeviceSession) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.deviceSessions.Delete(session.Serial, session.Token) {
		dm.serialSessions.Delete(session.Serial)
	}
}

// DeviceSession is the stream controller of one attached device.
type DeviceSession struct {
	Serial     string
	Token      string
	Source     string
	AttachedAt time.Time
	Controller *stream.Controller

	transport stream.Transport
	streams   *streamRegistry
}

func (s *DeviceSession) dto() handlers.DeviceDTO {
	return handlers.DeviceDTO{
		Serial:     s.Serial,
		Session:    s.Token,
		Source:     s.Source,
		AttachedAt: s.AttachedAt,
		Streams:    s.streams.active(),
	}
}

type DeviceMap struct {
	sessions map[string]*DeviceSession
	mu       sync.RWMutex
}

func NewDeviceMap() *DeviceMap {
	return &DeviceMap{
		sessions: map[string]*DeviceSession{},
	}
}

func (dm *DeviceMap) Get(serial string) (*DeviceSession, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	session, ok := dm.sessions[serial]
	return session, ok
}

func (dm *DeviceMap) List() []*DeviceSession {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	out := make([]*DeviceSession, 0, len(dm.sessions))
	for _, s := range dm.sessions {
		out = append(out, s)
	}
	return out
}

func (dm *DeviceMap) Set(serial string, session *DeviceSession) *DeviceSession {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	session.Token = uniuri.NewLen(32)
	dm.sessions[serial] = session
	return session
}

func (dm *DeviceMap) Delete(serial, token string) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if session, ok := dm.sessions[serial]; ok && session.Token == token {
		delete(dm.sessions, serial)
		return true
	}
	return false
}
