package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/pipeline"
)

// MockDeviceService for testing
type MockDeviceService struct {
	opened  []OpenStreamRequest
	stopped []stream.ID

	// events backs WatchStream when set; feed runs right after subscribing
	events *pipeline.Broadcaster
	feed   func(b *pipeline.Broadcaster, id stream.ID)
}

func (m *MockDeviceService) ListDevices() []DeviceDTO { return nil }
func (m *MockDeviceService) AttachDevice(serial string) (DeviceDTO, error) {
	return DeviceDTO{Serial: serial, Session: "token"}, nil
}
func (m *MockDeviceService) DetachDevice(serial string) error { return nil }
func (m *MockDeviceService) SerialBySession(token string) (string, bool) {
	return "drone-1", token == "token"
}

func (m *MockDeviceService) OpenStream(serial, url, track string) (DeviceDTO, StreamDTO, error) {
	if serial != "drone-1" {
		return DeviceDTO{}, StreamDTO{}, errors.Wrapf(ErrDeviceNotFound, "device %s", serial)
	}
	m.opened = append(m.opened, OpenStreamRequest{URL: url, Track: track})
	return DeviceDTO{Serial: serial, Session: "token"},
		StreamDTO{ID: stream.ID(len(m.opened)), Device: serial, URL: url, Track: track, State: "IDLE"}, nil
}

func (m *MockDeviceService) StopStream(serial string, id stream.ID) error {
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *MockDeviceService) ListStreams(serial string) ([]StreamDTO, error) {
	return []StreamDTO{{ID: 1, Device: serial, URL: "ws://drone/a", State: "OPEN"}}, nil
}

func (m *MockDeviceService) DumpStreams(ctx context.Context, serial string) (stream.Snapshot, error) {
	return stream.Snapshot{Device: serial, Current: &stream.StreamInfo{ID: 1, URL: "ws://drone/a", State: stream.StateOpen}}, nil
}

func (m *MockDeviceService) WatchStream(serial string, id stream.ID, subscriberID string) (<-chan pipeline.Event, func(), error) {
	if m.events == nil {
		return nil, nil, errors.Wrapf(ErrStreamNotFound, "stream %s", id)
	}
	ch := m.events.Subscribe(subscriberID, 1)
	if m.feed != nil {
		m.feed(m.events, id)
	}
	return ch, func() { m.events.Unsubscribe(subscriberID) }, nil
}

// MockServerService for testing
type MockServerService struct{}

func (m *MockServerService) IsRunning() bool          { return true }
func (m *MockServerService) GetPort() int             { return 29888 }
func (m *MockServerService) GetUptime() time.Duration { return time.Hour }
func (m *MockServerService) GetVersion() string       { return "1.0.0" }
func (m *MockServerService) Stop() error              { return nil }

func newMux(devices DeviceService) *http.ServeMux {
	mux := http.NewServeMux()
	api := NewAPIHandlers(&MockServerService{})
	d := NewDeviceHandlers(devices)
	s := NewStreamHandlers(devices)
	mux.HandleFunc("GET /api/status", api.HandleStatus)
	mux.HandleFunc("POST /api/devices/{serial}", d.HandleDeviceAttach)
	mux.HandleFunc("GET /api/sessions/{session}", d.HandleSessionLookup)
	mux.HandleFunc("POST /api/devices/{serial}/streams", s.HandleStreamOpen)
	mux.HandleFunc("GET /api/devices/{serial}/streams", s.HandleStreamList)
	mux.HandleFunc("DELETE /api/devices/{serial}/streams/{id}", s.HandleStreamStop)
	mux.HandleFunc("GET /api/devices/{serial}/streams/{id}/events", s.HandleStreamEvents)
	return mux
}

func serve(mux http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var out map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHandleStatus(t *testing.T) {
	rec, body := serve(newMux(&MockDeviceService{}), http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1h0m0s", body["uptime"])
	assert.Equal(t, float64(29888), body["port"])
}

func TestHandleStreamOpen(t *testing.T) {
	devices := &MockDeviceService{}
	mux := newMux(devices)

	rec, body := serve(mux, http.MethodPost, "/api/devices/drone-1/streams", `{"url":"rtsp://drone/live","track":"front"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "token", body["session"])
	assert.Equal(t, []OpenStreamRequest{{URL: "rtsp://drone/live", Track: "front"}}, devices.opened)

	rec, _ = serve(mux, http.MethodPost, "/api/devices/drone-1/streams", `{"url":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = serve(mux, http.MethodPost, "/api/devices/drone-9/streams", `{"url":"rtsp://drone/live"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "device drone-9")
}

func TestHandleStreamListIncludesDump(t *testing.T) {
	rec, body := serve(newMux(&MockDeviceService{}), http.MethodGet, "/api/devices/drone-1/streams", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "device drone-1\n  current: #1 OPEN url=ws://drone/a\n  pending: none\n", body["dump"])
	assert.Len(t, body["streams"], 1)
}

func TestHandleStreamStop(t *testing.T) {
	devices := &MockDeviceService{}
	mux := newMux(devices)

	rec, _ := serve(mux, http.MethodDelete, "/api/devices/drone-1/streams/3", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []stream.ID{3}, devices.stopped)

	rec, _ = serve(mux, http.MethodDelete, "/api/devices/drone-1/streams/0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStreamEventsUnknownStream(t *testing.T) {
	rec, _ := serve(newMux(&MockDeviceService{}), http.MethodGet, "/api/devices/drone-1/streams/8/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// watchEvents dials the events endpoint and reads until the server closes.
func watchEvents(t *testing.T, devices DeviceService) ([]int, error) {
	t.Helper()
	ts := httptest.NewServer(newMux(devices))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/devices/drone-1/streams/1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var types []int
	for {
		mt, _, err := conn.ReadMessage()
		if err != nil {
			return types, err
		}
		types = append(types, mt)
	}
}

func TestHandleStreamEventsSlowWatcherIsNotANormalClose(t *testing.T) {
	devices := &MockDeviceService{
		events: pipeline.NewBroadcaster(),
		feed: func(b *pipeline.Broadcaster, id stream.ID) {
			for i := 0; i < 10; i++ {
				b.Broadcast(pipeline.DataEvent(id, []byte{byte(i)}))
			}
		},
	}

	types, err := watchEvents(t, devices)
	assert.Equal(t, []int{websocket.BinaryMessage, websocket.BinaryMessage}, types)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestHandleStreamEventsClosedStreamEndsNormally(t *testing.T) {
	devices := &MockDeviceService{
		events: pipeline.NewBroadcaster(),
		feed: func(b *pipeline.Broadcaster, id stream.ID) {
			b.Broadcast(pipeline.ClosedEvent(id, stream.ReasonUserRequested))
			b.Close()
		},
	}

	types, err := watchEvents(t, devices)
	assert.Equal(t, []int{websocket.TextMessage}, types)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandleSessionLookup(t *testing.T) {
	mux := newMux(&MockDeviceService{})
	rec, body := serve(mux, http.MethodGet, "/api/sessions/token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "drone-1", body["serial"])

	rec, _ = serve(mux, http.MethodGet, "/api/sessions/other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRespondErrorStatus(t *testing.T) {
	cases := map[error]int{
		errors.Wrap(ErrDeviceNotFound, "device x"): http.StatusNotFound,
		ErrStreamNotFound:                          http.StatusNotFound,
		stream.ErrControllerClosed:                 http.StatusGone,
		errors.New("boom"):                         http.StatusInternalServerError,
	}
	for err, code := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, err)
		assert.Equal(t, code, rec.Code, err.Error())
	}
}

func TestIsValidDeviceSerial(t *testing.T) {
	assert.True(t, isValidDeviceSerial("emulator-5554"))
	assert.True(t, isValidDeviceSerial("192.168.1.20:5555"))
	assert.False(t, isValidDeviceSerial("ab"))
	assert.False(t, isValidDeviceSerial("drone/1"))
}
