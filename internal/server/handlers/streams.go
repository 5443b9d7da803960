package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/babelcloud/gbox/packages/arstream/internal/pipeline"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

// StreamHandlers serves the stream endpoints of a device
type StreamHandlers struct {
	devices  DeviceService
	upgrader websocket.Upgrader
}

func NewStreamHandlers(devices DeviceService) *StreamHandlers {
	return &StreamHandlers{
		devices: devices,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// OpenStreamRequest is the body of POST /api/devices/{serial}/streams
type OpenStreamRequest struct {
	URL   string `json:"url"`
	Track string `json:"track,omitempty"`
}

// HandleStreamOpen requests a stream. It answers as soon as the request is
// queued; the stream may still be waiting for the device pipeline.
func (h *StreamHandlers) HandleStreamOpen(w http.ResponseWriter, req *http.Request) {
	serial := req.PathValue("serial")

	var body OpenStreamRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		respondBadRequest(w, "url is required")
		return
	}

	device, st, err := h.devices.OpenStream(serial, body.URL, body.Track)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"session": device.Session,
		"stream":  st,
	})
}

// HandleStreamList returns the known streams and the controller slots
func (h *StreamHandlers) HandleStreamList(w http.ResponseWriter, req *http.Request) {
	serial := req.PathValue("serial")

	streams, err := h.devices.ListStreams(serial)
	if err != nil {
		RespondError(w, err)
		return
	}
	snapshot, err := h.devices.DumpStreams(req.Context(), serial)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"streams":  streams,
		"snapshot": snapshot,
		"dump":     snapshot.String(),
	})
}

// HandleStreamStop asks a stream to stop; the close is reported through events
func (h *StreamHandlers) HandleStreamStop(w http.ResponseWriter, req *http.Request) {
	serial := req.PathValue("serial")
	id, ok := parseStreamID(req.PathValue("id"))
	if !ok {
		respondBadRequest(w, "invalid stream id")
		return
	}

	if err := h.devices.StopStream(serial, id); err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"message": "stop requested",
	})
}

// HandleStreamEvents upgrades to a WebSocket and relays the stream's events:
// lifecycle events as JSON text messages and frames as binary messages.
func (h *StreamHandlers) HandleStreamEvents(w http.ResponseWriter, req *http.Request) {
	logger := util.GetLogger()
	serial := req.PathValue("serial")
	id, ok := parseStreamID(req.PathValue("id"))
	if !ok {
		respondBadRequest(w, "invalid stream id")
		return
	}
	withFrames := req.URL.Query().Get("frames") != "false"

	subscriberID := uuid.NewString()
	events, unsubscribe, err := h.devices.WatchStream(serial, id, subscriberID)
	if err != nil {
		RespondError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Error("Failed to upgrade to WebSocket", "device", serial, "stream", id, "error", err)
		return
	}
	defer conn.Close()
	logger.Info("Stream watcher connected", "device", serial, "stream", id, "subscriber", subscriberID)

	// Reading detects the watcher going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("Stream watcher read error", "subscriber", subscriberID, "error", err)
				}
				return
			}
		}
	}()

	streamClosed := false
	for {
		select {
		case <-gone:
			logger.Info("Stream watcher disconnected", "device", serial, "stream", id, "subscriber", subscriberID)
			return

		case ev, ok := <-events:
			if !ok {
				// The channel also closes when the watcher fell behind; only a
				// relayed closed event ends the watch normally.
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed")
				if !streamClosed {
					logger.Warn("Stream watcher dropped", "device", serial, "stream", id, "subscriber", subscriberID)
					closeMsg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "watcher fell behind")
				}
				conn.WriteMessage(websocket.CloseMessage, closeMsg)
				return
			}
			if ev.Type == pipeline.EventClosed {
				streamClosed = true
			}
			if ev.Type == pipeline.EventData {
				if !withFrames {
					continue
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, ev.Frame); err != nil {
					logger.Debug("Failed to write frame", "subscriber", subscriberID, "error", err)
					return
				}
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("Failed to write event", "subscriber", subscriberID, "error", err)
				return
			}
		}
	}
}
