package server

import (
	"sort"
	"sync"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/pipeline"
	"github.com/babelcloud/gbox/packages/arstream/internal/server/handlers"
)

// closedHistory is how many closed streams a session remembers, so a watcher
// that connects late still receives the terminal event.
const closedHistory = 16

// apiStream is the client of a stream opened through the API. It publishes
// every callback to the stream's broadcaster.
type apiStream struct {
	url    string
	track  string
	reg    *streamRegistry
	events *pipeline.Broadcaster
	handle *stream.Handle
}

func (s *apiStream) OnStateChanged(h *stream.Handle, state stream.State) {
	s.events.Broadcast(pipeline.StateEvent(h.ID(), state))
}

func (s *apiStream) OnData(h *stream.Handle, frame []byte) {
	s.events.Broadcast(pipeline.DataEvent(h.ID(), frame))
}

func (s *apiStream) OnClosed(h *stream.Handle, reason stream.CloseReason) {
	s.events.Broadcast(pipeline.ClosedEvent(h.ID(), reason))
	s.events.Close()
	s.reg.retire(h.ID())
}

func (s *apiStream) dto() handlers.StreamDTO {
	h := s.handle
	dto := handlers.StreamDTO{
		ID:     h.ID(),
		Device: h.Device(),
		URL:    s.url,
		Track:  s.track,
		State:  h.State().String(),
	}
	if reason := h.CloseReason(); reason != stream.ReasonNone {
		dto.Reason = reason.String()
	}
	return dto
}

// streamRegistry tracks the API streams of one device session.
type streamRegistry struct {
	mu      sync.Mutex
	streams map[stream.ID]*apiStream
	retired []stream.ID
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{streams: make(map[stream.ID]*apiStream)}
}

// open requests a stream from ctrl and registers it. The registry lock is held
// across OpenStream so that retire never runs before the stream is added.
func (r *streamRegistry) open(ctrl *stream.Controller, url, track string) *apiStream {
	s := &apiStream{url: url, track: track, reg: r, events: pipeline.NewBroadcaster()}

	r.mu.Lock()
	defer r.mu.Unlock()
	s.handle = ctrl.OpenStream(url, track, s)
	r.streams[s.handle.ID()] = s
	return s
}

func (r *streamRegistry) retire(id stream.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.retired = append(r.retired, id)
	for len(r.retired) > closedHistory {
		delete(r.streams, r.retired[0])
		r.retired = r.retired[1:]
	}
}

func (r *streamRegistry) get(id stream.ID) (*apiStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

func (r *streamRegistry) list() []handlers.StreamDTO {
	r.mu.Lock()
	streams := make([]*apiStream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].handle.ID() < streams[j].handle.ID() })
	out := make([]handlers.StreamDTO, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.dto())
	}
	return out
}

// active counts streams that have not closed yet.
func (r *streamRegistry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams) - len(r.retired)
}
