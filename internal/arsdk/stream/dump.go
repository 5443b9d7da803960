package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// StreamInfo describes a stream occupying a controller slot.
type StreamInfo struct {
	ID    ID     `json:"id"`
	URL   string `json:"url"`
	Track string `json:"track,omitempty"`
	State State  `json:"state"`
}

// Snapshot is a debug view of a controller's slots.
type Snapshot struct {
	Device  string      `json:"device"`
	Current *StreamInfo `json:"current"`
	Pending *StreamInfo `json:"pending"`
}

func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "device %s\n", s.Device)
	writeSlot(&b, "current", s.Current)
	writeSlot(&b, "pending", s.Pending)
	return b.String()
}

func writeSlot(b *strings.Builder, name string, info *StreamInfo) {
	if info == nil {
		fmt.Fprintf(b, "  %s: none\n", name)
		return
	}
	fmt.Fprintf(b, "  %s: %s %s url=%s", name, info.ID, info.State, info.URL)
	if info.Track != "" {
		fmt.Fprintf(b, " track=%s", info.Track)
	}
	b.WriteString("\n")
}

func (s *stream) info() *StreamInfo {
	if s == nil {
		return nil
	}
	return &StreamInfo{ID: s.id, URL: s.url, Track: s.track, State: s.state}
}

// Dump returns the identities of the current and pending streams.
func (c *Controller) Dump(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	if !c.loop.Post(func() {
		ch <- Snapshot{Device: c.device, Current: c.current.info(), Pending: c.pending.info()}
	}) {
		return Snapshot{}, ErrControllerClosed
	}
	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, errors.Wrap(ctx.Err(), "dump stream controller")
	case <-c.loop.Done():
		return Snapshot{}, ErrControllerClosed
	}
}
