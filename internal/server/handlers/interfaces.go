package handlers

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/pipeline"
)

var (
	ErrDeviceNotFound = errors.New("device not attached")
	ErrStreamNotFound = errors.New("stream not found")
)

// ServerService defines the server operations handlers need
type ServerService interface {
	IsRunning() bool
	GetPort() int
	GetUptime() time.Duration
	GetVersion() string
	Stop() error
}

// DeviceService manages device sessions and their streams
type DeviceService interface {
	ListDevices() []DeviceDTO
	AttachDevice(serial string) (DeviceDTO, error)
	DetachDevice(serial string) error
	SerialBySession(token string) (string, bool)

	OpenStream(serial, url, track string) (DeviceDTO, StreamDTO, error)
	StopStream(serial string, id stream.ID) error
	ListStreams(serial string) ([]StreamDTO, error)
	DumpStreams(ctx context.Context, serial string) (stream.Snapshot, error)
	// WatchStream subscribes to a stream's events. The returned func unsubscribes.
	WatchStream(serial string, id stream.ID, subscriberID string) (<-chan pipeline.Event, func(), error)
}

// DeviceDTO describes an attached device
type DeviceDTO struct {
	Serial     string    `json:"serial"`
	Session    string    `json:"session"`
	Source     string    `json:"source"`
	AttachedAt time.Time `json:"attachedAt"`
	Streams    int       `json:"streams"`
}

// StreamDTO describes a stream known to the server
type StreamDTO struct {
	ID     stream.ID `json:"id"`
	Device string    `json:"device"`
	URL    string    `json:"url"`
	Track  string    `json:"track,omitempty"`
	State  string    `json:"state"`
	Reason string    `json:"reason,omitempty"`
}
