// Package client talks to a running arstream server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/pipeline"
	"github.com/babelcloud/gbox/packages/arstream/internal/server/handlers"
)

// Client is an arstream API client.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is a non 2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Status, e.Message)
}

// OpenResult is the answer to an open request.
type OpenResult struct {
	Session string             `json:"session"`
	Stream  handlers.StreamDTO `json:"stream"`
}

// StreamList is the stream listing of a device.
type StreamList struct {
	Streams  []handlers.StreamDTO `json:"streams"`
	Snapshot stream.Snapshot      `json:"snapshot"`
	Dump     string               `json:"dump"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "failed to create request %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to reach arstream server at %s", c.baseURL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrapf(err, "failed to decode response of %s %s", method, path)
		}
	}
	return nil
}

func devicePath(serial string) string {
	return "/api/devices/" + url.PathEscape(serial)
}

// Health returns the service name reported by the health endpoint.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return "", err
	}
	return out.Service, nil
}

func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Shutdown asks the server to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/server/shutdown", nil, nil)
}

func (c *Client) ListDevices(ctx context.Context) ([]handlers.DeviceDTO, error) {
	var out struct {
		Devices []handlers.DeviceDTO `json:"devices"`
	}
	err := c.do(ctx, http.MethodGet, "/api/devices", nil, &out)
	return out.Devices, err
}

func (c *Client) Attach(ctx context.Context, serial string) (handlers.DeviceDTO, error) {
	var out struct {
		Device handlers.DeviceDTO `json:"device"`
	}
	err := c.do(ctx, http.MethodPost, devicePath(serial), nil, &out)
	return out.Device, err
}

func (c *Client) Detach(ctx context.Context, serial string) error {
	return c.do(ctx, http.MethodDelete, devicePath(serial), nil, nil)
}

func (c *Client) OpenStream(ctx context.Context, serial, streamURL, track string) (OpenResult, error) {
	var out OpenResult
	err := c.do(ctx, http.MethodPost, devicePath(serial)+"/streams",
		handlers.OpenStreamRequest{URL: streamURL, Track: track}, &out)
	return out, err
}

func (c *Client) StopStream(ctx context.Context, serial string, id stream.ID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/streams/%d", devicePath(serial), uint64(id)), nil, nil)
}

func (c *Client) ListStreams(ctx context.Context, serial string) (StreamList, error) {
	var out StreamList
	err := c.do(ctx, http.MethodGet, devicePath(serial)+"/streams", nil, &out)
	return out, err
}

// WatchStream relays the events of a stream to fn until the stream closes,
// ctx is done, or fn returns an error. A watch that ends before the closed
// event arrives is an error. Frames are delivered as data events
// when withFrames is set.
func (c *Client) WatchStream(ctx context.Context, serial string, id stream.ID, withFrames bool, fn func(pipeline.Event) error) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrapf(err, "invalid server url %s", c.baseURL)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("%s/streams/%d/events", devicePath(serial), uint64(id))
	if !withFrames {
		u.RawQuery = "frames=false"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return errors.Wrapf(err, "failed to watch stream %s", id)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	streamClosed := false
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if streamClosed && websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return errors.Wrapf(err, "stream %s watch ended before the stream closed", id)
		}

		var ev pipeline.Event
		if mt == websocket.BinaryMessage {
			ev = pipeline.DataEvent(id, data)
		} else if err := json.Unmarshal(data, &ev); err != nil {
			return errors.Wrap(err, "invalid stream event")
		}
		if ev.Type == pipeline.EventClosed {
			streamClosed = true
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
