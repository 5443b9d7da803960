package server

import (
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/arstream/config"
	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/transport/mux"
	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/transport/ws"
)

// NewTransportFactory returns the factory for the named transport.
func NewTransportFactory(kind, muxAddr string) (TransportFactory, error) {
	switch kind {
	case config.TransportWebSocket:
		return func(string) stream.Transport { return ws.New(nil, nil) }, nil
	case config.TransportMux:
		if muxAddr == "" {
			return nil, errors.New("mux transport needs an agent address")
		}
		return func(string) stream.Transport { return mux.New(mux.TCPDialer(muxAddr)) }, nil
	default:
		return nil, errors.Errorf("unknown stream transport %q", kind)
	}
}

// KeeperOptionsFromConfig builds the device keeper options from configuration.
func KeeperOptionsFromConfig() (KeeperOptions, error) {
	factory, err := NewTransportFactory(config.GetStreamTransport(), config.GetMuxAddr())
	if err != nil {
		return KeeperOptions{}, err
	}
	return KeeperOptions{
		Transport: factory,
		ControllerOptions: []stream.Option{
			stream.WithOpenTimeout(config.GetOpenTimeout()),
		},
		TeardownTimeout: config.GetTeardownTimeout(),
		EventBuffer:     config.GetEventBuffer(),
	}, nil
}
