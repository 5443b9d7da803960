package stream

// Client receives the lifecycle callbacks of a stream, in order, on the
// controller's client executor.
type Client interface {
	OnStateChanged(h *Handle, state State)
	// OnClosed is the last callback a stream delivers.
	OnClosed(h *Handle, reason CloseReason)
}

// DataReceiver is implemented by clients that consume media frames.
type DataReceiver interface {
	OnData(h *Handle, frame []byte)
}

// ClientFuncs adapts plain functions to Client and DataReceiver. Nil fields are skipped.
type ClientFuncs struct {
	StateChanged func(h *Handle, state State)
	Closed       func(h *Handle, reason CloseReason)
	Data         func(h *Handle, frame []byte)
}

func (f ClientFuncs) OnStateChanged(h *Handle, state State) {
	if f.StateChanged != nil {
		f.StateChanged(h, state)
	}
}

func (f ClientFuncs) OnClosed(h *Handle, reason CloseReason) {
	if f.Closed != nil {
		f.Closed(h, reason)
	}
}

func (f ClientFuncs) OnData(h *Handle, frame []byte) {
	if f.Data != nil {
		f.Data(h, frame)
	}
}

var (
	_ Client       = ClientFuncs{}
	_ DataReceiver = ClientFuncs{}
)
