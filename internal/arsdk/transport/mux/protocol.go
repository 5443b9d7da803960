package mux

import (
	"encoding/json"
	"io"
	"net"

	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
)

// tlvTrack carries the requested track in the stream header.
const tlvTrack proxyproto.PP2Type = 0xE0

// Request opens one stream on an agent.
type Request struct {
	URL   string
	Track string
}

// Reply answers a Request before any media is sent.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WriteRequest sends the stream header. The destination is left unspecified
// and the target travels in the authority TLV, the way a forwarding proxy
// names a host it has not resolved.
func WriteRequest(w io.Writer, req Request) error {
	header := &proxyproto.Header{
		Version:           2,
		Command:           proxyproto.PROXY,
		TransportProtocol: proxyproto.TCPv4,
		SourceAddr:        &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)},
		DestinationAddr:   &net.TCPAddr{IP: net.IPv4zero},
	}
	tlvs := []proxyproto.TLV{{Type: proxyproto.PP2_TYPE_AUTHORITY, Value: []byte(req.URL)}}
	if req.Track != "" {
		tlvs = append(tlvs, proxyproto.TLV{Type: tlvTrack, Value: []byte(req.Track)})
	}
	if err := header.SetTLVs(tlvs); err != nil {
		return errors.Wrap(err, "failed to encode stream header")
	}
	if _, err := header.WriteTo(w); err != nil {
		return errors.Wrap(err, "failed to write stream header")
	}
	return nil
}

// ReadRequest parses the stream header from conn. The returned connection
// must be used for all further reads and writes.
func ReadRequest(conn net.Conn) (Request, net.Conn, error) {
	pc := proxyproto.NewConn(conn)
	header := pc.ProxyHeader()
	if header == nil {
		return Request{}, pc, errors.New("missing stream header")
	}
	tlvs, err := header.TLVs()
	if err != nil {
		return Request{}, pc, errors.Wrap(err, "invalid stream header")
	}
	var req Request
	for _, tlv := range tlvs {
		switch tlv.Type {
		case proxyproto.PP2_TYPE_AUTHORITY:
			req.URL = string(tlv.Value)
		case tlvTrack:
			req.Track = string(tlv.Value)
		}
	}
	if req.URL == "" {
		return Request{}, pc, errors.New("stream header carries no url")
	}
	return req, pc, nil
}

// WriteReply sends the agent's answer as one JSON line.
func WriteReply(w io.Writer, reply Reply) error {
	return errors.Wrap(json.NewEncoder(w).Encode(reply), "failed to write stream reply")
}

// ReadReply reads the agent's answer. The returned reader yields the media
// bytes that follow it.
func ReadReply(r io.Reader) (Reply, io.Reader, error) {
	dec := json.NewDecoder(r)
	var reply Reply
	if err := dec.Decode(&reply); err != nil {
		return Reply{}, nil, errors.Wrap(err, "failed to read stream reply")
	}
	rest := io.MultiReader(dec.Buffered(), r)
	// drop the line terminator written by the encoder
	var nl [1]byte
	if _, err := io.ReadFull(rest, nl[:]); err != nil && err != io.EOF {
		return Reply{}, nil, errors.Wrap(err, "failed to read stream reply")
	}
	return reply, rest, nil
}
