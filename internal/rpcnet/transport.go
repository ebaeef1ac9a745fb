package rpcnet

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// maxFrameSize bounds a single gob frame to guard against a malicious or
// corrupt length prefix forcing an unbounded allocation.
const maxFrameSize = 4 << 20

// Handler answers one decoded method call and returns an encoded response
// payload (or an error, which is surfaced to the caller as Envelope.Err).
type Handler func(ctx context.Context, payload []byte) (response []byte, err error)

// Transport is the unary RPC substrate: it registers ProtocolID as a
// libp2p stream handler and dispatches inbound frames to per-method
// handlers, and offers Call for outbound requests. It holds a non-owning
// reference to the libp2p host.
type Transport struct {
	host     host.Host
	handlers map[string]Handler
	log      *logging.Logger
}

// New wires a Transport to an already-constructed libp2p host and
// registers the stream handler immediately.
func New(h host.Host) *Transport {
	t := &Transport{
		host:     h,
		handlers: make(map[string]Handler),
		log:      logging.GetDefault().Component("rpcnet"),
	}
	h.SetStreamHandler(ProtocolID, t.handleStream)
	return t
}

// Handle registers the handler invoked for inbound frames of the given
// method name. Not safe to call concurrently with inbound traffic; callers
// register all methods during setup, before any peer connects.
func (t *Transport) Handle(method string, h Handler) {
	t.handlers[method] = h
}

func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()

	s.SetDeadline(time.Now().Add(5 * time.Second))

	req, err := readFrame(s)
	if err != nil {
		t.log.Debug("failed to read request frame", "peer", s.Conn().RemotePeer(), "error", err)
		return
	}

	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(req)).Decode(&env); err != nil {
		t.log.Debug("failed to decode envelope", "error", err)
		return
	}

	handler, ok := t.handlers[env.Method]
	if !ok {
		t.log.Debug("no handler for method", "method", env.Method)
		return
	}

	resp := Envelope{Method: env.Method}
	payload, err := handler(context.Background(), env.Payload)
	if err != nil {
		resp.Err = err.Error()
	} else {
		resp.Payload = payload
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		t.log.Debug("failed to encode response", "error", err)
		return
	}
	if err := writeFrame(s, buf.Bytes()); err != nil {
		t.log.Debug("failed to write response frame", "peer", s.Conn().RemotePeer(), "error", err)
	}
}

// Call opens a fresh stream to a peer, sends one request frame, reads one
// response frame, and closes the stream — exactly one round-trip per call,
// matching the RPC's unary contract. The context deadline (or RPCTimeout if
// none is set by the caller) bounds the whole exchange.
func (t *Transport) Call(ctx context.Context, p peer.ID, method string, reqPayload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, kademlia.RPCTimeout)
		defer cancel()
	}

	s, err := t.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", p, err)
	}
	defer s.Close()

	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(Envelope{Method: method, Payload: reqPayload}); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := writeFrame(s, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("close write side: %w", err)
	}

	respBytes, err := readFrame(s)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp Envelope
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("remote error: %s", resp.Err)
	}
	return resp.Payload, nil
}

// readFrame reads a 4-byte big-endian length prefix followed by that many
// bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func writeFrame(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	_, err := w.Write(data)
	return err
}
