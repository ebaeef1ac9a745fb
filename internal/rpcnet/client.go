package rpcnet

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
)

// Client issues the five overlay RPCs against a remote Contact over a
// Transport. It implements both kademlia.Dialer (Ping) and
// kademlia.RPCClient (FindNode/FindValue), so the DHT service and the
// lookup engine share one outbound path instead of each rolling their own.
type Client struct {
	transport *Transport
}

// NewClient wraps a Transport for outbound calls.
func NewClient(t *Transport) *Client {
	return &Client{transport: t}
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(v)
}

func (c *Client) call(ctx context.Context, contact kademlia.Contact, method string, req, resp interface{}) error {
	p, err := PeerID(contact)
	if err != nil {
		return fmt.Errorf("derive peer id: %w", err)
	}
	payload, err := encode(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	respBytes, err := c.transport.Call(ctx, p, method, payload)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := decode(respBytes, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// Ping satisfies kademlia.Dialer.
func (c *Client) Ping(ctx context.Context, contact kademlia.Contact) (bool, error) {
	var resp PingResponse
	if err := c.call(ctx, contact, MethodPing, PingRequest{Sender: contact}, &resp); err != nil {
		return false, err
	}
	return resp.Alive, nil
}

// Store issues STORE against a peer, used by the sync layer (C7) to
// gossip blocks and ride its request/response channel.
func (c *Client) Store(ctx context.Context, self, peer kademlia.Contact, key kademlia.ID, value []byte) (bool, error) {
	var resp StoreResponse
	err := c.call(ctx, peer, MethodStore, StoreRequest{Sender: self, Key: key, Value: value}, &resp)
	return resp.Success, err
}

// FindNode satisfies kademlia.RPCClient / the lookup engine.
func (c *Client) FindNode(ctx context.Context, contact kademlia.Contact, target kademlia.ID) ([]kademlia.Contact, error) {
	var resp FindNodeResponse
	err := c.call(ctx, contact, MethodFindNode, FindNodeRequest{Sender: contact, ID: target}, &resp)
	return resp.Nodes, err
}

// FindValue satisfies kademlia.RPCClient / the lookup engine.
func (c *Client) FindValue(ctx context.Context, contact kademlia.Contact, key kademlia.ID) ([]byte, []kademlia.Contact, error) {
	var resp FindValueResponse
	err := c.call(ctx, contact, MethodFindValue, FindValueRequest{Sender: contact, Key: key}, &resp)
	return resp.Value, resp.Nodes, err
}

// Join issues JOIN against a bootstrap peer, presenting self as the
// applicant with a proof-of-work solution already solved by the caller.
func (c *Client) Join(ctx context.Context, peer kademlia.Contact, self kademlia.Contact, nonce uint64, powHash kademlia.Hash) (bool, []kademlia.Contact, error) {
	var resp JoinResponse
	err := c.call(ctx, peer, MethodJoin, JoinRequest{Sender: self, Nonce: nonce, PowHash: powHash}, &resp)
	return resp.Accepted, resp.ClosestNodes, err
}
