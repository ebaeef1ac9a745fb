package rpcnet

import (
	"context"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
)

// dhtService is the narrow surface RegisterService needs from
// internal/kademlia.Service — kept as an interface so this package never
// imports kademlia's Dialer/StoreInterceptor wiring concerns.
type dhtService interface {
	Ping(ctx context.Context, sender kademlia.Contact) (bool, error)
	Store(ctx context.Context, sender kademlia.Contact, key kademlia.ID, value []byte) (bool, error)
	FindNode(ctx context.Context, sender kademlia.Contact, id kademlia.ID) ([]kademlia.Contact, error)
	FindValue(ctx context.Context, sender kademlia.Contact, key kademlia.ID) ([]byte, []kademlia.Contact, error)
	Join(ctx context.Context, sender kademlia.Contact, nonce uint64, powHash kademlia.Hash) (bool, []kademlia.Contact, error)
}

// RegisterService wires a kademlia.Service's five RPCs onto a Transport's
// inbound dispatch table, decoding each method's gob-encoded request and
// encoding its response.
func RegisterService(t *Transport, svc dhtService) {
	t.Handle(MethodPing, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req PingRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		alive, err := svc.Ping(ctx, req.Sender)
		if err != nil {
			return nil, err
		}
		return encode(PingResponse{Alive: alive})
	})

	t.Handle(MethodStore, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req StoreRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		ok, err := svc.Store(ctx, req.Sender, req.Key, req.Value)
		if err != nil {
			return nil, err
		}
		return encode(StoreResponse{Success: ok})
	})

	t.Handle(MethodFindNode, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req FindNodeRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		nodes, err := svc.FindNode(ctx, req.Sender, req.ID)
		if err != nil {
			return nil, err
		}
		return encode(FindNodeResponse{Nodes: nodes})
	})

	t.Handle(MethodFindValue, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req FindValueRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		value, nodes, err := svc.FindValue(ctx, req.Sender, req.Key)
		if err != nil {
			return nil, err
		}
		return encode(FindValueResponse{Value: value, Nodes: nodes})
	})

	t.Handle(MethodJoin, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req JoinRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		accepted, closest, err := svc.Join(ctx, req.Sender, req.Nonce, req.PowHash)
		if err != nil {
			return nil, err
		}
		return encode(JoinResponse{Accepted: accepted, ClosestNodes: closest})
	})
}
