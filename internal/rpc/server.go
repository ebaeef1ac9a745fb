// Package rpc provides a minimal JSON-RPC 2.0 admin server for ledgerd. It
// exposes read-only node/chain/pool introspection plus transaction
// submission; cmd/ledgerctl is a thin client stub over this surface rather
// than a full interactive CLI.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/ledgerd/internal/ledger"
	"github.com/klingon-exchange/ledgerd/internal/node"
	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// Server is a JSON-RPC 2.0 admin server bound to a single Node.
type Server struct {
	node *node.Node
	log  *logging.Logger

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates an admin RPC server bound to n.
func NewServer(n *node.Node) *Server {
	s := &Server{
		node:     n,
		log:      logging.GetDefault().Component("rpc"),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["node_status"] = s.nodeStatus
	s.handlers["chain_height"] = s.chainHeight
	s.handlers["chain_block"] = s.chainBlock
	s.handlers["chain_balance"] = s.chainBalance
	s.handlers["pool_pending"] = s.poolPending
	s.handlers["tx_submit"] = s.txSubmit
}

// Start begins serving the admin RPC on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin RPC server error", "error", err)
		}
	}()

	s.log.Info("admin RPC server started", "addr", addr)
	return nil
}

// Stop gracefully shuts down the admin RPC server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "invalid request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message, Data: data}, ID: id})
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"peer_id": s.node.ID().String(),
		"node_id": s.node.Self().ID.String(),
		"addrs":   s.node.Addrs(),
	}, nil
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"peers":  s.node.PeerCount(),
		"uptime": s.node.Uptime().String(),
		"height": s.node.Chain().Height(),
		"pool":   s.node.Pool().Len(),
	}, nil
}

func (s *Server) chainHeight(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.node.Chain().Height(), nil
}

type chainBlockParams struct {
	Index uint64 `json:"index"`
}

func (s *Server) chainBlock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p chainBlockParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	block := s.node.Chain().BlockAt(p.Index)
	if block == nil {
		return nil, fmt.Errorf("no block at index %d", p.Index)
	}
	return map[string]interface{}{
		"index":       block.Index(),
		"hash":        block.Hash.String(),
		"prev_hash":   block.PrevHash().String(),
		"merkle_root": block.MerkleRoot().String(),
		"nonce":       block.Nonce(),
		"timestamp":   block.Timestamp(),
		"tx_count":    len(block.Transactions),
	}, nil
}

type chainBalanceParams struct {
	PublicKeyHex string `json:"public_key_hex"`
}

func (s *Server) chainBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p chainBalanceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.node.Chain().Balance(ledger.PublicKeyHex(p.PublicKeyHex)), nil
}

func (s *Server) poolPending(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p chainBalanceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	pending := s.node.Pool().PendingBySender(ledger.PublicKeyHex(p.PublicKeyHex))
	hashes := make([]string, len(pending))
	for i, tx := range pending {
		hashes[i] = tx.Hash.String()
	}
	return hashes, nil
}

// txSubmitParams mirrors the fields of ledger.TxData a caller signs and
// submits client-side; ledgerd never holds a caller's private key.
type txSubmitParams struct {
	Sender    []byte `json:"sender"`
	Receiver  []byte `json:"receiver"`
	Timestamp int64  `json:"timestamp"`
	Variant   uint8  `json:"variant"`
	Amount    uint64 `json:"amount"`
	Payload   []byte `json:"payload"`
	Nonce     uint64 `json:"nonce"`
	Fee       uint64 `json:"fee"`
	Expiry    int64  `json:"expiry"`
	Signature []byte `json:"signature"`
}

func (s *Server) txSubmit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p txSubmitParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	tx := &ledger.Transaction{
		Data: ledger.TxData{
			Sender:    p.Sender,
			Receiver:  p.Receiver,
			Timestamp: p.Timestamp,
			Variant:   ledger.Variant(p.Variant),
			Amount:    p.Amount,
			Payload:   p.Payload,
			Nonce:     p.Nonce,
			Fee:       p.Fee,
			Expiry:    p.Expiry,
		},
		Signature: p.Signature,
	}
	hash, err := tx.RecomputeHash()
	if err != nil {
		return nil, fmt.Errorf("hash submitted transaction: %w", err)
	}
	tx.Hash = hash

	if err := s.node.SubmitTransaction(tx); err != nil {
		return nil, err
	}
	return map[string]string{"hash": tx.Hash.String()}, nil
}
