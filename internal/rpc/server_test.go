package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/ledgerd/internal/config"
	"github.com/klingon-exchange/ledgerd/internal/node"
)

func newTestNode(t *testing.T) *node.Node {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Network.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Network.EnableMDNS = false
	cfg.Network.BootstrapPeers = nil
	cfg.Storage.EnablePeerCache = false

	n, err := node.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func call(t *testing.T, addr, method string, params interface{}) Response {
	t.Helper()
	req := Request{JSONRPC: "2.0", Method: method, ID: 1}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		req.Params = raw
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpResp, err := http.Post("http://"+addr+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer httpResp.Body.Close()

	var resp Response
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&resp))
	return resp
}

func TestServerNodeInfoAndStatus(t *testing.T) {
	n := newTestNode(t)
	s := NewServer(n)
	require.NoError(t, s.Start("127.0.0.1:18090"))
	t.Cleanup(func() { _ = s.Stop() })
	time.Sleep(20 * time.Millisecond)

	resp := call(t, "127.0.0.1:18090", "node_info", nil)
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)

	resp = call(t, "127.0.0.1:18090", "node_status", nil)
	require.Nil(t, resp.Error)
}

func TestServerChainHeightStartsAtZero(t *testing.T) {
	n := newTestNode(t)
	s := NewServer(n)
	require.NoError(t, s.Start("127.0.0.1:18091"))
	t.Cleanup(func() { _ = s.Stop() })
	time.Sleep(20 * time.Millisecond)

	resp := call(t, "127.0.0.1:18091", "chain_height", nil)
	require.Nil(t, resp.Error)
	require.EqualValues(t, 0, resp.Result)
}

func TestServerUnknownMethodReturnsMethodNotFound(t *testing.T) {
	n := newTestNode(t)
	s := NewServer(n)
	require.NoError(t, s.Start("127.0.0.1:18092"))
	t.Cleanup(func() { _ = s.Stop() })
	time.Sleep(20 * time.Millisecond)

	resp := call(t, "127.0.0.1:18092", "does_not_exist", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestServerChainBalanceUnknownKeyIsZero(t *testing.T) {
	n := newTestNode(t)
	s := NewServer(n)
	require.NoError(t, s.Start("127.0.0.1:18093"))
	t.Cleanup(func() { _ = s.Stop() })
	time.Sleep(20 * time.Millisecond)

	resp := call(t, "127.0.0.1:18093", "chain_balance", map[string]string{"public_key_hex": "deadbeef"})
	require.Nil(t, resp.Error)
	require.EqualValues(t, 0, resp.Result)
}
