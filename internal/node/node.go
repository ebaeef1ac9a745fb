// Package node wires together the identity, overlay, ledger, and sync
// layers into a running ledgerd daemon: one libp2p host carrying the
// custom RPC transport, the Kademlia overlay, the chain engine and pool,
// and the gossip layer tying them together.
package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/ledgerd/internal/config"
	"github.com/klingon-exchange/ledgerd/internal/identity"
	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledger"
	"github.com/klingon-exchange/ledgerd/internal/rpcnet"
	ledgersync "github.com/klingon-exchange/ledgerd/internal/sync"
	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// Node owns the full stack for one ledgerd instance: a libp2p host carrying
// the custom RPC transport (internal/rpcnet), the Kademlia overlay
// (internal/kademlia), the chain engine and pool (internal/ledger), and the
// sync/gossip layer (internal/sync) tying the other two together.
type Node struct {
	cfg      *config.Config
	identity *identity.Identity
	self     kademlia.Contact

	host      host.Host
	transport *rpcnet.Transport
	client    *rpcnet.Client

	table   *kademlia.RoutingTable
	store   *kademlia.Store
	service *kademlia.Service
	lookup  *kademlia.LookupEngine

	chain *ledger.Chain
	pool  *ledger.Pool
	sync  *ledgersync.Handler

	peerCache *kademlia.PeerCache

	mdnsService mdns.Service

	log *logging.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	wg        sync.WaitGroup
}

// New constructs a Node from cfg: loads or generates the node's identity,
// builds the libp2p host (no built-in DHT, no pubsub — internal/rpcnet
// rides bare streams with its own protocol), and wires the overlay,
// chain, and sync layers together.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	cfg.ApplyOverlayTunables()
	cfg.ApplyLedgerTunables()

	ctx, cancel := context.WithCancel(ctx)
	n := &Node{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.GetDefault().Component("node"),
	}

	dataDir := config.ExpandPath(cfg.Storage.DataDir)
	id, err := identity.GenerateOrLoad(dataDir, cfg.Identity.Address)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load or generate identity: %w", err)
	}
	n.identity = id

	h, err := n.buildHost(dataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build libp2p host: %w", err)
	}
	n.host = h

	listenAddr := ""
	if addrs := h.Addrs(); len(addrs) > 0 {
		listenAddr = addrs[0].String()
	}
	n.self = kademlia.Contact{
		ID:        id.NodeID,
		Address:   listenAddr,
		PublicKey: id.Public.SerializeCompressed(),
	}

	n.transport = rpcnet.New(h)
	n.client = rpcnet.NewClient(n.transport)

	n.table = kademlia.NewRoutingTable(id.NodeID)
	n.store = kademlia.NewStore()
	n.service = kademlia.NewService(n.table, n.store, n.client, n.self)
	n.lookup = kademlia.NewLookupEngine(n.table, n.store, n.client)
	rpcnet.RegisterService(n.transport, n.service)

	n.chain = ledger.NewGenesisChain(cfg.GenesisAllocation())
	n.pool = ledger.NewPool()
	n.sync = ledgersync.NewHandler(n.self, n.table, n.store, n.chain, n.pool, n.client)
	n.service.SetSyncHandlers(n.sync, n.sync)

	if cfg.Storage.EnablePeerCache {
		cachePath := filepath.Join(dataDir, cfg.Storage.PeerCachePath)
		cache, err := kademlia.OpenPeerCache(cachePath)
		if err != nil {
			n.log.Warn("failed to open peer cache, continuing without warm start", "error", err)
		} else {
			n.peerCache = cache
			n.seedFromPeerCache()
		}
	}

	if cfg.Network.EnableMDNS {
		n.mdnsService = mdns.NewMdnsService(h, "ledgerd", mdnsNotifee{n})
		if err := n.mdnsService.Start(); err != nil {
			n.log.Warn("mDNS start failed", "error", err)
		}
	}

	return n, nil
}

func (n *Node) buildHost(dataDir string) (host.Host, error) {
	priv, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(n.identity.Private.Serialize())
	if err != nil {
		return nil, fmt.Errorf("convert identity key to libp2p key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(n.cfg.Network.ListenAddrs))
	for _, addr := range n.cfg.Network.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		n.cfg.Network.ConnMgr.LowWater,
		n.cfg.Network.ConnMgr.HighWater,
		connmgr.WithGracePeriod(n.cfg.Network.ConnMgr.GracePeriod),
	)
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	return libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	)
}

// seedFromPeerCache warm-starts the routing table from previously cached
// contacts, so a restarted node doesn't begin every session as an island.
func (n *Node) seedFromPeerCache() {
	contacts, err := n.peerCache.Load()
	if err != nil {
		n.log.Warn("failed to load peer cache", "error", err)
		return
	}
	for _, c := range contacts {
		n.table.Update(c)
	}
	n.log.Info("seeded routing table from peer cache", "contacts", len(contacts))
}

// mdnsNotifee adapts Node to mdns.Notifee without exposing the method on
// Node's own API surface.
type mdnsNotifee struct{ n *Node }

func (m mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.n.host.ID() {
		return
	}
	go m.n.joinVia(pi)
}

// Start connects to configured bootstrap peers, joins the overlay through
// each, and starts the background mining and reconciliation loops.
func (n *Node) Start() error {
	n.startTime = time.Now()

	for _, addr := range n.cfg.Network.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.log.Warn("invalid bootstrap address", "addr", addr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.log.Warn("invalid bootstrap peer info", "addr", addr, "error", err)
			continue
		}
		go n.joinVia(*pi)
	}

	n.wg.Add(2)
	go n.miningLoop()
	go n.reconciliationLoop()

	return nil
}

// joinVia connects to a peer by address, solves the JOIN proof-of-work,
// and issues JOIN over the overlay; a successful JOIN seeds
// the routing table with the returned closest contacts and triggers a
// self-lookup to converge it further.
func (n *Node) joinVia(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()

	if err := n.host.Connect(ctx, pi); err != nil {
		n.log.Warn("failed to connect to peer", "peer", pi.ID.String(), "error", err)
		return
	}

	peerContact, err := rpcnet.ContactFromAddrInfo(pi)
	if err != nil {
		n.log.Warn("failed to derive contact from peer", "peer", pi.ID.String(), "error", err)
		return
	}

	nonce, powHash, err := kademlia.SolveJoinProofOfWork(n.self.ID, 30*time.Second)
	if err != nil {
		n.log.Warn("failed to solve join proof-of-work", "error", err)
		return
	}

	accepted, closest, err := n.client.Join(ctx, peerContact, n.self, nonce, powHash)
	if err != nil || !accepted {
		n.log.Warn("join rejected", "peer", peerContact.ID.String(), "error", err)
		return
	}

	n.table.Update(peerContact)
	for _, c := range closest {
		if c.ID == n.self.ID {
			continue
		}
		n.table.Update(c)
	}

	n.lookup.LookupNodes(n.ctx, n.self.ID)
	n.sync.Reconcile(n.ctx)
	n.log.Info("joined overlay", "via", peerContact.ID.String(), "closest", len(closest))
}

// miningLoop periodically assembles a candidate block from the pool,
// mines it, and on success commits and broadcasts it.
func (n *Node) miningLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(ledger.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.mineOnce()
		}
	}
}

func (n *Node) mineOnce() {
	txs := n.pool.SelectForBlock()
	candidate := n.chain.CreateBlock(txs)
	if err := candidate.Mine(ledger.MaxMiningTime); err != nil {
		n.log.Debug("mining attempt did not find a solution in time", "error", err)
		return
	}
	if err := n.chain.Commit(candidate); err != nil {
		n.log.Warn("mined block rejected by own chain", "error", err)
		return
	}
	n.pool.ProcessBlock(candidate)
	n.sync.BroadcastBlock(n.ctx, candidate)
}

// reconciliationLoop periodically reconciles the local chain against
// peers.
func (n *Node) reconciliationLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(ledger.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sync.Reconcile(n.ctx)
		}
	}
}

// Stop shuts the node down: background loops, mDNS, the peer cache
// (persisting current contacts), and finally the libp2p host.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()

	if n.mdnsService != nil {
		n.mdnsService.Close()
	}

	if n.peerCache != nil {
		n.savePeerCache()
		n.peerCache.Close()
	}

	return n.host.Close()
}

func (n *Node) savePeerCache() {
	for _, c := range n.table.FindClosest(n.self.ID, kademlia.K*2) {
		if err := n.peerCache.Save(c); err != nil {
			n.log.Warn("failed to persist contact", "id", c.ID.String(), "error", err)
		}
	}
}

// ID returns the node's libp2p peer id.
func (n *Node) ID() peer.ID { return n.host.ID() }

// Self returns the node's overlay contact.
func (n *Node) Self() kademlia.Contact { return n.self }

// Addrs returns the node's listen addresses.
func (n *Node) Addrs() []multiaddr.Multiaddr { return n.host.Addrs() }

// Chain returns the node's chain engine, for the admin RPC surface.
func (n *Node) Chain() *ledger.Chain { return n.chain }

// Pool returns the node's transaction pool, for the admin RPC surface.
func (n *Node) Pool() *ledger.Pool { return n.pool }

// RoutingTable returns the node's routing table, for the admin RPC surface.
func (n *Node) RoutingTable() *kademlia.RoutingTable { return n.table }

// Identity returns the node's keypair/id, for the admin RPC surface.
func (n *Node) Identity() *identity.Identity { return n.identity }

// PeerCount returns the number of currently connected libp2p peers.
func (n *Node) PeerCount() int { return len(n.host.Network().Peers()) }

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration { return time.Since(n.startTime) }

// SubmitTransaction admits tx into the local pool and gossips it to the
// closest known peers, the entry point for the admin RPC's send operation.
func (n *Node) SubmitTransaction(tx *ledger.Transaction) error {
	if err := n.pool.Admit(tx); err != nil {
		return err
	}
	n.gossipTransaction(tx)
	return nil
}

func (n *Node) gossipTransaction(tx *ledger.Transaction) {
	peers := n.table.FindClosest(n.self.ID, kademlia.K)
	for _, p := range peers {
		if p.ID == n.self.ID {
			continue
		}
		go n.sync.BroadcastTransaction(n.ctx, p, tx)
	}
}
