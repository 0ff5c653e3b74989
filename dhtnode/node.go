// Package dhtnode implements the DHT Node (spec §4.F): the component
// that composes the routing table, link RPC, forwarding strategy and
// message cache into the public API a host application drives.
package dhtnode

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log"

	"github.com/OtterPeer/webrtc-network-simulator/cache"
	"github.com/OtterPeer/webrtc-network-simulator/dedup"
	"github.com/OtterPeer/webrtc-network-simulator/events"
	"github.com/OtterPeer/webrtc-network-simulator/forward"
	"github.com/OtterPeer/webrtc-network-simulator/id"
	"github.com/OtterPeer/webrtc-network-simulator/kbucket"
	"github.com/OtterPeer/webrtc-network-simulator/linkrpc"
	"github.com/OtterPeer/webrtc-network-simulator/transport"
	"github.com/OtterPeer/webrtc-network-simulator/wire"
)

var log = logging.Logger("dhtnode")

// Periodic timer intervals (spec §5).
const (
	DedupCleanupInterval = 5 * time.Minute
	CacheReplayInterval  = 5 * time.Minute
)

// Node is a single DHT participant: self id, routing table, link RPC,
// forwarding strategy, message cache and the two dedup sets, plus the
// periodic timers that drive cache replay and dedup-set cleanup.
//
// Every exported method is safe to call concurrently (spec §5: "all
// maps/sets... are accessed from a single logical task per DHT Node
// instance", approximated here since a literal single event loop
// isn't idiomatic Go): mu itself only guards Node's own closed/
// cancelTimers fields, while table, cacheStrategy, forwardedIDs and
// receivedSignalingIDs are each independently safe for concurrent use
// (kbucket.RoutingTable, cache.Strategy and dedup.Set all self-lock),
// since peer frames arrive on whichever goroutine pumps that peer's
// stream, not on one shared goroutine.
type Node struct {
	mu     sync.Mutex
	closed bool

	cfg  Config
	self id.NodeID
	k    int

	table         *kbucket.RoutingTable
	rpc           *linkrpc.RPC
	cacheStrategy cache.Strategy

	forwardedIDs         *dedup.Set
	receivedSignalingIDs *dedup.Set

	sink *events.Sink

	cancelTimers context.CancelFunc
}

// New constructs a Node and wires the Link RPC callbacks per spec
// §4.F's construction-time hookup. If sink is nil a fresh one is
// created (never a global/shared sink — see events package doc).
func New(cfg Config, sink *events.Sink) *Node {
	if sink == nil {
		sink = events.NewSink()
	}
	if cfg.K <= 0 {
		cfg.K = kbucket.DefaultK
	}

	n := &Node{
		cfg:                  cfg,
		self:                 cfg.NodeID,
		k:                    cfg.K,
		table:                kbucket.New(cfg.NodeID, cfg.K),
		rpc:                  linkrpc.New(sink),
		sink:                 sink,
		forwardedIDs:         dedup.New(dedup.MaxReceivedIDs),
		receivedSignalingIDs: dedup.New(dedup.MaxReceivedIDs),
	}
	n.rpc.SetSelf(cfg.NodeID)

	switch cfg.CacheStrategy {
	case CacheStrategyDistanceProbabilistic:
		n.cacheStrategy = cache.NewProbabilistic(cfg.CacheSize, cfg.CacheDistanceThreshold, cfg.CacheProbability, sink)
	default:
		n.cacheStrategy = cache.NewDistance(cfg.CacheSize, cfg.CacheDistanceThreshold, sink)
	}

	n.rpc.OnPing = func(from id.NodeID) { n.AddNode(from) }
	n.rpc.OnListening = func(node id.NodeID) {
		n.AddNode(node)
		n.tryDeliverCached()
	}
	n.rpc.OnMessage = n.HandleMessage

	if cfg.BootstrapNodeID != nil {
		n.AddNode(*cfg.BootstrapNodeID)
	}
	return n
}

// Self returns the local node id.
func (n *Node) Self() id.NodeID { return n.self }

// Table exposes the routing table for read-only inspection by the
// Connection Manager (PEX needs sort_closest_to_self and Size()).
func (n *Node) Table() *kbucket.RoutingTable { return n.table }

func (n *Node) pingTimeout() time.Duration {
	if n.cfg.PingTimeout > 0 {
		return n.cfg.PingTimeout
	}
	return linkrpc.PingTimeout
}

// AttachStream installs a peer's dht-labeled stream into the Link
// RPC. Called by the host application once the transport layer
// finishes WebRTC negotiation for that peer.
func (n *Node) AttachStream(peer id.NodeID, s transport.Stream) {
	n.rpc.Attach(peer, s)
}

// AddNode implements spec §4.F's add_node: a no-op if already known,
// otherwise inserted into the routing table and, outside simulator
// mode, pinged before being declared ready.
func (n *Node) AddNode(node id.NodeID) {
	if node.Equal(n.self) {
		return
	}
	if n.table.Contains(node) {
		return
	}
	n.table.Add(kbucket.Contact{ID: node})

	if n.cfg.Simulator {
		n.sink.Emit(events.Ready, node)
		n.tryDeliverCached()
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.pingTimeout())
		defer cancel()
		if n.rpc.Ping(ctx, node) {
			n.sink.Emit(events.Ready, node)
			n.tryDeliverCached()
		}
	}()
}

// dispatchOutcome records which of the three send_message/
// send_signaling branches (spec §4.F) a dispatch attempt landed in.
type dispatchOutcome struct {
	sentDirect         bool
	forceK             bool
	recipientInBuckets bool
}

// dispatch implements the shared in-table/ping/send decision tree
// that both SendMessage and SendSignaling follow (spec §4.F steps
// 1-3): msg is the already-built RpcMessage to attempt a direct send
// with.
func (n *Node) dispatch(recipient id.NodeID, msg wire.RpcMessage) dispatchOutcome {
	if !n.table.Contains(recipient) {
		return dispatchOutcome{forceK: false, recipientInBuckets: false}
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.pingTimeout())
	pinged := n.rpc.Ping(ctx, recipient)
	cancel()

	if !pinged {
		// (2) known but currently unreachable: guardian-cache and
		// fan out to all k closest regardless of distance.
		return dispatchOutcome{forceK: true, recipientInBuckets: true}
	}
	if n.rpc.Send(recipient, msg) {
		return dispatchOutcome{sentDirect: true}
	}
	// ping succeeded but the send itself failed: fall back to (3),
	// the not-in-table branch, per spec §4.F step 1.
	return dispatchOutcome{forceK: false, recipientInBuckets: false}
}

// originOf resolves payload.SenderID to a NodeID, falling back to
// self when absent or unparseable (e.g. a freshly-originated
// message that hasn't had SenderID populated yet).
func (n *Node) originOf(payload wire.Envelope) id.NodeID {
	if payload.SenderID == "" {
		return n.self
	}
	origin, err := id.FromHex(payload.SenderID)
	if err != nil {
		return n.self
	}
	return origin
}

// SendMessage implements spec §4.F's send_message, including the
// self-addressed short-circuit to local delivery (§9 open question:
// "a rewrite should short-circuit with a local delivery").
func (n *Node) SendMessage(recipient id.NodeID, payload wire.Envelope) {
	n.sendMessage(recipient, payload, true)
}

// sendMessage is send_message's real body; isOrigin is false only when
// handle_message re-dispatches a message addressed elsewhere. A node
// re-dispatching on another's behalf still records the payload id in
// forwarded_ids even when the recipient turns out to be directly
// reachable (spec §8 scenario 2: the relaying hop's forwarded_ids
// contains the message id regardless of which dispatch branch
// resolved it).
func (n *Node) sendMessage(recipient id.NodeID, payload wire.Envelope, isOrigin bool) {
	if !payload.HasID() {
		payload.ID = uuid.NewString()
	}
	if payload.SenderID == "" {
		payload.SenderID = n.self.String()
	}

	if recipient.Equal(n.self) {
		n.sink.Emit(events.ChatMessage, payload)
		return
	}

	origin := n.originOf(payload)
	msg := wire.NewUserMessage(origin, recipient, payload)

	outcome := n.dispatch(recipient, msg)
	if outcome.sentDirect {
		if !isOrigin {
			n.forwardedIDs.Insert(payload.ID)
		}
		return
	}

	n.cacheStrategy.CacheMessage(n.self, recipient, payload, n.self, outcome.recipientInBuckets)
	n.forwardUserMessage(origin, recipient, payload, outcome.forceK)
}

// SendSignaling implements spec §4.F's send_signaling. sender is nil
// for an originated signaling message (the common case); re-dispatch
// from handle_message supplies the original sender so re-forwarding
// nodes don't claim origin.
func (n *Node) SendSignaling(recipient id.NodeID, payload wire.Envelope, sender *id.NodeID) {
	isOrigin := sender == nil
	from := n.self
	if sender != nil {
		from = *sender
	}
	if !payload.HasID() {
		payload.ID = uuid.NewString()
	}

	if recipient.Equal(n.self) {
		n.sink.Emit(events.SignalingMessage, payload)
		return
	}

	msg := wire.NewSignaling(from, recipient, payload)
	outcome := n.dispatch(recipient, msg)
	if outcome.sentDirect {
		if isOrigin {
			// the origin must not re-forward its own signaling once
			// the direct hop succeeds.
			n.forwardedIDs.Insert(payload.ID)
		}
		return
	}

	n.forwardSignaling(from, recipient, payload, isOrigin, outcome.forceK)
}

func (n *Node) forwardUserMessage(origin, recipient id.NodeID, payload wire.Envelope, forceK bool) {
	if err := forward.Forward(forward.Params{
		Sender:       origin,
		Recipient:    recipient,
		Payload:      payload,
		Signaling:    false,
		Table:        n.table,
		RPC:          n.rpc,
		Sink:         n.sink,
		K:            n.k,
		SelfID:       n.self,
		ForwardedIDs: n.forwardedIDs,
		IsOrigin:     origin.Equal(n.self),
		ForceKPeers:  forceK,
	}); err != nil {
		log.Warnf("forward of user message %s failed: %v", payload.ID, err)
	}
}

func (n *Node) forwardSignaling(sender, recipient id.NodeID, payload wire.Envelope, isOrigin, forceK bool) {
	if err := forward.Forward(forward.Params{
		Sender:       sender,
		Recipient:    recipient,
		Payload:      payload,
		Signaling:    true,
		Table:        n.table,
		RPC:          n.rpc,
		Sink:         n.sink,
		K:            n.k,
		SelfID:       n.self,
		ForwardedIDs: n.forwardedIDs,
		IsOrigin:     isOrigin,
		ForceKPeers:  forceK,
	}); err != nil {
		log.Warnf("forward of signaling %s failed: %v", payload.ID, err)
	}
}

// HandleMessage implements spec §4.F's handle_message, wired as
// rpc.OnMessage. Pong frames reach here too (the Link RPC reports
// them for RTT observation) and are ignored beyond the ping waiter
// that already resolved.
func (n *Node) HandleMessage(msg wire.RpcMessage, from id.NodeID) {
	if msg.Kind != wire.KindMessage && msg.Kind != wire.KindSignaling {
		return
	}
	if msg.Payload == nil || !msg.Payload.HasID() {
		log.Warnf("dropping %s frame from %s with missing payload id", msg.Kind, from)
		return
	}

	n.AddNode(from)

	if msg.Recipient.Equal(n.self) {
		switch msg.Kind {
		case wire.KindMessage:
			// no duplicate suppression on delivery for user messages
			// (spec §9 open question: preserve source behaviour).
			n.sink.Emit(events.ChatMessage, *msg.Payload)
		case wire.KindSignaling:
			if n.receivedSignalingIDs.Contains(msg.Payload.ID) {
				return
			}
			n.receivedSignalingIDs.Insert(msg.Payload.ID)
			n.sink.Emit(events.SignalingMessage, *msg.Payload)
		}
		return
	}

	switch msg.Kind {
	case wire.KindMessage:
		n.sendMessage(msg.Recipient, *msg.Payload, false)
	case wire.KindSignaling:
		if n.receivedSignalingIDs.Contains(msg.Payload.ID) {
			return
		}
		n.receivedSignalingIDs.Insert(msg.Payload.ID)
		sender := msg.Sender
		n.SendSignaling(msg.Recipient, *msg.Payload, &sender)
	}
}

func (n *Node) tryDeliverCached() {
	n.cacheStrategy.TryDeliver(cache.DeliverContext{
		Now:         time.Now(),
		MaxTTL:      cache.DefaultMaxTTL,
		FindAndPing: n.findAndPing,
		Send:        n.sendCached,
	})
}

func (n *Node) findAndPing(recipient id.NodeID) (id.NodeID, bool) {
	if !n.table.Contains(recipient) {
		return id.NodeID{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.pingTimeout())
	defer cancel()
	if n.rpc.Ping(ctx, recipient) {
		return recipient, true
	}
	return id.NodeID{}, false
}

func (n *Node) sendCached(target, sender, recipient id.NodeID, payload wire.Envelope) bool {
	return n.rpc.Send(target, wire.NewUserMessage(sender, recipient, payload))
}

// Stats is a read-only snapshot of node-level counters, for the host
// application / event sink to introspect without reaching into
// internals (SPEC_FULL.md supplemented feature, grounded in the
// teacher's RoutingTable.Size()/ListPeers() accessor pattern).
type Stats struct {
	RoutingTableSize     int
	CacheCount           int
	ForwardedIDs         int
	ReceivedSignalingIDs int
}

// Stats reports current counters.
func (n *Node) Stats() Stats {
	return Stats{
		RoutingTableSize:     n.table.Size(),
		CacheCount:           n.cacheStrategy.Count(),
		ForwardedIDs:         n.forwardedIDs.Size(),
		ReceivedSignalingIDs: n.receivedSignalingIDs.Size(),
	}
}

// Snapshot returns the current cache contents in LRU order.
func (n *Node) Snapshot() []cache.Entry {
	return n.cacheStrategy.Snapshot()
}

// StartTimers launches the periodic dedup-cleanup and cache-replay
// goroutines (spec §5 timeouts). Returns immediately; the timers run
// until ctx is cancelled or Close is called.
func (n *Node) StartTimers(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancelTimers = cancel
	n.mu.Unlock()

	go n.runDedupCleanup(ctx)
	go n.runCacheReplay(ctx)
}

func (n *Node) runDedupCleanup(ctx context.Context) {
	ticker := time.NewTicker(DedupCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.forwardedIDs.Prune()
			n.receivedSignalingIDs.Prune()
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) runCacheReplay(ctx context.Context) {
	ticker := time.NewTicker(CacheReplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.tryDeliverCached()
		case <-ctx.Done():
			return
		}
	}
}

// Close implements spec §5's cancellation contract: cancel timers,
// close the RPC (and every stream it owns), then clear in-memory
// sets and the cache. Safe to call more than once.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	cancel := n.cancelTimers
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.rpc.Close()
	n.cacheStrategy.Clear()
	n.forwardedIDs.Clear()
	n.receivedSignalingIDs.Clear()
}
