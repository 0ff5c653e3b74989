// Package linkrpc implements the per-link RPC protocol (spec §4.C):
// framing and request/response dispatch over one transport.Stream per
// peer. It owns the authoritative node_id -> stream map; the routing
// table only ever stores ids (see kbucket.Contact).
package linkrpc

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/OtterPeer/webrtc-network-simulator/events"
	"github.com/OtterPeer/webrtc-network-simulator/id"
	"github.com/OtterPeer/webrtc-network-simulator/transport"
	"github.com/OtterPeer/webrtc-network-simulator/wire"
)

var log = logging.Logger("linkrpc")

// PingTimeout is how long Ping waits for a matching Pong before
// resolving false (spec §5).
const PingTimeout = 10 * time.Second

// RPC maintains the node_id -> stream map and the decoded-message
// dispatch described in spec §4.C. Upward notifications are delivered
// via the three exported callback fields, set once by the component
// that composes an RPC (the DHT Node); this is the "typed message
// passing" replacement for the reference source's event emitter
// inheritance (see design notes in spec §9).
type RPC struct {
	mu          sync.Mutex
	self        id.NodeID
	streams     map[id.NodeID]transport.Stream
	pending     map[string]chan bool // ping id -> result channel
	pendingNode map[string]id.NodeID // ping id -> node it was sent to

	sink *events.Sink

	// OnPing fires when an inbound Ping frame is received, after the
	// RPC has already answered it with a Pong on the same stream.
	OnPing func(from id.NodeID)
	// OnListening fires once when a stream is attached.
	OnListening func(node id.NodeID)
	// OnMessage fires for every inbound Pong/Message/Signaling frame.
	// Ping waiters filter Pongs by id themselves; OnMessage still
	// receives Pongs so higher layers can observe RTT if they want.
	OnMessage func(msg wire.RpcMessage, from id.NodeID)
}

// New constructs an RPC reporting observability events to sink.
func New(sink *events.Sink) *RPC {
	return &RPC{
		streams:     make(map[id.NodeID]transport.Stream),
		pending:     make(map[string]chan bool),
		pendingNode: make(map[string]id.NodeID),
		sink:        sink,
		OnPing:      func(id.NodeID) {},
		OnListening: func(id.NodeID) {},
		OnMessage:   func(wire.RpcMessage, id.NodeID) {},
	}
}

// Attach installs a stream for node, registering the frame/close/error
// handlers and emitting "listening".
func (r *RPC) Attach(node id.NodeID, s transport.Stream) {
	r.mu.Lock()
	r.streams[node] = s
	r.mu.Unlock()

	s.OnMessage(func(frame []byte) { r.handleFrame(node, frame) })
	s.OnClose(func() { r.handleClose(node) })
	s.OnError(func(err error) {
		log.Debugf("stream error from %s: %v", node, err)
	})

	r.OnListening(node)
	r.sink.Emit(events.Listening, node)
}

func (r *RPC) handleClose(node id.NodeID) {
	r.mu.Lock()
	delete(r.streams, node)
	// resolve any pings outstanding against this node to false
	var waiters []chan bool
	for pid, ch := range r.pending {
		// pending map isn't keyed by node, so a closed stream fails
		// every ping waiting on it; pendingNode records which node
		// each waiter's ping was sent to.
		if r.pendingNode[pid] == node {
			waiters = append(waiters, ch)
			delete(r.pending, pid)
			delete(r.pendingNode, pid)
		}
	}
	r.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- false:
		default:
		}
		close(ch)
	}
}

func (r *RPC) handleFrame(node id.NodeID, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		log.Warnf("dropping malformed frame from %s: %v", node, err)
		return
	}

	switch msg.Kind {
	case wire.KindPing:
		pong := wire.NewPong(r.self, msg.ID)
		r.sendRaw(node, pong)
		r.OnPing(node)
	case wire.KindPong:
		r.resolvePing(node, msg.ID, true)
		r.OnMessage(msg, node)
	case wire.KindMessage, wire.KindSignaling:
		r.OnMessage(msg, node)
	}
}

// SetSelf records the local node id, used to populate the Sender
// field of outbound Ping/Pong frames. The RPC itself doesn't know the
// local node id (it is keyed entirely by remote ids), so the DHT Node
// supplies it once at construction time.
func (r *RPC) SetSelf(self id.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = self
}

// resolvePing resolves the ping waiter for pingID, if the node it is
// reported against matches the node the ping was actually sent to
// (spec §4.C: a Pong only resolves a ping "from the same node").
// Failure paths (timeout, context cancellation, send error) always
// pass the node the ping was addressed to, so they always match (a
// closed stream resolves its waiters in handleClose); only a Pong
// frame carrying a different sender than the outstanding ping's
// target can mismatch, and is dropped rather than resolved.
func (r *RPC) resolvePing(node id.NodeID, pingID string, ok bool) {
	r.mu.Lock()
	ch, exists := r.pending[pingID]
	expected, hasExpected := r.pendingNode[pingID]
	if exists && hasExpected && !expected.Equal(node) {
		r.mu.Unlock()
		log.Warnf("dropping pong for ping %s: expected node %s, got %s", pingID, expected, node)
		return
	}
	if exists {
		delete(r.pending, pingID)
		delete(r.pendingNode, pingID)
	}
	r.mu.Unlock()
	if exists {
		select {
		case ch <- ok:
		default:
		}
		close(ch)
	}
}

// Send hands a single frame to node's stream. Returns true if the
// stream is open and the transport accepted the write; false
// otherwise. Never returns an error for a closed/absent stream (spec
// §4.C, §7 TransportClosed).
func (r *RPC) Send(node id.NodeID, msg wire.RpcMessage) bool {
	return r.sendRaw(node, msg)
}

func (r *RPC) sendRaw(node id.NodeID, msg wire.RpcMessage) bool {
	r.mu.Lock()
	s, ok := r.streams[node]
	r.mu.Unlock()
	if !ok || s.State() != transport.Open {
		return false
	}

	frame, err := wire.Encode(msg)
	if err != nil {
		log.Warnf("failed to encode outbound frame to %s: %v", node, err)
		return false
	}
	if err := s.Send(frame); err != nil {
		log.Debugf("send to %s failed: %v", node, err)
		return false
	}
	r.sink.Emit(events.Sent, struct {
		Node id.NodeID
		Kind wire.Kind
	}{node, msg.Kind})
	return true
}

// Ping sends a fresh Ping to node and waits for a matching Pong.
// Resolves true on a pong from the same node, false on a 10s timeout
// or if the stream closes first. Outstanding pings are tracked by id
// and discarded as soon as they resolve.
func (r *RPC) Ping(ctx context.Context, node id.NodeID) bool {
	ping := wire.NewPing(r.self)
	ch := make(chan bool, 1)

	r.mu.Lock()
	r.pending[ping.ID] = ch
	r.pendingNode[ping.ID] = node
	r.mu.Unlock()

	if !r.sendRaw(node, ping) {
		r.resolvePing(node, ping.ID, false)
		return false
	}

	timer := time.NewTimer(PingTimeout)
	defer timer.Stop()

	select {
	case ok := <-ch:
		return ok
	case <-timer.C:
		r.resolvePing(node, ping.ID, false)
		return false
	case <-ctx.Done():
		r.resolvePing(node, ping.ID, false)
		return false
	}
}

// Close closes every attached stream and clears the stream map. Any
// in-flight Ping resolves false.
func (r *RPC) Close() {
	r.mu.Lock()
	streams := make([]transport.Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.streams = make(map[id.NodeID]transport.Stream)
	waiters := make([]chan bool, 0, len(r.pending))
	for _, ch := range r.pending {
		waiters = append(waiters, ch)
	}
	r.pending = make(map[string]chan bool)
	r.pendingNode = make(map[string]id.NodeID)
	r.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}
	for _, ch := range waiters {
		select {
		case ch <- false:
		default:
		}
		close(ch)
	}
}
