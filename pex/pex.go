// Package pex implements the bootstrap/peer-exchange control loop
// (spec §4.G): keeping the node connected to a minimum number of
// peers and surfacing newly discovered peers to the connection layer.
package pex

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/OtterPeer/webrtc-network-simulator/id"
	"github.com/OtterPeer/webrtc-network-simulator/kbucket"
	"github.com/OtterPeer/webrtc-network-simulator/transport"
)

var log = logging.Logger("pex")

// InitialDelay and SweepInterval are the timing constants from spec
// §5 ("PEX initial delay = 2s", "PEX sweep = 10s").
const (
	InitialDelay  = 2 * time.Second
	SweepInterval = 10 * time.Second
)

// PeerDto is the peer-exchange payload. The core only interprets
// PeerID (routing) and PublicKey (handed to the connection layer);
// every other field is carried opaquely for the matchmaking UI (spec
// §6).
type PeerDto struct {
	PeerID    string          `json:"peerId"`
	PublicKey string          `json:"publicKey"`
	Age       json.RawMessage `json:"age,omitempty"`
	Sex       json.RawMessage `json:"sex,omitempty"`
	Searching json.RawMessage `json:"searching,omitempty"`
	X         json.RawMessage `json:"x,omitempty"`
	Y         json.RawMessage `json:"y,omitempty"`
	Latitude  json.RawMessage `json:"latitude,omitempty"`
	Longitude json.RawMessage `json:"longitude,omitempty"`
}

type requestFrame struct {
	Type            string `json:"type"`
	MaxNumberOfPeers int    `json:"maxNumberOfPeers"`
}

type advertisementFrame struct {
	Type  string    `json:"type"`
	Peers []PeerDto `json:"peers"`
}

// PeerFilter decides whether a discovered peer is eligible for
// connection. Supplements spec §4.G's "user-configurable filter
// predicate", whose exact signature the spec leaves unspecified (see
// SPEC_FULL.md §SUPPLEMENTED FEATURES).
type PeerFilter func(PeerDto) bool

// AcceptAll is the default PeerFilter: every discovered peer passes.
func AcceptAll(PeerDto) bool { return true }

// Channel abstracts the "pex"-labeled stream the Connection Manager
// speaks request/advertisement frames over; it is a transport.Stream
// keyed by the remote peer's NodeID.
type Channel struct {
	PeerID id.NodeID
	Stream transport.Stream
}

// ConnectFunc asks the connection layer to initiate a WebRTC
// connection to a discovered peer. Out of the core's scope beyond
// this call (spec §1 Non-goals: "Connection initiation policy beyond
// keep >= N peers").
type ConnectFunc func(peer PeerDto)

// Manager runs the PEX control loop for one DHT node.
type Manager struct {
	mu       sync.Mutex
	channels map[id.NodeID]*Channel

	table          *kbucket.RoutingTable
	minConnections int
	checkInterval  time.Duration
	filter         PeerFilter
	connect        ConnectFunc

	cancel context.CancelFunc
}

// New constructs a Connection Manager. filter may be nil, in which
// case AcceptAll is used.
func New(table *kbucket.RoutingTable, minConnections int, checkInterval time.Duration, filter PeerFilter, connect ConnectFunc) *Manager {
	if checkInterval <= 0 {
		checkInterval = SweepInterval
	}
	if filter == nil {
		filter = AcceptAll
	}
	return &Manager{
		channels:       make(map[id.NodeID]*Channel),
		table:          table,
		minConnections: minConnections,
		checkInterval:  checkInterval,
		filter:         filter,
		connect:        connect,
	}
}

// AttachChannel installs a pex-labeled stream for a peer, wiring its
// inbound frames to HandleRequest/HandleNewPeers.
func (m *Manager) AttachChannel(peer id.NodeID, s transport.Stream) {
	m.mu.Lock()
	m.channels[peer] = &Channel{PeerID: peer, Stream: s}
	m.mu.Unlock()

	s.OnMessage(func(raw []byte) { m.handleFrame(peer, raw) })
	s.OnClose(func() {
		m.mu.Lock()
		delete(m.channels, peer)
		m.mu.Unlock()
	})
}

func (m *Manager) handleFrame(from id.NodeID, raw []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		log.Warnf("pex: dropping malformed frame from %s: %v", from, err)
		return
	}
	switch probe.Type {
	case "request":
		var req requestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			log.Warnf("pex: dropping malformed request from %s: %v", from, err)
			return
		}
		m.respondToRequest(from, req.MaxNumberOfPeers)
	case "advertisement":
		var adv advertisementFrame
		if err := json.Unmarshal(raw, &adv); err != nil {
			log.Warnf("pex: dropping malformed advertisement from %s: %v", from, err)
			return
		}
		m.HandleNewPeers(adv.Peers, from)
	default:
		log.Warnf("pex: unknown frame type %q from %s", probe.Type, from)
	}
}

func (m *Manager) respondToRequest(to id.NodeID, max int) {
	m.mu.Lock()
	ch, ok := m.channels[to]
	m.mu.Unlock()
	if !ok {
		return
	}
	peers := m.knownPeers(max)
	frame, err := json.Marshal(advertisementFrame{Type: "advertisement", Peers: peers})
	if err != nil {
		return
	}
	_ = ch.Stream.Send(frame)
}

// knownPeers is a placeholder source of advertisable peers: in this
// core, the DHT Node is responsible for translating its routing-table
// contacts into PeerDto (which requires the public key lookup owned
// by the external crypto collaborator); Manager only shapes the
// request/response dialogue.
func (m *Manager) knownPeers(max int) []PeerDto {
	return nil
}

// HandleNewPeers implements spec §4.G: filters out already-connected
// peers and self, initiates connections to those passing filter, and
// if the total connection count is still short of minConnections,
// fills the remainder from the leftover list (the peers the filter
// rejected).
func (m *Manager) HandleNewPeers(peers []PeerDto, source id.NodeID) {
	m.mu.Lock()
	connected := make(map[string]struct{}, len(m.channels))
	for nid := range m.channels {
		connected[nid.String()] = struct{}{}
	}
	total := len(m.channels)
	m.mu.Unlock()

	self := m.table.Self()
	var eligible, leftover []PeerDto
	for _, p := range peers {
		if p.PeerID == self.String() {
			continue
		}
		if _, already := connected[p.PeerID]; already {
			continue
		}
		if m.filter(p) {
			eligible = append(eligible, p)
		} else {
			leftover = append(leftover, p)
		}
	}

	for _, p := range eligible {
		m.connect(p)
		total++
	}
	for _, p := range leftover {
		if total >= m.minConnections {
			break
		}
		m.connect(p)
		total++
	}
}

// Start kicks off the PEX control loop in a background goroutine:
// after InitialDelay, issue one request to the nearest peer with an
// open PEX channel, then sweep every checkInterval. Returns
// immediately; the loop runs until ctx is cancelled or Stop is
// called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(InitialDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			m.mu.Lock()
			ids := make([]id.NodeID, 0, len(m.channels))
			for nid := range m.channels {
				ids = append(ids, nid)
			}
			m.mu.Unlock()
			if closest := m.table.SortClosestToSelf(ids); len(closest) > 0 {
				m.sendRequest(closest[0], m.minConnections)
			}
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepOnce()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	if len(m.channels) == 0 {
		m.mu.Unlock()
		return
	}
	if len(m.channels) >= m.minConnections {
		m.mu.Unlock()
		return
	}
	ids := make([]id.NodeID, 0, len(m.channels))
	for nid := range m.channels {
		ids = append(ids, nid)
	}
	m.mu.Unlock()

	closest := m.table.SortClosestToSelf(ids)
	if len(closest) == 0 {
		return
	}
	m.sendRequest(closest[0], m.minConnections)
}

func (m *Manager) sendRequest(to id.NodeID, max int) {
	m.mu.Lock()
	ch, ok := m.channels[to]
	m.mu.Unlock()
	if !ok {
		return
	}
	frame, err := json.Marshal(requestFrame{Type: "request", MaxNumberOfPeers: max})
	if err != nil {
		return
	}
	_ = ch.Stream.Send(frame)
}

// Stop cancels the sweep loop. Safe to call multiple times.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ConnectionCount returns the number of currently attached PEX
// channels.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}
