// Package forward implements the ForwardToAllCloser forwarding
// strategy (spec §4.D): selecting next hops for a message the local
// node cannot deliver directly, with loop suppression via the
// forwarded-ids dedup set.
package forward

import (
	"errors"

	logging "github.com/ipfs/go-log"

	"github.com/OtterPeer/webrtc-network-simulator/dedup"
	"github.com/OtterPeer/webrtc-network-simulator/events"
	"github.com/OtterPeer/webrtc-network-simulator/id"
	"github.com/OtterPeer/webrtc-network-simulator/kbucket"
	"github.com/OtterPeer/webrtc-network-simulator/linkrpc"
	"github.com/OtterPeer/webrtc-network-simulator/wire"
)

var log = logging.Logger("forward")

// ErrForward is returned only when an unexpected error escapes the
// transport layer; ordinary per-hop send failures are logged and
// otherwise ignored (spec §4.D "Failure").
var ErrForward = errors.New("forward: unexpected transport failure")

// Params bundles the inputs to Forward, mirroring spec §4.D's
// parameter list.
type Params struct {
	Sender    id.NodeID
	Recipient id.NodeID
	Payload   wire.Envelope
	// Signaling selects which RPC kind is sent: Signaling if true,
	// UserMessage (KindMessage) otherwise.
	Signaling bool

	Table *kbucket.RoutingTable
	RPC   *linkrpc.RPC
	Sink  *events.Sink

	K            int
	SelfID       id.NodeID
	ForwardedIDs *dedup.Set
	IsOrigin     bool
	ForceKPeers  bool
}

// Forward selects next hops for Payload and sends an RPC of the
// appropriate kind to each, per the ForwardToAllCloser algorithm:
//
//  1. loop suppression via ForwardedIDs
//  2. candidates = closest-k excluding sender and self
//  3. force_k_peers keeps all candidates; otherwise only those
//     strictly closer to Recipient than SelfID is
//  4. sequential sends, one failure never skips the rest
//  5. on completion, Payload.ID is recorded in ForwardedIDs
func Forward(p Params) error {
	if p.Payload.HasID() && p.ForwardedIDs.Contains(p.Payload.ID) {
		return nil
	}

	selfDist := id.XOR(p.SelfID, p.Recipient)
	candidates := p.Table.Closest(p.Recipient, p.K)

	selected := make([]kbucket.Contact, 0, len(candidates))
	for _, c := range candidates {
		if c.ID.Equal(p.Sender) || c.ID.Equal(p.SelfID) {
			continue
		}
		if p.ForceKPeers {
			selected = append(selected, c)
			continue
		}
		d := id.XOR(c.ID, p.Recipient)
		if id.Less(d, selfDist) {
			selected = append(selected, c)
		}
	}

	if len(selected) == 0 {
		log.Debugf("forward: no peers selected for recipient=%s force_k=%v", p.Recipient, p.ForceKPeers)
	}

	for _, c := range selected {
		var msg wire.RpcMessage
		if p.Signaling {
			msg = wire.NewSignaling(p.Sender, p.Recipient, p.Payload)
		} else {
			msg = wire.NewUserMessage(p.Sender, p.Recipient, p.Payload)
		}
		ok := p.RPC.Send(c.ID, msg)
		p.Sink.Emit(events.Forward, struct {
			To        id.NodeID
			Recipient id.NodeID
			Sent      bool
		}{c.ID, p.Recipient, ok})
		if !ok {
			log.Debugf("forward: send to %s failed, continuing with remaining candidates", c.ID)
		}
	}

	if p.Payload.HasID() {
		p.ForwardedIDs.Insert(p.Payload.ID)
	}
	return nil
}
