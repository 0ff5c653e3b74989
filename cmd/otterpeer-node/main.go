// Command otterpeer-node is a thin demo binary around the dhtnode
// library: it spins up a small ring of simulator-mode nodes connected
// over in-process memstream pairs, sends a chat message and a
// signaling frame from the first node to the last (its neighbour on
// the ring), and logs what each node observes. It exists to exercise the public API, not as a real
// WebRTC host process — that wiring belongs to the application
// embedding this module.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/OtterPeer/webrtc-network-simulator/dhtnode"
	"github.com/OtterPeer/webrtc-network-simulator/events"
	"github.com/OtterPeer/webrtc-network-simulator/id"
	"github.com/OtterPeer/webrtc-network-simulator/transport/memstream"
	"github.com/OtterPeer/webrtc-network-simulator/wire"
)

var log = logging.Logger("otterpeer-node")

func main() {
	ringSize := flag.Int("ring-size", 5, "number of demo nodes to link in a ring")
	stateDir := flag.String("state-dir", "", "directory for cachedMessages/kBucket persistence (empty disables it)")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	if *verbose {
		_ = logging.SetLogLevel("*", "debug")
	}

	if *ringSize < 2 {
		fmt.Fprintln(os.Stderr, "ring-size must be at least 2")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	nodes := make([]*dhtnode.Node, *ringSize)
	for i := range nodes {
		self := mustRandomID()
		cfg := dhtnode.DefaultConfig(self)
		cfg.Simulator = true
		cfg.StateDir = *stateDir

		sink := events.NewSink()
		idx := i
		sink.On(events.ChatMessage, func(e events.Event) {
			log.Infof("node %d received chatMessage: %+v", idx, e.Payload)
		})
		sink.On(events.SignalingMessage, func(e events.Event) {
			log.Infof("node %d received signalingMessage: %+v", idx, e.Payload)
		})
		sink.On(events.Forward, func(e events.Event) {
			log.Debugf("node %d forwarded: %+v", idx, e.Payload)
		})

		node := dhtnode.New(cfg, sink)
		node.LoadState()
		node.StartTimers(ctx)
		nodes[i] = node
	}

	for i, n := range nodes {
		next := nodes[(i+1)%len(nodes)]
		sA, sB := memstream.Pair()
		n.AttachStream(next.Self(), sA)
		next.AttachStream(n.Self(), sB)
	}

	first, last := nodes[0], nodes[len(nodes)-1]
	log.Infof("ring of %d nodes attached; sending a demo message and signaling frame from node 0 to node %d", len(nodes), len(nodes)-1)
	first.SendMessage(last.Self(), wire.Envelope{Timestamp: time.Now().UnixMilli()})
	first.SendSignaling(last.Self(), wire.Envelope{Timestamp: time.Now().UnixMilli()}, nil)

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}

	log.Info("shutting down")
	for i, n := range nodes {
		n.SaveState()
		n.Close()
		log.Infof("node %d final stats: %+v", i, n.Stats())
	}
}

func mustRandomID() id.NodeID {
	raw := make([]byte, id.Size)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintln(os.Stderr, "failed to generate node id:", err)
		os.Exit(1)
	}
	nid, err := id.FromBytes(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build node id:", err)
		os.Exit(1)
	}
	return nid
}
