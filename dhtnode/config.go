package dhtnode

import (
	"time"

	"github.com/OtterPeer/webrtc-network-simulator/cache"
	"github.com/OtterPeer/webrtc-network-simulator/id"
	"github.com/OtterPeer/webrtc-network-simulator/kbucket"
)

// CacheStrategyKind selects which Strategy variant a Node constructs
// (spec §6 configuration option "cacheStrategy").
type CacheStrategyKind string

const (
	CacheStrategyDistance             CacheStrategyKind = "distance"
	CacheStrategyDistanceProbabilistic CacheStrategyKind = "distance_probabilistic"
)

// Config assembles every option a host application supplies to
// construct a Node (spec §6's configuration table).
type Config struct {
	NodeID          id.NodeID
	K               int
	BootstrapNodeID *id.NodeID

	CacheStrategy          CacheStrategyKind
	CacheSize              int
	CacheDistanceThreshold uint64
	CacheProbability       float64

	// Simulator skips the liveness ping on add_node and treats every
	// newly-added contact as immediately live (spec §4.F add_node).
	Simulator bool

	// PingTimeout overrides linkrpc.PingTimeout for tests; zero means
	// use the package default.
	PingTimeout time.Duration

	// StateDir is where persisted state files are read/written (spec
	// §6 "Persisted state"). Empty disables persistence.
	StateDir string
}

// DefaultConfig fills in every optional field's default, requiring
// only NodeID to already be set by the caller.
func DefaultConfig(self id.NodeID) Config {
	return Config{
		NodeID:                 self,
		K:                      kbucket.DefaultK,
		CacheStrategy:          CacheStrategyDistance,
		CacheSize:              cache.DefaultMaxSize,
		CacheDistanceThreshold: cache.DefaultDistanceThreshold,
		CacheProbability:       cache.DefaultCacheProbability,
	}
}
