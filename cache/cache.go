// Package cache implements the distance-bounded, bounded-size message
// cache (spec §4.E): store-and-forward guardianship for messages
// addressed to a temporarily unreachable recipient, with TTL expiry
// and opportunistic re-delivery.
package cache

import (
	"container/list"
	"errors"
	"math/rand"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/OtterPeer/webrtc-network-simulator/events"
	"github.com/OtterPeer/webrtc-network-simulator/id"
	"github.com/OtterPeer/webrtc-network-simulator/wire"
)

var log = logging.Logger("cache")

// ErrUnsupported is returned by BulkLoad on cache variants that
// legitimately reject bulk loading (spec §9 design notes: the
// probabilistic variant rejects it rather than raising).
var ErrUnsupported = errors.New("cache: bulk_load not supported by this strategy")

// Defaults per spec §4.E.
const (
	DefaultMaxSize           = 1500
	DefaultDistanceThreshold = 1 << 45
	DefaultCacheProbability  = 0.7
	DefaultMaxTTL            = 48 * time.Hour
)

// Entry is a single cached message, keyed by Payload.ID.
type Entry struct {
	Sender     id.NodeID
	Recipient  id.NodeID
	Payload    wire.Envelope
	InsertedAt time.Time
}

// Strategy is the capability set every cache variant implements (spec
// §9 design notes: "duck-typed strategy swap" replaced with an
// explicit interface).
type Strategy interface {
	CacheMessage(sender, recipient id.NodeID, payload wire.Envelope, self id.NodeID, recipientInBuckets bool)
	TryDeliver(ctx DeliverContext)
	Clear()
	Count() int
	Snapshot() []Entry
	BulkLoad(entries []Entry) error
}

// FindAndPing looks up a recipient and, if a live contact is found,
// pings it; returns the contact id and whether it is reachable. The
// DHT Node supplies this so the cache package never depends on
// kbucket/linkrpc directly.
type FindAndPing func(recipient id.NodeID) (target id.NodeID, ok bool)

// SendFn delivers a previously-cached entry directly to target.
// Returns true on success.
type SendFn func(target, sender, recipient id.NodeID, payload wire.Envelope) bool

// DeliverContext bundles TryDeliver's collaborators.
type DeliverContext struct {
	Now         time.Time
	FindAndPing FindAndPing
	Send        SendFn
	MaxTTL      time.Duration
}

// base holds the state and LRU machinery shared by both cache
// variants: entries map, access-order list (oldest at head, per spec
// §3), and the admission-time distance bound.
type base struct {
	mu                sync.Mutex
	maxSize           int
	distanceThreshold uint64
	entries           map[string]*list.Element // id -> element in order
	order             *list.List                // list.Element.Value is Entry
	sink              *events.Sink
}

func newBase(maxSize int, distanceThreshold uint64, sink *events.Sink) base {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if distanceThreshold == 0 {
		distanceThreshold = DefaultDistanceThreshold
	}
	return base{
		maxSize:           maxSize,
		distanceThreshold: distanceThreshold,
		entries:           make(map[string]*list.Element),
		order:             list.New(),
		sink:              sink,
	}
}

// admissible applies the distance-bounded admission rule common to
// both variants (spec §4.E steps 1-3); the probabilistic variant
// layers an extra coin-flip on top via its own CacheMessage override.
func (b *base) admissible(self, recipient id.NodeID, recipientInBuckets bool) bool {
	if recipientInBuckets {
		return true
	}
	d := id.XOR(self, recipient).TruncatedUint64()
	return d <= b.distanceThreshold
}

func (b *base) insert(payload wire.Envelope, e Entry) {
	if _, exists := b.entries[payload.ID]; exists {
		return
	}
	if len(b.entries) >= b.maxSize {
		front := b.order.Front()
		if front != nil {
			evicted := front.Value.(Entry)
			b.order.Remove(front)
			delete(b.entries, evicted.Payload.ID)
		}
	}
	el := b.order.PushBack(e)
	b.entries[payload.ID] = el
	b.sink.Emit(events.MessageCached, e)
}

func (b *base) clear() {
	b.entries = make(map[string]*list.Element)
	b.order = list.New()
}

func (b *base) count() int {
	return len(b.entries)
}

func (b *base) snapshot() []Entry {
	out := make([]Entry, 0, b.order.Len())
	for e := b.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Entry))
	}
	return out
}

// tryDeliver implements spec §4.E's try_deliver pass: walk entries
// oldest-first, dropping TTL-expired ones, attempting redelivery for
// the rest, and moving failed/unreachable attempts to the tail.
func (b *base) tryDeliver(ctx DeliverContext) {
	b.mu.Lock()
	var toRemove []string
	// snapshot the current front-to-back order since we mutate it
	// (moving entries to the tail) while iterating.
	elems := make([]*list.Element, 0, b.order.Len())
	for e := b.order.Front(); e != nil; e = e.Next() {
		elems = append(elems, e)
	}
	b.mu.Unlock()

	for _, el := range elems {
		b.mu.Lock()
		// the element may have been removed by a concurrent pass;
		// skip it unless its id is still present in entries.
		entry, ok := el.Value.(Entry)
		if ok {
			_, ok = b.entries[entry.Payload.ID]
		}
		b.mu.Unlock()
		if !ok {
			continue
		}

		age := entry.Payload.Age(ctx.Now)
		if age > ctx.MaxTTL {
			toRemove = append(toRemove, entry.Payload.ID)
			continue
		}

		target, live := ctx.FindAndPing(entry.Recipient)
		if !live {
			b.moveToTail(entry.Payload.ID)
			continue
		}
		if ctx.Send(target, entry.Sender, entry.Recipient, entry.Payload) {
			toRemove = append(toRemove, entry.Payload.ID)
		} else {
			b.moveToTail(entry.Payload.ID)
		}
	}

	b.mu.Lock()
	for _, msgID := range toRemove {
		if el, ok := b.entries[msgID]; ok {
			b.order.Remove(el)
			delete(b.entries, msgID)
		}
	}
	empty := len(b.entries) == 0
	b.mu.Unlock()

	if empty {
		b.sink.Emit(events.EmptyCache, nil)
	}
}

func (b *base) moveToTail(msgID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.entries[msgID]
	if !ok {
		return
	}
	entry := el.Value.(Entry)
	b.order.Remove(el)
	newEl := b.order.PushBack(entry)
	b.entries[msgID] = newEl
}

// Distance is the deterministic cache variant: admits any message
// within distanceThreshold of an unknown recipient, every time.
// Supports BulkLoad.
type Distance struct {
	base
}

// NewDistance constructs the deterministic distance-bounded cache.
func NewDistance(maxSize int, distanceThreshold uint64, sink *events.Sink) *Distance {
	return &Distance{base: newBase(maxSize, distanceThreshold, sink)}
}

// CacheMessage implements spec §4.E's cache_message for the
// deterministic variant.
func (c *Distance) CacheMessage(sender, recipient id.NodeID, payload wire.Envelope, self id.NodeID, recipientInBuckets bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !payload.HasID() {
		return
	}
	if _, exists := c.entries[payload.ID]; exists {
		return
	}
	if !c.admissible(self, recipient, recipientInBuckets) {
		return
	}
	c.insert(payload, Entry{Sender: sender, Recipient: recipient, Payload: payload, InsertedAt: time.Now()})
}

func (c *Distance) TryDeliver(ctx DeliverContext) { c.tryDeliver(ctx) }
func (c *Distance) Clear()                        { c.mu.Lock(); defer c.mu.Unlock(); c.clear() }
func (c *Distance) Count() int                     { c.mu.Lock(); defer c.mu.Unlock(); return c.count() }
func (c *Distance) Snapshot() []Entry              { c.mu.Lock(); defer c.mu.Unlock(); return c.snapshot() }

// BulkLoad replaces the cache contents with entries, preserving their
// given order as the new LRU order. Used on node startup to restore
// persisted state (spec §4.F load_state).
func (c *Distance) BulkLoad(entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
	for _, e := range entries {
		if len(c.entries) >= c.maxSize {
			break
		}
		el := c.order.PushBack(e)
		c.entries[e.Payload.ID] = el
	}
	return nil
}

// Probabilistic layers a coin-flip admission check on top of Distance
// for messages cached on behalf of a recipient not currently in the
// routing table: even within the distance threshold, the message is
// only cached with probability Probability. It rejects BulkLoad (spec
// §9 design notes).
type Probabilistic struct {
	base
	probability float64
	rng         *rand.Rand
}

// NewProbabilistic constructs the probabilistic cache variant.
func NewProbabilistic(maxSize int, distanceThreshold uint64, probability float64, sink *events.Sink) *Probabilistic {
	if probability <= 0 {
		probability = DefaultCacheProbability
	}
	return &Probabilistic{
		base:        newBase(maxSize, distanceThreshold, sink),
		probability: probability,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Probabilistic) CacheMessage(sender, recipient id.NodeID, payload wire.Envelope, self id.NodeID, recipientInBuckets bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !payload.HasID() {
		return
	}
	if _, exists := c.entries[payload.ID]; exists {
		return
	}
	if !c.admissible(self, recipient, recipientInBuckets) {
		return
	}
	if !recipientInBuckets && c.rng.Float64() > c.probability {
		log.Debugf("probabilistic cache: dropping %s, coin flip missed", payload.ID)
		return
	}
	c.insert(payload, Entry{Sender: sender, Recipient: recipient, Payload: payload, InsertedAt: time.Now()})
}

func (c *Probabilistic) TryDeliver(ctx DeliverContext) { c.tryDeliver(ctx) }
func (c *Probabilistic) Clear()                        { c.mu.Lock(); defer c.mu.Unlock(); c.clear() }
func (c *Probabilistic) Count() int                     { c.mu.Lock(); defer c.mu.Unlock(); return c.count() }
func (c *Probabilistic) Snapshot() []Entry              { c.mu.Lock(); defer c.mu.Unlock(); return c.snapshot() }

// BulkLoad is intentionally unsupported by the probabilistic variant.
func (c *Probabilistic) BulkLoad(entries []Entry) error {
	return ErrUnsupported
}
