package kbucket

import (
	"container/list"

	"github.com/OtterPeer/webrtc-network-simulator/id"
)

// Contact pairs a NodeID with a reference to its transport stream.
// The stream handle itself is never stored here: per the design
// notes, streams are owned exclusively by the Link RPC's map, so a
// Contact only records whether one is currently known to exist for
// this id (HasStream) to avoid cyclic ownership between buckets and
// streams.
type Contact struct {
	ID        id.NodeID
	HasStream bool
}

// bucket is an LRU-ordered container of up to k Contacts sharing a
// bucket index. Modeled directly on the teacher's *bucket type in
// go-libp2p-kbucket/table.go: a container/list plus a lookup map,
// pushBack on add, evict-front on overflow.
type bucket struct {
	cap     int
	entries *list.List
	index   map[id.NodeID]*list.Element
}

func newBucket(cap int) *bucket {
	return &bucket{
		cap:     cap,
		entries: list.New(),
		index:   make(map[id.NodeID]*list.Element),
	}
}

func (b *bucket) len() int {
	return b.entries.Len()
}

func (b *bucket) has(nid id.NodeID) bool {
	_, ok := b.index[nid]
	return ok
}

func (b *bucket) get(nid id.NodeID) (Contact, bool) {
	el, ok := b.index[nid]
	if !ok {
		return Contact{}, false
	}
	return el.Value.(Contact), true
}

// add inserts nid at the tail (most-recently-inserted end). If the
// bucket is already at capacity the least-recently-inserted entry
// (the front) is evicted first. A no-op if nid is already present.
//
// Returns the evicted contact, if any.
func (b *bucket) add(c Contact) (evicted Contact, didEvict bool) {
	if b.has(c.ID) {
		return Contact{}, false
	}
	if b.entries.Len() >= b.cap {
		front := b.entries.Front()
		if front != nil {
			evicted = front.Value.(Contact)
			didEvict = true
			b.entries.Remove(front)
			delete(b.index, evicted.ID)
		}
	}
	el := b.entries.PushBack(c)
	b.index[c.ID] = el
	return evicted, didEvict
}

func (b *bucket) remove(nid id.NodeID) bool {
	el, ok := b.index[nid]
	if !ok {
		return false
	}
	b.entries.Remove(el)
	delete(b.index, nid)
	return true
}

func (b *bucket) all() []Contact {
	out := make([]Contact, 0, b.entries.Len())
	for e := b.entries.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Contact))
	}
	return out
}
