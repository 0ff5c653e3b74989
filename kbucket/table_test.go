package kbucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OtterPeer/webrtc-network-simulator/id"
)

func nid(t *testing.T, b byte) id.NodeID {
	t.Helper()
	raw := make([]byte, id.Size)
	raw[0] = b
	n, err := id.FromBytes(raw)
	require.NoError(t, err)
	return n
}

func TestAddSelfIsNoOp(t *testing.T) {
	self := nid(t, 0x00)
	rt := New(self, 2)
	rt.Add(Contact{ID: self})
	assert.Equal(t, 0, rt.Size())
}

func TestBucketIndexInvariant(t *testing.T) {
	self := nid(t, 0x00)
	rt := New(self, 20)
	for b := byte(1); b < 20; b++ {
		rt.Add(Contact{ID: nid(t, b)})
	}
	for _, c := range rt.All() {
		d := id.XOR(self, c.ID)
		idx := id.BucketIndex(d)
		assert.Equal(t, idx, rt.bucketIndexFor(c.ID))
	}
}

func TestClosestOnEmptyTableReturnsEmpty(t *testing.T) {
	rt := New(nid(t, 0x00), 20)
	assert.Empty(t, rt.Closest(nid(t, 0xFF), 5))
}

func TestClosestSortsByAscendingDistance(t *testing.T) {
	self := nid(t, 0x00)
	rt := New(self, 20)
	target := nid(t, 0x0F)
	ids := []byte{0x10, 0x0E, 0x0F, 0xFF}
	for _, b := range ids {
		rt.Add(Contact{ID: nid(t, b)})
	}
	closest := rt.Closest(target, 4)
	require.Len(t, closest, 4)
	for i := 1; i < len(closest); i++ {
		prev := id.XOR(closest[i-1].ID, target)
		cur := id.XOR(closest[i].ID, target)
		assert.False(t, id.Less(cur, prev), "closest must be non-decreasing in distance")
	}
	// 0x0F has distance zero to itself.
	assert.Equal(t, target, closest[0].ID)
}

func TestBucketLRUEvictionAndReAdd(t *testing.T) {
	self := nid(t, 0x00)
	rt := New(self, 3)
	// All of these share the same bucket index (highest set bit at
	// position 0, since each top bit is set in byte 0 at bit 0).
	a := nid(t, 0x80)
	b := nid(t, 0x81)
	c := nid(t, 0x82)
	d := nid(t, 0x83)

	rt.Add(Contact{ID: a})
	rt.Add(Contact{ID: b})
	rt.Add(Contact{ID: c})
	require.Equal(t, 3, rt.Size())

	rt.Add(Contact{ID: d}) // bucket full -> evict front (a)
	assert.False(t, rt.Contains(a))
	assert.True(t, rt.Contains(b))
	assert.True(t, rt.Contains(c))
	assert.True(t, rt.Contains(d))

	// Re-adding the evicted id succeeds, but the bucket is still full
	// (b, c, d), so re-adding a evicts b.
	rt.Add(Contact{ID: a})
	assert.False(t, rt.Contains(b))
	assert.True(t, rt.Contains(a))
}

func TestSortClosestToSelfIsStableAscending(t *testing.T) {
	self := nid(t, 0x00)
	rt := New(self, 20)
	ids := []id.NodeID{nid(t, 0xFF), nid(t, 0x01), nid(t, 0x02)}
	sorted := rt.SortClosestToSelf(ids)
	require.Len(t, sorted, 3)
	assert.Equal(t, nid(t, 0x01), sorted[0])
	assert.Equal(t, nid(t, 0x02), sorted[1])
	assert.Equal(t, nid(t, 0xFF), sorted[2])
}

func TestContainsAndRemove(t *testing.T) {
	self := nid(t, 0x00)
	rt := New(self, 20)
	other := nid(t, 0x10)
	rt.Add(Contact{ID: other})
	assert.True(t, rt.Contains(other))
	rt.Remove(other)
	assert.False(t, rt.Contains(other))
}
