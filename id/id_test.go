package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustID(t *testing.T, hexStr string) NodeID {
	t.Helper()
	padded := hexStr + "0000000000000000000000000000000000000000"
	n, err := FromHex(padded[:Size*2])
	require.NoError(t, err)
	return n
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes(make([]byte, 19))
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestXORSymmetryAndIdentity(t *testing.T) {
	a := mustID(t, "01")
	b := mustID(t, "80")

	assert.Equal(t, XOR(a, b), XOR(b, a))
	assert.True(t, XOR(a, a).IsZero())
}

func TestBucketIndexHighestSetBit(t *testing.T) {
	var d Distance
	d[0] = 0x80
	assert.Equal(t, 0, BucketIndex(d))

	d = Distance{}
	d[0] = 0x01
	assert.Equal(t, 7, BucketIndex(d))

	d = Distance{}
	d[1] = 0x01
	assert.Equal(t, 15, BucketIndex(d))

	assert.Equal(t, 0, BucketIndex(Distance{}))
}

func TestCompareIsBigEndianUnsigned(t *testing.T) {
	var a, b Distance
	a[0] = 0x01
	b[0] = 0x02
	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, 1, Compare(b, a))
	assert.Equal(t, 0, Compare(a, a))
	assert.True(t, Less(a, b))
}

func TestTruncatedUint64UsesMostSignificant48Bits(t *testing.T) {
	var d Distance
	d[5] = 0x01
	assert.Equal(t, uint64(1), d.TruncatedUint64())

	d = Distance{}
	d[6] = 0xFF // beyond the truncated 48 bits, must not contribute
	assert.Equal(t, uint64(0), d.TruncatedUint64())
}
