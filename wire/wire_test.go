package wire

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

func TestEncodeDecodePingRoundTrip(t *testing.T) {
	sender := nid(t, 0x01)
	ping := NewPing(sender)
	raw, err := Encode(ping)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindPing, decoded.Kind)
	assert.Equal(t, ping.ID, decoded.ID)
	assert.Equal(t, sender, decoded.Sender)
}

func TestEncodeDecodeUserMessageRoundTrip(t *testing.T) {
	sender := nid(t, 0x01)
	recipient := nid(t, 0x02)
	msg := NewUserMessage(sender, recipient, Envelope{ID: "m1", Timestamp: 1000, SenderID: sender.String()})

	raw, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, KindMessage, decoded.Kind)
	assert.Equal(t, sender, decoded.Sender)
	assert.Equal(t, recipient, decoded.Recipient)
	require.NotNil(t, decoded.Payload)
	assert.Equal(t, "m1", decoded.Payload.ID)
}

func TestDecodeMalformedJSONIsDropped(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeUnknownTypeIsDropped(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus","sender":"` + nid(t, 1).String() + `"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeMessageMissingIDIsDropped(t *testing.T) {
	sender := nid(t, 1).String()
	recipient := nid(t, 2).String()
	raw := []byte(`{"type":"message","sender":"` + sender + `","recipient":"` + recipient + `","message":{"timestamp":1}}`)
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEnvelopeRoundTripsOpaqueFields(t *testing.T) {
	raw := []byte(`{"id":"m1","timestamp":5,"color":"blue"}`)
	var e Envelope
	require.NoError(t, e.UnmarshalJSON(raw))

	out, err := e.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"color":"blue"`)
	assert.Contains(t, string(out), `"id":"m1"`)
}
