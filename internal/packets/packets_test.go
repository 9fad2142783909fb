package packets

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip serializes p, re-parses the bytes through ReadPacket, and
// returns the decoded packet for the caller to compare against p.
func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	var buf bytes.Buffer
	_, err := p.WriteTo(&buf)
	require.NoError(t, err)

	got, err := ReadPacket(&buf, 0)
	require.NoError(t, err)
	return got
}

func TestConnectRoundTrip(t *testing.T) {
	p := &ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  true,
		KeepAlive:     60,
		ClientID:      "client-1",
	}
	got := roundTrip(t, p)
	assert.Equal(t, p, got)
}

func TestConnectRoundTripWithWillAndCredentials(t *testing.T) {
	p := &ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  false,
		WillFlag:      true,
		WillQoS:       1,
		WillRetain:    true,
		UsernameFlag:  true,
		PasswordFlag:  true,
		KeepAlive:     30,
		ClientID:      "client-2",
		WillTopic:     "status/offline",
		WillMessage:   []byte("bye"),
		Username:      "alice",
		Password:      "secret",
	}
	got := roundTrip(t, p)
	assert.Equal(t, p, got)
}

func TestDecodeConnectRejectsPasswordWithoutUsername(t *testing.T) {
	pkt := &ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  true,
		KeepAlive:     60,
	}
	var buf bytes.Buffer
	_, err := pkt.WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.Bytes()
	// Flip the password-present bit (0x40) in the connect flags byte
	// without setting username-present, producing an illegal combination
	// no valid ConnectPacket value can serialize. Offset: 1 header byte +
	// 1 remaining-length byte (packet is well under 128 bytes) + 2-byte
	// string length prefix + "MQTT" + 1 protocol-level byte.
	flagsOffset := 1 + 1 + 2 + len("MQTT") + 1
	raw[flagsOffset] |= 0x40

	_, err = ReadPacket(bytes.NewReader(raw), 0)
	assert.Error(t, err)
}

func TestConnackRoundTrip(t *testing.T) {
	p := &ConnackPacket{SessionPresent: true, ReturnCode: ConnAccepted}
	got := roundTrip(t, p)
	assert.Equal(t, p, got)
}

func TestConnackWireBytes(t *testing.T) {
	// A CONNACK accepting the connection with no session resumed.
	p := &ConnackPacket{SessionPresent: false, ReturnCode: 0x00}
	var buf bytes.Buffer
	_, err := p.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x00}, buf.Bytes())
}

func TestPublishQoS0WireBytes(t *testing.T) {
	// A plain QoS 0 publish with no packet id on the wire.
	p := &PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: 0}
	var buf bytes.Buffer
	_, err := p.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x30, 0x07,
		0x00, 0x03, 'a', '/', 'b',
		'h', 'i',
	}, buf.Bytes())
}

func TestPublishQoS1WireBytes(t *testing.T) {
	// A QoS 1 publish carries a non-zero packet id and header flags 0x32.
	p := &PublishPacket{Topic: "a/x", Payload: []byte("p"), QoS: 1, PacketID: 1}
	var buf bytes.Buffer
	_, err := p.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x32, 0x08,
		0x00, 0x03, 'a', '/', 'x',
		0x00, 0x01,
		'p',
	}, buf.Bytes())
}

func TestPublishRoundTrip(t *testing.T) {
	p := &PublishPacket{Dup: true, QoS: 2, Retain: true, Topic: "a/b/c", PacketID: 42, Payload: []byte("payload")}
	got := roundTrip(t, p)
	assert.Equal(t, p, got)
}

func TestDecodePublishRejectsQoS0WithDup(t *testing.T) {
	buf := append(encodeString("a"), 0) // topic "a" + 1 payload byte
	_, err := DecodePublish(buf, &FixedHeader{PacketType: PUBLISH, Flags: 0x08})
	assert.Error(t, err)
}

func TestDecodePublishRejectsQoS3(t *testing.T) {
	buf := encodeString("a")
	_, err := DecodePublish(buf, &FixedHeader{PacketType: PUBLISH, Flags: 0x06})
	assert.Error(t, err)
}

func TestPubackRoundTrip(t *testing.T) {
	got := roundTrip(t, &PubackPacket{PacketID: 7})
	assert.Equal(t, &PubackPacket{PacketID: 7}, got)
}

func TestPubrecPubrelPubcompRoundTrip(t *testing.T) {
	assert.Equal(t, &PubrecPacket{PacketID: 5}, roundTrip(t, &PubrecPacket{PacketID: 5}))
	assert.Equal(t, &PubrelPacket{PacketID: 5}, roundTrip(t, &PubrelPacket{PacketID: 5}))
	assert.Equal(t, &PubcompPacket{PacketID: 5}, roundTrip(t, &PubcompPacket{PacketID: 5}))
}

func TestZeroPacketIDRejected(t *testing.T) {
	var buf bytes.Buffer
	_, err := (&PubackPacket{PacketID: 0}).WriteTo(&buf)
	require.NoError(t, err) // serialize doesn't validate; the wire value is what's illegal
	_, err = ReadPacket(bytes.NewReader(buf.Bytes()), 0)
	assert.Error(t, err)
}

func TestSubscribeRoundTrip(t *testing.T) {
	p := &SubscribePacket{PacketID: 10, Topics: []string{"a/+", "b/#"}, QoS: []uint8{0, 2}}
	got := roundTrip(t, p)
	assert.Equal(t, p, got)
}

func TestSubackRoundTrip(t *testing.T) {
	p := &SubackPacket{PacketID: 10, ReturnCodes: []uint8{0, 1, SubackFailure}}
	got := roundTrip(t, p)
	assert.Equal(t, p, got)
}

func TestDecodeSubackRejectsMalformedCode(t *testing.T) {
	buf := []byte{0x00, 0x0a, 0x03} // 3 is not a valid granted QoS or 0x80
	_, err := DecodeSuback(buf)
	assert.Error(t, err)
}

func TestUnsubscribeUnsubackRoundTrip(t *testing.T) {
	p := &UnsubscribePacket{PacketID: 11, Topics: []string{"x/y"}}
	assert.Equal(t, p, roundTrip(t, p))
	assert.Equal(t, &UnsubackPacket{PacketID: 11}, roundTrip(t, &UnsubackPacket{PacketID: 11}))
}

func TestPingAndDisconnectWireBytes(t *testing.T) {
	// PINGREQ/PINGRESP/DISCONNECT each carry an empty variable header and payload.
	var buf bytes.Buffer
	_, err := (&PingreqPacket{}).WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC0, 0x00}, buf.Bytes())

	buf.Reset()
	_, err = (&PingrespPacket{}).WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD0, 0x00}, buf.Bytes())

	buf.Reset()
	_, err = (&DisconnectPacket{}).WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE0, 0x00}, buf.Bytes())
}

func TestReservedHeaderRejected(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader([]byte{0x00, 0x00}), 0)
	assert.Error(t, err)
}

func TestPubrelRequiresFlagsBit(t *testing.T) {
	// PUBREL with flags 0x00 instead of the required 0x02.
	_, err := ReadPacket(bytes.NewReader([]byte{0x60, 0x02, 0x00, 0x01}), 0)
	assert.Error(t, err)
}

func TestRemainingLengthOverflowRejected(t *testing.T) {
	// Four continuation-bit bytes all set without a terminating byte.
	_, err := ReadPacket(bytes.NewReader([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF}), 0)
	assert.Error(t, err)
}

func TestIncompleteFrameIsIOEOF(t *testing.T) {
	// A CONNACK header promising 2 bytes of remaining length but supplying none.
	_, err := ReadPacket(bytes.NewReader([]byte{0x20, 0x02}), 0)
	assert.ErrorIs(t, err, io.EOF)
}
