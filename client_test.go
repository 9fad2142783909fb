package mqtt

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjh-dev/mqtt/internal/packets"
)

// fakeBroker is a minimal, single-connection MQTT broker used to drive the
// Client/driver/Session trio end-to-end over a real loopback socket, in the
// spirit of gonzalop/mq's integration tests but without a container runtime.
type fakeBroker struct {
	ln   net.Listener
	addr string
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return &fakeBroker{ln: ln, addr: ln.Addr().String()}
}

// accept waits for the next client connection, reads its CONNECT, and
// replies with the given CONNACK. The returned conn is left open for the
// caller to script further exchanges on.
func (b *fakeBroker) accept(t *testing.T, connack *packets.ConnackPacket) net.Conn {
	t.Helper()
	conn, err := b.ln.Accept()
	require.NoError(t, err)

	pkt, err := packets.ReadPacket(conn, 0)
	require.NoError(t, err)
	require.IsType(t, &packets.ConnectPacket{}, pkt)

	_, err = connack.WriteTo(conn)
	require.NoError(t, err)
	return conn
}

func (b *fakeBroker) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(b.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestClientPublishQoS0(t *testing.T) {
	broker := newFakeBroker(t)
	host, port := broker.hostPort(t)

	connCh := make(chan net.Conn, 1)
	go func() {
		connCh <- broker.accept(t, &packets.ConnackPacket{ReturnCode: packets.ConnAccepted})
	}()

	client, err := Dial("mqtt://placeholder", WithHostPort(host, port), WithClientID("qos0-client"), WithConnectTimeout(2*time.Second))
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	conn := <-connCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tok, err := client.Publish(ctx, "a/b", []byte("hi"), AtMostOnce, false)
	require.NoError(t, err)
	require.NoError(t, tok.Wait(ctx))

	pkt, err := packets.ReadPacket(conn, 0)
	require.NoError(t, err)
	pub, ok := pkt.(*packets.PublishPacket)
	require.True(t, ok)
	assert.Equal(t, "a/b", pub.Topic)
	assert.Equal(t, []byte("hi"), pub.Payload)
	assert.Equal(t, uint8(0), pub.QoS)
}

func TestClientPublishQoS1WaitsForPuback(t *testing.T) {
	broker := newFakeBroker(t)
	host, port := broker.hostPort(t)

	connCh := make(chan net.Conn, 1)
	go func() {
		connCh <- broker.accept(t, &packets.ConnackPacket{ReturnCode: packets.ConnAccepted})
	}()

	client, err := Dial("mqtt://placeholder", WithHostPort(host, port), WithClientID("qos1-client"), WithConnectTimeout(2*time.Second))
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	conn := <-connCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct {
		tok Token
		err error
	}, 1)
	go func() {
		tok, err := client.Publish(ctx, "a/b", []byte("hi"), AtLeastOnce, false)
		done <- struct {
			tok Token
			err error
		}{tok, err}
	}()

	pkt, err := packets.ReadPacket(conn, 0)
	require.NoError(t, err)
	pub, ok := pkt.(*packets.PublishPacket)
	require.True(t, ok)
	assert.Equal(t, uint8(1), pub.QoS)
	require.NotZero(t, pub.PacketID)

	result := <-done
	require.NoError(t, result.err)

	select {
	case <-result.tok.Done():
		t.Fatal("QoS1 token must not complete before PUBACK is sent")
	default:
	}

	_, err = (&packets.PubackPacket{PacketID: pub.PacketID}).WriteTo(conn)
	require.NoError(t, err)

	require.NoError(t, result.tok.Wait(ctx))
}

func TestClientSubscribeDeliversMatchingPublish(t *testing.T) {
	broker := newFakeBroker(t)
	host, port := broker.hostPort(t)

	connCh := make(chan net.Conn, 1)
	go func() {
		connCh <- broker.accept(t, &packets.ConnackPacket{ReturnCode: packets.ConnAccepted})
	}()

	client, err := Dial("mqtt://placeholder", WithHostPort(host, port), WithClientID("sub-client"), WithConnectTimeout(2*time.Second))
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	conn := <-connCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subDone := make(chan struct {
		sub *Subscription
		err error
	}, 1)
	go func() {
		sub, err := client.Subscribe(ctx, []FilterQoS{{Filter: "sensors/+", QoS: AtMostOnce}}, 4)
		subDone <- struct {
			sub *Subscription
			err error
		}{sub, err}
	}()

	pkt, err := packets.ReadPacket(conn, 0)
	require.NoError(t, err)
	sp, ok := pkt.(*packets.SubscribePacket)
	require.True(t, ok)
	assert.Equal(t, []string{"sensors/+"}, sp.Topics)

	_, err = (&packets.SubackPacket{PacketID: sp.PacketID, ReturnCodes: []uint8{0}}).WriteTo(conn)
	require.NoError(t, err)

	result := <-subDone
	require.NoError(t, result.err)
	require.NotNil(t, result.sub)

	_, err = (&packets.PublishPacket{Topic: "sensors/temp", Payload: []byte("21C"), QoS: 0}).WriteTo(conn)
	require.NoError(t, err)

	msg, ok := result.sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "sensors/temp", msg.Topic)
	assert.Equal(t, []byte("21C"), msg.Payload)
}

func TestClientKeepAliveSendsPingreq(t *testing.T) {
	broker := newFakeBroker(t)
	host, port := broker.hostPort(t)

	connCh := make(chan net.Conn, 1)
	go func() {
		connCh <- broker.accept(t, &packets.ConnackPacket{ReturnCode: packets.ConnAccepted})
	}()

	client, err := Dial("mqtt://placeholder",
		WithHostPort(host, port),
		WithClientID("ping-client"),
		WithKeepAlive(200*time.Millisecond),
		WithConnectTimeout(2*time.Second),
	)
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	conn := <-connCh
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	pkt, err := packets.ReadPacket(conn, 0)
	require.NoError(t, err)
	assert.IsType(t, &packets.PingreqPacket{}, pkt)
}

func TestClientConnectRefusedIsFatal(t *testing.T) {
	broker := newFakeBroker(t)
	host, port := broker.hostPort(t)

	go func() {
		broker.accept(t, &packets.ConnackPacket{ReturnCode: packets.ConnRefusedNotAuthorized})
	}()

	client, err := Dial("mqtt://placeholder", WithHostPort(host, port), WithClientID("refused-client"), WithConnectTimeout(2*time.Second))
	require.NoError(t, err)

	select {
	case <-client.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("driver should exit once CONNACK refuses the connection")
	}
	assert.ErrorIs(t, client.runErr, ErrNotAuthorized)
}
