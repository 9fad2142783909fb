package mqtt

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tjh-dev/mqtt/internal/packets"
)

// commandQueueCapacity bounds the command channel. Command submission is
// meant to feel unbounded to callers; a generously buffered channel plays
// that role the way gonzalop/mq buffers its outgoing/incoming channels
// (1000/100 entries) rather than reaching for an unbounded-queue type.
const commandQueueCapacity = 4096

// publishCommand is submitted by Client.Publish.
type publishCommand struct {
	topic   string
	payload []byte
	qos     QoS
	retain  bool
	result  chan tokenResult
}

// subscribeCommand is submitted by Client.Subscribe.
type subscribeCommand struct {
	filters  []FilterQoS
	delivery chan Message
	result   chan tokenResult
}

// unsubscribeCommand is submitted by Client.Unsubscribe and by
// Subscription's auto-unsubscribe path.
type unsubscribeCommand struct {
	filters []string
	result  chan tokenResult // nil for the fire-and-forget Drop path
}

// shutdownCommand is submitted by Client.Disconnect.
type shutdownCommand struct {
	done chan struct{}
}

type tokenResult struct {
	token Token
	err   error
}

// driver is the single cooperative task that owns the transport and the
// session state: no lock guards Session because only this goroutine's
// loop ever touches it.
type driver struct {
	opts    *options
	session *Session
	metrics *metrics
	log     *slog.Logger

	commands chan any
}

func newDriver(opts *options) *driver {
	return &driver{
		opts:     opts,
		session:  NewSession(opts.keepAlive),
		metrics:  newMetrics(opts.registerer),
		log:      opts.logger,
		commands: make(chan any, commandQueueCapacity),
	}
}

// run is the reconnect loop: dial, authenticate, serve traffic until the
// connection drops, back off, and try again. It returns when a Shutdown
// command is processed (nil error), when a CONNACK refuses the connection
// (the refusal's sentinel error), or when ctx is cancelled during a
// backoff wait (ctx.Err()).
func (d *driver) run(ctx context.Context) error {
	bo := newBackoff(d.opts.minBackoff, d.effectiveMaxBackoff())

	d.session.Connect = d.buildConnect()

	for {
		delay := bo.next()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		conn, connack, err := d.connectOnce(ctx)
		if err != nil {
			if fe, ok := err.(*fatalConnectError); ok {
				return fe.err
			}
			d.log.Debug("connect attempt failed, retrying", "error", err)
			continue
		}
		bo.reset()
		d.metrics.reconnected()

		shutdown, loopErr := d.runConnected(conn, connack)
		conn.Close()
		if shutdown {
			return nil
		}
		if loopErr != nil {
			d.log.Warn("connection lost, reconnecting", "error", loopErr)
		}
	}
}

// fatalConnectError wraps a CONNACK refusal, which aborts the reconnect
// loop entirely rather than retrying: a nonzero return code means the
// broker will never accept this identity/credentials, so retrying with
// the same CONNECT can only repeat the same refusal.
type fatalConnectError struct{ err error }

func (e *fatalConnectError) Error() string { return e.err.Error() }
func (e *fatalConnectError) Unwrap() error { return e.err }

// connectOnce dials the transport, sends CONNECT, and waits for CONNACK
// with a bounded timeout equal to the keep-alive interval.
func (d *driver) connectOnce(ctx context.Context) (net.Conn, *packets.ConnackPacket, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.connectTimeout)
	defer cancel()

	conn, err := d.dial(dialCtx)
	if err != nil {
		return nil, nil, &TransportError{Op: "dial", Err: err}
	}

	if _, err := d.session.Connect.WriteTo(conn); err != nil {
		conn.Close()
		return nil, nil, &TransportError{Op: "write CONNECT", Err: err}
	}
	d.metrics.sent("CONNECT")

	timeout := d.opts.keepAlive
	if timeout <= 0 {
		timeout = d.opts.connectTimeout
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, nil, &TransportError{Op: "set read deadline", Err: err}
	}

	pkt, err := packets.ReadPacket(conn, 0)
	if err != nil {
		conn.Close()
		return nil, nil, &TransportError{Op: "read CONNACK", Err: err}
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, nil, &TransportError{Op: "clear read deadline", Err: err}
	}

	connack, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		conn.Close()
		return nil, nil, &StateError{Reason: fmt.Sprintf("expected CONNACK, got %s", packets.PacketNames[pkt.Type()])}
	}
	d.metrics.received("CONNACK")

	if connack.ReturnCode != packets.ConnAccepted {
		conn.Close()
		refusal := connectRefusalErrors[connack.ReturnCode]
		if refusal == nil {
			refusal = fmt.Errorf("mqtt: connect refused, code %d", connack.ReturnCode)
		}
		return nil, nil, &fatalConnectError{err: refusal}
	}

	return conn, connack, nil
}

// dial opens the transport for host:port, selecting TLS per WithTLS.
func (d *driver) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(d.opts.host, fmt.Sprintf("%d", d.opts.port))
	if d.opts.tls != nil {
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: d.opts.tls}
		return dialer.DialContext(ctx, "tcp", addr)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", addr)
}

// buildConnect constructs the CONNECT packet retained for replay on every
// reconnect.
func (d *driver) buildConnect() *packets.ConnectPacket {
	pkt := &packets.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  d.opts.cleanSession,
		KeepAlive:     uint16(d.opts.keepAlive / time.Second),
		ClientID:      d.opts.clientID,
	}
	if d.opts.credentials != nil {
		pkt.UsernameFlag = true
		pkt.Username = d.opts.credentials.Username
		if d.opts.credentials.Password != "" {
			pkt.PasswordFlag = true
			pkt.Password = d.opts.credentials.Password
		}
	}
	if d.opts.will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = d.opts.will.Topic
		pkt.WillMessage = d.opts.will.Payload
		pkt.WillQoS = uint8(d.opts.will.QoS)
		pkt.WillRetain = d.opts.will.Retained
	}
	return pkt
}

// inboundFrame is handed from the background read pump to the driver's
// single event-loop goroutine; the pump itself never touches Session.
type inboundFrame struct {
	pkt packets.Packet
	err error
}

// readPump is pure I/O: it has no session-state access, so spawning it
// alongside the driver's single cooperative loop never breaks the
// single-owner model Session depends on.
func (d *driver) readPump(conn net.Conn, out chan<- inboundFrame, done <-chan struct{}) {
	r := bufio.NewReader(conn)
	for {
		pkt, err := packets.ReadPacket(r, 0)
		select {
		case out <- inboundFrame{pkt: pkt, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// runConnected drives steady-state traffic for one connection:
// resubscribe-on-reconnect, then the event loop over inbound frames,
// commands, and the keep-alive timer. It returns shutdown=true only
// after a clean Disconnect command.
func (d *driver) runConnected(conn net.Conn, connack *packets.ConnackPacket) (shutdown bool, err error) {
	bw := bufio.NewWriter(conn)

	inbound := make(chan inboundFrame, 1)
	done := make(chan struct{})
	go d.readPump(conn, inbound, done)
	defer close(done)

	if !connack.SessionPresent {
		if resub, ok := d.session.Resubscribe(); ok {
			if err := d.write(bw, resub); err != nil {
				return false, err
			}
			if err := bw.Flush(); err != nil {
				return false, &TransportError{Op: "flush", Err: err}
			}
			if err := d.awaitResubscribe(bw, inbound); err != nil {
				return false, err
			}
		}
	}

	for _, pkt := range d.session.RetransmitPending() {
		if err := d.write(bw, pkt); err != nil {
			return false, err
		}
	}
	d.metrics.setInFlight(len(d.session.outgoing))

	// A PINGREQ left unanswered on a previous connection says nothing about
	// this one.
	d.session.LastPingReqAt = time.Time{}

	// keepAliveTimer fires once per full keep-alive interval since the last
	// write; any successful write restarts it.
	interval := d.tickInterval()
	keepAliveTimer := time.NewTimer(interval)
	defer keepAliveTimer.Stop()

	resetKeepAlive := func() {
		if !keepAliveTimer.Stop() {
			select {
			case <-keepAliveTimer.C:
			default:
			}
		}
		keepAliveTimer.Reset(interval)
	}

	for {
		select {
		case frame := <-inbound:
			if frame.err != nil {
				return false, &TransportError{Op: "read", Err: frame.err}
			}
			d.metrics.received(packets.PacketNames[frame.pkt.Type()])

			replies, herr := d.session.HandleIncoming(frame.pkt)
			if herr != nil {
				return false, herr
			}
			for _, reply := range replies {
				if err := d.write(bw, reply); err != nil {
					return false, err
				}
			}
			if err := bw.Flush(); err != nil {
				return false, &TransportError{Op: "flush", Err: err}
			}
			if len(replies) > 0 {
				resetKeepAlive()
			}
			d.metrics.setInFlight(len(d.session.outgoing))

		case cmd := <-d.commands:
			finished, serr := d.handleCommand(bw, cmd)
			if serr != nil {
				return false, serr
			}
			if finished {
				return true, nil
			}
			if err := bw.Flush(); err != nil {
				return false, &TransportError{Op: "flush", Err: err}
			}
			resetKeepAlive()
			d.metrics.setInFlight(len(d.session.outgoing))

		case now := <-keepAliveTimer.C:
			// Check before sending another PINGREQ: this is where a PINGREQ
			// still without its PINGRESP after 2x keep-alive is caught.
			// LastPingReqAt keeps the time of the oldest unanswered PINGREQ.
			if d.session.HasExpiredRequests(now) {
				return false, &StateError{Reason: "pending request(s) exceeded deadline"}
			}

			if err := d.write(bw, &packets.PingreqPacket{}); err != nil {
				return false, err
			}
			if err := bw.Flush(); err != nil {
				return false, &TransportError{Op: "flush", Err: err}
			}
			if d.session.LastPingReqAt.IsZero() {
				d.session.LastPingReqAt = now
			}
			keepAliveTimer.Reset(interval)
		}
	}
}

// awaitResubscribe blocks the event loop on inbound frames only, until the
// internal resubscribe SUBACK arrives.
func (d *driver) awaitResubscribe(bw *bufio.Writer, inbound <-chan inboundFrame) error {
	for {
		frame := <-inbound
		if frame.err != nil {
			return &TransportError{Op: "read", Err: frame.err}
		}
		d.metrics.received(packets.PacketNames[frame.pkt.Type()])

		if _, ok := frame.pkt.(*packets.SubackPacket); ok {
			_, err := d.session.HandleIncoming(frame.pkt)
			return err
		}
		// Anything else arriving before the resubscribe SUBACK still needs
		// handling (e.g. a retransmitted PUBLISH can race it); feed it
		// through normally, write its replies, and keep waiting.
		replies, err := d.session.HandleIncoming(frame.pkt)
		if err != nil {
			return err
		}
		for _, reply := range replies {
			if err := d.write(bw, reply); err != nil {
				return err
			}
		}
		if err := bw.Flush(); err != nil {
			return &TransportError{Op: "flush", Err: err}
		}
	}
}

// handleCommand applies one application command. done=true only for a
// Shutdown command that completed cleanly.
func (d *driver) handleCommand(bw *bufio.Writer, cmd any) (done bool, err error) {
	switch c := cmd.(type) {
	case *publishCommand:
		pkt, tok, serr := d.session.Publish(c.topic, c.payload, c.qos, c.retain)
		c.result <- tokenResult{token: tok, err: serr}
		if serr != nil {
			return false, nil
		}
		return false, d.write(bw, pkt)

	case *subscribeCommand:
		pkt, tok, serr := d.session.Subscribe(c.filters, c.delivery)
		c.result <- tokenResult{token: tok, err: serr}
		if serr != nil {
			return false, nil
		}
		return false, d.write(bw, pkt)

	case *unsubscribeCommand:
		pkt, tok, serr := d.session.Unsubscribe(c.filters)
		if c.result != nil {
			c.result <- tokenResult{token: tok, err: serr}
		}
		if serr != nil {
			return false, nil
		}
		return false, d.write(bw, pkt)

	case *shutdownCommand:
		d.write(bw, &packets.DisconnectPacket{})
		bw.Flush()
		d.session.Abort()
		close(c.done)
		return true, nil

	default:
		return false, &StateError{Reason: "unknown command type"}
	}
}

func (d *driver) write(w *bufio.Writer, pkt packets.Packet) error {
	if _, err := pkt.WriteTo(w); err != nil {
		return &TransportError{Op: "write " + packets.PacketNames[pkt.Type()], Err: err}
	}
	d.metrics.sent(packets.PacketNames[pkt.Type()])
	return nil
}

// tickInterval is the keep-alive timer's period: one PingReq decision per
// full keep-alive interval.
func (d *driver) tickInterval() time.Duration {
	if d.opts.keepAlive <= 0 {
		return time.Second
	}
	return d.opts.keepAlive
}

func (d *driver) effectiveMaxBackoff() time.Duration {
	if d.opts.maxBackoff > 0 {
		return d.opts.maxBackoff
	}
	if d.opts.keepAlive > 0 {
		return d.opts.keepAlive
	}
	return time.Minute
}
