package mqtt

import (
	"time"

	"github.com/tjh-dev/mqtt/internal/packets"
)

// deliveryTimeout bounds how long the session waits for a subscription's
// delivery channel to accept a QoS>=1 message before giving up and
// reporting a delivery failure (see DESIGN.md for the chosen value).
const deliveryTimeout = 250 * time.Millisecond

// pendingDeadlineMultiplier decides how long a pending subscribe/unsubscribe
// request or outstanding PingReq may sit unanswered before the session
// reports the connection as stalled: 2x the keep-alive interval.
const pendingDeadlineMultiplier = 2

// FilterQoS pairs a subscription filter with the QoS requested or granted
// for it.
type FilterQoS struct {
	Filter string
	QoS    QoS
}

// activeSubscription is a live entry in the routing table: the driver owns
// the send side of delivery, the matching Subscription handle owns the
// receive side.
type activeSubscription struct {
	filter   string
	qos      QoS
	delivery chan Message
}

// pubState is where an outgoing QoS1/2 publish sits in its handshake.
type pubState int

const (
	awaitingAck  pubState = iota // QoS1, waiting for PUBACK
	awaitingRec                  // QoS2, waiting for PUBREC
	awaitingComp                 // QoS2, waiting for PUBCOMP
)

// outgoingPublish tracks one in-flight outbound publish. The full packet is
// retained (not just topic/payload) so a post-reconnect resend is a
// byte-for-byte replay with only Dup flipped.
type outgoingPublish struct {
	state  pubState
	packet *packets.PublishPacket
	token  *token
}

// pendingSubscribe tracks a SUBSCRIBE awaiting its SUBACK.
type pendingSubscribe struct {
	requested []FilterQoS
	delivery  chan Message
	token     *subscribeToken
	deadline  time.Time
	// internal is true for the resubscribe-on-reconnect SUBACK, whose
	// caller is the session itself rather than an application request.
	internal bool
}

// pendingUnsubscribe tracks an UNSUBSCRIBE awaiting its UNSUBACK.
type pendingUnsubscribe struct {
	filters  []string
	token    *token
	deadline time.Time
}

// Session is the single authority over MQTT protocol state: packet-id
// allocation, in-flight QoS1/2 tracking in both directions, the active
// subscription table, and keep-alive bookkeeping. It is owned exclusively
// by the connection driver goroutine; nothing else touches it, so none of
// its fields need synchronization.
type Session struct {
	KeepAlive     time.Duration
	LastPingReqAt time.Time

	// Connect is the CONNECT packet resent verbatim on every reconnect.
	Connect *packets.ConnectPacket

	active []activeSubscription

	incomingQoS2 map[uint16]Message
	outgoing     map[uint16]*outgoingPublish
	subscribing  map[uint16]*pendingSubscribe
	unsubscribe  map[uint16]*pendingUnsubscribe

	pubIDs   packetIDAllocator
	subIDs   packetIDAllocator
	unsubIDs packetIDAllocator
}

// NewSession creates an empty session for a connection with the given
// keep-alive interval.
func NewSession(keepAlive time.Duration) *Session {
	return &Session{
		KeepAlive:    keepAlive,
		incomingQoS2: make(map[uint16]Message),
		outgoing:     make(map[uint16]*outgoingPublish),
		subscribing:  make(map[uint16]*pendingSubscribe),
		unsubscribe:  make(map[uint16]*pendingUnsubscribe),
	}
}

// Publish starts an outgoing publish. For QoS0 it returns the packet to
// write and a token that is already complete; that token does not wait for
// the write and does not report a write failure. For QoS1/2 the token
// completes only once the broker's ack handshake finishes.
func (s *Session) Publish(topic string, payload []byte, qos QoS, retain bool) (*packets.PublishPacket, Token, error) {
	pkt := &packets.PublishPacket{
		Topic:   topic,
		Payload: payload,
		QoS:     uint8(qos),
		Retain:  retain,
	}

	if qos == AtMostOnce {
		return pkt, newCompletedToken(), nil
	}

	id, ok := s.pubIDs.allocate(func(id uint16) bool { _, in := s.outgoing[id]; return in })
	if !ok {
		return nil, nil, &StateError{Reason: "outgoing publish table saturated"}
	}
	pkt.PacketID = id

	tok := newToken()
	state := awaitingAck
	if qos == ExactlyOnce {
		state = awaitingRec
	}
	s.outgoing[id] = &outgoingPublish{state: state, packet: pkt, token: tok}

	return pkt, tok, nil
}

// newCompletedToken returns a token that is already done with no error, for
// QoS0 publishes which have nothing further to wait on.
func newCompletedToken() *token {
	t := newToken()
	t.complete(nil)
	return t
}

// Subscribe starts a SUBSCRIBE for the given filters, delivering matched
// messages to delivery once granted. The returned Token is a *subscribeToken:
// once it completes, the caller must read its granted filters rather than
// assume every requested filter was accepted (see handleSuback).
func (s *Session) Subscribe(filters []FilterQoS, delivery chan Message) (*packets.SubscribePacket, Token, error) {
	id, ok := s.subIDs.allocate(func(id uint16) bool { _, in := s.subscribing[id]; return in })
	if !ok {
		return nil, nil, &StateError{Reason: "pending subscribe table saturated"}
	}

	pkt := &packets.SubscribePacket{PacketID: id}
	for _, f := range filters {
		pkt.Topics = append(pkt.Topics, f.Filter)
		pkt.QoS = append(pkt.QoS, uint8(f.QoS))
	}

	tok := newSubscribeToken()
	s.subscribing[id] = &pendingSubscribe{
		requested: filters,
		delivery:  delivery,
		token:     tok,
		deadline:  time.Now().Add(s.pendingDeadline()),
	}

	return pkt, tok, nil
}

// Unsubscribe starts an UNSUBSCRIBE for the given filters.
func (s *Session) Unsubscribe(filters []string) (*packets.UnsubscribePacket, Token, error) {
	id, ok := s.unsubIDs.allocate(func(id uint16) bool { _, in := s.unsubscribe[id]; return in })
	if !ok {
		return nil, nil, &StateError{Reason: "pending unsubscribe table saturated"}
	}

	pkt := &packets.UnsubscribePacket{PacketID: id, Topics: filters}

	tok := newToken()
	s.unsubscribe[id] = &pendingUnsubscribe{
		filters:  filters,
		token:    tok,
		deadline: time.Now().Add(s.pendingDeadline()),
	}

	return pkt, tok, nil
}

func (s *Session) pendingDeadline() time.Duration {
	return s.KeepAlive * pendingDeadlineMultiplier
}

// HandleIncoming applies one packet received from the broker, returning any
// packets the driver must write in reply. A non-nil error is always
// connection-fatal: the driver must close the transport and reconnect.
func (s *Session) HandleIncoming(pkt packets.Packet) ([]packets.Packet, error) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		return s.handlePublish(p)
	case *packets.PubackPacket:
		return nil, s.handlePuback(p)
	case *packets.PubrecPacket:
		return s.handlePubrec(p)
	case *packets.PubrelPacket:
		return s.handlePubrel(p)
	case *packets.PubcompPacket:
		return nil, s.handlePubcomp(p)
	case *packets.SubackPacket:
		return nil, s.handleSuback(p)
	case *packets.UnsubackPacket:
		return nil, s.handleUnsuback(p)
	case *packets.PingrespPacket:
		s.LastPingReqAt = time.Time{}
		return nil, nil
	case *packets.DisconnectPacket:
		return nil, &StateError{Reason: "server sent DISCONNECT"}
	default:
		return nil, &StateError{Reason: "unexpected packet type from server"}
	}
}

func (s *Session) handlePublish(p *packets.PublishPacket) ([]packets.Packet, error) {
	qos := QoS(p.QoS)

	switch qos {
	case AtMostOnce:
		s.deliver(p.Topic, p.Payload, qos, p.Retain, p.Dup)
		return nil, nil

	case AtLeastOnce:
		if err := s.deliver(p.Topic, p.Payload, qos, p.Retain, p.Dup); err != nil {
			return nil, err
		}
		return []packets.Packet{&packets.PubackPacket{PacketID: p.PacketID}}, nil

	case ExactlyOnce:
		if _, already := s.incomingQoS2[p.PacketID]; already {
			// Broker retransmission of a message we've already recorded;
			// do not deliver twice, just re-acknowledge receipt.
			return []packets.Packet{&packets.PubrecPacket{PacketID: p.PacketID}}, nil
		}
		s.incomingQoS2[p.PacketID] = Message{
			Topic:     p.Topic,
			Payload:   append([]byte(nil), p.Payload...),
			QoS:       qos,
			Retained:  p.Retain,
			Duplicate: p.Dup,
		}
		return []packets.Packet{&packets.PubrecPacket{PacketID: p.PacketID}}, nil

	default:
		return nil, &StateError{Reason: "publish with invalid qos"}
	}
}

// deliver routes a received publish to the most specific matching
// subscription, using a bounded wait so a stalled consumer cannot block the
// driver forever. QoS0 drops silently on a full channel; QoS>=1 escalates
// to a connection-fatal error so the broker redelivers after reconnect.
func (s *Session) deliver(topic string, payload []byte, qos QoS, retain, dup bool) error {
	sub := s.bestMatch(topic)
	if sub == nil {
		return nil
	}

	msg := Message{Topic: topic, Payload: payload, QoS: qos, Retained: retain, Duplicate: dup}

	if qos == AtMostOnce {
		select {
		case sub.delivery <- msg:
		default:
		}
		return nil
	}

	timer := time.NewTimer(deliveryTimeout)
	defer timer.Stop()
	select {
	case sub.delivery <- msg:
		return nil
	case <-timer.C:
		return ErrDeliveryFailed
	}
}

// bestMatch returns the active subscription with the highest specificity
// score among those matching topic, or nil if none match.
func (s *Session) bestMatch(topic string) *activeSubscription {
	var best *activeSubscription
	bestScore := -1

	for i := range s.active {
		profile, ok := Matches(s.active[i].filter, topic)
		if !ok {
			continue
		}
		if score := profile.Score(); score > bestScore {
			bestScore = score
			best = &s.active[i]
		}
	}
	return best
}

func (s *Session) handlePuback(p *packets.PubackPacket) error {
	entry, ok := s.outgoing[p.PacketID]
	if !ok || entry.state != awaitingAck {
		return ErrUnsolicited("PUBACK", p.PacketID)
	}
	delete(s.outgoing, p.PacketID)
	entry.token.complete(nil)
	return nil
}

func (s *Session) handlePubrec(p *packets.PubrecPacket) ([]packets.Packet, error) {
	entry, ok := s.outgoing[p.PacketID]
	if !ok || entry.state != awaitingRec {
		return nil, ErrUnsolicited("PUBREC", p.PacketID)
	}
	entry.state = awaitingComp
	return []packets.Packet{&packets.PubrelPacket{PacketID: p.PacketID}}, nil
}

func (s *Session) handlePubrel(p *packets.PubrelPacket) ([]packets.Packet, error) {
	msg, ok := s.incomingQoS2[p.PacketID]
	if !ok {
		return nil, ErrUnsolicited("PUBREL", p.PacketID)
	}
	delete(s.incomingQoS2, p.PacketID)

	if err := s.deliver(msg.Topic, msg.Payload, msg.QoS, msg.Retained, msg.Duplicate); err != nil {
		return nil, err
	}
	return []packets.Packet{&packets.PubcompPacket{PacketID: p.PacketID}}, nil
}

func (s *Session) handlePubcomp(p *packets.PubcompPacket) error {
	entry, ok := s.outgoing[p.PacketID]
	if !ok || entry.state != awaitingComp {
		return ErrUnsolicited("PUBCOMP", p.PacketID)
	}
	delete(s.outgoing, p.PacketID)
	entry.token.complete(nil)
	return nil
}

func (s *Session) handleSuback(p *packets.SubackPacket) error {
	pending, ok := s.subscribing[p.PacketID]
	if !ok {
		return ErrUnsolicited("SUBACK", p.PacketID)
	}
	delete(s.subscribing, p.PacketID)

	if len(p.ReturnCodes) != len(pending.requested) {
		err := &StateError{Reason: "SUBACK result count does not match SUBSCRIBE filter count"}
		if !pending.internal {
			pending.token.complete(err)
		}
		return err
	}

	granted := make([]FilterQoS, 0, len(pending.requested))
	for i, code := range p.ReturnCodes {
		if code == packets.SubackFailure {
			s.removeActive(pending.requested[i].Filter)
			continue
		}
		qos := QoS(code)
		s.addOrReplaceActive(pending.requested[i].Filter, qos, pending.delivery)
		granted = append(granted, FilterQoS{Filter: pending.requested[i].Filter, QoS: qos})
	}

	if !pending.internal {
		pending.token.granted = granted
		pending.token.complete(nil)
	}
	return nil
}

// addOrReplaceActive records or updates an active subscription. A nil
// delivery leaves an existing entry's channel untouched, which is how the
// internal resubscribe-on-reconnect SUBACK refreshes granted QoS without
// disturbing the application's original delivery channel.
func (s *Session) addOrReplaceActive(filter string, qos QoS, delivery chan Message) {
	for i := range s.active {
		if s.active[i].filter == filter {
			s.active[i].qos = qos
			if delivery != nil {
				s.active[i].delivery = delivery
			}
			return
		}
	}
	if delivery == nil {
		return
	}
	s.active = append(s.active, activeSubscription{filter: filter, qos: qos, delivery: delivery})
}

func (s *Session) handleUnsuback(p *packets.UnsubackPacket) error {
	pending, ok := s.unsubscribe[p.PacketID]
	if !ok {
		return ErrUnsolicited("UNSUBACK", p.PacketID)
	}
	delete(s.unsubscribe, p.PacketID)

	for _, filter := range pending.filters {
		s.removeActive(filter)
	}

	pending.token.complete(nil)
	return nil
}

func (s *Session) removeActive(filter string) {
	for i := range s.active {
		if s.active[i].filter == filter {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

// HasExpiredRequests reports whether any pending subscribe/unsubscribe
// request, or an outstanding PingReq, has sat unanswered past its deadline.
func (s *Session) HasExpiredRequests(now time.Time) bool {
	for _, p := range s.subscribing {
		if now.After(p.deadline) {
			return true
		}
	}
	for _, p := range s.unsubscribe {
		if now.After(p.deadline) {
			return true
		}
	}
	if !s.LastPingReqAt.IsZero() && now.Sub(s.LastPingReqAt) > s.pendingDeadline() {
		return true
	}
	return false
}

// Resubscribe synthesizes a single SUBSCRIBE covering every active
// subscription's filter at its last granted QoS, for use after a reconnect
// reports session_present=false. Its SUBACK is marked internal so it never
// notifies an application caller. Returns false if there is nothing to
// resubscribe.
func (s *Session) Resubscribe() (*packets.SubscribePacket, bool) {
	if len(s.active) == 0 {
		return nil, false
	}

	id, ok := s.subIDs.allocate(func(id uint16) bool { _, in := s.subscribing[id]; return in })
	if !ok {
		return nil, false
	}

	pkt := &packets.SubscribePacket{PacketID: id}
	requested := make([]FilterQoS, 0, len(s.active))
	for _, sub := range s.active {
		pkt.Topics = append(pkt.Topics, sub.filter)
		pkt.QoS = append(pkt.QoS, uint8(sub.qos))
		requested = append(requested, FilterQoS{Filter: sub.filter, QoS: sub.qos})
	}

	// delivery is left nil: every filter here already has a live entry in
	// s.active with its own channel, so the SUBACK handler only needs to
	// refresh granted QoS, not rewire delivery.
	s.subscribing[id] = &pendingSubscribe{
		requested: requested,
		delivery:  nil,
		token:     newSubscribeToken(),
		deadline:  time.Now().Add(s.pendingDeadline()),
		internal:  true,
	}

	return pkt, true
}

// RetransmitPending returns the packets needed to resend every
// unacknowledged outgoing publish after a reconnect, with duplicate set.
// AwaitingAck/AwaitingRec entries resend the original PUBLISH; AwaitingComp
// entries have already been PUBRECed, so only the PUBREL is resent.
func (s *Session) RetransmitPending() []packets.Packet {
	var out []packets.Packet
	for _, entry := range s.outgoing {
		switch entry.state {
		case awaitingComp:
			out = append(out, &packets.PubrelPacket{PacketID: entry.packet.PacketID})
		default:
			entry.packet.Dup = true
			out = append(out, entry.packet)
		}
	}
	return out
}

// Abort completes every pending token with ErrClientDisconnected, used when
// the driver shuts down with requests still outstanding.
func (s *Session) Abort() {
	for _, e := range s.outgoing {
		e.token.complete(ErrClientDisconnected)
	}
	for _, p := range s.subscribing {
		if !p.internal {
			p.token.complete(ErrClientDisconnected)
		}
	}
	for _, p := range s.unsubscribe {
		p.token.complete(ErrClientDisconnected)
	}
}
