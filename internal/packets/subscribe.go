package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SubscribePacket represents an MQTT SUBSCRIBE control packet.
type SubscribePacket struct {
	PacketID uint16
	Topics   []string
	QoS      []uint8 // requested QoS per topic, same length as Topics
}

// Type returns the packet type.
func (p *SubscribePacket) Type() uint8 {
	return SUBSCRIBE
}

// WriteTo writes the SUBSCRIBE packet to the writer.
// SUBSCRIBE reserves flags 0x02 (MQTT-3.8.1-1).
func (p *SubscribePacket) WriteTo(w io.Writer) (int64, error) {
	if len(p.Topics) == 0 {
		return 0, fmt.Errorf("SUBSCRIBE must carry at least one topic filter")
	}
	if len(p.Topics) != len(p.QoS) {
		return 0, fmt.Errorf("SUBSCRIBE topics/qos length mismatch")
	}

	payloadLen := 0
	topicBytesList := make([][]byte, len(p.Topics))
	for i, topic := range p.Topics {
		tb := encodeString(topic)
		topicBytesList[i] = tb
		payloadLen += len(tb) + 1
	}

	header := &FixedHeader{
		PacketType:      SUBSCRIBE,
		Flags:           0x02,
		RemainingLength: 2 + payloadLen,
	}

	total, err := header.WriteTo(w)
	if err != nil {
		return total, err
	}

	var idBytes [2]byte
	binary.BigEndian.PutUint16(idBytes[:], p.PacketID)
	n, err := w.Write(idBytes[:])
	total += int64(n)
	if err != nil {
		return total, err
	}

	for i, tb := range topicBytesList {
		n, err = w.Write(tb)
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = w.Write([]byte{p.QoS[i] & 0x03})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// DecodeSubscribe decodes a SUBSCRIBE packet from the buffer.
func DecodeSubscribe(buf []byte) (*SubscribePacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for SUBSCRIBE packet")
	}

	pkt := &SubscribePacket{}
	offset := 0

	pkt.PacketID = binary.BigEndian.Uint16(buf[offset : offset+2])
	if pkt.PacketID == 0 {
		return nil, fmt.Errorf("SUBSCRIBE packet ID must be non-zero")
	}
	offset += 2

	for offset < len(buf) {
		topic, n, err := decodeString(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode topic filter: %w", err)
		}
		offset += n

		if offset >= len(buf) {
			return nil, fmt.Errorf("buffer too short for requested QoS byte")
		}
		qos := buf[offset] & 0x03
		if buf[offset] > 2 {
			return nil, fmt.Errorf("invalid requested QoS %d", buf[offset])
		}
		offset++

		pkt.Topics = append(pkt.Topics, topic)
		pkt.QoS = append(pkt.QoS, qos)
	}

	if len(pkt.Topics) == 0 {
		return nil, fmt.Errorf("SUBSCRIBE must carry at least one topic filter")
	}

	return pkt, nil
}
