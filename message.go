package mqtt

// Message is a delivered publication handed to a subscription's Recv.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       QoS
	Retained  bool
	Duplicate bool
}
