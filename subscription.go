package mqtt

import (
	"context"
	"runtime"
	"sync"
)

// subscriptionState is the data the Drop-time cleanup needs. It is kept
// separate from Subscription itself because runtime.AddCleanup's cleanup
// function must not capture the object the cleanup is attached to, or the
// object would never become unreachable.
type subscriptionState struct {
	client *Client

	mu      sync.Mutex
	filters []FilterQoS // drained to nil once released, making Drop/Unsubscribe idempotent
}

func (st *subscriptionState) release() []FilterQoS {
	st.mu.Lock()
	defer st.mu.Unlock()
	filters := st.filters
	st.filters = nil
	return filters
}

func (st *subscriptionState) peek() []FilterQoS {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]FilterQoS(nil), st.filters...)
}

// Subscription is the application-facing handle for one or more granted
// topic filters. The driver owns the send side of its delivery channel;
// Subscription owns the receive side.
type Subscription struct {
	delivery chan Message
	state    *subscriptionState
}

func newSubscription(c *Client, filters []FilterQoS, delivery chan Message) *Subscription {
	state := &subscriptionState{client: c, filters: filters}
	s := &Subscription{delivery: delivery, state: state}

	// Go has no destructors, so runtime.AddCleanup stands in: this cleanup
	// fires a fire-and-forget Unsubscribe once s becomes unreachable,
	// without blocking. The cleanup closure only captures state, never s
	// itself, so attaching it to s does not keep s alive.
	runtime.AddCleanup(s, dropHook, state)

	return s
}

// dropHook submits a best-effort fire-and-forget Unsubscribe (no await)
// for any filters still active when the Subscription is collected.
func dropHook(st *subscriptionState) {
	filters := st.release()
	if len(filters) == 0 {
		return
	}
	names := make([]string, len(filters))
	for i, f := range filters {
		names[i] = f.Filter
	}
	st.client.unsubscribeFireAndForget(names)
}

// Recv returns the next delivered message, or ok=false once the delivery
// channel is closed.
func (s *Subscription) Recv() (Message, bool) {
	msg, ok := <-s.delivery
	return msg, ok
}

// Unsubscribe drains this subscription's filter list and submits an
// UNSUBSCRIBE, waiting for UNSUBACK. After this call, Filters returns nil
// and the Drop-time hook becomes a no-op.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	filters := s.state.release()
	if len(filters) == 0 {
		return nil
	}
	names := make([]string, len(filters))
	for i, f := range filters {
		names[i] = f.Filter
	}
	return s.state.client.Unsubscribe(ctx, names)
}

// Filters returns the filters granted to this subscription and their
// granted QoS.
func (s *Subscription) Filters() []FilterQoS {
	return s.state.peek()
}
