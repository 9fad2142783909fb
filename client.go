package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Client holds only a sender handle onto the driver's command queue: it
// owns no session state and nothing about it needs to be synchronized
// beyond submitting commands.
type Client struct {
	d *driver

	closed chan struct{}
	runErr error

	shutdownOnce sync.Once
}

// Dial parses rawURL for its scheme and query conventions
// (mqtt/tcp -> plain, mqtts/ssl -> TLS; clean_session, client_id,
// keep_alive query keys) and connects a Client. Explicit Option values
// passed after opts override anything derived from the URL.
//
// Example:
//
//	client, err := mqtt.Dial("mqtt://broker.example:1883?client_id=sensor-1")
func Dial(rawURL string, opts ...Option) (*Client, error) {
	o := defaultOptions()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt: invalid broker URL: %w", err)
	}

	switch u.Scheme {
	case "mqtt", "tcp", "":
		o.port = 1883
	case "mqtts", "ssl", "tls":
		o.port = 8883
		o.tls = &tls.Config{}
	default:
		return nil, fmt.Errorf("mqtt: unsupported scheme %q", u.Scheme)
	}
	o.host = u.Hostname()
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			o.port = port
		}
	}

	q := u.Query()
	if v := q.Get("clean_session"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			o.cleanSession = b
		}
	}
	if v := q.Get("client_id"); v != "" {
		o.clientID = v
	}
	if v := q.Get("keep_alive"); v != "" {
		if secs, err := strconv.ParseUint(v, 10, 16); err == nil {
			o.keepAlive = time.Duration(secs) * time.Second
		}
	}

	for _, opt := range opts {
		opt(o)
	}
	if o.clientID == "" {
		o.clientID = randomClientID()
	}

	return newClient(o), nil
}

func newClient(o *options) *Client {
	d := newDriver(o)
	c := &Client{d: d, closed: make(chan struct{})}

	go func() {
		c.runErr = d.run(context.Background())
		close(c.closed)
	}()

	return c
}

// Publish submits a PUBLISH and returns a Token completed per QoS:
// immediately for QoS0, on PUBACK for QoS1, on PUBCOMP for QoS2.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) (Token, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if !qos.valid() {
		return nil, &StateError{Reason: "invalid QoS"}
	}

	cmd := &publishCommand{topic: topic, payload: payload, qos: qos, retain: retain, result: make(chan tokenResult, 1)}
	if err := c.submit(ctx, cmd); err != nil {
		return nil, err
	}

	select {
	case r := <-cmd.result:
		return r.token, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe submits a SUBSCRIBE for filters and blocks until the matching
// SUBACK is processed, returning a Subscription wired to a delivery channel
// of the given capacity.
func (c *Client) Subscribe(ctx context.Context, filters []FilterQoS, bufferSize int) (*Subscription, error) {
	for _, f := range filters {
		if err := ValidateFilter(f.Filter); err != nil {
			return nil, err
		}
	}

	delivery := make(chan Message, bufferSize)
	cmd := &subscribeCommand{filters: filters, delivery: delivery, result: make(chan tokenResult, 1)}
	if err := c.submit(ctx, cmd); err != nil {
		return nil, err
	}

	var tok Token
	select {
	case r := <-cmd.result:
		if r.err != nil {
			return nil, r.err
		}
		tok = r.token
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := tok.Wait(ctx); err != nil {
		return nil, err
	}

	// The SUBACK can refuse individual filters (MQTT-3.8.4-6), so the
	// Subscription must reflect what the broker actually granted, not the
	// original request.
	granted := tok.(*subscribeToken).granted

	return newSubscription(c, granted, delivery), nil
}

// Unsubscribe submits an UNSUBSCRIBE for filters and waits for UNSUBACK.
func (c *Client) Unsubscribe(ctx context.Context, filters []string) error {
	cmd := &unsubscribeCommand{filters: filters, result: make(chan tokenResult, 1)}
	if err := c.submit(ctx, cmd); err != nil {
		return err
	}

	var tok Token
	select {
	case r := <-cmd.result:
		if r.err != nil {
			return r.err
		}
		tok = r.token
	case <-ctx.Done():
		return ctx.Err()
	}

	return tok.Wait(ctx)
}

// unsubscribeFireAndForget submits an UNSUBSCRIBE without waiting for the
// result, used by Subscription's Drop-time auto-unsubscribe.
func (c *Client) unsubscribeFireAndForget(filters []string) {
	select {
	case c.d.commands <- &unsubscribeCommand{filters: filters}:
	default:
		// Command queue saturated; this path is best-effort, drop rather than block.
	}
}

// Disconnect submits a clean Shutdown and waits for the driver to exit.
func (c *Client) Disconnect(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		done := make(chan struct{})
		cmd := &shutdownCommand{done: done}
		if serr := c.submit(ctx, cmd); serr != nil {
			err = serr
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		<-c.closed
		err = c.runErr
	})
	return err
}

// submit enqueues cmd on the driver's command channel, respecting ctx and
// the driver having already exited.
func (c *Client) submit(ctx context.Context, cmd any) error {
	select {
	case c.d.commands <- cmd:
		return nil
	case <-c.closed:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
