package mqtt

import (
	"crypto/tls"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Will describes a Last Will and Testament the broker publishes on the
// client's behalf if the connection is lost without a clean DISCONNECT.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      QoS
	Retained bool
}

// Credentials is the optional username/password pair sent in CONNECT.
// A non-empty Password requires a non-empty Username (MQTT-3.1.2-22).
type Credentials struct {
	Username string
	Password string
}

// options holds the driver's configuration, built up by Option functions.
type options struct {
	host string
	port int
	tls  *tls.Config

	clientID     string
	keepAlive    time.Duration
	cleanSession bool
	credentials  *Credentials
	will         *Will

	connectTimeout time.Duration
	minBackoff     time.Duration
	maxBackoff     time.Duration

	logger *slog.Logger

	registerer prometheus.Registerer
}

func defaultOptions() *options {
	return &options{
		port:           1883,
		keepAlive:      60 * time.Second,
		cleanSession:   true,
		connectTimeout: 30 * time.Second,
		minBackoff:     75 * time.Millisecond,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option configures a Client at construction time.
type Option func(*options)

// WithHostPort sets the broker address. Port 0 leaves the scheme's default
// (1883 plain, 8883 TLS) from WithTLS/the URL passed to Dial.
func WithHostPort(host string, port int) Option {
	return func(o *options) {
		o.host = host
		if port != 0 {
			o.port = port
		}
	}
}

// WithTLS selects a TLS transport using the given configuration. A nil
// config still enables TLS with Go's zero-value defaults.
func WithTLS(config *tls.Config) Option {
	return func(o *options) {
		if config == nil {
			config = &tls.Config{}
		}
		o.tls = config
		if o.port == 1883 {
			o.port = 8883
		}
	}
}

// WithClientID sets the CONNECT client identifier. An empty identifier is
// never sent: when none is set, or the one set is empty, Dial substitutes a
// random "mqtt-<uuid>" identifier (see randomClientID).
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}

// WithKeepAlive sets the keep-alive interval (default 60s). It also bounds
// the CONNACK wait and the pending-request deadline (2x keep-alive).
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAlive = d }
}

// WithCleanSession sets the CONNECT clean-session flag (default true).
func WithCleanSession(clean bool) Option {
	return func(o *options) { o.cleanSession = clean }
}

// WithCredentials sets the username/password carried in CONNECT.
func WithCredentials(username, password string) Option {
	return func(o *options) { o.credentials = &Credentials{Username: username, Password: password} }
}

// WithWill sets the Last Will and Testament carried in CONNECT.
func WithWill(w Will) Option {
	return func(o *options) { o.will = &w }
}

// WithConnectTimeout bounds the transport dial of each connection attempt
// (default 30s). The CONNACK wait is bounded by the keep-alive interval
// instead, and by this value only when keep-alive is zero.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithBackoff sets the reconnect hold-off range (default [75ms, keep-alive]).
func WithBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.minBackoff = min
		o.maxBackoff = max
	}
}

// WithLogger sets a custom logger for the client. If not provided, the
// client uses a logger that discards all output.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	client, _ := mqtt.Dial("mqtt://localhost:1883", mqtt.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics registers the driver's prometheus collectors (reconnects,
// packets sent/received, in-flight publishes) with reg. Unset, no metrics
// are collected.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// randomClientID generates a client id the way the wider retrieval pack's
// MQTT clients do when the caller leaves WithClientID unset.
func randomClientID() string {
	return "mqtt-" + uuid.NewString()
}
