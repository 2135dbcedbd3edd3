// Package transport wraps paho.mqtt.golang to give the rest of the core a
// small, synchronous-looking surface: connect with either a password or a
// client certificate, publish/subscribe, and drain inbound callbacks on a
// ProcessEvents tick. Keep-alive and the actual socket I/O are left to the
// paho client itself, same as the teacher's collector service; paho's
// automatic reconnect is disabled, so reconnects are driven by the caller
// (internal/connmgr).
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	keepAlive      = 240 * time.Second
	connectTimeout = 30 * time.Second
	offlineQueueCap = 100
)

// ErrorKind classifies a transport failure.
type ErrorKind string

const (
	MissingCertificate ErrorKind = "MissingCertificate"
	HandshakeFailed    ErrorKind = "HandshakeFailed"
	ConnectFailed      ErrorKind = "ConnectFailed"
	PublishFailed      ErrorKind = "PublishFailed"
	SubscribeFailed    ErrorKind = "SubscribeFailed"
)

// Error is returned for any transport-level failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %s", e.Kind, e.Message) }

// Identity is the X.509 client-auth material used for mutual TLS.
type Identity struct {
	CertPath     string
	KeyPath      string
	CAPath       string
	VerifyServer bool
}

// pendingMessage is one entry in the bounded offline publish queue.
type pendingMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// MessageHandler receives every inbound message, already drained off
// paho's own delivery goroutine by ProcessEvents.
type MessageHandler func(topic string, payload []byte)

// ConnectionHandler is invoked whenever the connection transitions up or
// down; err is nil on connect.
type ConnectionHandler func(connected bool, err error)

// Transport is one MQTT/TLS session. A device client uses two instances
// in its lifetime: one for provisioning, one for the assigned hub — they
// share no state.
type Transport struct {
	logger *log.Logger

	mu      sync.Mutex
	client  mqtt.Client
	queue   []pendingMessage
	pending chan mqtt.Message

	onMessage    MessageHandler
	onConnection ConnectionHandler

	// AllowInsecureLegacy controls the server-certificate verification
	// default for ConnectPassword. The spec's legacy auth path disables
	// verification by hardcoded default; this field exists so a caller
	// can opt into the recommended-but-not-default verified mode without
	// forking the package (see DESIGN.md, Open Questions resolved).
	AllowInsecureLegacy bool
}

// New creates an unconnected transport. logger must not be nil.
func New(logger *log.Logger) *Transport {
	return &Transport{
		logger:              logger,
		pending:             make(chan mqtt.Message, 256),
		AllowInsecureLegacy: true,
	}
}

// OnMessage registers the single inbound-message callback.
func (t *Transport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = h
}

// OnConnectionChange registers the single connect/disconnect callback.
func (t *Transport) OnConnectionChange(h ConnectionHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnection = h
}

func (t *Transport) dispatchMessage(msg mqtt.Message) {
	select {
	case t.pending <- msg:
	default:
		t.logger.Printf("transport: inbound buffer full, dropping message on %s", msg.Topic())
	}
}

// ProcessEvents drains messages received since the last call and invokes
// the registered handler for each, in arrival order. It performs bounded
// work and never blocks: callers may invoke it on every host tick.
func (t *Transport) ProcessEvents() {
	for {
		select {
		case msg := <-t.pending:
			t.mu.Lock()
			h := t.onMessage
			t.mu.Unlock()
			if h != nil {
				h(msg.Topic(), msg.Payload())
			}
		default:
			return
		}
	}
}

// ConnectPassword connects over TLS using username/password auth. Server
// certificate verification is disabled by default for this path per
// spec.md §4.2 — a documented risk, not an oversight.
func (t *Transport) ConnectPassword(host string, port int, clientID, username, password string) error {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.AllowInsecureLegacy,
	}
	return t.connect(host, port, clientID, username, password, tlsCfg)
}

// ConnectTLS connects using a client certificate for mutual TLS.
func (t *Transport) ConnectTLS(host string, port int, clientID, username string, identity Identity) error {
	if err := validateCertFiles(identity); err != nil {
		return err
	}

	cert, err := tls.LoadX509KeyPair(identity.CertPath, identity.KeyPath)
	if err != nil {
		return &Error{Kind: HandshakeFailed, Message: "load client certificate: " + err.Error()}
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: !identity.VerifyServer,
	}

	if identity.CAPath != "" {
		caBytes, err := os.ReadFile(identity.CAPath)
		if err != nil {
			return &Error{Kind: MissingCertificate, Message: "read CA bundle: " + err.Error()}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return &Error{Kind: HandshakeFailed, Message: "CA bundle contains no usable certificates"}
		}
		tlsCfg.RootCAs = pool
	}

	return t.connect(host, port, clientID, username, "", tlsCfg)
}

func validateCertFiles(identity Identity) error {
	for _, p := range []string{identity.CertPath, identity.KeyPath} {
		if p == "" {
			return &Error{Kind: MissingCertificate, Message: "certificate path not configured"}
		}
		f, err := os.Open(p)
		if err != nil {
			return &Error{Kind: MissingCertificate, Message: p + ": " + err.Error()}
		}
		f.Close()
	}
	if identity.CAPath != "" {
		f, err := os.Open(identity.CAPath)
		if err != nil {
			return &Error{Kind: MissingCertificate, Message: identity.CAPath + ": " + err.Error()}
		}
		f.Close()
	}
	return nil
}

func (t *Transport) connect(host string, port int, clientID, username, password string, tlsCfg *tls.Config) error {
	opts := mqtt.NewClientOptions().
		AddBroker("ssl://" + host + ":" + strconv.Itoa(port)).
		SetClientID(clientID).
		SetTLSConfig(tlsCfg).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false)

	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		t.dispatchMessage(msg)
	})
	opts.OnConnect = func(c mqtt.Client) {
		t.drainOfflineQueue(c)
		t.mu.Lock()
		h := t.onConnection
		t.mu.Unlock()
		if h != nil {
			h(true, nil)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		t.mu.Lock()
		h := t.onConnection
		t.mu.Unlock()
		if h != nil {
			h(false, err)
		}
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return &Error{Kind: ConnectFailed, Message: "timed out waiting for CONNACK"}
	}
	if err := token.Error(); err != nil {
		return &Error{Kind: ConnectFailed, Message: err.Error()}
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return nil
}

// Disconnect closes the session. Safe to call when already disconnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()
	if c != nil && c.IsConnected() {
		c.Disconnect(250)
	}
}

// IsConnected reports whether the underlying client is live.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.client.IsConnected()
}

// telemetryTopicMarker identifies device-to-cloud telemetry publishes so
// the transport can append the content-type system properties spec.md
// §4.2 allows. Twin topics never match this and are passed through
// unchanged.
const telemetryTopicMarker = "messages/events"

func decorateTelemetryTopic(topic string) string {
	if !strings.Contains(topic, telemetryTopicMarker) {
		return topic
	}
	sep := "?"
	if strings.Contains(topic, "?") {
		sep = "&"
	}
	return topic + sep + "$.ct=application%2Fjson&$.ce=utf-8"
}

// Publish sends payload on topic. While disconnected the message is
// queued (FIFO, bounded, drop-oldest) and flushed on the next connect.
func (t *Transport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	topic = decorateTelemetryTopic(topic)

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil || !client.IsConnected() {
		t.enqueueOffline(pendingMessage{topic: topic, payload: payload, qos: qos, retained: retained})
		return nil
	}

	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(connectTimeout) {
		t.enqueueOffline(pendingMessage{topic: topic, payload: payload, qos: qos, retained: retained})
		return &Error{Kind: PublishFailed, Message: "publish timed out"}
	}
	if err := token.Error(); err != nil {
		t.enqueueOffline(pendingMessage{topic: topic, payload: payload, qos: qos, retained: retained})
		return &Error{Kind: PublishFailed, Message: err.Error()}
	}
	return nil
}

func (t *Transport) enqueueOffline(m pendingMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) >= offlineQueueCap {
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, m)
}

// drainOfflineQueue publishes every queued message in FIFO order before
// returning control to the caller of Connect/reconnect.
func (t *Transport) drainOfflineQueue(c mqtt.Client) {
	t.mu.Lock()
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, m := range queue {
		token := c.Publish(m.topic, m.qos, m.retained, m.payload)
		token.WaitTimeout(connectTimeout)
		if err := token.Error(); err != nil {
			t.logger.Printf("transport: failed to drain queued publish to %s: %v", m.topic, err)
		}
	}
}

// QueueLen reports the number of messages currently queued offline.
func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Subscribe subscribes to topic at the given QoS. Inbound messages arrive
// through the handler registered with OnMessage.
func (t *Transport) Subscribe(topic string, qos byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return &Error{Kind: SubscribeFailed, Message: "not connected"}
	}
	token := client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(connectTimeout) {
		return &Error{Kind: SubscribeFailed, Message: "subscribe timed out"}
	}
	if err := token.Error(); err != nil {
		return &Error{Kind: SubscribeFailed, Message: err.Error()}
	}
	return nil
}

// Unsubscribe removes a subscription.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	token := client.Unsubscribe(topic)
	token.WaitTimeout(connectTimeout)
	return token.Error()
}
