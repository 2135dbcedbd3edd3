// Package connmgr bridges provisioning to a long-lived hub session: it
// drives provisioning on a dedicated transport, then opens a second
// transport to the assigned hub with the same TLS identity and exposes a
// single "connected" surface to the rest of the core.
package connmgr

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Afulu-M/mqtt-tracker-simulator/internal/clock"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/provisioning"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/transport"
)

const twinTopicPrefix = "twin/"

// State is the single user-facing connection state.
type State string

const (
	Disconnected    State = "Disconnected"
	Provisioning    State = "Provisioning"
	ConnectingToHub State = "ConnectingToHub"
	Connected       State = "Connected"
	Failed          State = "Failed"
)

const (
	hubPort        = 8883
	hubAPIVersion  = "2021-06-01"
	commandsSuffix = "/messages/devicebound/#"
	maxReconnects  = 10
)

// Identity names the provisioning registration and the shared TLS
// material used for both the provisioning and hub transports.
type Identity struct {
	IDScope  string
	IMEI     string
	Endpoint string // DPS global endpoint
	TLS      transport.Identity
}

// TransportFactory builds a fresh transport instance; overridden in tests
// to avoid real sockets.
type TransportFactory func() provisioning.Conn

// Manager orchestrates C3 then owns the hub transport for the session.
type Manager struct {
	identity Identity
	newConn  TransportFactory
	clock    clock.Clock
	logger   *log.Logger

	state       State
	deviceID    string
	assignedHub string

	prov *provisioning.Provisioning
	hub  provisioning.Conn

	reconnectAttempts int

	onStateChange func(State)
	onCommand     func(topic string, payload []byte)
	onTwinMessage func(topic string, payload []byte)
}

// New builds a connection manager. newConn must return a new, unconnected
// transport each call (the manager needs two independent instances: one
// for provisioning, one for the hub).
func New(identity Identity, newConn TransportFactory, c clock.Clock, logger *log.Logger) *Manager {
	return &Manager{identity: identity, newConn: newConn, clock: c, logger: logger, state: Disconnected}
}

// OnStateChange registers a callback invoked after every state transition.
func (m *Manager) OnStateChange(f func(State)) { m.onStateChange = f }

// OnCommand registers the callback for inbound cloud-to-device command
// messages once connected to the hub.
func (m *Manager) OnCommand(f func(topic string, payload []byte)) { m.onCommand = f }

// OnTwinMessage registers the callback for inbound twin protocol
// messages (responses and desired-property patches) once connected to
// the hub. The manager owns the hub transport's single message slot and
// fans out to this callback or OnCommand by topic, since twin.Adapter
// no longer registers itself directly on the transport.
func (m *Manager) OnTwinMessage(f func(topic string, payload []byte)) { m.onTwinMessage = f }

func (m *Manager) setState(s State) {
	m.state = s
	if m.onStateChange != nil {
		m.onStateChange(s)
	}
}

// State returns the current connection state.
func (m *Manager) State() State { return m.state }

// DeviceID returns the hub-assigned device id, populated once Connected.
func (m *Manager) DeviceID() string { return m.deviceID }

// Connect is single-shot: it drives provisioning then opens the hub
// session. Re-provisioning requires a fresh Manager.
func (m *Manager) Connect() error {
	if err := validateIdentity(m.identity.TLS); err != nil {
		m.setState(Failed)
		return err
	}

	m.setState(Provisioning)
	dpsConn := m.newConn()
	m.prov = provisioning.New(provisioning.Config{
		IDScope:  m.identity.IDScope,
		IMEI:     m.identity.IMEI,
		Endpoint: m.identity.Endpoint,
		Port:     hubPort,
		Identity: m.identity.TLS,
	}, dpsConn, m.clock, m.logger)

	m.prov.Start(m.onProvisioned)
	return nil
}

func validateIdentity(id transport.Identity) error {
	if id.CertPath == "" || id.KeyPath == "" {
		return fmt.Errorf("connmgr: certificate paths not configured")
	}
	return nil
}

func (m *Manager) onProvisioned(a provisioning.Assignment, err error) {
	m.prov = nil
	if err != nil {
		m.setState(Failed)
		return
	}

	m.deviceID = a.DeviceID
	m.assignedHub = a.AssignedHub
	m.setState(ConnectingToHub)

	m.hub = m.newConn()
	m.hub.OnMessage(m.handleHubMessage)
	m.hub.OnConnectionChange(m.handleHubConnectionChange)

	username := fmt.Sprintf("%s/%s/?api-version=%s", a.AssignedHub, a.DeviceID, hubAPIVersion)
	if connErr := m.hub.ConnectTLS(a.AssignedHub, hubPort, a.DeviceID, username, m.identity.TLS); connErr != nil {
		m.setState(Failed)
		return
	}

	if subErr := m.hub.Subscribe(fmt.Sprintf("devices/%s%s", a.DeviceID, commandsSuffix), 1); subErr != nil {
		m.setState(Failed)
		return
	}

	m.reconnectAttempts = 0
	m.setState(Connected)
}

// handleHubMessage is the hub transport's single registered message
// handler; it multiplexes by topic since OnMessage only accepts one
// callback per transport. Twin-addressed topics go to onTwinMessage,
// everything else (cloud-to-device commands) goes to onCommand.
func (m *Manager) handleHubMessage(topic string, payload []byte) {
	if strings.HasPrefix(topic, twinTopicPrefix) {
		if m.onTwinMessage != nil {
			m.onTwinMessage(topic, payload)
		}
		return
	}
	if m.onCommand != nil {
		m.onCommand(topic, payload)
	}
}

func (m *Manager) handleHubConnectionChange(connected bool, err error) {
	if connected || m.state != Connected {
		return
	}
	m.setState(Disconnected)
}

// Publish prefixes a relative topic onto the device-to-cloud telemetry
// path; an absolute topic (one already starting with "devices/") passes
// through unchanged.
func (m *Manager) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if m.hub == nil {
		return fmt.Errorf("connmgr: not connected to hub")
	}
	return m.hub.Publish(m.resolveTelemetryTopic(topic), payload, qos, retained)
}

// Subscribe prefixes a relative topic onto the cloud-to-device command
// path; an absolute topic passes through unchanged.
func (m *Manager) Subscribe(topic string, qos byte) error {
	if m.hub == nil {
		return fmt.Errorf("connmgr: not connected to hub")
	}
	return m.hub.Subscribe(m.resolveCommandTopic(topic), qos)
}

func (m *Manager) resolveTelemetryTopic(topic string) string {
	if hasDevicesPrefix(topic) {
		return topic
	}
	return fmt.Sprintf("devices/%s/messages/events/%s", m.deviceID, topic)
}

func (m *Manager) resolveCommandTopic(topic string) string {
	if hasDevicesPrefix(topic) {
		return topic
	}
	return fmt.Sprintf("devices/%s/messages/devicebound/%s", m.deviceID, topic)
}

func hasDevicesPrefix(topic string) bool {
	return len(topic) >= len("devices/") && topic[:len("devices/")] == "devices/"
}

// HubTransport exposes the raw hub connection for components (the twin
// adapter) that need to subscribe/publish directly without topic
// prefixing.
func (m *Manager) HubTransport() provisioning.Conn { return m.hub }

// Disconnect is total and idempotent: cancels provisioning if in flight,
// disconnects both transports, transitions to Disconnected. Outstanding
// telemetry retries are the telemetry pipeline's concern, not the
// manager's; applied-config state on disk is unaffected.
func (m *Manager) Disconnect() {
	if m.prov != nil {
		m.prov.Cancel()
		m.prov = nil
	}
	if m.hub != nil {
		m.hub.Disconnect()
		m.hub = nil
	}
	m.setState(Disconnected)
}

// ReconnectNeeded reports whether the manager dropped out of Connected
// and is waiting for the host to drive a reconnect attempt.
func (m *Manager) ReconnectNeeded() bool {
	return m.state == Disconnected && m.deviceID != ""
}

// ReconnectAttempts returns how many reconnect attempts have been made
// since the last Connected->Disconnected transition.
func (m *Manager) ReconnectAttempts() int { return m.reconnectAttempts }

// ReconnectBackoff returns min(60s, 2^n) seconds for attempt n, matching
// spec.md §5's reconnect schedule.
func ReconnectBackoff(attempt int) time.Duration {
	d := time.Duration(1) << uint(attempt)
	if d > 60 {
		d = 60
	}
	return d * time.Second
}

// AttemptReconnect re-opens the hub transport with the existing identity.
// After maxReconnects failed attempts it surfaces a terminal Failed state
// and returns PolicyExhausted.
func (m *Manager) AttemptReconnect() error {
	if m.reconnectAttempts >= maxReconnects {
		m.setState(Failed)
		return fmt.Errorf("connmgr: PolicyExhausted: %d reconnect attempts failed", m.reconnectAttempts)
	}
	m.reconnectAttempts++

	m.hub = m.newConn()
	m.hub.OnMessage(m.handleHubMessage)
	m.hub.OnConnectionChange(m.handleHubConnectionChange)

	username := fmt.Sprintf("%s/%s/?api-version=%s", m.assignedHub, m.deviceID, hubAPIVersion)
	if err := m.hub.ConnectTLS(m.assignedHub, hubPort, m.deviceID, username, m.identity.TLS); err != nil {
		return err
	}
	m.reconnectAttempts = 0
	m.setState(Connected)
	return nil
}

// ProcessEvents drives provisioning (if in flight) and the hub transport.
func (m *Manager) ProcessEvents() {
	if m.prov != nil {
		m.prov.ProcessEvents()
	}
	if m.hub != nil {
		m.hub.ProcessEvents()
	}
}
