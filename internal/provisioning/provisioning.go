// Package provisioning drives the registration-then-assignment state
// machine that maps a device's registration id to a hub over MQTT/TLS,
// modeled on Azure IoT Hub's Device Provisioning Service protocol.
package provisioning

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Afulu-M/mqtt-tracker-simulator/internal/clock"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/transport"
)

// State is one node of the provisioning state machine. Represented as a
// closed set rather than virtual dispatch so invalid states are
// unrepresentable.
type State string

const (
	Idle        State = "Idle"
	Connecting  State = "Connecting"
	Registering State = "Registering"
	Polling     State = "Polling"
	Completed   State = "Completed"
	Failed      State = "Failed"
)

const (
	apiVersion     = "2021-06-01"
	pollInterval   = 2 * time.Second
	overallTimeout = 120 * time.Second
	registerTopic  = "registrations/PUT/register/?rid=1"
	pollTopicBase  = "registrations/GET/status/?rid=2&operationId="
	resTopicPrefix = "registrations/res/"
)

// ErrorKind classifies a terminal provisioning failure.
type ErrorKind string

const (
	Timeout           ErrorKind = "Timeout"
	Refused           ErrorKind = "Refused"
	MissingAssignment ErrorKind = "MissingAssignment"
	Canceled          ErrorKind = "Canceled"
)

// Error is the typed failure delivered to the completion callback.
type Error struct {
	Kind   ErrorKind
	Status string
}

func (e *Error) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("provisioning: %s (status=%s)", e.Kind, e.Status)
	}
	return fmt.Sprintf("provisioning: %s", e.Kind)
}

// Assignment is produced exactly once on success.
type Assignment struct {
	AssignedHub string
	DeviceID    string
}

// Config names the registration identity and transport endpoint.
type Config struct {
	IDScope  string
	IMEI     string
	Endpoint string
	Port     int
	Identity transport.Identity
}

// CompletionFunc is invoked exactly once, with either a populated
// Assignment and nil error, or a zero Assignment and a non-nil *Error.
type CompletionFunc func(Assignment, error)

// Conn is the subset of *transport.Transport provisioning needs. Defined
// here (dynamic dispatch; see DESIGN.md's internal/provisioning entry)
// so tests can script responses without a real broker.
type Conn interface {
	ConnectTLS(host string, port int, clientID, username string, identity transport.Identity) error
	Disconnect()
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte) error
	OnConnectionChange(transport.ConnectionHandler)
	OnMessage(transport.MessageHandler)
	ProcessEvents()
}

// Provisioning owns a dedicated transport for the lifetime of one
// provisioning attempt. It is single-shot: call Start once, read the
// result from the completion callback, then discard the instance.
type Provisioning struct {
	cfg       Config
	transport Conn
	clock     clock.Clock
	logger    *log.Logger

	state       State
	operationID string
	startedAt   time.Time
	lastPollAt  time.Time

	done     bool
	onResult CompletionFunc
}

// New wires a fresh dedicated transport for one provisioning attempt.
func New(cfg Config, tr Conn, c clock.Clock, logger *log.Logger) *Provisioning {
	p := &Provisioning{
		cfg:       cfg,
		transport: tr,
		clock:     c,
		logger:    logger,
		state:     Idle,
	}
	tr.OnConnectionChange(p.onConnectionChange)
	tr.OnMessage(p.onMessage)
	return p
}

// State returns the current node of the state machine.
func (p *Provisioning) State() State { return p.state }

// Start begins the Idle -> Connecting transition and connects the
// dedicated transport.
func (p *Provisioning) Start(onResult CompletionFunc) {
	p.onResult = onResult
	p.state = Connecting
	p.startedAt = p.clock.Now()
	p.lastPollAt = p.startedAt

	username := p.cfg.IDScope + "/registrations/" + p.cfg.IMEI + "/api-version=" + apiVersion
	if err := p.transport.ConnectTLS(p.cfg.Endpoint, p.cfg.Port, p.cfg.IMEI, username, p.cfg.Identity); err != nil {
		p.complete(Assignment{}, &Error{Kind: Timeout, Status: err.Error()})
	}
}

func (p *Provisioning) onConnectionChange(connected bool, err error) {
	if p.state != Connecting {
		return
	}
	if !connected {
		p.complete(Assignment{}, &Error{Kind: Timeout, Status: errString(err)})
		return
	}

	if subErr := p.transport.Subscribe(resTopicPrefix+"#", 1); subErr != nil {
		p.complete(Assignment{}, &Error{Kind: Timeout, Status: subErr.Error()})
		return
	}

	payload, _ := json.Marshal(map[string]string{"registrationId": p.cfg.IMEI})
	if pubErr := p.transport.Publish(registerTopic, payload, 1, false); pubErr != nil {
		p.complete(Assignment{}, &Error{Kind: Timeout, Status: pubErr.Error()})
		return
	}
	p.state = Registering
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type registrationResponse struct {
	Status      string `json:"status"`
	OperationID string `json:"operationId"`
	AssignedHub string `json:"assignedHub"`
	DeviceID    string `json:"deviceId"`
}

func (p *Provisioning) onMessage(topic string, payload []byte) {
	if !strings.HasPrefix(topic, resTopicPrefix) {
		return
	}
	if p.state != Registering && p.state != Polling {
		return
	}

	var resp registrationResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		p.complete(Assignment{}, &Error{Kind: Refused, Status: "malformed response"})
		return
	}

	switch resp.Status {
	case "assigning":
		p.operationID = resp.OperationID
		p.state = Polling
		p.lastPollAt = p.clock.Now()
	case "assigned":
		if resp.AssignedHub == "" || resp.DeviceID == "" {
			p.complete(Assignment{}, &Error{Kind: MissingAssignment})
			return
		}
		p.complete(Assignment{AssignedHub: resp.AssignedHub, DeviceID: resp.DeviceID}, nil)
	default:
		p.complete(Assignment{}, &Error{Kind: Refused, Status: resp.Status})
	}
}

// ProcessEvents drains the transport and drives the polling timer and the
// overall deadline. Call on every host tick; it never blocks.
func (p *Provisioning) ProcessEvents() {
	if p.done {
		return
	}
	p.transport.ProcessEvents()
	if p.done {
		return
	}

	now := p.clock.Now()
	if now.Sub(p.startedAt) >= overallTimeout {
		p.complete(Assignment{}, &Error{Kind: Timeout})
		return
	}

	if p.state == Polling && now.Sub(p.lastPollAt) >= pollInterval {
		p.lastPollAt = now
		topic := pollTopicBase + p.operationID
		if err := p.transport.Publish(topic, nil, 1, false); err != nil {
			p.logger.Printf("provisioning: poll publish failed: %v", err)
		}
	}
}

// Cancel aborts provisioning from any non-terminal state.
func (p *Provisioning) Cancel() {
	if p.done {
		return
	}
	p.complete(Assignment{}, &Error{Kind: Canceled})
}

// complete delivers the result exactly once and disconnects the
// transport, regardless of outcome.
func (p *Provisioning) complete(a Assignment, err error) {
	if p.done {
		return
	}
	p.done = true
	if err != nil {
		p.state = Failed
	} else {
		p.state = Completed
	}
	p.transport.Disconnect()
	if p.onResult != nil {
		p.onResult(a, err)
	}
}
