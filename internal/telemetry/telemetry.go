// Package telemetry bridges domain events to the hub: it subscribes to
// every event type on the bus, applies the reporting policy, serializes
// and publishes, and retries failed publishes with capped exponential
// backoff, preserving order.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/Afulu-M/mqtt-tracker-simulator/internal/clock"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/eventbus"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/policy"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/wire"
)

// Publisher is the transport surface telemetry needs: a topic/payload
// publish that reports failure synchronously (offline queueing, if any,
// is the transport's concern — see internal/transport).
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

var allEventTypes = []wire.EventType{
	wire.EventHeartbeat,
	wire.EventIgnitionOn,
	wire.EventIgnitionOff,
	wire.EventMotionStart,
	wire.EventMotionStop,
	wire.EventGeofenceEnter,
	wire.EventGeofenceExit,
	wire.EventSpeedOverLimit,
	wire.EventLowBattery,
}

type pendingMessage struct {
	event     wire.Event
	topic     string
	payload   []byte
	attempts  int
	nextRetry time.Time
}

// Pipeline owns the retry queue; ProcessEvents should be driven on every
// host tick alongside the event bus.
type Pipeline struct {
	transport Publisher
	clock     clock.Clock
	logger    *log.Logger
	retry     policy.Retry
	reporting policy.Reporting

	deviceID string

	mu                 sync.Mutex
	retryQueue         []pendingMessage
	lastReportedBatt   int
	lastReportedBattOK bool
}

// New builds a pipeline bound to a device id, a publisher, and a policy.
func New(transport Publisher, c clock.Clock, logger *log.Logger, pol policy.Policy, deviceID string) *Pipeline {
	return &Pipeline{
		transport: transport,
		clock:     c,
		logger:    logger,
		retry:     pol.Retry,
		reporting: pol.Reporting,
		deviceID:  deviceID,
	}
}

// Subscribe registers the pipeline against every domain event type on the
// bus.
func (p *Pipeline) Subscribe(bus *eventbus.Bus) {
	for _, t := range allEventTypes {
		bus.Subscribe(t, p.onEvent)
	}
}

func (p *Pipeline) onEvent(e wire.Event) {
	if !p.shouldPublish(e) {
		return
	}
	p.send(e)
}

// shouldPublish applies the reporting policy: heartbeat and everything
// besides motion/battery changes is unconditional; motion changes are
// gated by ShouldReportMotionChange; battery changes are gated by the
// percent-delta threshold.
func (p *Pipeline) shouldPublish(e wire.Event) bool {
	switch e.EventType {
	case wire.EventMotionStart, wire.EventMotionStop:
		return p.reporting.ShouldReportMotionChange()
	case wire.EventLowBattery:
		p.mu.Lock()
		defer p.mu.Unlock()
		report := !p.lastReportedBattOK || p.reporting.ShouldReportBattery(e.Battery.Pct, p.lastReportedBatt)
		if report {
			p.lastReportedBatt = e.Battery.Pct
			p.lastReportedBattOK = true
		}
		return report
	default:
		return true
	}
}

func (p *Pipeline) buildTopic() string {
	return "devices/" + p.deviceID + "/messages/events/"
}

func (p *Pipeline) send(e wire.Event) {
	payload, err := e.MarshalJSON()
	if err != nil {
		p.logger.Printf("telemetry: failed to encode event %s: %v", e.EventType, err)
		return
	}

	topic := p.buildTopic()
	if err := p.transport.Publish(topic, payload, 1, false); err != nil {
		p.enqueueRetry(pendingMessage{event: e, topic: topic, payload: payload})
		return
	}
}

func (p *Pipeline) enqueueRetry(m pendingMessage) {
	m.nextRetry = p.clock.Now().Add(p.retry.Backoff(m.attempts))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryQueue = append(p.retryQueue, m)
}

// ProcessEvents attempts the head of the retry queue when its backoff has
// elapsed: on success it is popped, on failure it is rescheduled and
// processing for this tick stops so FIFO order is preserved.
func (p *Pipeline) ProcessEvents() {
	p.mu.Lock()
	if len(p.retryQueue) == 0 {
		p.mu.Unlock()
		return
	}
	head := p.retryQueue[0]
	now := p.clock.Now()
	p.mu.Unlock()

	if now.Before(head.nextRetry) {
		return
	}

	if err := p.transport.Publish(head.topic, head.payload, 1, false); err != nil {
		p.mu.Lock()
		head.attempts++
		if !p.retry.ShouldRetry(head.attempts) {
			p.logger.Printf("telemetry: dropping event %s after %d attempts", head.event.EventType, head.attempts)
			p.retryQueue = p.retryQueue[1:]
			p.mu.Unlock()
			return
		}
		head.nextRetry = now.Add(p.retry.Backoff(head.attempts))
		p.retryQueue[0] = head
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.retryQueue = p.retryQueue[1:]
	p.mu.Unlock()
}

// RetryQueueLen reports how many messages are awaiting retry.
func (p *Pipeline) RetryQueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retryQueue)
}
