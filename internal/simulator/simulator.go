// Package simulator plays the device side of the protocol: it advances
// simulated GPS motion along a configured route, drains a simulated
// battery, and feeds the resulting readings into the event engine on
// every tick. Grounded on the original device-simulation component this
// system was distilled from; the distilled spec folds its state-machine
// half into internal/engine, so this package owns everything else:
// motion, battery, heading, network stub, and the heartbeat/spike
// controls the CLI exposes.
package simulator

import (
	"log"
	"time"

	"github.com/Afulu-M/mqtt-tracker-simulator/internal/clock"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/engine"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/eventbus"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/geo"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/rng"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/wire"
)

const (
	idleDrainPctPerHour    = 0.5
	drivingDrainPctPerHour = 2.0
	minVoltage             = 3.2
	maxVoltage             = 4.2
	driveSpeedKph          = 60.0
)

// Config seeds a simulation run.
type Config struct {
	DeviceID   string
	StartLoc   geo.Point
	StartAlt   float64
	StartAcc   float64
	SpeedLimit float64
	Route      []geo.Point
	Geofences  []geo.Geofence
}

// Battery is a linear-discharge model with +/-10% drain jitter and
// +/-0.05V voltage jitter, matching the original device firmware's
// simulated cell behavior.
type Battery struct {
	rng rng.Source
	pct float64
}

// NewBattery starts at 100%.
func NewBattery(r rng.Source) *Battery { return &Battery{rng: r, pct: 100} }

// Tick drains the battery for deltaSeconds at the rate implied by
// isDriving.
func (b *Battery) Tick(deltaSeconds float64, isDriving bool) {
	rate := idleDrainPctPerHour
	if isDriving {
		rate = drivingDrainPctPerHour
	}
	base := (rate / 3600.0) * deltaSeconds
	jitter := b.rng.Uniform(-0.1, 0.1)
	drain := base * (1 + jitter)

	b.pct = clamp(b.pct-drain, 0, 100)
}

// Percentage returns the current charge level, 0-100.
func (b *Battery) Percentage() int { return int(b.pct) }

// SetPercentage overrides the charge level, used by the CLI's "set
// battery" interactive command.
func (b *Battery) SetPercentage(pct float64) { b.pct = clamp(pct, 0, 100) }

// Voltage returns the linear-curve voltage for the current charge level
// with a small jitter, as the original firmware simulates ADC noise.
func (b *Battery) Voltage() float64 {
	v := minVoltage + (b.pct/100.0)*(maxVoltage-minVoltage)
	v += b.rng.Uniform(-0.05, 0.05)
	return clamp(v, minVoltage, maxVoltage)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Simulator drives the engine from simulated motion and power state. It
// is the tick-by-tick source of truth for location, speed, and battery;
// internal/engine only reacts to state-machine-relevant transitions.
type Simulator struct {
	cfg     Config
	clock   clock.Clock
	engine  *engine.Engine
	bus     *eventbus.Bus
	logger  *log.Logger
	battery *Battery

	location geo.Point
	speedKph float64
	heading  float64
	sequence *uint64

	driving        bool
	routeProgress  float64
	driveUntil     time.Time
	spikeRemaining int
}

// New builds a simulator bound to an already-constructed engine and
// event bus; sequence is the counter every event built by this simulator
// draws from, so every emitted event gets a monotonic sequence number.
func New(cfg Config, c clock.Clock, eng *engine.Engine, bus *eventbus.Bus, r rng.Source, logger *log.Logger, sequence *uint64) *Simulator {
	return &Simulator{
		cfg:      cfg,
		clock:    c,
		engine:   eng,
		bus:      bus,
		logger:   logger,
		battery:  NewBattery(r),
		location: cfg.StartLoc,
		sequence: sequence,
	}
}

// StartDriving begins following the configured route for the given
// duration; ignition and motion both transition on.
func (s *Simulator) StartDriving(duration time.Duration) {
	s.driving = true
	s.driveUntil = s.clock.Now().Add(duration)
	s.routeProgress = 0
	s.speedKph = driveSpeedKph
	s.engine.ProcessIgnition(true)
	s.engine.ProcessMotion(true)
}

// StopDriving halts route following; motion transitions off.
func (s *Simulator) StopDriving() {
	s.driving = false
	s.speedKph = 0
	s.engine.ProcessMotion(false)
}

// SetIgnition toggles ignition without necessarily starting motion.
func (s *Simulator) SetIgnition(on bool) { s.engine.ProcessIgnition(on) }

// SetSpeed overrides the current simulated speed, used by the CLI's "set
// speed" interactive command and by load-test spikes.
func (s *Simulator) SetSpeed(kph float64) { s.speedKph = kph }

// SetBatteryPercentage overrides the simulated charge level.
func (s *Simulator) SetBatteryPercentage(pct float64) { s.battery.SetPercentage(pct) }

// GenerateSpike arms emission of eventCount heartbeat events in quick
// succession, used for load testing; the CLI drains it on a 100ms
// sub-tick (see cmd/tracker).
func (s *Simulator) GenerateSpike(eventCount int) { s.spikeRemaining = eventCount }

// SpikeRemaining reports how many spike events are still queued.
func (s *Simulator) SpikeRemaining() int { return s.spikeRemaining }

// EmitSpikeEvent emits one heartbeat event immediately, decrementing the
// spike counter; a no-op once the counter reaches zero.
func (s *Simulator) EmitSpikeEvent() {
	if s.spikeRemaining <= 0 {
		return
	}
	s.spikeRemaining--
	s.bus.Publish(s.buildEvent(wire.EventHeartbeat, nil))
}

// Tick advances simulated motion and battery by deltaSeconds and feeds the
// new readings into the engine; it emits no heartbeat (see Heartbeat).
// Call once per host tick (spec.md §5's ~1 Hz cooperative schedule).
func (s *Simulator) Tick(deltaSeconds float64) {
	if s.driving && s.clock.Now().After(s.driveUntil) {
		s.StopDriving()
	}

	s.battery.Tick(deltaSeconds, s.driving)
	s.engine.ProcessBatteryLevel(s.battery.Percentage())

	if s.driving && len(s.cfg.Route) > 0 {
		s.advanceRoute(deltaSeconds)
	}

	s.engine.ProcessLocation(s.location, s.cfg.Geofences)
	s.engine.ProcessSpeed(s.speedKph)
}

func (s *Simulator) advanceRoute(deltaSeconds float64) {
	totalDistance := routeLength(s.cfg.Route)
	if totalDistance <= 0 {
		return
	}
	metersThisTick := (s.speedKph * 1000.0 / 3600.0) * deltaSeconds
	s.routeProgress = clamp01(s.routeProgress + metersThisTick/totalDistance)

	prev := s.location
	s.location = geo.InterpolateRoute(s.cfg.Route, s.routeProgress)
	if moved := geo.Haversine(prev, s.location); moved > 0 {
		s.heading = geo.BearingDegrees(prev, s.location)
	}
}

func routeLength(route []geo.Point) float64 {
	var total float64
	for i := 1; i < len(route); i++ {
		total += geo.Haversine(route[i-1], route[i])
	}
	return total
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Heartbeat publishes one heartbeat event reflecting current simulated
// state. Called by the CLI composition root every engine.HeartbeatSeconds()
// seconds.
func (s *Simulator) Heartbeat() {
	s.bus.Publish(s.buildEvent(wire.EventHeartbeat, nil))
}

func (s *Simulator) buildEvent(t wire.EventType, extras map[string]string) wire.Event {
	*s.sequence++
	return wire.Event{
		DeviceID:  s.cfg.DeviceID,
		Timestamp: clock.ISO8601(s.clock.Now()),
		EventType: t,
		Sequence:  *s.sequence,
		Location:  wire.Location{Lat: s.location.Lat, Lon: s.location.Lon, Alt: s.cfg.StartAlt, Acc: s.cfg.StartAcc},
		SpeedKph:  s.speedKph,
		Heading:   s.heading,
		Battery:   wire.Battery{Pct: s.battery.Percentage(), Voltage: s.battery.Voltage()},
		Network:   wire.Network{RSSI: -70, RAT: "LTE"},
		Extras:    extras,
	}
}

// DomainEvent wraps an engine-sourced emission into a full wire.Event and
// publishes it on the bus; this is the EmitFunc the engine is
// constructed with.
func (s *Simulator) DomainEvent(eventType wire.EventType, extras map[string]string) {
	s.bus.Publish(s.buildEvent(eventType, extras))
}
