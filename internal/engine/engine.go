// Package engine is the device state machine: it turns external inputs
// (ignition, motion, battery, connectivity, timers, geofence crossings,
// speed) into state transitions and domain events, and applies inbound
// cloud-to-device commands.
package engine

import (
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/Afulu-M/mqtt-tracker-simulator/internal/clock"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/geo"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/policy"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/wire"
)

// State is one node of the device state machine, represented as a closed
// set of named values rather than virtual dispatch.
type State string

const (
	Idle       State = "Idle"
	Driving    State = "Driving"
	Parked     State = "Parked"
	LowBattery State = "LowBattery"
	Offline    State = "Offline"
)

const parkingTimerDuration = 2 * time.Minute

// EmitFunc receives every domain event the engine produces, stamped and
// sequenced by the caller (the engine itself only fills EventType and
// Extras).
type EmitFunc func(eventType wire.EventType, extras map[string]string)

// Engine owns state-machine memory: the last known {ignition, motion,
// battery} triple, the set of currently-contained geofences, and the
// parking timer deadline.
type Engine struct {
	clock  clock.Clock
	power  policy.Power
	logger *log.Logger
	emit   EmitFunc

	mu sync.Mutex

	state State

	ignitionOn    bool
	inMotion      bool
	batteryPct    int
	connected     bool
	geofences     map[string]bool
	speedOverflag bool

	parkingDeadline time.Time
	parkingArmed    bool

	heartbeatSeconds int
	speedLimitKph    float64
}

// New builds an engine starting in Idle with full battery and no
// geofences entered.
func New(c clock.Clock, power policy.Power, logger *log.Logger, emit EmitFunc) *Engine {
	return &Engine{
		clock:            c,
		power:            power,
		logger:           logger,
		emit:             emit,
		state:            Idle,
		batteryPct:       100,
		connected:        true,
		geofences:        make(map[string]bool),
		heartbeatSeconds: 60,
		speedLimitKph:    120,
	}
}

// SetEmit replaces the event emitter, used to wire the engine to its
// event source after construction (the simulator builds both together).
func (e *Engine) SetEmit(emit EmitFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emit = emit
}

// State returns the current node of the state machine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HeartbeatSeconds returns the currently configured heartbeat interval.
func (e *Engine) HeartbeatSeconds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heartbeatSeconds
}

// SpeedLimitKph returns the currently configured speed limit.
func (e *Engine) SpeedLimitKph() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speedLimitKph
}

// IgnitionOn reports the last ignition state processed by the engine.
func (e *Engine) IgnitionOn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ignitionOn
}

func (e *Engine) transitionTo(s State) {
	e.state = s
}

func (e *Engine) fire(eventType wire.EventType, extras map[string]string) {
	if e.emit != nil {
		e.emit(eventType, extras)
	}
}

// ProcessIgnition handles an ignition state change.
func (e *Engine) ProcessIgnition(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ignitionOn == on {
		return
	}
	e.ignitionOn = on

	if on {
		e.fire(wire.EventIgnitionOn, nil)
	} else {
		e.fire(wire.EventIgnitionOff, nil)
	}

	if e.state == Offline {
		return
	}
	if e.power.ShouldEnterLowPower(e.batteryPct) {
		e.transitionTo(LowBattery)
		return
	}
	if !on {
		e.armParkingTimer()
		e.transitionTo(Parked)
		return
	}
	if e.inMotion {
		e.transitionTo(Driving)
	} else {
		e.transitionTo(Parked)
	}
}

// ProcessMotion handles a motion-start/stop transition.
func (e *Engine) ProcessMotion(moving bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inMotion == moving {
		return
	}
	e.inMotion = moving

	if moving {
		e.fire(wire.EventMotionStart, nil)
	} else {
		e.fire(wire.EventMotionStop, nil)
	}

	if e.state == Offline {
		return
	}
	if e.power.ShouldEnterLowPower(e.batteryPct) {
		e.transitionTo(LowBattery)
		return
	}

	switch {
	case e.ignitionOn && moving:
		e.transitionTo(Driving)
	case e.ignitionOn && !moving:
		e.armParkingTimer()
		e.transitionTo(Parked)
	default:
		e.transitionTo(Idle)
	}
}

// ProcessBatteryLevel records a new battery reading and crosses into or
// out of LowBattery at the configured threshold.
func (e *Engine) ProcessBatteryLevel(pct int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wasLow := e.power.ShouldEnterLowPower(e.batteryPct)
	e.batteryPct = pct
	isLow := e.power.ShouldEnterLowPower(pct)

	if e.state == Offline {
		return
	}

	if !wasLow && isLow {
		e.fire(wire.EventLowBattery, nil)
		e.transitionTo(LowBattery)
		return
	}
	if wasLow && !isLow {
		e.resumeFromBatteryOK()
	}
}

func (e *Engine) resumeFromBatteryOK() {
	switch {
	case e.ignitionOn && e.inMotion:
		e.transitionTo(Driving)
	case e.ignitionOn:
		e.transitionTo(Parked)
	default:
		e.transitionTo(Idle)
	}
}

// ProcessConnectionChange moves the engine into or out of Offline. Resume
// re-derives the state from the last known {battery, ignition, motion}
// triple rather than restoring whatever state preceded the outage.
func (e *Engine) ProcessConnectionChange(connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected == connected {
		return
	}
	e.connected = connected

	if !connected {
		e.transitionTo(Offline)
		return
	}

	if e.power.ShouldEnterLowPower(e.batteryPct) {
		e.transitionTo(LowBattery)
		return
	}
	e.resumeFromBatteryOK()
}

// ProcessParkingTimerTick checks whether an armed parking timer has
// expired and, if so, drops the device to Idle. Call on every host tick
// while Parked.
func (e *Engine) ProcessParkingTimerTick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Parked || !e.parkingArmed {
		return
	}
	if e.clock.Now().Before(e.parkingDeadline) {
		return
	}
	e.parkingArmed = false
	e.transitionTo(Idle)
}

func (e *Engine) armParkingTimer() {
	e.parkingDeadline = e.clock.Now().Add(parkingTimerDuration)
	e.parkingArmed = true
}

// ProcessLocation updates geofence membership for the current fix,
// emitting geofence_enter/geofence_exit for each fence whose containment
// changed.
func (e *Engine) ProcessLocation(loc geo.Point, fences []geo.Geofence) {
	e.mu.Lock()
	defer e.mu.Unlock()

	containing := make(map[string]bool)
	for _, id := range geo.ContainingGeofences(loc, fences) {
		containing[id] = true
	}

	for id := range containing {
		if !e.geofences[id] {
			e.fire(wire.EventGeofenceEnter, map[string]string{"geofenceId": id})
		}
	}
	for id := range e.geofences {
		if !containing[id] {
			e.fire(wire.EventGeofenceExit, map[string]string{"geofenceId": id})
		}
	}
	e.geofences = containing
}

// ProcessSpeed emits speed_over_limit exactly once on the upward crossing
// of the configured limit; no repeat emission until speed drops back
// below the limit and re-crosses.
func (e *Engine) ProcessSpeed(currentKph float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	over := currentKph > e.speedLimitKph
	if over && !e.speedOverflag {
		e.fire(wire.EventSpeedOverLimit, map[string]string{
			"limit":    strconv.Itoa(int(e.speedLimitKph)),
			"measured": strconv.Itoa(int(currentKph)),
		})
	}
	e.speedOverflag = over
}

// command is the JSON shape of an inbound cloud-to-device command.
type command struct {
	Cmd   string          `json:"cmd"`
	Value json.RawMessage `json:"value"`
}

// HandleCommand parses and applies an inbound command payload. Malformed
// JSON is logged and dropped; unknown commands are logged and ignored.
func (e *Engine) HandleCommand(payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		e.logger.Printf("engine: malformed command payload: %v", err)
		return
	}

	switch cmd.Cmd {
	case "setHeartbeatSeconds":
		var seconds int
		if err := json.Unmarshal(cmd.Value, &seconds); err != nil {
			e.logger.Printf("engine: setHeartbeatSeconds: invalid value: %v", err)
			return
		}
		e.mu.Lock()
		e.heartbeatSeconds = seconds
		e.mu.Unlock()
	case "setSpeedLimit":
		var limit float64
		if err := json.Unmarshal(cmd.Value, &limit); err != nil {
			e.logger.Printf("engine: setSpeedLimit: invalid value: %v", err)
			return
		}
		e.mu.Lock()
		e.speedLimitKph = limit
		e.speedOverflag = false
		e.mu.Unlock()
	case "reboot":
		e.reboot()
	default:
		e.logger.Printf("engine: unknown command %q ignored", cmd.Cmd)
	}
}

// reboot performs the state machine's stop/start cycle: drop to Idle,
// clear motion/ignition/geofence memory, then resume from the last known
// battery reading as ProcessConnectionChange's resume path does.
func (e *Engine) reboot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignitionOn = false
	e.inMotion = false
	e.geofences = make(map[string]bool)
	e.parkingArmed = false
	e.speedOverflag = false
	e.transitionTo(Idle)
	if e.power.ShouldEnterLowPower(e.batteryPct) {
		e.transitionTo(LowBattery)
	}
}
