package engine

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Afulu-M/mqtt-tracker-simulator/internal/geo"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/policy"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/wire"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type recordedEvent struct {
	eventType wire.EventType
	extras    map[string]string
}

func newTestEngine() (*Engine, *fakeClock, *[]recordedEvent) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	var events []recordedEvent
	e := New(fc, policy.Default().Power, log.New(os.Stderr, "", 0), func(t wire.EventType, extras map[string]string) {
		events = append(events, recordedEvent{eventType: t, extras: extras})
	})
	return e, fc, &events
}

func TestEngine_IgnitionOnWhileStationaryGoesParked(t *testing.T) {
	e, _, events := newTestEngine()
	e.ProcessIgnition(true)
	assert.Equal(t, Parked, e.State())
	require.Len(t, *events, 1)
	assert.Equal(t, wire.EventIgnitionOn, (*events)[0].eventType)
}

func TestEngine_IgnitionAndMotionGoesDriving(t *testing.T) {
	e, _, _ := newTestEngine()
	e.ProcessIgnition(true)
	e.ProcessMotion(true)
	assert.Equal(t, Driving, e.State())
}

func TestEngine_MotionStopArmsParkingTimer(t *testing.T) {
	e, fc, _ := newTestEngine()
	e.ProcessIgnition(true)
	e.ProcessMotion(true)
	require.Equal(t, Driving, e.State())

	e.ProcessMotion(false)
	assert.Equal(t, Parked, e.State())

	e.ProcessParkingTimerTick()
	assert.Equal(t, Parked, e.State(), "timer must not fire before the 2 minute deadline")

	fc.now = fc.now.Add(2*time.Minute + time.Second)
	e.ProcessParkingTimerTick()
	assert.Equal(t, Idle, e.State())
}

func TestEngine_LowBatteryBoundaryBelow15Percent(t *testing.T) {
	e, _, events := newTestEngine()
	e.ProcessIgnition(true)
	e.ProcessMotion(true)
	require.Equal(t, Driving, e.State())

	e.ProcessBatteryLevel(15)
	assert.Equal(t, Driving, e.State(), "15% is the threshold and must stay non-low")

	e.ProcessBatteryLevel(14)
	assert.Equal(t, LowBattery, e.State(), "14% must cross into LowBattery")

	var lowBatteryEvents int
	for _, ev := range *events {
		if ev.eventType == wire.EventLowBattery {
			lowBatteryEvents++
		}
	}
	assert.Equal(t, 1, lowBatteryEvents)
}

func TestEngine_ResumeFromLowBatteryByIgnition(t *testing.T) {
	e, _, _ := newTestEngine()
	e.ProcessIgnition(true)
	e.ProcessMotion(true)
	e.ProcessBatteryLevel(10)
	require.Equal(t, LowBattery, e.State())

	e.ProcessBatteryLevel(50)
	assert.Equal(t, Driving, e.State())
}

func TestEngine_ResumeFromLowBatteryToIdleWhenIgnitionOff(t *testing.T) {
	e, _, _ := newTestEngine()
	e.ProcessBatteryLevel(10)
	require.Equal(t, LowBattery, e.State())

	e.ProcessBatteryLevel(50)
	assert.Equal(t, Idle, e.State())
}

func TestEngine_ConnectionLossGoesOfflineFromAnyState(t *testing.T) {
	e, _, _ := newTestEngine()
	e.ProcessIgnition(true)
	e.ProcessMotion(true)
	require.Equal(t, Driving, e.State())

	e.ProcessConnectionChange(false)
	assert.Equal(t, Offline, e.State())
}

func TestEngine_OfflineIgnoresOtherInputsUntilResume(t *testing.T) {
	e, _, _ := newTestEngine()
	e.ProcessIgnition(true)
	e.ProcessConnectionChange(false)
	require.Equal(t, Offline, e.State())

	e.ProcessMotion(true)
	assert.Equal(t, Offline, e.State(), "inputs besides conn-up must not move the device out of Offline")
}

func TestEngine_ResumeFromOfflineDerivesFromLastKnownTriple(t *testing.T) {
	e, _, _ := newTestEngine()
	e.ProcessIgnition(true)
	e.ProcessMotion(true)
	require.Equal(t, Driving, e.State())

	e.ProcessConnectionChange(false)
	require.Equal(t, Offline, e.State())

	e.ProcessConnectionChange(true)
	assert.Equal(t, Driving, e.State(), "resume must re-derive from {battery,ignition,motion}, not restore prior state verbatim")
}

func TestEngine_ResumeFromOfflineGoesLowBatteryIfStillLow(t *testing.T) {
	e, _, _ := newTestEngine()
	e.ProcessBatteryLevel(5)
	e.ProcessConnectionChange(false)
	e.ProcessConnectionChange(true)
	assert.Equal(t, LowBattery, e.State())
}

func TestEngine_GeofenceEnterAndExit(t *testing.T) {
	e, _, events := newTestEngine()
	fences := []geo.Geofence{{ID: "home", Center: geo.Point{Lat: 0, Lon: 0}, RadiusMeters: 500}}

	e.ProcessLocation(geo.Point{Lat: 0.001, Lon: 0}, fences)
	require.Len(t, *events, 1)
	assert.Equal(t, wire.EventGeofenceEnter, (*events)[0].eventType)
	assert.Equal(t, "home", (*events)[0].extras["geofenceId"])

	e.ProcessLocation(geo.Point{Lat: 50, Lon: 50}, fences)
	require.Len(t, *events, 2)
	assert.Equal(t, wire.EventGeofenceExit, (*events)[1].eventType)
}

func TestEngine_GeofenceMembershipUnchangedEmitsNothing(t *testing.T) {
	e, _, events := newTestEngine()
	fences := []geo.Geofence{{ID: "home", Center: geo.Point{Lat: 0, Lon: 0}, RadiusMeters: 500}}

	e.ProcessLocation(geo.Point{Lat: 0.001, Lon: 0}, fences)
	e.ProcessLocation(geo.Point{Lat: 0.002, Lon: 0}, fences)
	assert.Len(t, *events, 1, "remaining inside the same fence must not re-emit geofence_enter")
}

func TestEngine_SpeedOverLimitEdgeTriggered(t *testing.T) {
	e, _, events := newTestEngine()
	limit := e.SpeedLimitKph()

	e.ProcessSpeed(limit + 1)
	require.Len(t, *events, 1)
	assert.Equal(t, wire.EventSpeedOverLimit, (*events)[0].eventType)

	e.ProcessSpeed(limit + 2)
	assert.Len(t, *events, 1, "must not re-emit while still over limit")

	e.ProcessSpeed(limit - 1)
	e.ProcessSpeed(limit + 1)
	assert.Len(t, *events, 2, "must re-emit on the next upward crossing")
}

func TestEngine_HandleCommand_SetHeartbeatSeconds(t *testing.T) {
	e, _, _ := newTestEngine()
	e.HandleCommand([]byte(`{"cmd":"setHeartbeatSeconds","value":45}`))
	assert.Equal(t, 45, e.HeartbeatSeconds())
}

func TestEngine_HandleCommand_SetSpeedLimit(t *testing.T) {
	e, _, _ := newTestEngine()
	e.HandleCommand([]byte(`{"cmd":"setSpeedLimit","value":80}`))
	assert.Equal(t, 80.0, e.SpeedLimitKph())
}

func TestEngine_HandleCommand_Reboot(t *testing.T) {
	e, _, _ := newTestEngine()
	e.ProcessIgnition(true)
	e.ProcessMotion(true)
	require.Equal(t, Driving, e.State())

	e.HandleCommand([]byte(`{"cmd":"reboot"}`))
	assert.Equal(t, Idle, e.State())
}

func TestEngine_HandleCommand_UnknownIsIgnored(t *testing.T) {
	e, _, _ := newTestEngine()
	before := e.State()
	e.HandleCommand([]byte(`{"cmd":"doSomethingElse"}`))
	assert.Equal(t, before, e.State())
}

func TestEngine_HandleCommand_MalformedJSONIsDropped(t *testing.T) {
	e, _, _ := newTestEngine()
	before := e.HeartbeatSeconds()
	e.HandleCommand([]byte(`{not json`))
	assert.Equal(t, before, e.HeartbeatSeconds())
}
