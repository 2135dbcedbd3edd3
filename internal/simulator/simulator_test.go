package simulator

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Afulu-M/mqtt-tracker-simulator/internal/engine"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/eventbus"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/geo"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/policy"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/wire"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fixedRng struct{ v float64 }

func (f fixedRng) Uniform(lo, hi float64) float64 { return lo + f.v*(hi-lo) }

func newTestSimulator(t *testing.T) (*Simulator, *fakeClock, *eventbus.Bus) {
	t.Helper()
	logger := log.New(os.Stderr, "", 0)
	fc := &fakeClock{now: time.Unix(0, 0)}
	bus := eventbus.New(logger)
	var seq uint64

	route := []geo.Point{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}}
	cfg := Config{DeviceID: "dev-1", StartLoc: route[0], SpeedLimit: 90, Route: route}

	eng := engine.New(fc, policy.Default().Power, logger, nil)
	sim := New(cfg, fc, eng, bus, fixedRng{v: 0}, logger, &seq)
	eng.SetEmit(sim.DomainEvent)
	return sim, fc, bus
}

func TestBattery_DrainsOverTime(t *testing.T) {
	b := NewBattery(fixedRng{v: 0})
	require.Equal(t, 100, b.Percentage())
	b.Tick(3600, false) // 1 hour idle
	assert.Equal(t, 99, b.Percentage())
}

func TestBattery_DrainsFasterWhileDriving(t *testing.T) {
	idle := NewBattery(fixedRng{v: 0})
	idle.Tick(3600, false)

	driving := NewBattery(fixedRng{v: 0})
	driving.Tick(3600, true)

	assert.Less(t, driving.Percentage(), idle.Percentage())
}

func TestBattery_VoltageCurveBounds(t *testing.T) {
	b := NewBattery(fixedRng{v: 0})
	b.SetPercentage(0)
	assert.InDelta(t, 3.2, b.Voltage(), 0.06)
	b.SetPercentage(100)
	assert.InDelta(t, 4.2, b.Voltage(), 0.06)
}

func TestSimulator_StartDrivingSetsIgnitionAndMotion(t *testing.T) {
	sim, _, _ := newTestSimulator(t)
	sim.StartDriving(5 * time.Minute)
	assert.Equal(t, engine.Driving, sim.engine.State())
}

func TestSimulator_StopsDrivingAfterDuration(t *testing.T) {
	sim, fc, _ := newTestSimulator(t)
	sim.StartDriving(1 * time.Minute)
	require.True(t, sim.driving)

	fc.now = fc.now.Add(2 * time.Minute)
	sim.Tick(1)
	assert.False(t, sim.driving)
}

func TestSimulator_TickAdvancesAlongRoute(t *testing.T) {
	sim, _, _ := newTestSimulator(t)
	sim.StartDriving(10 * time.Minute)

	start := sim.location
	sim.Tick(60)
	assert.NotEqual(t, start, sim.location, "driving for a minute at 60kph must move the simulated position")
}

func TestSimulator_HeartbeatPublishesEvent(t *testing.T) {
	sim, _, bus := newTestSimulator(t)
	var got []wire.Event
	bus.Subscribe(wire.EventHeartbeat, func(e wire.Event) { got = append(got, e) })

	sim.Heartbeat()
	bus.ProcessEvents()

	require.Len(t, got, 1)
	assert.Equal(t, "dev-1", got[0].DeviceID)
	assert.Equal(t, uint64(1), got[0].Sequence)
}

func TestSimulator_SpikeEmitsExactCount(t *testing.T) {
	sim, _, bus := newTestSimulator(t)
	var count int
	bus.Subscribe(wire.EventHeartbeat, func(wire.Event) { count++ })

	sim.GenerateSpike(3)
	for sim.SpikeRemaining() > 0 {
		sim.EmitSpikeEvent()
	}
	bus.ProcessEvents()

	assert.Equal(t, 3, count)
}
