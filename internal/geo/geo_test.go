package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine_KnownDistance(t *testing.T) {
	// Cape Town to Johannesburg, roughly 1270 km.
	capeTown := Point{Lat: -33.9249, Lon: 18.4241}
	joburg := Point{Lat: -26.2041, Lon: 28.0473}

	d := Haversine(capeTown, joburg)
	assert.InDelta(t, 1270000, d, 15000)
}

func TestHaversine_SamePointIsZero(t *testing.T) {
	p := Point{Lat: 1, Lon: 2}
	assert.InDelta(t, 0, Haversine(p, p), 1e-9)
}

func TestMoveLocation_RoundTripsWithBearing(t *testing.T) {
	origin := Point{Lat: 0, Lon: 0}
	moved := MoveLocation(origin, 90, 1000)
	// due east along the equator should barely change latitude
	assert.InDelta(t, 0, moved.Lat, 0.01)
	assert.Greater(t, moved.Lon, 0.0)
}

func TestContainingGeofences(t *testing.T) {
	fences := []Geofence{
		{ID: "home", Center: Point{Lat: 0, Lon: 0}, RadiusMeters: 500},
		{ID: "far", Center: Point{Lat: 10, Lon: 10}, RadiusMeters: 500},
	}
	got := ContainingGeofences(Point{Lat: 0.001, Lon: 0}, fences)
	assert.Equal(t, []string{"home"}, got)
}

func TestContainingGeofences_None(t *testing.T) {
	fences := []Geofence{{ID: "home", Center: Point{Lat: 0, Lon: 0}, RadiusMeters: 10}}
	got := ContainingGeofences(Point{Lat: 50, Lon: 50}, fences)
	assert.Empty(t, got)
}

func TestInterpolateRoute_Endpoints(t *testing.T) {
	route := []Point{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}
	start := InterpolateRoute(route, 0)
	assert.Equal(t, route[0], start)

	end := InterpolateRoute(route, 1)
	assert.Equal(t, route[2], end)
}

func TestInterpolateRoute_Midpoint(t *testing.T) {
	route := []Point{{Lat: 0, Lon: 0}, {Lat: 2, Lon: 2}}
	mid := InterpolateRoute(route, 0.5)
	assert.InDelta(t, 1.0, mid.Lat, 1e-9)
	assert.InDelta(t, 1.0, mid.Lon, 1e-9)
}

func TestInterpolateRoute_EmptyAndSingle(t *testing.T) {
	assert.Equal(t, Point{}, InterpolateRoute(nil, 0.5))
	single := []Point{{Lat: 5, Lon: 6}}
	assert.Equal(t, single[0], InterpolateRoute(single, 0.9))
}

func TestInterpolateRoute_ClampsOutOfRangeFraction(t *testing.T) {
	route := []Point{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}}
	assert.Equal(t, route[0], InterpolateRoute(route, -1))
	assert.Equal(t, route[1], InterpolateRoute(route, 2))
}

func TestVoltageForPercent_Bounds(t *testing.T) {
	assert.InDelta(t, 3.2, VoltageForPercent(0), 1e-9)
	assert.InDelta(t, 4.2, VoltageForPercent(100), 1e-9)
	assert.InDelta(t, 3.7, VoltageForPercent(50), 1e-9)
}

func TestVoltageForPercent_ClampsOutOfRange(t *testing.T) {
	assert.Equal(t, VoltageForPercent(0), VoltageForPercent(-10))
	assert.Equal(t, VoltageForPercent(100), VoltageForPercent(150))
}

func TestBearingDegrees_Range(t *testing.T) {
	b := BearingDegrees(Point{Lat: 0, Lon: 0}, Point{Lat: 1, Lon: 1})
	assert.True(t, b >= 0 && b < 360)
	assert.False(t, math.IsNaN(b))
}
