// Package geo holds the pure-function GPS/battery arithmetic the core
// depends on: great-circle distance and bearing, route interpolation,
// geofence membership, and the battery voltage curve. Declared trivial
// and out of scope by spec.md §1, so no internal state, no I/O.
package geo

import "math"

const earthRadiusMeters = 6371000.0

// Point is a bare lat/lon pair.
type Point struct {
	Lat float64
	Lon float64
}

// Geofence is a circular region.
type Geofence struct {
	ID           string
	Center       Point
	RadiusMeters float64
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180.0 }
func toDegrees(rad float64) float64 { return rad * 180.0 / math.Pi }

// Haversine returns the great-circle distance between two points in
// meters.
func Haversine(a, b Point) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	sa := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(sa), math.Sqrt(1-sa))
	return earthRadiusMeters * c
}

// BearingDegrees returns the initial compass bearing from a to b, in
// [0, 360).
func BearingDegrees(a, b Point) float64 {
	dLon := toRadians(b.Lon - a.Lon)
	y := math.Sin(dLon) * math.Cos(toRadians(b.Lat))
	x := math.Cos(toRadians(a.Lat))*math.Sin(toRadians(b.Lat)) -
		math.Sin(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*math.Cos(dLon)

	bearing := toDegrees(math.Atan2(y, x))
	return math.Mod(bearing+360.0, 360.0)
}

// MoveLocation projects a point forward along a bearing by a distance.
func MoveLocation(from Point, bearingDeg, distanceMeters float64) Point {
	bearing := toRadians(bearingDeg)
	d := distanceMeters / earthRadiusMeters

	lat1 := toRadians(from.Lat)
	lon1 := toRadians(from.Lon)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(bearing))
	lon2 := lon1 + math.Atan2(math.Sin(bearing)*math.Sin(d)*math.Cos(lat1),
		math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))

	return Point{Lat: toDegrees(lat2), Lon: toDegrees(lon2)}
}

// IsInsideGeofence reports whether p falls within fence's radius.
func IsInsideGeofence(p Point, fence Geofence) bool {
	return Haversine(p, fence.Center) <= fence.RadiusMeters
}

// ContainingGeofences returns the ids of every fence containing p, in the
// order given.
func ContainingGeofences(p Point, fences []Geofence) []string {
	var ids []string
	for _, f := range fences {
		if IsInsideGeofence(p, f) {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// InterpolateRoute walks a polyline: frac 0 is the first point, 1 is the
// last, with linear interpolation on the segment in between. An empty
// route returns the zero Point; a single-point route returns that point
// regardless of frac.
func InterpolateRoute(route []Point, frac float64) Point {
	if len(route) == 0 {
		return Point{}
	}
	if len(route) == 1 {
		return route[0]
	}

	frac = clamp01(frac)
	segmentFrac := frac * float64(len(route)-1)
	idx := int(segmentFrac)
	local := segmentFrac - float64(idx)

	if idx >= len(route)-1 {
		return route[len(route)-1]
	}

	p1, p2 := route[idx], route[idx+1]
	return Point{
		Lat: p1.Lat + (p2.Lat-p1.Lat)*local,
		Lon: p1.Lon + (p2.Lon-p1.Lon)*local,
	}
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

const (
	minVoltage = 3.2
	maxVoltage = 4.2
)

// VoltageForPercent maps a battery percentage (0-100) onto the device's
// linear discharge curve between its empty and full cell voltages.
func VoltageForPercent(pct int) float64 {
	p := float64(pct)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return minVoltage + (p/100.0)*(maxVoltage-minVoltage)
}
