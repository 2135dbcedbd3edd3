// Package wire holds the bit-compatible JSON shape of the telemetry
// events the device publishes to the hub. Twin documents and commands
// are decoded by internal/twin and internal/engine, not here.
package wire

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the domain event kinds the engine can emit.
type EventType string

const (
	EventHeartbeat      EventType = "heartbeat"
	EventIgnitionOn     EventType = "ignition_on"
	EventIgnitionOff    EventType = "ignition_off"
	EventMotionStart    EventType = "motion_start"
	EventMotionStop     EventType = "motion_stop"
	EventGeofenceEnter  EventType = "geofence_enter"
	EventGeofenceExit   EventType = "geofence_exit"
	EventSpeedOverLimit EventType = "speed_over_limit"
	EventLowBattery     EventType = "low_battery"
)

// Location is a GPS fix.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
	Acc float64 `json:"acc"`
}

// Battery is the device's power state at the moment an event fired.
type Battery struct {
	Pct     int     `json:"pct"`
	Voltage float64 `json:"voltage"`
}

// Network describes the radio the device is currently attached to.
type Network struct {
	RSSI int    `json:"rssi"`
	RAT  string `json:"rat"`
}

// Event is a single immutable domain event, constructed once and never
// mutated afterwards. Sequence is strictly monotonic per device for the
// lifetime of the process.
type Event struct {
	DeviceID  string
	Timestamp string // ISO-8601 UTC, millisecond precision, "Z" suffix
	EventType EventType
	Sequence  uint64
	Location  Location
	SpeedKph  float64
	Heading   float64
	Battery   Battery
	Network   Network
	Extras    map[string]string
}

// wireEvent mirrors the exact field names and omission rules of the wire
// format; Event itself stays Go-idiomatic (exported struct fields, no json
// tags on the domain type) and this type does the translation.
type wireEvent struct {
	DeviceID  string                     `json:"deviceId"`
	Ts        string                     `json:"ts"`
	EventType EventType                  `json:"eventType"`
	Seq       uint64                     `json:"seq"`
	Loc       Location                   `json:"loc"`
	SpeedKph  float64                    `json:"speedKph"`
	Heading   float64                    `json:"heading"`
	Battery   Battery                    `json:"battery"`
	Network   Network                    `json:"network"`
	Extras    map[string]*string         `json:"extras,omitempty"`
}

// MarshalJSON implements the wire format exactly, including the rule that
// an empty extras map is omitted rather than serialized as `{}`.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		DeviceID:  e.DeviceID,
		Ts:        e.Timestamp,
		EventType: e.EventType,
		Seq:       e.Sequence,
		Loc:       e.Location,
		SpeedKph:  e.SpeedKph,
		Heading:   e.Heading,
		Battery:   e.Battery,
		Network:   e.Network,
	}
	if len(e.Extras) > 0 {
		w.Extras = make(map[string]*string, len(e.Extras))
		for k, v := range e.Extras {
			if v == "" {
				w.Extras[k] = nil
				continue
			}
			val := v
			w.Extras[k] = &val
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON; a null or absent extras
// value round-trips to an empty string, matching the original codec.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("wire: decode event: %w", err)
	}
	e.DeviceID = w.DeviceID
	e.Timestamp = w.Ts
	e.EventType = w.EventType
	e.Sequence = w.Seq
	e.Location = w.Loc
	e.SpeedKph = w.SpeedKph
	e.Heading = w.Heading
	e.Battery = w.Battery
	e.Network = w.Network
	if len(w.Extras) > 0 {
		e.Extras = make(map[string]string, len(w.Extras))
		for k, v := range w.Extras {
			if v == nil {
				e.Extras[k] = ""
				continue
			}
			e.Extras[k] = *v
		}
	}
	return nil
}
