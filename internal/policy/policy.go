// Package policy bundles the three tunable decision surfaces the rest of
// the core consults: retry backoff, reporting cadence/gating, and power
// drain/threshold. It is a plain value type so tests can swap in
// alternate constants without touching the components that consult it.
package policy

import "time"

const (
	defaultRetryBase       = 1 * time.Second
	defaultRetryFactor     = 2.0
	defaultRetryCap        = 5 * time.Minute
	defaultMaxAttempts     = 5
	defaultMovingInterval  = 1 * time.Minute
	defaultStillInterval   = 5 * time.Minute
	defaultBatteryDeltaPct = 5
	defaultLowBatteryPct   = 15
	defaultMovingDrainPct  = 2.0
	defaultStillDrainPct   = 0.5
	defaultOfflineDrainPct = 0.5
)

// Retry governs telemetry publish retry backoff.
type Retry struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of attempts already made.
func (r Retry) ShouldRetry(attempts int) bool { return attempts < r.MaxAttempts }

// Backoff returns the delay before attempt number attempts+1, exponential
// with a hard cap. attempts is the number of attempts already made (0 for
// the first retry).
func (r Retry) Backoff(attempts int) time.Duration {
	d := float64(r.Base)
	for i := 0; i < attempts; i++ {
		d *= r.Factor
	}
	capped := time.Duration(d)
	if capped > r.Cap || capped <= 0 {
		return r.Cap
	}
	return capped
}

// Reporting governs heartbeat cadence and which state changes get
// reported to the hub.
type Reporting struct {
	MovingInterval  time.Duration
	StillInterval   time.Duration
	BatteryDeltaPct int
}

// HeartbeatInterval returns the heartbeat period for the device's current
// motion state.
func (r Reporting) HeartbeatInterval(inMotion bool) time.Duration {
	if inMotion {
		return r.MovingInterval
	}
	return r.StillInterval
}

// ShouldReportMotionChange reports whether a motion-state transition
// should be telemetered. Unconditional in the default policy; kept as a
// policy hook so a deployment can rate-limit chatty devices.
func (r Reporting) ShouldReportMotionChange() bool { return true }

// ShouldReportBattery reports whether a new battery reading differs
// enough from the last reported one to warrant another telemetry event.
func (r Reporting) ShouldReportBattery(curPct, lastPct int) bool {
	delta := curPct - lastPct
	if delta < 0 {
		delta = -delta
	}
	return delta >= r.BatteryDeltaPct
}

// Power governs battery drain simulation and the low-battery threshold.
type Power struct {
	MovingDrainPctPerHour  float64
	StillDrainPctPerHour   float64
	OfflineDrainPctPerHour float64
	LowBatteryPct          int
}

// DrainRate returns the simulated battery drain in percent per hour for
// the device's current motion/connectivity state.
func (p Power) DrainRate(inMotion, connected bool) float64 {
	if !connected {
		return p.OfflineDrainPctPerHour
	}
	if inMotion {
		return p.MovingDrainPctPerHour
	}
	return p.StillDrainPctPerHour
}

// ShouldEnterLowPower reports whether the given battery percent is below
// the low-battery threshold; the threshold itself still counts as
// non-low, so the event fires on the crossing below it.
func (p Power) ShouldEnterLowPower(pct int) bool { return pct < p.LowBatteryPct }

// Policy is the full bundle consulted by the engine and telemetry
// pipeline.
type Policy struct {
	Retry     Retry
	Reporting Reporting
	Power     Power
}

// Default returns the constants named in spec.md §4.9.
func Default() Policy {
	return Policy{
		Retry: Retry{
			Base:        defaultRetryBase,
			Factor:      defaultRetryFactor,
			Cap:         defaultRetryCap,
			MaxAttempts: defaultMaxAttempts,
		},
		Reporting: Reporting{
			MovingInterval:  defaultMovingInterval,
			StillInterval:   defaultStillInterval,
			BatteryDeltaPct: defaultBatteryDeltaPct,
		},
		Power: Power{
			MovingDrainPctPerHour:  defaultMovingDrainPct,
			StillDrainPctPerHour:   defaultStillDrainPct,
			OfflineDrainPctPerHour: defaultOfflineDrainPct,
			LowBatteryPct:          defaultLowBatteryPct,
		},
	}
}
