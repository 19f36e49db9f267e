// Package locpolicy derives the location polling configuration from crisis
// state, movement state and battery level.
//
// [Derive] is a pure function of its three inputs. [Tracker] wraps it with
// the two stateful rules the controller needs: identical consecutive configs
// are reported as unchanged so the location subscription is not restarted,
// and the low-battery crisis notice fires once per crisis episode.
package locpolicy

import (
	"time"

	"github.com/MrWong99/guardian/pkg/capability/location"
)

// LowBatteryPercent is the boundary at and below which crisis tracking is
// slowed to save power.
const LowBatteryPercent = 20

// LowBatteryNotice is shown the first time crisis tracking is slowed.
const LowBatteryNotice = "Low Battery (<20%) - Location tracking slowed down."

// Config is a location polling configuration. Values are comparable.
type Config struct {
	Priority          location.Priority
	Interval          time.Duration
	MinInterval       time.Duration
	MinDistanceMeters float64
}

// Request converts c into a capability request.
func (c Config) Request() location.Request {
	return location.Request{
		Priority:          c.Priority,
		Interval:          c.Interval,
		MinInterval:       c.MinInterval,
		MinDistanceMeters: c.MinDistanceMeters,
	}
}

// Rule identifies which row of the policy table produced a config.
type Rule int

const (
	RuleCrisis Rule = iota + 1
	RuleCrisisLowBattery
	RuleStationary
	RuleMoving
)

// String returns the rule name used in logs and metrics.
func (r Rule) String() string {
	switch r {
	case RuleCrisis:
		return "crisis"
	case RuleCrisisLowBattery:
		return "crisis_low_battery"
	case RuleStationary:
		return "stationary"
	case RuleMoving:
		return "moving"
	}
	return "unknown"
}

var table = map[Rule]Config{
	RuleCrisis: {
		Priority:    location.PriorityHighAccuracy,
		Interval:    1000 * time.Millisecond,
		MinInterval: 1000 * time.Millisecond,
	},
	RuleCrisisLowBattery: {
		Priority:    location.PriorityHighAccuracy,
		Interval:    5000 * time.Millisecond,
		MinInterval: 5000 * time.Millisecond,
	},
	RuleStationary: {
		Priority:    location.PriorityLowPower,
		Interval:    300000 * time.Millisecond,
		MinInterval: 300000 * time.Millisecond,
	},
	RuleMoving: {
		Priority:          location.PriorityBalanced,
		Interval:          60000 * time.Millisecond,
		MinInterval:       30000 * time.Millisecond,
		MinDistanceMeters: 50,
	},
}

// Select returns the policy rule for the inputs, in table priority order.
func Select(crisisActive bool, batteryPercent float64, isStationary bool) Rule {
	switch {
	case crisisActive && !BatteryLow(batteryPercent):
		return RuleCrisis
	case crisisActive:
		return RuleCrisisLowBattery
	case isStationary:
		return RuleStationary
	default:
		return RuleMoving
	}
}

// Derive returns the polling configuration for the inputs.
func Derive(crisisActive bool, batteryPercent float64, isStationary bool) Config {
	return table[Select(crisisActive, batteryPercent, isStationary)]
}

// BatteryLow reports whether percent is at or below [LowBatteryPercent].
func BatteryLow(percent float64) bool {
	return percent <= LowBatteryPercent
}

// CrossesBoundary reports whether a battery change from old to new crosses
// the low-battery boundary in either direction.
func CrossesBoundary(old, new float64) bool {
	return BatteryLow(old) != BatteryLow(new)
}

// Inputs are the values a [Tracker] evaluates.
type Inputs struct {
	CrisisActive   bool
	BatteryPercent float64
	Stationary     bool
}

// Decision is the outcome of [Tracker.Evaluate].
type Decision struct {
	Config Config
	Rule   Rule

	// Changed is true when Config differs from the previously evaluated one.
	// The first evaluation is always a change.
	Changed bool

	// Notice is true when [LowBatteryNotice] must be shown now.
	Notice bool
}

// Tracker remembers the last evaluated config and whether the low-battery
// notice has fired in the current crisis episode. It is not safe for
// concurrent use; the controller owns it.
type Tracker struct {
	last        Config
	evaluated   bool
	noticeFired bool
}

// Evaluate derives the config for in and reports whether it changed.
func (t *Tracker) Evaluate(in Inputs) Decision {
	rule := Select(in.CrisisActive, in.BatteryPercent, in.Stationary)
	cfg := table[rule]

	d := Decision{Config: cfg, Rule: rule}
	d.Changed = !t.evaluated || cfg != t.last
	t.last = cfg
	t.evaluated = true

	if rule == RuleCrisisLowBattery && !t.noticeFired {
		t.noticeFired = true
		d.Notice = true
	}
	return d
}

// ResetEpisode re-arms the low-battery notice for the next crisis episode.
func (t *Tracker) ResetEpisode() {
	t.noticeFired = false
}

// Forget clears the remembered config so the next evaluation is reported as
// changed. Used after the location subscription is torn down.
func (t *Tracker) Forget() {
	t.evaluated = false
	t.last = Config{}
}
