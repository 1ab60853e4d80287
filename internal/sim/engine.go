package sim

import (
	"math"
	"time"
)

// Thermal response of the simulated kettle, in degrees per second.
const (
	heatRate   = 0.15
	coolRate   = 0.01
	maxTemp    = 100.0
	hysteresis = 0.5
)

// wireSample is the payload pushed to feed clients. Time goes out as a
// date string, the way the hardware controller reports it.
type wireSample struct {
	Time            string  `json:"time"`
	Heater          int     `json:"heater"`
	Temperature     float64 `json:"temperature"`
	MashTemperature float64 `json:"mash-temperature"`
	Controller      string  `json:"controller"`
}

// Engine is the fake brewing rig: a clock, a kettle that warms while
// the heater runs, a lagging mash probe and an optional thermostat.
// One Tick reads the sensors once, like the hardware loop does. Not
// safe for concurrent use; the server serializes access.
type Engine struct {
	interval time.Duration
	ambient  float64
	base     float64
	mashBase float64
	clock    time.Time
	elapsed  float64
	heater   bool
	target   int
}

// NewEngine creates a rig whose clock starts at start and advances one
// interval per tick.
func NewEngine(start time.Time, interval time.Duration, ambient, temp float64) *Engine {
	return &Engine{
		interval: interval,
		ambient:  ambient,
		base:     temp,
		mashBase: temp,
		clock:    start,
	}
}

// SetHeater forces the heater state and drops back to manual control.
func (e *Engine) SetHeater(on bool) {
	e.heater = on
	e.target = 0
}

// SetTarget enables the thermostat. A target of zero returns to manual
// control without touching the heater.
func (e *Engine) SetTarget(deg int) {
	if deg <= 0 {
		e.target = 0
		return
	}
	e.target = deg
}

// Mode reports the control mode for the sample payload.
func (e *Engine) Mode() string {
	if e.target > 0 {
		return "auto"
	}
	return "manual"
}

// Tick advances one interval and returns the sample for it.
func (e *Engine) Tick() wireSample {
	sec := e.interval.Seconds()
	e.elapsed += sec
	e.clock = e.clock.Add(e.interval)

	temp := e.temperature()
	if e.target > 0 {
		if temp < float64(e.target)-hysteresis {
			e.heater = true
		} else if temp > float64(e.target)+hysteresis {
			e.heater = false
		}
	}

	if e.heater {
		e.base += heatRate * sec
		if e.base > maxTemp {
			e.base = maxTemp
		}
	} else {
		e.base += (e.ambient - e.base) * coolRate * sec
	}
	e.mashBase += (e.base - e.mashBase) * 0.1 * sec

	heater := 0
	if e.heater {
		heater = 1
	}
	return wireSample{
		Time:            e.clock.UTC().Format(time.RFC3339),
		Heater:          heater,
		Temperature:     round2(e.temperature()),
		MashTemperature: round2(e.mashBase + 0.5*math.Sin(e.elapsed/25)),
		Controller:      e.Mode(),
	}
}

func (e *Engine) temperature() float64 {
	return e.base + math.Sin(e.elapsed/20)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
