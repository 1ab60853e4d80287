package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HeaterState is a commanded power state for the heater element.
type HeaterState string

const (
	HeaterOn  HeaterState = "on"
	HeaterOff HeaterState = "off"
)

// Valid reports whether s is one of the two accepted states.
func (s HeaterState) Valid() bool { return s == HeaterOn || s == HeaterOff }

// Value is a sample field as it arrived on the wire: a number or an
// uninterpreted string. The zero value is the empty string.
type Value struct {
	num   float64
	text  string
	isNum bool
}

// Number returns a numeric Value.
func Number(f float64) Value { return Value{num: f, isNum: true} }

// Text returns a string Value.
func Text(s string) Value { return Value{text: s} }

// Float returns the numeric form of the value. String values parse on
// demand; non-numeric strings report false.
func (v Value) Float() (float64, bool) {
	if v.isNum {
		return v.num, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.text), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// String renders the value for display.
func (v Value) String() string {
	if v.isNum {
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
	return v.text
}

// UnmarshalJSON accepts numbers, strings, booleans and null. Booleans
// coerce to 1 and 0, null to the empty string.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = Value{}
	case float64:
		*v = Number(t)
	case string:
		*v = Text(t)
	case bool:
		if t {
			*v = Number(1)
		} else {
			*v = Number(0)
		}
	default:
		return fmt.Errorf("model: field is not a scalar: %s", data)
	}
	return nil
}

// Sample is one controller reading after normalization: Time is epoch
// milliseconds and Heater is exactly 0 or 1. The remaining fields pass
// through as received.
type Sample struct {
	Time            int64
	Heater          int
	Temperature     Value
	MashTemperature Value
	Controller      Value
}

// Field returns the numeric projection of a named sample field. Known
// names are time, heater, temperature, mash-temperature and controller.
func (s Sample) Field(name string) (float64, bool) {
	switch name {
	case "time":
		return float64(s.Time), true
	case "heater":
		return float64(s.Heater), true
	case "temperature":
		return s.Temperature.Float()
	case "mash-temperature":
		return s.MashTemperature.Float()
	case "controller":
		return s.Controller.Float()
	}
	return 0, false
}

type wireSample struct {
	Time            any   `json:"time"`
	Heater          any   `json:"heater"`
	Temperature     Value `json:"temperature"`
	MashTemperature Value `json:"mash-temperature"`
	Controller      Value `json:"controller"`
}

// ParseSample decodes one wire payload and normalizes it.
func ParseSample(data []byte) (Sample, error) {
	var w wireSample
	if err := json.Unmarshal(data, &w); err != nil {
		return Sample{}, fmt.Errorf("model: decode sample: %w", err)
	}
	ts, err := ParseTime(w.Time)
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		Time:            ts,
		Heater:          ParseHeater(w.Heater),
		Temperature:     w.Temperature,
		MashTemperature: w.MashTemperature,
		Controller:      w.Controller,
	}, nil
}

// Date layouts accepted from controllers that do not send a zone.
// Zoneless times are read in the local zone, matching how the wall
// clock on the controller is set up.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime converts a wire time into epoch milliseconds. Numeric input
// is already normalized and passes through unchanged, so applying
// ParseTime twice is the identity.
func ParseTime(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case string:
		s := strings.TrimSpace(t)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UnixMilli(), nil
		}
		for _, layout := range zonelessLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return ts.UnixMilli(), nil
			}
		}
		return 0, fmt.Errorf("model: unparseable time %q", t)
	case nil:
		return 0, fmt.Errorf("model: sample has no time")
	}
	return 0, fmt.Errorf("model: unsupported time type %T", v)
}

// Heater wire forms treated as off. Everything outside this set turns
// the heater flag on, so a stray "Off" string can never light the
// indicator.
func falsyHeater(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "off":
		return true
	}
	return false
}

// ParseHeater coerces a wire heater value to exactly 0 or 1.
func ParseHeater(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 1
		}
		return 0
	case float64:
		if t == 0 {
			return 0
		}
		return 1
	case string:
		if falsyHeater(t) {
			return 0
		}
		return 1
	}
	return 1
}
