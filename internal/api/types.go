package api

import "brewctl/internal/model"

// HeaterCommand switches the heater element on or off.
type HeaterCommand struct {
	Set model.HeaterState `json:"set"`
}

// TemperatureCommand sets the thermostat target in whole degrees.
type TemperatureCommand struct {
	Set int `json:"set"`
}
