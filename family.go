package ownet

import (
	"context"
	"math"
)

// Family bytes with dedicated behaviour.
const (
	FamilyTemperature  byte = 0x10
	FamilyCoupler      byte = 0x1F
	FamilyVoltage      byte = 0x20
	FamilyTemperatureB byte = 0x28
)

// familyHandler captures per-family behaviour: which sub-buses a device
// exposes, which polls it supports, and how its alarm is cleared.
type familyHandler interface {
	// PollingItems enumerates the poll names devices of this family
	// support.
	PollingItems() []string

	// SubBuses returns the coupled bus segments behind this device,
	// main first.
	SubBuses(d *Device) [][]string

	// Poll runs one named poll for the device.
	Poll(ctx context.Context, d *Device, name string) error

	// PollAlarm clears the device's alarm condition and returns the
	// recorded reasons.
	PollAlarm(ctx context.Context, d *Device) (map[string]interface{}, error)
}

var familyHandlers = map[byte]familyHandler{}

func registerFamily(family byte, h familyHandler) {
	familyHandlers[family] = h
}

func init() {
	registerFamily(FamilyTemperature, &temperatureFamily{})
	registerFamily(FamilyTemperatureB, &genericFamily{})
	registerFamily(FamilyVoltage, &voltageFamily{})
	registerFamily(FamilyCoupler, &couplerFamily{})
}

func handlerFor(family byte) familyHandler {
	if h, ok := familyHandlers[family]; ok {
		return h
	}

	return &genericFamily{}
}

// genericFamily is the default behaviour: no sub-buses, no polls, and
// no way to clear an alarm.
type genericFamily struct{}

func (g *genericFamily) PollingItems() []string        { return nil }
func (g *genericFamily) SubBuses(d *Device) [][]string { return nil }

func (g *genericFamily) Poll(ctx context.Context, d *Device, name string) error {
	return nil
}

func (g *genericFamily) PollAlarm(ctx context.Context, d *Device) (map[string]interface{}, error) {
	return nil, nil
}

// temperatureFamily drives DS18S20-style sensors: periodic temperature
// readout plus alarm clearing by widening the configured bounds.
type temperatureFamily struct{}

func (t *temperatureFamily) PollingItems() []string {
	return []string{"temperature", "alarm"}
}

func (t *temperatureFamily) SubBuses(d *Device) [][]string { return nil }

func (t *temperatureFamily) Poll(ctx context.Context, d *Device, name string) error {
	if name != "temperature" {
		return nil
	}

	v, err := d.Float(ctx, "latesttemp")
	if err != nil {
		return err
	}

	d.service.pushDeviceValue(d, "temperature", v)

	return nil
}

// PollAlarm adapts the temperature bounds so the device stops asserting:
// a too-low high bound is raised to floor(t)+2, a too-high low bound is
// lowered to floor(t)-1. The previous bounds go into the reasons.
func (t *temperatureFamily) PollAlarm(ctx context.Context, d *Device) (map[string]interface{}, error) {
	v, err := d.Float(ctx, "latesttemp")
	if err != nil {
		return nil, err
	}

	d.setAlarmTemperature(v)
	reasons := map[string]interface{}{"temp": v}

	high, err := d.Float(ctx, "temphigh")
	if err != nil {
		return reasons, err
	}

	if v > high {
		if err := d.Set(ctx, "temphigh", int64(math.Floor(v))+2); err != nil {
			return reasons, err
		}

		reasons["high"] = high
	}

	low, err := d.Float(ctx, "templow")
	if err != nil {
		return reasons, err
	}

	if v < low {
		if err := d.Set(ctx, "templow", int64(math.Floor(v))-1); err != nil {
			return reasons, err
		}

		reasons["low"] = low
	}

	return reasons, nil
}

// voltageFamily drives DS2450-style converters: periodic whole-array
// readout plus alarm clearing by unsetting the tripped bounds.
type voltageFamily struct{}

func (v *voltageFamily) PollingItems() []string {
	return []string{"voltage", "alarm"}
}

func (v *voltageFamily) SubBuses(d *Device) [][]string { return nil }

func (v *voltageFamily) Poll(ctx context.Context, d *Device, name string) error {
	if name != "voltage" {
		return nil
	}

	vals, err := d.GetAll(ctx, "volt")
	if err != nil {
		return err
	}

	d.service.pushDeviceValue(d, "volt_all", vals)

	return nil
}

// PollAlarm clears every asserted channel bound and the power-on latch,
// recording the pre-reset values.
func (v *voltageFamily) PollAlarm(ctx context.Context, d *Device) (map[string]interface{}, error) {
	reasons := map[string]interface{}{}

	volts, err := d.GetAll(ctx, "volt")
	if err != nil {
		return nil, err
	}

	high, err := d.GetAll(ctx, "alarm/high")
	if err != nil {
		return nil, err
	}

	low, err := d.GetAll(ctx, "alarm/low")
	if err != nil {
		return nil, err
	}

	unset, err := d.Bool(ctx, "set_alarm/unset")
	if err != nil {
		return nil, err
	}

	if unset {
		reasons["power_on"] = true

		if err := d.Set(ctx, "set_alarm/unset", false); err != nil {
			return reasons, err
		}
	}

	if anyTrue(high) {
		prev, err := d.GetAll(ctx, "set_alarm/high")
		if err != nil {
			return reasons, err
		}

		for i, asserted := range high {
			if !truthy(asserted) {
				continue
			}

			reasons[indexed("high", i)] = prev[i]

			if err := d.SetIndex(ctx, "set_alarm/high", i, 0); err != nil {
				return reasons, err
			}
		}
	}

	if anyTrue(low) {
		prev, err := d.GetAll(ctx, "set_alarm/low")
		if err != nil {
			return reasons, err
		}

		for i, asserted := range low {
			if !truthy(asserted) {
				continue
			}

			reasons[indexed("low", i)] = prev[i]

			if err := d.SetIndex(ctx, "set_alarm/low", i, 0); err != nil {
				return reasons, err
			}
		}
	}

	for i, val := range volts {
		reasons[indexed("volt", i)] = val
	}

	return reasons, nil
}

// couplerFamily models DS2409 switches: two coupled segments and an
// alarm cleared by latching clearalarm.
type couplerFamily struct{}

func (c *couplerFamily) PollingItems() []string { return nil }

func (c *couplerFamily) SubBuses(d *Device) [][]string {
	return [][]string{
		{d.ID(), "main"},
		{d.ID(), "aux"},
	}
}

func (c *couplerFamily) Poll(ctx context.Context, d *Device, name string) error {
	return nil
}

func (c *couplerFamily) PollAlarm(ctx context.Context, d *Device) (map[string]interface{}, error) {
	if _, err := d.GetAll(ctx, "event"); err != nil {
		return nil, err
	}

	if err := d.Set(ctx, "clearalarm", 1); err != nil {
		return nil, err
	}

	return nil, nil
}
