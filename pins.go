package smsbridge

// ControlPins drives the modem's discrete control lines during power
// sequencing. Hold durations are owned by the bring-up sequence, so
// implementations only set levels; they are expected to be cheap and must
// never block on modem I/O.
type ControlPins interface {
	// SetPower switches the modem power rail
	SetPower(on bool)
	// SetReset asserts (true) or releases (false) the reset line
	SetReset(asserted bool)
	// SetPowerKey asserts (true) or releases (false) the power key line
	SetPowerKey(asserted bool)
	// SetFlow asserts the flow-control line
	SetFlow(asserted bool)
}

// NopPins is a ControlPins for transports with no discrete control lines,
// such as USB-serial adapters, simulators and tests.
type NopPins struct{}

func (NopPins) SetPower(bool)    {}
func (NopPins) SetReset(bool)    {}
func (NopPins) SetPowerKey(bool) {}
func (NopPins) SetFlow(bool)     {}
