package fault

import (
	"errors"
	"fmt"
)

// Standard CAN fault confinement constants.
const (
	DefaultTxErrorStep      = 8   // TEC increase per transmit error
	DefaultRxErrorStep      = 1   // REC increase per receive error
	DefaultSuccessStep      = 1   // counter decrease per successful delivery
	DefaultPassiveThreshold = 128 // TEC at which a node turns error-passive
	DefaultBusOffThreshold  = 256 // TEC at which a node leaves the bus
)

var ErrInvalidLimits = errors.New("fault: invalid limits")

// Limits holds the step sizes and thresholds of the state machine.
// Experiments vary them to study attack sensitivity.
type Limits struct {
	TxErrorStep      int `yaml:"tx_error_step"`
	RxErrorStep      int `yaml:"rx_error_step"`
	SuccessStep      int `yaml:"success_step"`
	PassiveThreshold int `yaml:"passive_threshold"`
	BusOffThreshold  int `yaml:"bus_off_threshold"`
}

// DefaultLimits returns the ISO 11898 values.
func DefaultLimits() Limits {
	return Limits{
		TxErrorStep:      DefaultTxErrorStep,
		RxErrorStep:      DefaultRxErrorStep,
		SuccessStep:      DefaultSuccessStep,
		PassiveThreshold: DefaultPassiveThreshold,
		BusOffThreshold:  DefaultBusOffThreshold,
	}
}

// Validate checks that every step moves the counter and the thresholds are ordered.
func (l Limits) Validate() error {
	if l.TxErrorStep <= 0 || l.RxErrorStep <= 0 || l.SuccessStep <= 0 {
		return fmt.Errorf("%w: steps must be > 0 (tx=%d rx=%d success=%d)", ErrInvalidLimits, l.TxErrorStep, l.RxErrorStep, l.SuccessStep)
	}
	if l.PassiveThreshold <= 0 || l.PassiveThreshold >= l.BusOffThreshold {
		return fmt.Errorf("%w: need 0 < passive (%d) < bus-off (%d)", ErrInvalidLimits, l.PassiveThreshold, l.BusOffThreshold)
	}
	return nil
}

// ModeFor maps a transmit error counter to its mode.
func (l Limits) ModeFor(tec int) Mode {
	switch {
	case tec >= l.BusOffThreshold:
		return BusOff
	case tec >= l.PassiveThreshold:
		return ErrorPassive
	default:
		return ErrorActive
	}
}
