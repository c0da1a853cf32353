package producer

import (
	"errors"
	"fmt"
)

// Purpose selects what a stick's deflection turns into.
type Purpose int

const (
	PurposeNone Purpose = iota
	PurposeMouse
	PurposeWheel
)

func ParsePurpose(str string) (Purpose, error) {
	switch str {
	case "none":
		return PurposeNone, nil
	case "mouse":
		return PurposeMouse, nil
	case "wheel":
		return PurposeWheel, nil
	default:
		return 0, fmt.Errorf("unknown purpose %q", str)
	}
}

func (p Purpose) String() string {
	switch p {
	case PurposeNone:
		return "none"
	case PurposeMouse:
		return "mouse"
	case PurposeWheel:
		return "wheel"
	default:
		return fmt.Sprintf("Purpose(%d)", int(p))
	}
}

type Config struct {
	Left, Right Purpose

	// PointerSpeed is the pointer motion per tick at full deflection.
	PointerSpeed int

	// NonLinearity is the exponent applied to the normalized deflection.
	// 1 is linear, larger values make small deflections slower.
	NonLinearity float64

	// Deadzone is the fraction of the range around the rest position that
	// is treated as rest.
	Deadzone float64

	// XScrollSpeed and YScrollSpeed are the scroll ticks per tick at full
	// deflection.
	XScrollSpeed, YScrollSpeed int
}

func DefaultConfig() Config {
	return Config{
		Left:         PurposeMouse,
		Right:        PurposeWheel,
		PointerSpeed: 80,
		NonLinearity: 4,
		Deadzone:     0.05,
		XScrollSpeed: 1,
		YScrollSpeed: 1,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.NonLinearity < 0 {
		errs = append(errs, fmt.Errorf("non-linearity must not be negative, got %v", c.NonLinearity))
	}
	if (c.Deadzone < 0) || (c.Deadzone >= 1) {
		errs = append(errs, fmt.Errorf("deadzone must be in [0, 1), got %v", c.Deadzone))
	}
	return errors.Join(errs...)
}
