package domain

import (
	"fmt"
	"strings"
)

// Field names a tunable of Configuration.
type Field string

const (
	FieldColorQuantization Field = "color_quantization"
	FieldPixelSwapStrength Field = "pixel_swap_strength"
)

const (
	MinColorQuantization = 1
	MaxColorQuantization = 7
	MinPixelSwapStrength = 0
	MaxPixelSwapStrength = 10

	DefaultColorQuantization = 5
	DefaultPixelSwapStrength = 3
)

// Configuration holds the filter parameters. ColorQuantization is the number
// of low bits collapsed per channel; PixelSwapStrength/10 is the probability
// of a diagonal swap.
type Configuration struct {
	ColorQuantization int `json:"color_quantization"`
	PixelSwapStrength int `json:"pixel_swap_strength"`
}

func DefaultConfiguration() Configuration {
	return Configuration{
		ColorQuantization: DefaultColorQuantization,
		PixelSwapStrength: DefaultPixelSwapStrength,
	}
}

func ParseField(raw string) (Field, error) {
	switch f := Field(strings.ToLower(strings.TrimSpace(raw))); f {
	case FieldColorQuantization, FieldPixelSwapStrength:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown field %q", ErrInvalidConfigValue, raw)
	}
}

func (f Field) bounds() (int, int) {
	if f == FieldColorQuantization {
		return MinColorQuantization, MaxColorQuantization
	}
	return MinPixelSwapStrength, MaxPixelSwapStrength
}

func (f Field) check(value int) error {
	lo, hi := f.bounds()
	if value < lo || value > hi {
		return fmt.Errorf("%w: %s=%d outside [%d,%d]", ErrInvalidConfigValue, f, value, lo, hi)
	}
	return nil
}

func (c Configuration) Validate() error {
	if err := FieldColorQuantization.check(c.ColorQuantization); err != nil {
		return err
	}
	return FieldPixelSwapStrength.check(c.PixelSwapStrength)
}

// With returns a copy of c with field set to value. c itself is never
// modified, so a rejected update leaves the caller's state intact.
func (c Configuration) With(field Field, value int) (Configuration, error) {
	switch field {
	case FieldColorQuantization:
		if err := field.check(value); err != nil {
			return c, err
		}
		c.ColorQuantization = value
	case FieldPixelSwapStrength:
		if err := field.check(value); err != nil {
			return c, err
		}
		c.PixelSwapStrength = value
	default:
		return c, fmt.Errorf("%w: unknown field %q", ErrInvalidConfigValue, field)
	}
	return c, nil
}

func (c Configuration) Get(field Field) (int, bool) {
	switch field {
	case FieldColorQuantization:
		return c.ColorQuantization, true
	case FieldPixelSwapStrength:
		return c.PixelSwapStrength, true
	default:
		return 0, false
	}
}
