package domain

import "errors"

var (
	ErrNotAnImage         = errors.New("not an image")
	ErrDecode             = errors.New("decode image")
	ErrInvalidConfigValue = errors.New("invalid config value")
	ErrJobNotFound        = errors.New("job not found")
)
