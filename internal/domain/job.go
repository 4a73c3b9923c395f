package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

// CreateJobRequest asks for a batch scrub of one uploaded object. A nil
// field in the request falls back to the session default.
type CreateJobRequest struct {
	Name              string `json:"name"`
	MediaType         string `json:"media_type"`
	WebhookURL        string `json:"webhook_url,omitempty"`
	ColorQuantization *int   `json:"color_quantization,omitempty"`
	PixelSwapStrength *int   `json:"pixel_swap_strength,omitempty"`
}

type Job struct {
	ID         string
	Status     string
	Name       string
	MediaType  string
	WebhookURL string
	Config     Configuration
	ObjectKey  string
	OutputKey  string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(r.MediaType) == "" {
		return errors.New("media_type is required")
	}
	if _, err := ParseMediaType(r.MediaType); err != nil {
		return err
	}
	if _, err := r.Configuration(DefaultConfiguration()); err != nil {
		return err
	}
	return nil
}

// Configuration overlays the request's explicit values on base.
func (r CreateJobRequest) Configuration(base Configuration) (Configuration, error) {
	cfg := base
	var err error
	if r.ColorQuantization != nil {
		if cfg, err = cfg.With(FieldColorQuantization, *r.ColorQuantization); err != nil {
			return base, err
		}
	}
	if r.PixelSwapStrength != nil {
		if cfg, err = cfg.With(FieldPixelSwapStrength, *r.PixelSwapStrength); err != nil {
			return base, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return base, fmt.Errorf("job configuration: %w", err)
	}
	return cfg, nil
}
