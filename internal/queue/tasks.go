package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/pixelscrub/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeScrubImage = "image:scrub"

type ScrubImagePayload struct {
	JobID       string               `json:"job_id"`
	Name        string               `json:"name"`
	MediaType   string               `json:"media_type"`
	ObjectKey   string               `json:"object_key"`
	WebhookURL  string               `json:"webhook_url,omitempty"`
	Config      domain.Configuration `json:"config"`
	Seed        uint64               `json:"seed,omitempty"`
	RequestedAt time.Time            `json:"requested_at"`
}

func NewScrubImageTask(payload ScrubImagePayload) (*asynq.Task, error) {
	if err := payload.Config.Validate(); err != nil {
		return nil, fmt.Errorf("scrub payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal scrub payload: %w", err)
	}
	return asynq.NewTask(TypeScrubImage, body), nil
}

func ParseScrubImagePayload(task *asynq.Task) (ScrubImagePayload, error) {
	var payload ScrubImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ScrubImagePayload{}, fmt.Errorf("unmarshal scrub payload: %w", err)
	}
	if err := payload.Config.Validate(); err != nil {
		return ScrubImagePayload{}, fmt.Errorf("scrub payload: %w", err)
	}
	return payload, nil
}
