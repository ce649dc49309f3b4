package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Avatar is the parameterized identity plus trained model weights produced
// by the training system. This service only ever reads avatars.
type Avatar struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	Niche          string          `json:"niche" db:"niche"`
	BasePrompt     string          `json:"base_prompt" db:"base_prompt"`
	NegativePrompt string          `json:"negative_prompt" db:"negative_prompt"`
	TriggerToken   string          `json:"trigger_token" db:"trigger_token"`
	WeightsURI     *string         `json:"weights_uri,omitempty" db:"weights_uri"`
	DefaultScale   float64         `json:"default_scale" db:"default_scale"`
	DefaultConfig  json.RawMessage `json:"default_generation_config,omitempty" db:"default_generation_config"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// HasWeights reports whether the avatar carries a trained weights file.
func (a *Avatar) HasWeights() bool {
	return a.WeightsURI != nil && *a.WeightsURI != ""
}

// GenerationConfig holds the generation knobs an avatar or template carries.
// Zero values mean "use the service default".
type GenerationConfig struct {
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Steps     int     `json:"steps,omitempty"`
	CFG       float64 `json:"cfg,omitempty"`
	Scheduler string  `json:"scheduler,omitempty"`
}

// Merge returns a copy of c with any non-zero fields of other applied on top.
func (c GenerationConfig) Merge(other GenerationConfig) GenerationConfig {
	out := c
	if other.Width != 0 {
		out.Width = other.Width
	}
	if other.Height != 0 {
		out.Height = other.Height
	}
	if other.Steps != 0 {
		out.Steps = other.Steps
	}
	if other.CFG != 0 {
		out.CFG = other.CFG
	}
	if other.Scheduler != "" {
		out.Scheduler = other.Scheduler
	}
	return out
}

// DefaultGenerationConfig parses the avatar's stored generation knobs.
func (a *Avatar) DefaultGenerationConfig() GenerationConfig {
	cfg := GenerationConfig{Width: 1024, Height: 1024, Steps: 30, CFG: 7.0}
	if len(a.DefaultConfig) == 0 {
		return cfg
	}
	var stored GenerationConfig
	if err := json.Unmarshal(a.DefaultConfig, &stored); err != nil {
		return cfg
	}
	return cfg.Merge(stored)
}
