package model

import (
	"fmt"
	"time"
)

// Base model families a LoRA bundle can target.
const (
	BaseModelSDXL = "sdxl"
	BaseModelSD15 = "sd15"
	BaseModelFlux = "flux-dev"
)

// Lora is a trained auxiliary model bundle produced by a training task.
type Lora struct {
	ID         string    `json:"id"`
	User       string    `json:"user"`
	Name       string    `json:"name"`
	Checkpoint string    `json:"checkpoint"`
	BaseModel  string    `json:"base_model"`
	Slug       string    `json:"slug"`
	Thumbnail  string    `json:"thumbnail,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LoraSlug formats the slug of the given version of a user's bundle.
func LoraSlug(user, name string, version int) string {
	return fmt.Sprintf("%s/%s/v%d", user, name, version)
}

// IsArchive reports whether bundles for this base model ship as an archive
// holding weights plus an embedding, rather than a single weight file.
func (l *Lora) IsArchive() bool {
	return l.BaseModel == BaseModelSDXL || l.BaseModel == BaseModelSD15
}
