package models

import "time"

// GenerationStatus is the lifecycle state of an asynchronous generation task.
// The task itself is owned by the external generation backend; the core only
// polls and interprets it.
type GenerationStatus string

const (
	GenerationQueued     GenerationStatus = "queued"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s GenerationStatus) Terminal() bool {
	return s == GenerationCompleted || s == GenerationFailed
}

// GenerationResult describes one produced artifact.
type GenerationResult struct {
	ImageID      string    `json:"image_uuid"`
	ImageURL     string    `json:"image_url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	ImageIndex   int       `json:"image_index"`
	CreatedAt    time.Time `json:"created_at"`
}

// GenerationTask is the status document returned by the generation backend.
type GenerationTask struct {
	TaskID       string             `json:"task_id"`
	Status       GenerationStatus   `json:"status"`
	Results      []GenerationResult `json:"results,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}
