package model

import (
	"time"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Output type constants. The output type of a tool decides how its results
// are stored and what happens after a task completes.
const (
	OutputString  = "string"
	OutputImage   = "image"
	OutputVideo   = "video"
	OutputAudio   = "audio"
	OutputZip     = "zip"
	OutputLora    = "lora"
	OutputMessage = "message"
)

// Well-known argument names the runner and injector treat specially.
const (
	ArgSeed         = "seed"
	ArgNSamples     = "n_samples"
	ArgPrompt       = "prompt"
	ArgLoraStrength = "lora_strength"
)

// validTransitions maps each status to the set of statuses it may transition to.
// running→running is allowed so multi-sample jobs can publish partial results.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is final.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// IsMedia reports whether results of the given output type are files that
// must be uploaded to storage.
func IsMedia(outputType string) bool {
	switch outputType {
	case OutputImage, OutputVideo, OutputAudio, OutputZip, OutputLora:
		return true
	}
	return false
}

// Performance holds queue and execution timings in seconds.
type Performance struct {
	WaitTime float64 `json:"waitTime"`
	RunTime  float64 `json:"runTime"`
}

// ResultItem is one produced output. Media outputs carry a URL (and
// optionally a thumbnail); text and chat outputs carry an inline Value.
type ResultItem struct {
	URL       string `json:"url,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Value     any    `json:"value,omitempty"`
}

// Output is what a backend produces for a single sample. Files are local
// paths or remote URLs; the runner moves them into storage.
type Output struct {
	Files     []string
	Thumbnail string
	Value     any
}

// Task is one invocation of a tool with concrete arguments.
type Task struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	OutputType  string         `json:"output_type"`
	Args        map[string]any `json:"args"`
	User        string         `json:"user"`
	Handler     string         `json:"handler_id,omitempty"`
	Cost        float64        `json:"cost"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Result      []ResultItem   `json:"result,omitempty"`
	Performance Performance    `json:"performance"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Samples returns the number of samples the task asks for, at least 1.
func (t *Task) Samples() int {
	switch v := t.Args[ArgNSamples].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v >= 1 {
			return int(v)
		}
	}
	return 1
}

// CloneArgs returns a shallow copy of the task arguments.
func (t *Task) CloneArgs() map[string]any {
	args := make(map[string]any, len(t.Args))
	for k, v := range t.Args {
		args[k] = v
	}
	return args
}
