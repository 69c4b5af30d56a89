package domain

// JobStatus enumerates remote generation job states.
type JobStatus string

const (
	JobStatusPending  JobStatus = "PENDING"
	JobStatusDone     JobStatus = "DONE"
	JobStatusFailed   JobStatus = "FAILED"
	JobStatusTimedOut JobStatus = "TIMED_OUT"
)

// Terminal reports whether no further polling is needed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusTimedOut
}

// GenerationParams describes one submission to the text-to-image endpoint.
type GenerationParams struct {
	Prompt         string
	NumImages      int
	Width          int
	Height         int
	NegativePrompt string
	Style          string
}

// GenerationJob tracks one in-flight remote request until it reaches a
// terminal status. It is never persisted.
type GenerationJob struct {
	ID             string
	Prompt         string
	RequestedCount int
	Status         JobStatus
}

// CompletionEvent is emitted once per saved image.
type CompletionEvent struct {
	CredentialPrefix string
	Sequence         int
	Total            int
}

// GeneratedImage is a decoded payload ready for persistence.
type GeneratedImage struct {
	CredentialPrefix string
	Sequence         int
	Quota            int
	Data             []byte
}
