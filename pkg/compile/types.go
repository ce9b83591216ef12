package compile

import "time"

// Status represents the lifecycle state of a compilation job. A job moves
// from queued to exactly one terminal state and never back.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MessageKind distinguishes informational output from compiler errors.
type MessageKind string

const (
	MessageInfo  MessageKind = "info"
	MessageError MessageKind = "error"
)

// Message is one classified diagnostic entry, ordered as emitted.
type Message struct {
	Kind MessageKind `json:"type"`
	Text string      `json:"message"`
}

// LibraryRef names a library dependency requested with a submission.
type LibraryRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Job describes a compilation job tracked by the server.
type Job struct {
	ID          string       `json:"compilation_id"`
	ProjectID   string       `json:"project_id,omitempty"`
	BoardType   string       `json:"board_type"`
	Status      Status       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	BinaryURL   string       `json:"binary_url,omitempty"`
	Libraries   []LibraryRef `json:"libraries,omitempty"`
	Messages    []Message    `json:"messages,omitempty"`

	// Filesystem locations owned by the orchestrator; never serialized.
	SourcePath   string `json:"-"`
	ArtifactPath string `json:"-"`
}

// SubmitRequest captures the payload needed to request a compilation.
type SubmitRequest struct {
	BoardType string       `json:"board_type"`
	Code      string       `json:"code"`
	ProjectID string       `json:"project_id,omitempty"`
	Libraries []LibraryRef `json:"libraries,omitempty"`
}
