package fetch

import "time"

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFetching  Status = "fetching"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailReason classifies a failed Task.
type FailReason string

const (
	ReasonNone      FailReason = ""
	ReasonNetwork   FailReason = "network"
	ReasonTimeout   FailReason = "timeout"
	ReasonCancelled FailReason = "cancelled"
	ReasonHTTP      FailReason = "http"
	ReasonMalformed FailReason = "malformed"
)

// Task records one fetch attempt.
type Task struct {
	ID             string     `json:"id"`
	SourceURL      string     `json:"sourceUrl"`
	Status         Status     `json:"status"`
	FetchedContent *Content   `json:"fetchedContent"`
	Error          string     `json:"error,omitempty"`
	FailReason     FailReason `json:"failReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Content is what a completed fetch captured.
type Content struct {
	URL         string       `json:"url"` // final URL after redirects
	StatusCode  int          `json:"statusCode"`
	ContentType string       `json:"contentType"`
	HTML        string       `json:"html"`
	Stylesheets []Stylesheet `json:"stylesheets"`
	Rendered    bool         `json:"rendered"`
	Hash        string       `json:"hash"` // blake3 of HTML, hex
	FetchedAt   time.Time    `json:"fetchedAt"`
}

// Stylesheet is one same-origin stylesheet, in <link> document order.
type Stylesheet struct {
	URL string `json:"url"`
	CSS string `json:"css"`
}
