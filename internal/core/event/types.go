package event

import "time"

type EventType string

const (
	// Job lifecycle
	EventJobCreated         EventType = "job.created"
	EventJobStarted         EventType = "job.started"
	EventJobProgress        EventType = "job.progress"
	EventJobCompleted       EventType = "job.completed"
	EventJobFailed          EventType = "job.failed"
	EventJobCancelRequested EventType = "job.cancel_requested"
	EventJobCancelled       EventType = "job.cancelled"

	// Feeds
	EventFeedPolled EventType = "feed.polled"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type JobEvent struct {
	JobID   string
	Owner   string
	Kind    string
	Backend string
	Source  string
	Name    string
	State   string
	Error   string
}

type FeedEvent struct {
	FeedID  string
	Owner   string
	NewJobs int
	Error   string
}
