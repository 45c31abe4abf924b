package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/snarg/speechrun/internal/job"
)

// EventType distinguishes per-chunk job updates from run summaries.
type EventType string

const (
	EventJob EventType = "job"
	EventRun EventType = "run"
)

// Event is a lifecycle notification. Job events carry the chunk fields;
// run events carry Status.
type Event struct {
	Type       EventType     `json:"type"`
	RunID      string        `json:"run_id,omitempty"`
	SourceID   string        `json:"source_id"`
	ChunkIndex int           `json:"chunk_index"`
	JobID      string        `json:"job_id,omitempty"`
	State      job.State     `json:"state,omitempty"`
	ErrorKind  job.ErrorKind `json:"error_kind,omitempty"`
	Status     string        `json:"status,omitempty"`
	Time       time.Time     `json:"time"`
}

// JobEvent builds a job event from a record.
func JobEvent(rec job.Record) Event {
	return Event{
		Type:       EventJob,
		RunID:      rec.RunID,
		SourceID:   rec.SourceID,
		ChunkIndex: rec.ChunkIndex,
		JobID:      rec.JobID,
		State:      rec.State,
		ErrorKind:  rec.ErrorKind,
		Time:       rec.UpdatedAt,
	}
}

// Notifier publishes lifecycle events. Publish must not block the caller
// for long; failures are logged by the implementation, not returned to
// the pipeline.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Topic returns the topic an event is published on:
// {prefix}/jobs/{source}/{chunk} or {prefix}/runs/{source}.
func Topic(prefix string, ev Event) string {
	prefix = strings.TrimSuffix(prefix, "/")
	src := topicSafe(ev.SourceID)
	if ev.Type == EventRun {
		return fmt.Sprintf("%s/runs/%s", prefix, src)
	}
	return fmt.Sprintf("%s/jobs/%s/%d", prefix, src, ev.ChunkIndex)
}

// topicSafe strips MQTT wildcard and level characters from a source ID.
func topicSafe(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
