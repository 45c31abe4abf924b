package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a remote job.
type State string

const (
	StatePending   State = "pending"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateAbandoned:
		return true
	}
	return false
}

// Rerunnable reports whether a chunk left in s may be submitted again on
// request: every terminal state except success.
func (s State) Rerunnable() bool {
	switch s {
	case StateFailed, StateTimedOut, StateAbandoned:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StatePolling:
		return true
	}
	return s.Terminal()
}

// ErrorKind classifies why a chunk did not succeed.
type ErrorKind string

const (
	KindConfiguration     ErrorKind = "configuration"
	KindAuth              ErrorKind = "auth"
	KindQuota             ErrorKind = "quota"
	KindPayloadTooLarge   ErrorKind = "payload_too_large"
	KindTransient         ErrorKind = "transient"
	KindTimeout           ErrorKind = "timeout"
	KindProtocolViolation ErrorKind = "protocol_violation"
	KindServer            ErrorKind = "server"
	KindFetch             ErrorKind = "fetch"
	KindAbandoned         ErrorKind = "abandoned"
)

// Fatal reports whether a failure of this kind must not be retried.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindConfiguration, KindAuth, KindQuota, KindProtocolViolation:
		return true
	}
	return false
}

var (
	ErrNotFound          = errors.New("job record not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Record is the durable state of one submitted chunk.
type Record struct {
	JobID         string        `json:"job_id"`
	SourceID      string        `json:"source_id"`
	ChunkIndex    int           `json:"chunk_index"`
	RunID         string        `json:"run_id,omitempty"`
	State         State         `json:"state"`
	StartOffset   time.Duration `json:"start_offset"`
	Duration      time.Duration `json:"duration"`
	PlanMax       time.Duration `json:"plan_max,omitempty"`
	LocalPath     string        `json:"local_path,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LastPolledAt  *time.Time    `json:"last_polled_at,omitempty"`
	AttemptCount  int           `json:"attempt_count"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	StatusMessage string        `json:"status_message,omitempty"`
	ResultPath    string        `json:"result_path,omitempty"`
}

// Key identifies a record.
type Key struct {
	SourceID   string
	ChunkIndex int
}

func (r Record) Key() Key { return Key{SourceID: r.SourceID, ChunkIndex: r.ChunkIndex} }

func (k Key) String() string { return fmt.Sprintf("%s#%d", k.SourceID, k.ChunkIndex) }

// Store is the durable mapping from (source, chunk) to Record.
// Upsert is atomic per record and rejects transitions out of a terminal
// state; every other component reads and writes job state through it.
// Replace swaps a failed, timed out or abandoned record for a freshly
// submitted pending one and is the only way a chunk is ever resubmitted.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Replace(ctx context.Context, rec Record) error
	Get(ctx context.Context, sourceID string, chunkIndex int) (Record, error)
	List(ctx context.Context, sourceID string) ([]Record, error)
	ListIncomplete(ctx context.Context, sourceID string) ([]Record, error)
}

// CheckTransition validates moving from prev to next. A terminal record may
// be rewritten only in the same state (e.g. to attach a ResultPath).
func CheckTransition(prev, next State) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, next)
	}
	if prev == next {
		return nil
	}
	if isValidTransition(prev, next) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
}

// CheckReplace validates replacing a record in state prev with next.
func CheckReplace(prev State, next Record) error {
	if !prev.Rerunnable() {
		return fmt.Errorf("%w: cannot replace a %s record", ErrInvalidTransition, prev)
	}
	if next.State != StatePending {
		return fmt.Errorf("%w: replacement must be pending, got %s", ErrInvalidTransition, next.State)
	}
	return nil
}

func isValidTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StatePolling || to.Terminal()
	case StatePolling:
		return to.Terminal()
	}
	return false
}

// Validate checks the fields required for persistence.
func (r Record) Validate() error {
	if r.SourceID == "" {
		return errors.New("job record: empty source id")
	}
	if r.ChunkIndex < 0 {
		return fmt.Errorf("job record: negative chunk index %d", r.ChunkIndex)
	}
	if r.JobID == "" {
		return errors.New("job record: empty job id")
	}
	if !r.State.Valid() {
		return fmt.Errorf("job record: unknown state %q", r.State)
	}
	return nil
}

// Incomplete filters out terminal records.
func Incomplete(recs []Record) []Record {
	var out []Record
	for _, r := range recs {
		if !r.State.Terminal() {
			out = append(out, r)
		}
	}
	return out
}
