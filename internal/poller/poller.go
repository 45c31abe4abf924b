package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/metrics"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/vendor"
)

var (
	// ErrTimeout means the client-side wait bound elapsed; the record is
	// left timed_out for later inspection.
	ErrTimeout = errors.New("job did not reach a terminal state within max wait")

	// ErrAlreadyPolling is returned when another goroutine in this process
	// already owns the poll loop for the same chunk.
	ErrAlreadyPolling = errors.New("job is already being polled")
)

// StatusSource reports the remote state of a job.
type StatusSource interface {
	Status(ctx context.Context, jobID string) (vendor.StatusReport, error)
}

// Options controls one poll loop.
type Options struct {
	Interval    time.Duration
	MaxWait     time.Duration // measured from the record's CreatedAt
	RetryBudget int           // retryable failures tolerated before giving up
}

// Poller drives job records to a terminal state. Every observation is
// written to the store before the next wait, so a crash loses at most one
// interval of progress.
type Poller struct {
	src      StatusSource
	store    job.Store
	clock    retry.Clock
	opts     Options
	log      zerolog.Logger
	onChange func(job.Record)

	mu     sync.Mutex
	active map[job.Key]struct{}
}

func New(src StatusSource, store job.Store, clock retry.Clock, opts Options, log zerolog.Logger) *Poller {
	if clock == nil {
		clock = retry.SystemClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Poller{
		src:    src,
		store:  store,
		clock:  clock,
		opts:   opts,
		log:    log.With().Str("component", "poller").Logger(),
		active: make(map[job.Key]struct{}),
	}
}

// OnChange registers a callback invoked after every persisted poll outcome.
func (p *Poller) OnChange(fn func(job.Record)) { p.onChange = fn }

// PollUntilTerminal polls rec's job until it succeeds, fails or times out.
// It returns the final persisted record. ErrTimeout accompanies a
// timed_out record; a failed record is returned with a nil error and its
// ErrorKind set. A record that is already terminal is returned unchanged.
func (p *Poller) PollUntilTerminal(ctx context.Context, rec job.Record) (job.Record, error) {
	if rec.State.Terminal() {
		return rec, nil
	}
	key := rec.Key()
	if !p.acquire(key) {
		return rec, fmt.Errorf("%s: %w", key, ErrAlreadyPolling)
	}
	defer p.release(key)

	log := p.log.With().Str("source", rec.SourceID).Int("chunk", rec.ChunkIndex).Str("pid", rec.JobID).Logger()
	failures := 0

	for {
		if p.opts.MaxWait > 0 && p.clock.Now().Sub(rec.CreatedAt) > p.opts.MaxWait {
			rec.State = job.StateTimedOut
			rec.ErrorKind = job.KindTimeout
			if err := p.persist(ctx, rec); err != nil {
				return rec, err
			}
			log.Warn().Dur("max_wait", p.opts.MaxWait).Int("polls", rec.AttemptCount).Msg("job timed out")
			return rec, fmt.Errorf("%s: %w", key, ErrTimeout)
		}

		rep, err := p.src.Status(ctx, rec.JobID)
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		now := p.clock.Now()
		rec.LastPolledAt = &now
		rec.AttemptCount++

		class := rep.Class
		if err != nil {
			class = vendor.ClassFailedRetryable
			if !vendor.IsRetryable(err) {
				class = vendor.ClassFailedFatal
			}
		} else {
			rec.StatusMessage = rep.Message
		}
		metrics.PollsTotal.WithLabelValues(class.String()).Inc()

		switch class {
		case vendor.ClassPending, vendor.ClassProcessing:
			rec.State = job.StatePolling
		case vendor.ClassSucceeded:
			rec.State = job.StateSucceeded
			rec.ErrorKind = ""
		case vendor.ClassFailedRetryable:
			failures++
			if failures > p.opts.RetryBudget {
				rec.State = job.StateFailed
				rec.ErrorKind = job.KindServer
				if err == nil {
					err = fmt.Errorf("status %d: %s", rep.Code, rep.Message)
				}
				log.Error().Err(err).Int("failures", failures).Msg("retry budget exhausted")
			} else {
				rec.State = job.StatePolling
				log.Warn().Err(err).Int("code", rep.Code).Int("failures", failures).Msg("retryable poll failure")
			}
		case vendor.ClassFailedFatal:
			rec.State = job.StateFailed
			rec.ErrorKind = rep.Kind
			if k := vendor.KindOf(err); k != "" {
				rec.ErrorKind = k
			}
			if rec.ErrorKind == "" {
				rec.ErrorKind = job.KindServer
			}
			log.Error().Err(err).Str("status", rep.Message).Msg("job failed")
		}

		if err := p.persist(ctx, rec); err != nil {
			return rec, err
		}
		if rec.State.Terminal() {
			log.Info().Str("state", string(rec.State)).Int("polls", rec.AttemptCount).Msg("job reached terminal state")
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-p.clock.After(p.opts.Interval):
		}
	}
}

func (p *Poller) persist(ctx context.Context, rec job.Record) error {
	rec.UpdatedAt = p.clock.Now().UTC()
	if err := p.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist poll outcome: %w", err)
	}
	if rec.State.Terminal() {
		metrics.JobsTerminalTotal.WithLabelValues(string(rec.State), string(rec.ErrorKind)).Inc()
	}
	if p.onChange != nil {
		p.onChange(rec)
	}
	return nil
}

func (p *Poller) acquire(k job.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[k]; busy {
		return false
	}
	p.active[k] = struct{}{}
	return true
}

func (p *Poller) release(k job.Key) {
	p.mu.Lock()
	delete(p.active, k)
	p.mu.Unlock()
}
