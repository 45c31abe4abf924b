package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/metrics"
	"github.com/snarg/speechrun/internal/results"
)

var (
	// ErrProtocolViolation is a framing error by the caller: audio before
	// the config message, or a second config message.
	ErrProtocolViolation = errors.New("stream protocol violation")

	// ErrClosed is returned for audio offered after end-of-audio or after
	// the remote side finished.
	ErrClosed = errors.New("stream session closed")

	// ErrAborted wraps the transport error that ended a session.
	ErrAborted = errors.New("stream session aborted")
)

// State of a Session.
type State int

const (
	StateAwaitingConfig State = iota
	StateStreaming
	StateClosing
	StateAborted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config is the first and only non-audio message of a session.
type Config struct {
	Encoding        string `json:"encoding"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	Level           string `json:"level"`
}

func (c Config) validate() error {
	switch c.Level {
	case "segment", "utterance", "both":
	default:
		return fmt.Errorf("%w: level %q", ErrProtocolViolation, c.Level)
	}
	if c.SampleRateHertz <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrProtocolViolation, c.SampleRateHertz)
	}
	if c.Encoding == "" {
		return fmt.Errorf("%w: empty encoding", ErrProtocolViolation)
	}
	return nil
}

// Frame is one outgoing message. Exactly one of Config and Audio is set.
type Frame struct {
	Config   *Config
	Audio    []byte
	Duration time.Duration
}

// Transport is a bidirectional message stream to the analysis service.
// Recv returns io.EOF once the remote side has finished. Close unblocks a
// pending Recv.
type Transport interface {
	Send(ctx context.Context, f Frame) error
	Recv() (results.Segment, error)
	CloseSend() error
	Close() error
}

type Options struct {
	MinFrame     time.Duration
	MaxFrame     time.Duration
	DrainTimeout time.Duration
	Buffer       int // per-granularity channel capacity
	Log          zerolog.Logger
}

// Session enforces config-first framing over a Transport and splits
// incoming results by granularity. Sending and receiving run on separate
// goroutines so neither direction waits on the other.
type Session struct {
	t    Transport
	opts Options
	log  zerolog.Logger

	sendMu sync.Mutex // serialises callers; held while enqueueing
	queue  chan Frame
	sent   chan struct{}

	mu        sync.Mutex
	state     State
	err       error
	remoteEOF bool
	draining  bool
	closed    bool
	segments  []results.Segment
	utts      []results.Segment
	dropped   int

	segCh    chan results.Segment
	uttCh    chan results.Segment
	received chan struct{}
}

// NewSession starts the send and receive loops over t.
func NewSession(t Transport, opts Options) *Session {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	s := &Session{
		t:        t,
		opts:     opts,
		log:      opts.Log.With().Str("component", "stream").Logger(),
		queue:    make(chan Frame, 16),
		sent:     make(chan struct{}),
		segCh:    make(chan results.Segment, opts.Buffer),
		uttCh:    make(chan results.Segment, opts.Buffer),
		received: make(chan struct{}),
	}
	metrics.StreamSessionsActive.Inc()
	go s.sendLoop()
	go s.recvLoop()
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that aborted the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SendConfig sends the configuration message. It must be the first call
// and may be made only once.
func (s *Session) SendConfig(ctx context.Context, cfg Config) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	st, aerr := s.state, s.err
	s.mu.Unlock()
	if st == StateAborted {
		return aerr
	}
	if st != StateAwaitingConfig {
		return fmt.Errorf("%w: config sent in state %s", ErrProtocolViolation, st)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := s.enqueue(ctx, Frame{Config: &cfg}); err != nil {
		return err
	}
	s.transition(StateAwaitingConfig, StateStreaming)
	s.log.Info().Str("encoding", cfg.Encoding).Int("sample_rate", cfg.SampleRateHertz).Str("level", cfg.Level).Msg("stream configured")
	return nil
}

// SendAudio queues one audio frame. Frames outside [MinFrame, MaxFrame]
// are sent but logged as a configuration warning. Audio offered before the
// config aborts the session.
func (s *Session) SendAudio(ctx context.Context, audio []byte, d time.Duration) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	st, err, eof := s.state, s.err, s.remoteEOF
	s.mu.Unlock()
	switch {
	case st == StateAwaitingConfig:
		s.Abort(fmt.Errorf("%w: audio before config", ErrProtocolViolation))
		return s.Err()
	case st == StateAborted:
		return err
	case st != StateStreaming || eof:
		return ErrClosed
	}

	if (s.opts.MinFrame > 0 && d < s.opts.MinFrame) || (s.opts.MaxFrame > 0 && d > s.opts.MaxFrame) {
		metrics.StreamFrameWarnings.Inc()
		s.log.Warn().Dur("frame", d).Dur("min", s.opts.MinFrame).Dur("max", s.opts.MaxFrame).Msg("frame duration outside configured range")
	}
	return s.enqueue(ctx, Frame{Audio: audio, Duration: d})
}

func (s *Session) enqueue(ctx context.Context, f Frame) error {
	select {
	case s.queue <- f:
		return nil
	case <-s.sent:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSend signals end of audio and drains results until the remote side
// finishes or DrainTimeout elapses. It returns the abort error, if any.
func (s *Session) CloseSend(ctx context.Context) error {
	s.sendMu.Lock()
	s.mu.Lock()
	if s.state == StateAwaitingConfig || s.state == StateStreaming {
		s.state = StateClosing
	}
	first := !s.closed
	s.closed = true
	s.mu.Unlock()
	if first {
		close(s.queue)
	}
	s.sendMu.Unlock()

	if !first {
		<-s.received
		return s.Err()
	}

	<-s.sent
	if s.State() != StateAborted {
		if err := s.t.CloseSend(); err != nil {
			s.log.Debug().Err(err).Msg("close send")
		}
	}

	timer := time.NewTimer(s.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-s.received:
	case <-timer.C:
		s.log.Warn().Dur("timeout", s.opts.DrainTimeout).Msg("drain timed out")
		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
	case <-ctx.Done():
		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
	}
	s.t.Close()
	<-s.received

	s.mu.Lock()
	if s.state == StateClosing {
		s.state = StateClosed
	}
	err := s.err
	s.mu.Unlock()
	s.log.Info().
		Int("segments", len(s.Segments())).
		Int("utterances", len(s.Utterances())).
		Msg("stream closed")
	return err
}

// Abort ends the session immediately, keeping results received so far.
// CloseSend must still be called to stop the send loop.
func (s *Session) Abort(cause error) {
	s.abort(cause)
	s.t.Close()
}

func (s *Session) sendLoop() {
	defer close(s.sent)
	ctx := context.Background()
	for f := range s.queue {
		if s.State() == StateAborted {
			continue
		}
		if err := s.t.Send(ctx, f); err != nil {
			s.abort(fmt.Errorf("send: %w", err))
			s.t.Close()
			continue
		}
		if f.Config == nil {
			metrics.StreamFramesSent.Inc()
		}
	}
}

func (s *Session) recvLoop() {
	defer metrics.StreamSessionsActive.Dec()
	defer close(s.received)
	defer close(s.segCh)
	defer close(s.uttCh)
	for {
		seg, err := s.t.Recv()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			if errors.Is(err, io.EOF) {
				s.remoteEOF = true
			}
			s.mu.Unlock()
			if !errors.Is(err, io.EOF) && !draining {
				s.abort(fmt.Errorf("recv: %w", err))
			}
			return
		}
		s.deliver(seg)
	}
}

func (s *Session) deliver(seg results.Segment) {
	ch := s.uttCh
	s.mu.Lock()
	if seg.Granularity == results.GranularitySegment {
		s.segments = append(s.segments, seg)
		ch = s.segCh
	} else {
		s.utts = append(s.utts, seg)
	}
	s.mu.Unlock()
	metrics.StreamResultsTotal.WithLabelValues(string(seg.Granularity)).Inc()

	select {
	case ch <- seg:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.log.Warn().Int("dropped", n).Str("level", string(seg.Granularity)).Msg("result channel full, kept in snapshot only")
	}
}

func (s *Session) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAborted || s.state == StateClosed {
		return
	}
	s.state = StateAborted
	s.err = fmt.Errorf("%w: %w", ErrAborted, err)
	s.log.Error().Err(err).Msg("stream aborted")
}

func (s *Session) transition(from, to State) {
	s.mu.Lock()
	if s.state == from {
		s.state = to
	}
	s.mu.Unlock()
}

// Segments returns a snapshot of segment-level results in arrival order.
func (s *Session) Segments() []results.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]results.Segment(nil), s.segments...)
}

// Utterances returns a snapshot of utterance-level results in arrival order.
func (s *Session) Utterances() []results.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]results.Segment(nil), s.utts...)
}

// SegmentResults streams segment-level results; closed when receiving ends.
func (s *Session) SegmentResults() <-chan results.Segment { return s.segCh }

// UtteranceResults streams utterance-level results; closed when receiving ends.
func (s *Session) UtteranceResults() <-chan results.Segment { return s.uttCh }
