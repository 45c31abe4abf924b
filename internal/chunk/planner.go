package chunk

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPolicy is returned for chunk limits that cannot produce a plan.
var ErrInvalidPolicy = errors.New("invalid chunk policy")

// Window is one planned slice of the source audio.
type Window struct {
	Index    int
	Start    time.Duration
	Duration time.Duration
}

// End returns the exclusive end offset of the window.
func (w Window) End() time.Duration { return w.Start + w.Duration }

// AudioChunk is a planned window bound to a source and a local file.
type AudioChunk struct {
	SourceID    string
	Index       int
	StartOffset time.Duration
	Duration    time.Duration
	LocalPath   string
}

// Plan splits total into windows of max, with the last window taking the
// remainder. A remainder shorter than min is folded into the previous
// window, so the final window may run up to max+min. Inputs that fit in a
// single window are never split.
func Plan(total, max, min time.Duration) ([]Window, error) {
	if min <= 0 || max <= 0 {
		return nil, fmt.Errorf("%w: limits must be positive (min=%s max=%s)", ErrInvalidPolicy, min, max)
	}
	if min > max {
		return nil, fmt.Errorf("%w: min %s exceeds max %s", ErrInvalidPolicy, min, max)
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: total duration %s", ErrInvalidPolicy, total)
	}

	if total <= max {
		return []Window{{Index: 0, Start: 0, Duration: total}}, nil
	}

	var windows []Window
	for start := time.Duration(0); start < total; start += max {
		d := max
		if rem := total - start; rem < max {
			d = rem
		}
		windows = append(windows, Window{Index: len(windows), Start: start, Duration: d})
	}

	if n := len(windows); n > 1 && windows[n-1].Duration < min {
		windows[n-2].Duration += windows[n-1].Duration
		windows = windows[:n-1]
	}
	return windows, nil
}

// Shrink returns the next, smaller max chunk duration to try after the
// remote side rejected a chunk as too large. It halves prev but never goes
// below min; once prev is already at min there is nothing left to try.
func Shrink(prev, min time.Duration) (time.Duration, error) {
	if prev <= min {
		return 0, fmt.Errorf("%w: cannot shrink chunks below %s", ErrInvalidPolicy, min)
	}
	next := prev / 2
	if next < min {
		next = min
	}
	return next, nil
}

// Build binds windows to a source. pathFn maps each window to the file
// holding that slice of audio.
func Build(sourceID string, windows []Window, pathFn func(Window) string) []AudioChunk {
	chunks := make([]AudioChunk, len(windows))
	for i, w := range windows {
		chunks[i] = AudioChunk{
			SourceID:    sourceID,
			Index:       w.Index,
			StartOffset: w.Start,
			Duration:    w.Duration,
		}
		if pathFn != nil {
			chunks[i].LocalPath = pathFn(w)
		}
	}
	return chunks
}
