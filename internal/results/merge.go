package results

import (
	"sort"
	"time"
)

// RunStatus summarises how much of a source produced results.
type RunStatus string

const (
	StatusSuccess        RunStatus = "success"
	StatusPartialSuccess RunStatus = "partial_success"
	StatusFailure        RunStatus = "failure"
)

// ChunkResult is one chunk's contribution to a merge. Missing marks a
// chunk with no payload; Reason is carried into the gap.
type ChunkResult struct {
	Index    int
	Offset   time.Duration
	Duration time.Duration
	Segments []Segment
	Missing  bool
	Reason   string
}

// Gap is a time range with no results because its chunk failed.
type Gap struct {
	ChunkIndex int     `json:"chunkIndex"`
	Start      float64 `json:"startTime"`
	End        float64 `json:"endTime"`
	Reason     string  `json:"reason"`
}

// Timeline is the merged result of all chunks of a source, with times
// relative to the start of the source.
type Timeline struct {
	Segments []Segment `json:"segments"`
	Gaps     []Gap     `json:"gaps,omitempty"`
	Chunks   int       `json:"chunks"`
}

// Merge shifts each chunk's segments by the chunk offset and concatenates
// them in chunk order. Segment order within a chunk is kept as received.
// Segments overlapping a chunk boundary are not deduplicated.
func Merge(chunks []ChunkResult) Timeline {
	sorted := make([]ChunkResult, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	tl := Timeline{Segments: []Segment{}, Chunks: len(sorted)}
	for _, c := range sorted {
		off := c.Offset.Seconds()
		if c.Missing {
			tl.Gaps = append(tl.Gaps, Gap{
				ChunkIndex: c.Index,
				Start:      off,
				End:        off + c.Duration.Seconds(),
				Reason:     c.Reason,
			})
			continue
		}
		for _, s := range c.Segments {
			s.Start += off
			s.End += off
			s.ChunkIndex = c.Index
			tl.Segments = append(tl.Segments, s)
		}
	}
	return tl
}

// Status is success with no gaps, failure when every chunk is a gap (or
// there are no chunks), and partial_success otherwise.
func (t Timeline) Status() RunStatus {
	switch {
	case t.Chunks == 0 || len(t.Gaps) >= t.Chunks:
		return StatusFailure
	case len(t.Gaps) > 0:
		return StatusPartialSuccess
	default:
		return StatusSuccess
	}
}

// ByTask groups segments by task, keeping timeline order.
func (t Timeline) ByTask() map[string][]Segment {
	out := make(map[string][]Segment)
	for _, s := range t.Segments {
		out[s.Task] = append(out[s.Task], s)
	}
	return out
}
