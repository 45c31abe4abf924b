package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/snarg/speechrun/internal/results"
)

// Share is how often a label occurs among a task's segments.
type Share struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// Summary is the one-line digest of a timeline.
type Summary struct {
	Speakers   int     `json:"speakers"`
	Emotion    *Share  `json:"emotion,omitempty"`
	Positivity *Share  `json:"positivity,omitempty"`
	Engagement *Share  `json:"engagement,omitempty"`
	Genders    []Share `json:"genders,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// Summarize computes dominant labels per task and the speaker count.
func Summarize(tl results.Timeline) Summary {
	by := tl.ByTask()
	var s Summary

	speakers := map[string]struct{}{}
	for _, seg := range by["diarization"] {
		if seg.FinalLabel != "" {
			speakers[seg.FinalLabel] = struct{}{}
		}
	}
	s.Speakers = len(speakers)

	s.Emotion = dominant(by["emotion"], strings.ToLower)
	s.Positivity = dominant(by["positivity"], nil)
	s.Engagement = dominant(by["engagement"], nil)
	s.Genders = counts(by["gender"], nil)
	if langs := by["language"]; len(langs) > 0 {
		s.Language = strings.ToUpper(langs[0].FinalLabel)
	}
	return s
}

func (s Summary) String() string {
	var parts []string
	if s.Speakers > 0 {
		parts = append(parts, fmt.Sprintf("%d speaker(s) detected", s.Speakers))
	}
	if s.Emotion != nil {
		parts = append(parts, fmt.Sprintf("Primary emotion: %s (%.0f%%)", s.Emotion.Label, s.Emotion.Percent))
	}
	if s.Positivity != nil {
		parts = append(parts, fmt.Sprintf("Overall sentiment: %s (%.0f%%)", s.Positivity.Label, s.Positivity.Percent))
	}
	if s.Engagement != nil {
		parts = append(parts, fmt.Sprintf("Engagement: %s (%.0f%%)", s.Engagement.Label, s.Engagement.Percent))
	}
	if len(s.Genders) > 0 {
		g := make([]string, len(s.Genders))
		for i, sh := range s.Genders {
			g[i] = fmt.Sprintf("%d %s", sh.Count, sh.Label)
		}
		parts = append(parts, "Gender: "+strings.Join(g, ", "))
	}
	if s.Language != "" {
		parts = append(parts, "Language: "+s.Language)
	}
	if len(parts) == 0 {
		return "No analysis results"
	}
	return strings.Join(parts, ". ")
}

// counts tallies final labels, most frequent first, ties by label.
func counts(segs []results.Segment, norm func(string) string) []Share {
	if len(segs) == 0 {
		return nil
	}
	tally := map[string]int{}
	for _, seg := range segs {
		l := seg.FinalLabel
		if norm != nil {
			l = norm(l)
		}
		tally[l]++
	}
	out := make([]Share, 0, len(tally))
	for l, n := range tally {
		out = append(out, Share{Label: l, Count: n, Percent: 100 * float64(n) / float64(len(segs))})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func dominant(segs []results.Segment, norm func(string) string) *Share {
	c := counts(segs, norm)
	if len(c) == 0 {
		return nil
	}
	return &c[0]
}
