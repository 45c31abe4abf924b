package report

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/snarg/speechrun/internal/orchestrator"
	"github.com/snarg/speechrun/internal/results"
)

// Meta describes the run a report is rendered for.
type Meta struct {
	SourceID string
	Path     string
	Duration time.Duration
	RunID    string
	Status   results.RunStatus
	Manifest []orchestrator.ManifestEntry
}

var characteristics = []struct{ task, title string }{
	{"positivity", "Positivity"},
	{"strength", "Voice Strength"},
	{"speaking_rate", "Speaking Rate"},
	{"hesitation", "Hesitation"},
	{"engagement", "Engagement Level"},
}

const rule = "======================================================================"

// Render writes the plain-text analysis report.
func Render(w io.Writer, tl results.Timeline, meta Meta) error {
	bw := bufio.NewWriter(w)
	by := tl.ByTask()

	fmt.Fprintln(bw, "BEHAVIORAL SIGNALS ANALYSIS REPORT")
	fmt.Fprintln(bw, rule)
	fmt.Fprintf(bw, "Source: %s\n", meta.SourceID)
	if meta.Path != "" {
		fmt.Fprintf(bw, "File: %s\n", meta.Path)
	}
	if meta.Duration > 0 {
		fmt.Fprintf(bw, "Audio Duration: %.1f seconds\n", meta.Duration.Seconds())
	}
	if meta.Status != "" {
		fmt.Fprintf(bw, "Run: %s (%s)\n", meta.RunID, meta.Status)
	}
	fmt.Fprintln(bw)

	if segs := by["asr"]; len(segs) > 0 {
		fmt.Fprintln(bw, "SPEECH TRANSCRIPTION:")
		for _, s := range segs {
			if text := strings.TrimSpace(s.FinalLabel); text != "" {
				fmt.Fprintf(bw, "  [%.1fs - %.1fs]: %s\n", s.Start, s.End, text)
			}
		}
		fmt.Fprintln(bw)
	}

	if len(by["gender"]) > 0 && len(by["age"]) > 0 {
		g, a := by["gender"][0], by["age"][0]
		fmt.Fprintln(bw, "SPEAKER PROFILE:")
		fmt.Fprintf(bw, "  - Gender: %s (confidence: %s)\n", g.FinalLabel, percent(g.Confidence()))
		fmt.Fprintf(bw, "  - Age Group: %s years (confidence: %s)\n", a.FinalLabel, percent(a.Confidence()))
		if langs := by["language"]; len(langs) > 0 {
			l := langs[0]
			fmt.Fprintf(bw, "  - Language: %s (confidence: %s)\n", strings.ToUpper(l.FinalLabel), percent(l.Confidence()))
		}
		fmt.Fprintln(bw)
	}

	if segs := by["emotion"]; len(segs) > 0 {
		fmt.Fprintln(bw, "EMOTIONAL ANALYSIS:")
		fmt.Fprintln(bw, "  Timeline of Emotions:")
		for _, s := range segs {
			fmt.Fprintf(bw, "    [%.1fs - %.1fs]: %s (confidence: %s)\n", s.Start, s.End, strings.ToUpper(s.FinalLabel), percent(s.Confidence()))
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintln(bw, "BEHAVIORAL CHARACTERISTICS:")
	for _, c := range characteristics {
		segs := by[c.task]
		if len(segs) == 0 {
			continue
		}
		fmt.Fprintf(bw, "  %s:\n", c.title)
		shares := counts(segs, nil)
		sort.Slice(shares, func(i, j int) bool { return shares[i].Label < shares[j].Label })
		for _, sh := range shares {
			fmt.Fprintf(bw, "    - %s: %d segments\n", sh.Label, sh.Count)
		}
	}
	fmt.Fprintln(bw)

	if len(tl.Gaps) > 0 {
		fmt.Fprintln(bw, "MISSING RANGES:")
		for _, g := range tl.Gaps {
			fmt.Fprintf(bw, "  [%.1fs - %.1fs]: chunk %d (%s)\n", g.Start, g.End, g.ChunkIndex, g.Reason)
		}
		fmt.Fprintln(bw)
	}

	if len(meta.Manifest) > 0 {
		fmt.Fprintln(bw, "CHUNKS:")
		for _, m := range meta.Manifest {
			state := string(m.State)
			if state == "" {
				state = "not submitted"
			}
			line := fmt.Sprintf("  #%d [%.1fs +%.1fs] %s", m.ChunkIndex, m.StartOffset, m.Duration, state)
			if m.JobID != "" {
				line += " pid=" + m.JobID
			}
			if m.ErrorKind != "" {
				line += " error=" + string(m.ErrorKind)
			}
			fmt.Fprintln(bw, line)
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintln(bw, rule)
	fmt.Fprintf(bw, "SUMMARY: %s\n", Summarize(tl))
	return bw.Flush()
}

// RenderMarkdown writes streaming results as two tables, one per
// granularity.
func RenderMarkdown(w io.Writer, title string, segments, utterances []results.Segment) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %s\n\n", title)
	table := func(heading string, segs []results.Segment) {
		fmt.Fprintf(bw, "## %s (%d)\n\n", heading, len(segs))
		if len(segs) == 0 {
			fmt.Fprint(bw, "_none_\n\n")
			return
		}
		fmt.Fprintln(bw, "| Start | End | Task | Label | Confidence |")
		fmt.Fprintln(bw, "|---:|---:|---|---|---:|")
		for _, s := range segs {
			fmt.Fprintf(bw, "| %.1f | %.1f | %s | %s | %s |\n", s.Start, s.End, s.Task, mdEscape(s.FinalLabel), percent(s.Confidence()))
		}
		fmt.Fprintln(bw)
	}
	table("Utterances", utterances)
	table("Segments", segments)

	tl := results.Timeline{Segments: utterances, Chunks: 1}
	fmt.Fprintf(bw, "**Summary:** %s\n", Summarize(tl))
	return bw.Flush()
}

func percent(p float64) string { return fmt.Sprintf("%.1f%%", p*100) }

func mdEscape(s string) string {
	return strings.NewReplacer("|", `\|`, "\n", " ").Replace(s)
}
