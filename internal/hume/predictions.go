package hume

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/snarg/speechrun/internal/results"
)

// TaskTranscript is the task name given to utterance text, matching the
// transcript task of the results format.
const TaskTranscript = "asr"

type timeSpan struct {
	Begin float64 `json:"begin"`
	End   float64 `json:"end"`
}

type emotion struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

type prediction struct {
	Text     string    `json:"text"`
	Time     *timeSpan `json:"time"`
	Emotions []emotion `json:"emotions"`
}

type group struct {
	ID          string       `json:"id"`
	Predictions []prediction `json:"predictions"`
}

// modelOutput accepts both the grouped form and a flat predictions list.
type modelOutput struct {
	GroupedPredictions []group      `json:"grouped_predictions"`
	Predictions        []prediction `json:"predictions"`
}

type filePrediction struct {
	File   string                 `json:"file"`
	Models map[string]modelOutput `json:"models"`
}

type sourceResult struct {
	Results struct {
		Predictions []filePrediction `json:"predictions"`
		Errors      []struct {
			File    string `json:"file"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"results"`
}

// document is the common results format that results.Decode reads.
type document struct {
	PID     string            `json:"pid"`
	CID     string            `json:"cid"`
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Results []results.Segment `json:"results"`
}

// Convert turns a Hume predictions response into a results document. Each
// timed model prediction becomes one utterance-level segment whose task is
// the model name and whose label is the top-scoring emotion. Utterance
// text becomes a separate transcript segment. Predictions without a time
// span cannot be placed on the timeline and are skipped.
func Convert(jobID string, raw []byte) ([]byte, error) {
	var sources []sourceResult
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}

	doc := document{PID: jobID, Message: StateCompleted, Results: []results.Segment{}}
	var errs []string
	seenText := make(map[string]bool)
	for _, src := range sources {
		for _, e := range src.Results.Errors {
			errs = append(errs, strings.TrimSpace(e.File+": "+e.Message))
		}
		for _, fp := range src.Results.Predictions {
			for _, model := range sortedModels(fp.Models) {
				out := fp.Models[model]
				preds := out.Predictions
				for _, g := range out.GroupedPredictions {
					preds = append(preds, g.Predictions...)
				}
				for _, p := range preds {
					if p.Time == nil {
						continue
					}
					if seg, ok := emotionSegment(model, p); ok {
						doc.Results = append(doc.Results, seg)
					}
					key := fmt.Sprintf("%.3f/%.3f/%s", p.Time.Begin, p.Time.End, p.Text)
					if text := strings.TrimSpace(p.Text); text != "" && !seenText[key] {
						seenText[key] = true
						doc.Results = append(doc.Results, results.Segment{
							Start:       p.Time.Begin,
							End:         p.Time.End,
							Task:        TaskTranscript,
							FinalLabel:  text,
							Granularity: results.GranularityUtterance,
						})
					}
				}
			}
		}
	}
	if len(doc.Results) == 0 && len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "; "))
	}
	sort.SliceStable(doc.Results, func(i, j int) bool { return doc.Results[i].Start < doc.Results[j].Start })
	return json.Marshal(doc)
}

func emotionSegment(model string, p prediction) (results.Segment, bool) {
	if len(p.Emotions) == 0 {
		return results.Segment{}, false
	}
	preds := make([]results.Prediction, len(p.Emotions))
	for i, e := range p.Emotions {
		preds[i] = results.Prediction{Label: e.Name, Posterior: e.Score}
	}
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Posterior > preds[j].Posterior })
	return results.Segment{
		Start:       p.Time.Begin,
		End:         p.Time.End,
		Task:        model,
		Predictions: preds,
		FinalLabel:  preds[0].Label,
		Granularity: results.GranularityUtterance,
	}, true
}

func sortedModels(m map[string]modelOutput) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
