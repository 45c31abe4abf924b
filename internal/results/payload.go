package results

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Granularity of a result segment.
type Granularity string

const (
	GranularitySegment   Granularity = "segment"
	GranularityUtterance Granularity = "utterance"
)

// Prediction is one candidate label with its posterior.
type Prediction struct {
	Label     string  `json:"label"`
	Posterior float64 `json:"posterior"`
}

// Segment is one task prediction over a time span, in seconds.
type Segment struct {
	ID          string       `json:"id"`
	Start       float64      `json:"startTime"`
	End         float64      `json:"endTime"`
	Task        string       `json:"task"`
	Predictions []Prediction `json:"predictions,omitempty"`
	FinalLabel  string       `json:"finalLabel"`
	Granularity Granularity  `json:"level"`
	ChunkIndex  int          `json:"chunkIndex"`
}

// Confidence returns the posterior of the final label, or 0.
func (s Segment) Confidence() float64 {
	for _, p := range s.Predictions {
		if p.Label == s.FinalLabel {
			return p.Posterior
		}
	}
	return 0
}

// Payload is a decoded results document. Raw holds the bytes exactly as
// they were stored.
type Payload struct {
	Raw     []byte    `json:"-"`
	PID     string    `json:"pid"`
	CID     string    `json:"cid"`
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Results []Segment `json:"results"`
}

// segmentIDSpace namespaces generated segment IDs.
var segmentIDSpace = uuid.MustParse("5f0c6a4e-8a51-4d0b-9a0e-3c2d6f1e7b90")

type rawPrediction struct {
	Label     scalar `json:"label"`
	Posterior scalar `json:"posterior"`
}

type rawSegment struct {
	ID          scalar          `json:"id"`
	StartTime   scalar          `json:"startTime"`
	EndTime     scalar          `json:"endTime"`
	Task        string          `json:"task"`
	Prediction  []rawPrediction `json:"prediction"`
	Predictions []rawPrediction `json:"predictions"`
	FinalLabel  scalar          `json:"finalLabel"`
	Level       string          `json:"level"`
}

type rawPayload struct {
	PID     scalar       `json:"pid"`
	CID     scalar       `json:"cid"`
	Code    scalar       `json:"code"`
	Message string       `json:"message"`
	Results []rawSegment `json:"results"`
}

// Decode parses a results document for the given chunk. Segments without
// an id get a stable one derived from the pid and their position.
func Decode(raw []byte, chunkIndex int) (Payload, error) {
	var rp rawPayload
	if err := json.Unmarshal(raw, &rp); err != nil {
		return Payload{}, fmt.Errorf("decode results: %w", err)
	}
	code, _ := rp.Code.Float()
	p := Payload{
		Raw:     raw,
		PID:     rp.PID.String(),
		CID:     rp.CID.String(),
		Code:    int(code),
		Message: rp.Message,
		Results: make([]Segment, 0, len(rp.Results)),
	}
	for i, rs := range rp.Results {
		seg, err := rs.segment(chunkIndex)
		if err != nil {
			return Payload{}, fmt.Errorf("decode results: segment %d: %w", i, err)
		}
		if seg.ID == "" {
			seg.ID = uuid.NewSHA1(segmentIDSpace, []byte(fmt.Sprintf("%s/%d/%d", p.PID, chunkIndex, i))).String()
		}
		p.Results = append(p.Results, seg)
	}
	return p, nil
}

// DecodeSegment parses a single result object, as sent on a stream.
func DecodeSegment(raw []byte) (Segment, error) {
	var rs rawSegment
	if err := json.Unmarshal(raw, &rs); err != nil {
		return Segment{}, fmt.Errorf("decode segment: %w", err)
	}
	return rs.segment(0)
}

func (rs rawSegment) segment(chunkIndex int) (Segment, error) {
	start, err := rs.StartTime.Float()
	if err != nil {
		return Segment{}, fmt.Errorf("startTime: %w", err)
	}
	end, err := rs.EndTime.Float()
	if err != nil {
		return Segment{}, fmt.Errorf("endTime: %w", err)
	}
	preds := rs.Predictions
	if len(preds) == 0 {
		preds = rs.Prediction
	}
	seg := Segment{
		ID:          rs.ID.String(),
		Start:       start,
		End:         end,
		Task:        rs.Task,
		FinalLabel:  rs.FinalLabel.String(),
		Granularity: GranularityUtterance,
		ChunkIndex:  chunkIndex,
	}
	if rs.Level == string(GranularitySegment) {
		seg.Granularity = GranularitySegment
	}
	for _, rp := range preds {
		post, err := rp.Posterior.Float()
		if err != nil {
			return Segment{}, fmt.Errorf("posterior: %w", err)
		}
		seg.Predictions = append(seg.Predictions, Prediction{Label: rp.Label.String(), Posterior: post})
	}
	return seg, nil
}

// scalar accepts a JSON string, number or null. The vendor is not
// consistent about quoting times, ids and posteriors.
type scalar string

func (s *scalar) UnmarshalJSON(b []byte) error {
	str := strings.TrimSpace(string(b))
	if str == "null" {
		*s = ""
		return nil
	}
	if strings.HasPrefix(str, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = scalar(v)
		return nil
	}
	*s = scalar(str)
	return nil
}

func (s scalar) String() string { return string(s) }

// Float parses the value as a number; empty is zero.
func (s scalar) Float() (float64, error) {
	v := strings.TrimSpace(string(s))
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}
