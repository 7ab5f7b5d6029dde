package prediction

import (
	"fmt"
	"math"
	"strings"
)

// Label is one of the two classifier outcomes.
type Label string

const (
	LabelNormal       Label = "Normal"
	LabelDownSyndrome Label = "Down Syndrome"
)

// Threshold separates the two classes. The model was trained with class index
// 0 = Down Syndrome and 1 = Normal, so a sigmoid output above the threshold
// means Normal. Changing it requires re-validating against the training labels.
const Threshold = 0.5

// Labels lists both classes in model index order.
func Labels() []Label {
	return []Label{LabelDownSyndrome, LabelNormal}
}

// ParseLabel accepts a label by display name, case-insensitively.
func ParseLabel(raw string) (Label, bool) {
	for _, l := range Labels() {
		if strings.EqualFold(raw, string(l)) {
			return l, true
		}
	}
	return "", false
}

// Compact returns the label without spaces, as used in artifact filenames.
func (l Label) Compact() string {
	return strings.ReplaceAll(string(l), " ", "")
}

// Result is an interpreted classifier output.
type Result struct {
	Label          Label             `json:"class"`
	Confidence     float64           `json:"confidence"`
	RawProbability float64           `json:"raw_probability"`
	Probabilities  map[Label]float64 `json:"probabilities"`
}

// Interpret maps the sigmoid output to a label. Exactly 0.5 falls on the
// Down Syndrome side because only values strictly above the threshold are Normal.
func Interpret(raw float64) Result {
	p := clamp(raw)
	result := Result{
		RawProbability: p,
		Probabilities: map[Label]float64{
			LabelNormal:       p,
			LabelDownSyndrome: 1 - p,
		},
	}
	if p > Threshold {
		result.Label = LabelNormal
		result.Confidence = p
	} else {
		result.Label = LabelDownSyndrome
		result.Confidence = 1 - p
	}
	return result
}

// ConfidencePercentage formats the confidence like "97.31%".
func (r Result) ConfidencePercentage() string {
	return formatPercent(r.Confidence)
}

// ProbabilityPercentages formats both class probabilities.
func (r Result) ProbabilityPercentages() map[string]string {
	out := make(map[string]string, len(r.Probabilities))
	for label, p := range r.Probabilities {
		out[string(label)] = formatPercent(p)
	}
	return out
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
