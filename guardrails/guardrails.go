// Package guardrails reduces the raw detections returned for a frame to a
// small ranked set of admissible candidates.
package guardrails

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/Perceptus-Labs/sos-scanner/models"
)

const (
	DefaultConfidenceThreshold = 0.7
	DefaultMaxCandidates       = 3
)

// DefaultAllowedLabels is the medical-supply vocabulary accepted by default.
var DefaultAllowedLabels = []string{
	"mask",
	"gloves",
	"syringe",
	"bandage",
	"catheter",
	"gown",
}

var folder = cases.Fold()

// Fold returns the case-insensitive comparison key of a label. Surrounding
// whitespace is kept, so " mask " does not match "mask".
func Fold(label string) string {
	return folder.String(label)
}

// Policy is the immutable set of acceptance rules applied to detections.
type Policy struct {
	threshold     float64
	maxCandidates int
	allowed       map[string]struct{}
}

// NewPolicy builds a policy. A maxCandidates below 1 falls back to
// DefaultMaxCandidates.
func NewPolicy(threshold float64, allowedLabels []string, maxCandidates int) Policy {
	if maxCandidates < 1 {
		maxCandidates = DefaultMaxCandidates
	}
	allowed := make(map[string]struct{}, len(allowedLabels))
	for _, l := range allowedLabels {
		if k := Fold(strings.TrimSpace(l)); k != "" {
			allowed[k] = struct{}{}
		}
	}
	return Policy{
		threshold:     threshold,
		maxCandidates: maxCandidates,
		allowed:       allowed,
	}
}

// DefaultPolicy returns the 0.7 / medical vocabulary / top-3 policy.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultConfidenceThreshold, DefaultAllowedLabels, DefaultMaxCandidates)
}

// Threshold returns the minimum admissible confidence.
func (p Policy) Threshold() float64 { return p.threshold }

// MaxCandidates returns the cardinality cap.
func (p Policy) MaxCandidates() int { return p.maxCandidates }

// Allows reports whether label is in the vocabulary.
func (p Policy) Allows(label string) bool {
	_, ok := p.allowed[Fold(label)]
	return ok
}

// Admits reports whether d passes both the confidence and vocabulary rules.
func (p Policy) Admits(d models.Detection) bool {
	// NaN compares false and is dropped here as well.
	if !(d.Confidence >= p.threshold) {
		return false
	}
	return p.Allows(d.Label)
}

// Apply filters raw by confidence and vocabulary, ranks the survivors by
// descending confidence and keeps at most MaxCandidates of them. Both
// filters run before ranking so the cap only ever counts admissible items.
// The input is never modified; an empty result is a non-nil empty slice.
func (p Policy) Apply(raw []models.Detection) []models.Detection {
	out := make([]models.Detection, 0, len(raw))
	for _, d := range raw {
		if p.Admits(d) {
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})

	if len(out) > p.maxCandidates {
		out = out[:p.maxCandidates:p.maxCandidates]
	}
	return out
}
