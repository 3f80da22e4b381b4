// Package facematch ranks registered visitors against a live face embedding.
package facematch

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Policy holds the matching thresholds. Distances are Euclidean; lower is
// more similar.
type Policy struct {
	// Threshold is the largest distance accepted as a match.
	Threshold float64
	// StrongThreshold: a top match at or under it is never treated as a twin.
	StrongThreshold float64
	// TwinMargin: top-two gaps below it are ambiguous.
	TwinMargin float64
	Dimension  int
}

func DefaultPolicy() Policy {
	return Policy{
		Threshold:       0.6,
		StrongThreshold: 0.45,
		TwinMargin:      0.08,
		Dimension:       128,
	}
}

func (p Policy) Validate() error {
	if p.Threshold <= 0 {
		return fmt.Errorf("match threshold must be positive, got %v", p.Threshold)
	}
	if p.StrongThreshold <= 0 || p.StrongThreshold > p.Threshold {
		return fmt.Errorf("strong threshold %v must be in (0, %v]", p.StrongThreshold, p.Threshold)
	}
	if p.TwinMargin < 0 {
		return fmt.Errorf("twin margin must not be negative, got %v", p.TwinMargin)
	}
	if p.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", p.Dimension)
	}
	return nil
}

type Candidate struct {
	VisitorID   string
	Name        string
	Distance    float64
	Blacklisted bool
}

// Result lists every candidate under the threshold, best first.
type Result struct {
	Candidates []Candidate
	// Ambiguous is set when the top two candidates are too close to tell
	// apart and neither is a strong match.
	Ambiguous bool
}

func (r Result) Matched() bool { return len(r.Candidates) > 0 }

// Best returns the closest candidate; ok is false when nothing matched.
func (r Result) Best() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// Find returns the candidate for visitorID, if it matched.
func (r Result) Find(visitorID string) (Candidate, bool) {
	for _, c := range r.Candidates {
		if c.VisitorID == visitorID {
			return c, true
		}
	}
	return Candidate{}, false
}

// IDs returns candidate visitor ids in rank order.
func (r Result) IDs() []string {
	out := make([]string, len(r.Candidates))
	for i, c := range r.Candidates {
		out[i] = c.VisitorID
	}
	return out
}

// Distance is the Euclidean distance between a and b.
func Distance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

type Matcher struct {
	policy Policy
}

func NewMatcher(p Policy) *Matcher {
	return &Matcher{policy: p}
}

func (m *Matcher) Policy() Policy { return m.policy }

// Match scores live against every visitor whose stored embedding has the
// same dimension. Visitors without a usable embedding are skipped.
func (m *Matcher) Match(live []float64, visitors []types.Visitor) (Result, error) {
	if m.policy.Dimension > 0 && len(live) != m.policy.Dimension {
		return Result{}, fmt.Errorf("%w: live vector has %d components, want %d",
			ErrDimensionMismatch, len(live), m.policy.Dimension)
	}

	var res Result
	for _, v := range visitors {
		if len(v.Embedding) != len(live) {
			continue
		}
		d, err := Distance(live, v.Embedding)
		if err != nil {
			continue
		}
		if d <= m.policy.Threshold {
			res.Candidates = append(res.Candidates, Candidate{
				VisitorID:   v.VisitorID,
				Name:        v.Name,
				Distance:    d,
				Blacklisted: v.Blacklisted,
			})
		}
	}

	sort.SliceStable(res.Candidates, func(i, j int) bool {
		return res.Candidates[i].Distance < res.Candidates[j].Distance
	})
	res.Ambiguous = m.isTwin(res.Candidates)
	return res, nil
}

func (m *Matcher) isTwin(c []Candidate) bool {
	if len(c) < 2 {
		return false
	}
	top := c[0].Distance
	gap := c[1].Distance - top
	return top > m.policy.StrongThreshold && gap < m.policy.TwinMargin
}
