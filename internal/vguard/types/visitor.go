package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Visitor is the identity record the gate matches faces against.
type Visitor struct {
	VisitorID       string    `json:"visitor_id"`
	Name            string    `json:"name"`
	Contact         string    `json:"contact,omitempty"`
	Embedding       []float64 `json:"embedding,omitempty"`
	Blacklisted     bool      `json:"blacklisted"`
	BlacklistReason string    `json:"blacklist_reason,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// Clone returns a copy that shares no slices with v.
func (v Visitor) Clone() Visitor {
	if v.Embedding != nil {
		v.Embedding = append([]float64(nil), v.Embedding...)
	}
	return v
}

// ParseBlacklisted maps the loosely typed flag values found in visitor
// records ("yes", "true", "1", ...) to a bool.
func ParseBlacklisted(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "1", "y", "on":
		return true
	default:
		return false
	}
}

// ParseEmbedding parses a whitespace-separated vector such as
// "0.012 -0.334 ...".
func ParseEmbedding(s string) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}
	out := make([]float64, 0, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("embedding component %d: %w", i, err)
		}
		out = append(out, x)
	}
	return out, nil
}

// FormatEmbedding is the inverse of ParseEmbedding.
func FormatEmbedding(vec []float64) string {
	parts := make([]string, len(vec))
	for i, x := range vec {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}
