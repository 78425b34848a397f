package ml

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Mismatch is a parameter or graph output whose declared shape or dtype is
// incompatible with the architecture.
type Mismatch struct {
	Name   string `json:"name"`
	Want   string `json:"want"`
	Got    string `json:"got"`
	Reason string `json:"reason,omitempty"`
}

func (m Mismatch) String() string {
	if m.Reason != "" {
		return fmt.Sprintf("%s (%s)", m.Name, m.Reason)
	}
	return fmt.Sprintf("%s (want %s, got %s)", m.Name, m.Want, m.Got)
}

// LoadReport describes how completely a checkpoint was applied to its
// architecture. Missing entries keep their initial values; unexpected
// entries were present in the checkpoint but unused.
type LoadReport struct {
	Format     Format     `json:"format"`
	Layout     string     `json:"layout,omitempty"`
	Device     string     `json:"device"`
	Applied    []string   `json:"applied"`
	Missing    []string   `json:"missing,omitempty"`
	Unexpected []string   `json:"unexpected,omitempty"`
	Mismatched []Mismatch `json:"mismatched,omitempty"`
}

// Degraded reports whether part of the architecture was left unloaded.
func (r LoadReport) Degraded() bool {
	return len(r.Missing) > 0 || len(r.Mismatched) > 0
}

// SkippedCount is the number of architecture entries not loaded from the
// checkpoint.
func (r LoadReport) SkippedCount() int {
	return len(r.Missing) + len(r.Mismatched)
}

// MismatchNames flattens the mismatches for logging and persistence.
func (r LoadReport) MismatchNames() []string {
	out := make([]string, len(r.Mismatched))
	for i, m := range r.Mismatched {
		out[i] = m.String()
	}
	return out
}

// MarshalZerologObject lets the report be attached to a log event.
func (r LoadReport) MarshalZerologObject(e *zerolog.Event) {
	e.Str("format", string(r.Format)).
		Str("device", r.Device).
		Int("applied", len(r.Applied)).
		Bool("degraded", r.Degraded())
	if r.Layout != "" {
		e.Str("layout", r.Layout)
	}
	if len(r.Missing) > 0 {
		e.Strs("missing", r.Missing)
	}
	if len(r.Unexpected) > 0 {
		e.Strs("unexpected", r.Unexpected)
	}
	if len(r.Mismatched) > 0 {
		e.Strs("mismatched", r.MismatchNames())
	}
}

// strictError turns a degraded report into a load failure.
func (r LoadReport) strictError() error {
	var parts []string
	if len(r.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(r.Missing, ", "))
	}
	if len(r.Mismatched) > 0 {
		parts = append(parts, "mismatched "+strings.Join(r.MismatchNames(), ", "))
	}
	return fmt.Errorf("strict load rejected partial checkpoint: %s", strings.Join(parts, "; "))
}

func shapeString(shape []int64) string {
	return fmt.Sprint(shape)
}
