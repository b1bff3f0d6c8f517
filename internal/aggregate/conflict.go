// Package aggregate holds conflict records and merges tier results into
// them. Confidence per conflict never decreases and stale versions are
// refused.
package aggregate

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Severity ranks how disruptive a conflict is.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity is the inverse of String, case-insensitive.
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if strings.EqualFold(name, s) {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Type names the kind of conflict.
type Type string

const (
	TypeSymbolRemoved     Type = "SymbolRemoved"
	TypeSignatureChange   Type = "SignatureChange"
	TypeVisibilityReduced Type = "VisibilityReduced"
	TypeBreakingAPIChange Type = "BreakingAPIChange"
	TypeBrokenReference   Type = "BrokenReference"
)

// Resolution is a structured suggestion for resolving a conflict.
type Resolution struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// Conflict is one detected conflict. ID is stable across tiers for one
// version of one anchor symbol.
type Conflict struct {
	ID              string      `json:"id"`
	Type            Type        `json:"type"`
	Severity        Severity    `json:"severity"`
	Confidence      float64     `json:"confidence"`
	Tier            int         `json:"tier"`
	AffectedSymbols []string    `json:"affected_symbols"`
	Description     string      `json:"description"`
	Resolution      *Resolution `json:"resolution,omitempty"`
	Repository      string      `json:"repository"`
	Path            string      `json:"path"`
	Anchor          string      `json:"anchor"`
	Version         int64       `json:"version"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// FileKey groups conflicts by the file version line they belong to.
func (c *Conflict) FileKey() string {
	return FileKey(c.Repository, c.Path)
}

// FileKey builds the key used to track the latest version of a file.
func FileKey(repository, path string) string {
	return repository + ":" + path
}

// Clone returns a deep copy.
func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	out := *c
	out.AffectedSymbols = slices.Clone(c.AffectedSymbols)
	if c.Resolution != nil {
		r := *c.Resolution
		r.Steps = slices.Clone(c.Resolution.Steps)
		r.Files = slices.Clone(c.Resolution.Files)
		out.Resolution = &r
	}
	return &out
}
