package consolidate

import (
	"encoding/json"
	"time"
)

// SectionData maps subsection name to its raw payload.
type SectionData map[string]json.RawMessage

// QualityMetrics is derived on every consolidation run and never mutated
// in place.
type QualityMetrics struct {
	OverallScore   float64            `json:"overall_score"`
	PerSourceScore map[string]float64 `json:"per_source_score"`
	Issues         []string           `json:"issues"`
	LastValidated  time.Time          `json:"last_validated"`
}

// Snapshot is the single consolidated view served to dashboard readers.
// Exactly one current snapshot exists; a new one replaces it atomically
// from the reader's point of view.
type Snapshot struct {
	ID          string                 `json:"id"`
	Version     int64                  `json:"version"`
	LastUpdated time.Time              `json:"last_updated"`
	Sections    map[string]SectionData `json:"sections"`
	// ServedBy records which source won each subsection.
	ServedBy map[string]string `json:"served_by"`
	Quality  QualityMetrics    `json:"quality"`
}

// Section returns the payloads for a section, or nil when absent.
func (s *Snapshot) Section(name string) SectionData {
	if s == nil {
		return nil
	}
	return s.Sections[name]
}

// Age reports how old the snapshot is.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return now.Sub(s.LastUpdated)
}
