package consolidate

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rasedhq/rased/source"
)

// issueThreshold is the completeness below which a section is reported
// as a quality issue. Consolidation is never blocked on it.
const issueThreshold = 0.80

// computeQuality scores the merged sections against the expected-field
// declarations. Completeness of a section = non-empty expected fields /
// total expected fields; an entirely absent section contributes zero.
// The overall score is the mean across sections.
func computeQuality(subs []source.Subsection, sections map[string]SectionData, outcomes map[string]*sourceTally) QualityMetrics {
	type tally struct {
		present int
		total   int
	}
	bySection := make(map[string]*tally)

	for _, sub := range subs {
		t := bySection[sub.Section]
		if t == nil {
			t = &tally{}
			bySection[sub.Section] = t
		}
		t.total += len(sub.Fields)

		payload, ok := sections[sub.Section][sub.Name]
		if !ok {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			continue
		}
		for _, f := range sub.Fields {
			if fieldPresent(obj[f]) {
				t.present++
			}
		}
	}

	q := QualityMetrics{
		PerSourceScore: make(map[string]float64, len(outcomes)),
		LastValidated:  time.Now().UTC(),
	}

	names := make([]string, 0, len(bySection))
	for name := range bySection {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum float64
	for _, name := range names {
		t := bySection[name]
		completeness := 0.0
		if t.total > 0 {
			completeness = float64(t.present) / float64(t.total)
		}
		sum += completeness
		if completeness < issueThreshold {
			q.Issues = append(q.Issues, fmt.Sprintf(
				"section %s at %d%% completeness (%d/%d expected fields)",
				name, int(completeness*100), t.present, t.total))
		}
	}
	if len(bySection) > 0 {
		q.OverallScore = sum / float64(len(bySection))
	}

	for id, o := range outcomes {
		total := o.successes + o.failures
		if total > 0 {
			q.PerSourceScore[id] = float64(o.successes) / float64(total)
		}
	}
	return q
}

// fieldPresent reports whether a JSON field carries a usable value:
// present, non-null, and not an empty string.
func fieldPresent(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	if string(raw) == "null" || string(raw) == `""` {
		return false
	}
	return true
}
