// Package monitor watches the data pipeline: it aggregates fetch
// outcomes into per-source metrics, evaluates thresholds on its own
// ticker, raises alerts and incidents, and auto-remediates the critical
// ones by category.
package monitor

import (
	"time"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category classifies what went wrong and selects the remediation path.
type Category string

const (
	CategoryAvailability Category = "availability"
	CategoryPerformance  Category = "performance"
	CategoryDataQuality  Category = "data_quality"
	CategorySystem       Category = "system"
)

// Alert is one detected condition. Alerts deduplicate by title: a
// condition observed again refreshes the open alert instead of raising
// a second one.
type Alert struct {
	ID           string    `json:"id"`
	Severity     Severity  `json:"severity"`
	Category     Category  `json:"category"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Source       string    `json:"source,omitempty"`
	RaisedAt     time.Time `json:"raised_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Acknowledged bool      `json:"acknowledged"`
	Resolved     bool      `json:"resolved"`
	ResolvedAt   time.Time `json:"resolved_at,omitzero"`
	ResolvedBy   string    `json:"resolved_by,omitempty"`
	// Channels records which notification channels the alert went to.
	Channels []string `json:"channels,omitempty"`
}

// IncidentState is the incident lifecycle. Escalated is terminal.
type IncidentState string

const (
	StateInvestigating IncidentState = "investigating"
	StateMitigating    IncidentState = "mitigating"
	StateResolved      IncidentState = "resolved"
	StateEscalated     IncidentState = "escalated"
)

// Action is one remediation step in an incident's log.
type Action struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// Incident tracks the handling of a critical alert.
type Incident struct {
	ID           string        `json:"id"`
	AlertID      string        `json:"alert_id"`
	Title        string        `json:"title"`
	Severity     Severity      `json:"severity"`
	Category     Category      `json:"category"`
	State        IncidentState `json:"state"`
	OpenedAt     time.Time     `json:"opened_at"`
	ResolvedAt   time.Time     `json:"resolved_at,omitzero"`
	Acknowledged bool          `json:"acknowledged"`
	Actions      []Action      `json:"actions,omitempty"`
}

// Open reports whether the incident is still being worked.
func (i *Incident) Open() bool {
	return i.State == StateInvestigating || i.State == StateMitigating
}

// Thresholds are the evaluation limits. Zero fields disable that check.
type Thresholds struct {
	ResponseTimeMs  int64   `yaml:"response_time_ms" json:"response_time_ms"`
	ErrorRatePct    float64 `yaml:"error_rate_pct" json:"error_rate_pct"`
	DataAgeMs       int64   `yaml:"data_age_ms" json:"data_age_ms"`
	CacheHitRatePct float64 `yaml:"cache_hit_rate_pct" json:"cache_hit_rate_pct"`
	QualityScore    float64 `yaml:"quality_score" json:"quality_score"`
}

// Config drives the monitoring engine.
type Config struct {
	Enabled              bool          `yaml:"enabled" json:"enabled"`
	CheckInterval        time.Duration `yaml:"check_interval" json:"check_interval"`
	Thresholds           Thresholds    `yaml:"thresholds" json:"thresholds"`
	NotificationChannels []string      `yaml:"notification_channels" json:"notification_channels"`
	AutoRemediation      bool          `yaml:"auto_remediation" json:"auto_remediation"`
}

// DefaultConfig returns the stock monitoring configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		CheckInterval: time.Minute,
		Thresholds: Thresholds{
			ResponseTimeMs:  5000,
			ErrorRatePct:    25,
			DataAgeMs:       int64(2 * time.Hour / time.Millisecond),
			CacheHitRatePct: 20,
			QualityScore:    0.6,
		},
		NotificationChannels: []string{"log"},
		AutoRemediation:      true,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = def.Thresholds
	}
	if len(c.NotificationChannels) == 0 {
		c.NotificationChannels = def.NotificationChannels
	}
}
