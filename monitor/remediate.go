package monitor

import (
	"context"
	"fmt"
	"time"
)

// ttlRaiseStep is how much a slow source's cache TTL is raised during
// performance remediation.
const ttlRaiseStep = 30 * time.Minute

// remediateOpenIncidents walks the open, unacknowledged incidents and
// runs the per-category playbook. Acknowledged incidents are an
// operator's problem; escalated ones are terminal. Incidents reloaded
// in mitigating (persisted mid-playbook before a crash) re-enter the
// playbook from the top.
func (e *Engine) remediateOpenIncidents(ctx context.Context) {
	e.mu.Lock()
	var work []*Incident
	for _, inc := range e.incidents {
		if (inc.State == StateInvestigating || inc.State == StateMitigating) && !inc.Acknowledged {
			work = append(work, inc)
		}
	}
	e.mu.Unlock()

	for _, inc := range work {
		e.remediate(ctx, inc)
	}
}

func (e *Engine) remediate(ctx context.Context, inc *Incident) {
	e.transition(ctx, inc, StateMitigating)
	e.logger.Info("monitor: remediating incident",
		"incident", inc.ID, "category", string(inc.Category), "title", inc.Title)

	switch inc.Category {
	case CategoryAvailability:
		e.remediateAvailability(ctx, inc)
	case CategoryPerformance:
		e.remediatePerformance(ctx, inc)
	case CategoryDataQuality:
		e.remediateDataQuality(ctx, inc)
	default:
		e.appendAction(ctx, inc, Action{
			Action:    "no_playbook",
			Timestamp: e.now(),
			Success:   false,
			Details:   fmt.Sprintf("no remediation for category %s", inc.Category),
		})
		e.escalate(ctx, inc)
	}
}

// remediateAvailability clears the failing source's cache entries and
// probes it. A live probe resolves the incident; a dead one escalates.
func (e *Engine) remediateAvailability(ctx context.Context, inc *Incident) {
	source := e.alertSource(inc.AlertID)
	if source == "" {
		e.appendAction(ctx, inc, Action{
			Action:    "identify_source",
			Timestamp: e.now(),
			Success:   false,
			Details:   "alert carries no source",
		})
		e.escalate(ctx, inc)
		return
	}

	cleared, err := e.cache.ClearSource(ctx, source)
	e.appendAction(ctx, inc, Action{
		Action:    "clear_source_cache",
		Timestamp: e.now(),
		Success:   err == nil,
		Details:   fmt.Sprintf("source %s, %d entries cleared", source, cleared),
	})

	probeErr := e.prober.Probe(ctx, source)
	e.appendAction(ctx, inc, Action{
		Action:    "probe_source",
		Timestamp: e.now(),
		Success:   probeErr == nil,
		Details:   probeDetails(source, probeErr),
	})

	if probeErr != nil {
		e.escalate(ctx, inc)
		return
	}
	e.resolveIncident(ctx, inc, "probe succeeded after cache clear")
}

// remediatePerformance raises the source TTL and sweeps expired entries.
// There is nothing to verify synchronously, so the incident resolves as
// an unverified mitigation.
func (e *Engine) remediatePerformance(ctx context.Context, inc *Incident) {
	source := e.alertSource(inc.AlertID)
	if source != "" {
		e.cache.RaiseTTL(source, ttlRaiseStep)
		e.appendAction(ctx, inc, Action{
			Action:    "raise_cache_ttl",
			Timestamp: e.now(),
			Success:   true,
			Details:   fmt.Sprintf("source %s TTL floor raised to %s", source, ttlRaiseStep),
		})
	}

	swept, err := e.cache.Sweep(ctx)
	e.appendAction(ctx, inc, Action{
		Action:    "sweep_expired_cache",
		Timestamp: e.now(),
		Success:   err == nil,
		Details:   fmt.Sprintf("%d expired entries removed", swept),
	})

	e.resolveIncident(ctx, inc, "mitigation applied (unverified)")
}

// remediateDataQuality forces a full consolidation. Success resolves;
// failure escalates.
func (e *Engine) remediateDataQuality(ctx context.Context, inc *Incident) {
	snap, err := e.consol.Run(ctx)
	if err != nil {
		e.appendAction(ctx, inc, Action{
			Action:    "force_consolidation",
			Timestamp: e.now(),
			Success:   false,
			Details:   err.Error(),
		})
		e.escalate(ctx, inc)
		return
	}
	e.appendAction(ctx, inc, Action{
		Action:    "force_consolidation",
		Timestamp: e.now(),
		Success:   true,
		Details:   fmt.Sprintf("snapshot v%d, quality %.2f", snap.Version, snap.Quality.OverallScore),
	})
	e.resolveIncident(ctx, inc, "reconsolidated")
}

func (e *Engine) resolveIncident(ctx context.Context, inc *Incident, details string) {
	now := e.now()
	e.mu.Lock()
	inc.State = StateResolved
	inc.ResolvedAt = now
	inc.Actions = append(inc.Actions, Action{
		Action:    "resolve",
		Timestamp: now,
		Success:   true,
		Details:   details,
	})
	a := e.alerts[inc.AlertID]
	if a != nil && !a.Resolved {
		a.Resolved = true
		a.ResolvedAt = now
		a.ResolvedBy = "auto-remediation"
	}
	e.mu.Unlock()

	e.logger.Info("monitor: incident resolved", "incident", inc.ID, "details", details)
	e.persistIncident(ctx, inc)
	if a != nil {
		e.persistAlert(ctx, a)
	}
}

func (e *Engine) escalate(ctx context.Context, inc *Incident) {
	now := e.now()
	e.mu.Lock()
	inc.State = StateEscalated
	inc.Actions = append(inc.Actions, Action{
		Action:    "escalate",
		Timestamp: now,
		Success:   false,
		Details:   "remediation failed, operator attention required",
	})
	e.mu.Unlock()

	e.logger.Error("monitor: incident escalated", "incident", inc.ID, "title", inc.Title)
	e.persistIncident(ctx, inc)
}

func (e *Engine) transition(ctx context.Context, inc *Incident, state IncidentState) {
	e.mu.Lock()
	inc.State = state
	e.mu.Unlock()
	e.persistIncident(ctx, inc)
}

func (e *Engine) appendAction(ctx context.Context, inc *Incident, act Action) {
	e.mu.Lock()
	inc.Actions = append(inc.Actions, act)
	e.mu.Unlock()
	e.persistIncident(ctx, inc)
}

func (e *Engine) alertSource(alertID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a := e.alerts[alertID]; a != nil {
		return a.Source
	}
	return ""
}

func probeDetails(source string, err error) string {
	if err != nil {
		return fmt.Sprintf("source %s probe failed: %v", source, err)
	}
	return fmt.Sprintf("source %s responded", source)
}
