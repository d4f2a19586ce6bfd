package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/larder/pkg/facts"
	"github.com/openfroyo/larder/pkg/resource"
)

// ReportItem is the outcome of one plan item.
type ReportItem struct {
	// Provider is the provider that handled the resource.
	Provider Provider `json:"-"`

	// Resource is the resource as it was planned.
	Resource *resource.Resource `json:"resource"`

	// State is the outcome. Dry runs report Unknown unless they are what-if
	// runs.
	State resource.State `json:"state"`

	// RequireAdministrator is the privilege requirement of the plan item.
	RequireAdministrator bool `json:"require_administrator"`

	// Duration is how long the provider ran.
	Duration time.Duration `json:"duration"`

	// Error is the provider error message, if the provider returned one.
	Error string `json:"error,omitempty"`
}

// Report is the immutable record of a run.
type Report struct {
	runID                 string
	items                 []ReportItem
	facts                 *facts.FactCollection
	requiresAdministrator bool
	dryRun                bool
	successful            bool
	startedAt             time.Time
	completedAt           time.Time
}

// NewReport creates a report. Success is computed once: dry runs ignore
// Unknown items, and every remaining item must not be in the Error state.
func NewReport(items []ReportItem, f *facts.FactCollection, requiresAdministrator, dryRun bool) *Report {
	if f == nil {
		f = facts.Empty()
	}
	now := time.Now()
	r := &Report{
		runID:                 uuid.New().String(),
		items:                 append([]ReportItem(nil), items...),
		facts:                 f,
		requiresAdministrator: requiresAdministrator,
		dryRun:                dryRun,
		successful:            true,
		startedAt:             now,
		completedAt:           now,
	}

	for _, item := range r.items {
		if dryRun && item.State == resource.Unknown {
			continue
		}
		if item.State.IsError() {
			r.successful = false
			break
		}
	}

	return r
}

// withRun stamps run identity and timing on a freshly built report.
func (r *Report) withRun(runID string, startedAt, completedAt time.Time) *Report {
	r.runID = runID
	r.startedAt = startedAt
	r.completedAt = completedAt
	return r
}

// RunID returns the unique run identifier.
func (r *Report) RunID() string { return r.runID }

// Items returns the report items in execution order.
func (r *Report) Items() []ReportItem { return append([]ReportItem(nil), r.items...) }

// Count returns the number of items.
func (r *Report) Count() int { return len(r.items) }

// Facts returns the facts the run used.
func (r *Report) Facts() *facts.FactCollection { return r.facts }

// RequiresAdministrator reports whether the plan required an elevated process.
func (r *Report) RequiresAdministrator() bool { return r.requiresAdministrator }

// DryRun reports whether this was a dry run.
func (r *Report) DryRun() bool { return r.dryRun }

// Successful reports whether no executed item ended in the Error state.
func (r *Report) Successful() bool { return r.successful }

// StartedAt returns when the run started.
func (r *Report) StartedAt() time.Time { return r.startedAt }

// CompletedAt returns when the run finished.
func (r *Report) CompletedAt() time.Time { return r.completedAt }

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration { return r.completedAt.Sub(r.startedAt) }

// Summary counts items by state.
func (r *Report) Summary() map[resource.State]int {
	summary := make(map[resource.State]int)
	for _, item := range r.items {
		summary[item.State]++
	}
	return summary
}

// Status returns a one-word outcome for logs and metrics.
func (r *Report) Status() string {
	switch {
	case r.dryRun:
		return "dry_run"
	case r.successful:
		return "succeeded"
	default:
		return "failed"
	}
}

// MarshalJSON renders the report.
func (r *Report) MarshalJSON() ([]byte, error) {
	summary := make(map[string]int)
	for state, count := range r.Summary() {
		summary[state.String()] = count
	}
	items := r.items
	if items == nil {
		items = []ReportItem{}
	}
	return json.Marshal(struct {
		RunID                 string                `json:"run_id"`
		StartedAt             time.Time             `json:"started_at"`
		CompletedAt           time.Time             `json:"completed_at"`
		DryRun                bool                  `json:"dry_run"`
		RequiresAdministrator bool                  `json:"requires_administrator"`
		Successful            bool                  `json:"successful"`
		Summary               map[string]int        `json:"summary"`
		Items                 []ReportItem          `json:"items"`
		Facts                 *facts.FactCollection `json:"facts"`
	}{
		RunID:                 r.runID,
		StartedAt:             r.startedAt,
		CompletedAt:           r.completedAt,
		DryRun:                r.dryRun,
		RequiresAdministrator: r.requiresAdministrator,
		Successful:            r.successful,
		Summary:               summary,
		Items:                 items,
		Facts:                 r.facts,
	})
}
