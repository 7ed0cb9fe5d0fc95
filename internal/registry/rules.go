package registry

import (
	"context"
	"fmt"

	"epicore/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in registry policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(StatusTransitionRule())
	engine.Register(ErrorMessageRule())
	engine.Register(ProgressBoundsRule())
	engine.Register(PanelReferenceRule())
	return engine
}

func recordPayload(payload any) (domain.Record, bool) {
	rec, ok := payload.(domain.Record)
	return rec, ok
}

func panelPayload(payload any) (domain.PanelState, bool) {
	panel, ok := payload.(domain.PanelState)
	return panel, ok
}

// StatusTransitionRule blocks invalid status values and backward transitions
// on simulation records.
func StatusTransitionRule() domain.Rule {
	return statusTransitionRule{}
}

type statusTransitionRule struct{}

func (statusTransitionRule) Name() string { return "record_status_transition" }

func (statusTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityRecord {
			continue
		}
		after, ok := recordPayload(change.After)
		if !ok {
			continue
		}
		if !after.Status.Known() {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "record_status_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("record %s is set to invalid status %s", after.ID, after.Status),
				Entity:   domain.EntityRecord,
				EntityID: after.ID,
			})
			continue
		}
		switch change.Action {
		case domain.ActionCreate:
			allowed := after.Status == domain.StatusPending ||
				(after.Status == domain.StatusComplete && after.Cache.LoadedFromCache)
			if !allowed {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "record_status_transition",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("record %s cannot be created with status %s", after.ID, after.Status),
					Entity:   domain.EntityRecord,
					EntityID: after.ID,
				})
			}
		case domain.ActionUpdate:
			before, ok := recordPayload(change.Before)
			if !ok || before.Status == after.Status {
				continue
			}
			if !before.Status.CanTransition(after.Status) {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "record_status_transition",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("cannot move record %s from %s to %s", after.ID, before.Status, after.Status),
					Entity:   domain.EntityRecord,
					EntityID: after.ID,
				})
			}
		}
	}
	return res, nil
}

// ErrorMessageRule keeps the error message field consistent with the record status.
func ErrorMessageRule() domain.Rule {
	return errorMessageRule{}
}

type errorMessageRule struct{}

func (errorMessageRule) Name() string { return "record_error_message" }

func (errorMessageRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityRecord {
			continue
		}
		after, ok := recordPayload(change.After)
		if !ok {
			continue
		}
		if after.Status == domain.StatusError && after.ErrorMessage == "" {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "record_error_message",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("record %s entered error status without a message", after.ID),
				Entity:   domain.EntityRecord,
				EntityID: after.ID,
			})
		}
		if after.Status != domain.StatusError && after.ErrorMessage != "" {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "record_error_message",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("record %s carries an error message while in status %s", after.ID, after.Status),
				Entity:   domain.EntityRecord,
				EntityID: after.ID,
			})
		}
	}
	return res, nil
}

// ProgressBoundsRule keeps progress counters inside their declared bounds and
// blocks regressions while a record is running.
func ProgressBoundsRule() domain.Rule {
	return progressBoundsRule{}
}

type progressBoundsRule struct{}

func (progressBoundsRule) Name() string { return "record_progress_bounds" }

func (progressBoundsRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityRecord {
			continue
		}
		after, ok := recordPayload(change.After)
		if !ok {
			continue
		}
		progress := after.Progress
		switch {
		case progress.Current < 0 || progress.Total < 0:
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "record_progress_bounds",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("record %s has negative progress counters", after.ID),
				Entity:   domain.EntityRecord,
				EntityID: after.ID,
			})
		case progress.Total > 0 && progress.Current > progress.Total:
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "record_progress_bounds",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("record %s reports progress %d beyond total %d", after.ID, progress.Current, progress.Total),
				Entity:   domain.EntityRecord,
				EntityID: after.ID,
			})
		case progress.Percent < 0 || progress.Percent > 100:
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "record_progress_bounds",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("record %s reports percent %d outside the 0-100 range", after.ID, progress.Percent),
				Entity:   domain.EntityRecord,
				EntityID: after.ID,
			})
		}
		if change.Action != domain.ActionUpdate {
			continue
		}
		before, ok := recordPayload(change.Before)
		if !ok {
			continue
		}
		if before.Status == domain.StatusRunning && after.Status == domain.StatusRunning &&
			after.Progress.Current < before.Progress.Current {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "record_progress_bounds",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("record %s progress moved backwards from %d to %d", after.ID, before.Progress.Current, after.Progress.Current),
				Entity:   domain.EntityRecord,
				EntityID: after.ID,
			})
		}
	}
	return res, nil
}

// PanelReferenceRule keeps panel references pointing at live records.
func PanelReferenceRule() domain.Rule {
	return panelReferenceRule{}
}

type panelReferenceRule struct{}

func (panelReferenceRule) Name() string { return "panel_reference_exists" }

func (panelReferenceRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		switch change.Entity {
		case domain.EntityPanel:
			after, ok := panelPayload(change.After)
			if !ok || after.CurrentSimulationID == "" {
				continue
			}
			if _, found := view.FindRecord(after.CurrentSimulationID); !found {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "panel_reference_exists",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("panel %s references missing record %s", after.PageID, after.CurrentSimulationID),
					Entity:   domain.EntityPanel,
					EntityID: after.PageID,
				})
			}
		case domain.EntityRecord:
			if change.Action != domain.ActionDelete {
				continue
			}
			before, ok := recordPayload(change.Before)
			if !ok {
				continue
			}
			for _, panel := range view.ListPanels() {
				if panel.CurrentSimulationID == before.ID {
					res.Violations = append(res.Violations, domain.Violation{
						Rule:     "panel_reference_exists",
						Severity: domain.SeverityBlock,
						Message:  fmt.Sprintf("record %s is still referenced by panel %s", before.ID, panel.PageID),
						Entity:   domain.EntityRecord,
						EntityID: before.ID,
					})
				}
			}
		}
	}
	return res, nil
}
