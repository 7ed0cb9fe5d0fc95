package domain

import (
	"sort"
	"strings"
	"time"
)

// Visibility states for a panel's visualization area.
type Visibility string

const (
	// VisibilityVisible shows the visualization.
	VisibilityVisible Visibility = "visible"
	// VisibilityHidden hides the visualization without discarding state.
	VisibilityHidden  Visibility = "hidden"
	VisibilityLoading Visibility = "loading"
)

// DisplayType selects how a panel renders results.
type DisplayType string

const (
	// DisplayPlot renders results as a chart.
	DisplayPlot DisplayType = "plot"
	// DisplayTable renders results as a table.
	DisplayTable DisplayType = "table"
)

// PlotStatus tracks the readiness of the rendered plot.
type PlotStatus string

const (
	PlotReady   PlotStatus = "ready"
	PlotLoading PlotStatus = "loading"
	PlotError   PlotStatus = "error"
)

// SummaryType selects how multiple simulation draws are aggregated for display.
type SummaryType string

const (
	// SummaryMeanInterval shows the mean with an uncertainty interval.
	SummaryMeanInterval SummaryType = "mean_interval"
	// SummaryMedianInterval shows the median with an uncertainty interval.
	SummaryMedianInterval SummaryType = "median_interval"
	// SummaryIndividual shows every draw as its own trace.
	SummaryIndividual SummaryType = "individual"
)

// Visualization is the display sub-state of a panel.
type Visualization struct {
	Visibility   Visibility  `json:"visibility"`
	Display      DisplayType `json:"display"`
	PlotStatus   PlotStatus  `json:"plot_status"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Controls are the user-selected display settings for a panel. Outcomes is a
// set; ordering does not affect the derived key.
type Controls struct {
	Outcomes []string    `json:"outcomes,omitempty"`
	FacetBy  string      `json:"facet_by,omitempty"`
	Summary  SummaryType `json:"summary"`
}

// Key returns a stable fingerprint of the controls, used to decide whether a
// cached transformed output is still valid.
func (c Controls) Key() string {
	outcomes := make([]string, len(c.Outcomes))
	copy(outcomes, c.Outcomes)
	sort.Strings(outcomes)
	return strings.Join(outcomes, ",") + "|" + c.FacetBy + "|" + string(c.Summary)
}

// FieldValidation is the validation outcome for a single input field.
type FieldValidation struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// Validation aggregates field-level validation for a panel. Valid is the
// logical AND across all tracked fields.
type Validation struct {
	Valid  bool                       `json:"valid"`
	Fields map[string]FieldValidation `json:"fields,omitempty"`
}

// MergedValid recomputes the aggregate flag from the tracked fields.
func (v Validation) MergedValid() bool {
	for _, f := range v.Fields {
		if !f.Valid {
			return false
		}
	}
	return true
}

// PanelState is the per-page view state. Panels are created once per page id
// and persist for the session; they are reset, never destroyed.
// CurrentSimulationID is a reference into the registry, not ownership.
type PanelState struct {
	PageID              string        `json:"page_id"`
	Visualization       Visualization `json:"visualization"`
	Controls            Controls      `json:"controls"`
	Validation          Validation    `json:"validation"`
	CurrentSimulationID string        `json:"current_simulation_id,omitempty"`
}

// NewPanelState returns the default state for a page.
func NewPanelState(pageID string) PanelState {
	return PanelState{
		PageID: pageID,
		Visualization: Visualization{
			Visibility: VisibilityHidden,
			Display:    DisplayPlot,
			PlotStatus: PlotReady,
		},
		Controls:   Controls{Summary: SummaryMeanInterval},
		Validation: Validation{Valid: true},
	}
}

// Clone returns an independent deep copy of the panel state.
func (p PanelState) Clone() PanelState {
	out := p
	if p.Controls.Outcomes != nil {
		out.Controls.Outcomes = make([]string, len(p.Controls.Outcomes))
		copy(out.Controls.Outcomes, p.Controls.Outcomes)
	}
	if p.Validation.Fields != nil {
		out.Validation.Fields = make(map[string]FieldValidation, len(p.Validation.Fields))
		for k, f := range p.Validation.Fields {
			out.Validation.Fields[k] = f
		}
	}
	return out
}

// ErrorKind classifies the origin of a page error.
type ErrorKind string

const (
	ErrorKindSimulation ErrorKind = "simulation"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindProvider   ErrorKind = "provider"
	ErrorKindInternal   ErrorKind = "internal"
)

// ErrorSeverity grades a page error for presentation.
type ErrorSeverity string

const (
	ErrorSeverityError   ErrorSeverity = "error"
	ErrorSeverityWarning ErrorSeverity = "warning"
	ErrorSeverityInfo    ErrorSeverity = "info"
)

// PageError is per-page error state held independently of any simulation
// record, so it survives record eviction and plot/table toggling.
type PageError struct {
	PageID   string        `json:"page_id"`
	HasError bool          `json:"has_error"`
	Message  string        `json:"message,omitempty"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Severity ErrorSeverity `json:"severity,omitempty"`
	At       time.Time     `json:"at"`
}
