// Package domain defines the simulation session entities, value types, and
// rule evaluation primitives used by epicore.
package domain

import "time"

// SimulationStatus tracks a record through its lifecycle. Transitions move
// forward only; a retry is a fresh record, never a status rollback.
type SimulationStatus string

// Lifecycle states for a simulation record.
const (
	// StatusPending marks a record created but not yet running.
	StatusPending SimulationStatus = "pending"
	// StatusRunning marks a record whose run is in flight.
	StatusRunning SimulationStatus = "running"
	// StatusComplete marks a record with raw output available.
	StatusComplete SimulationStatus = "complete"
	StatusError    SimulationStatus = "error"
)

// Known reports whether the status is one of the lifecycle states.
func (s SimulationStatus) Known() bool {
	switch s {
	case StatusPending, StatusRunning, StatusComplete, StatusError:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s SimulationStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// CanTransition reports whether moving from s to next is a legal forward step.
func (s SimulationStatus) CanTransition(next SimulationStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusComplete || next == StatusError
	case StatusRunning:
		return next == StatusComplete || next == StatusError
	default:
		return false
	}
}

// Progress is the mutable run-progress sub-record; meaningful only while the
// record is running.
type Progress struct {
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Percent   int       `json:"percent"`
	Done      bool      `json:"done"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransformedView caches a display-ready derivation of the raw output together
// with the controls fingerprint that produced it. A differing fingerprint
// invalidates the cache.
type TransformedView struct {
	ControlsKey string    `json:"controls_key"`
	Payload     []byte    `json:"payload"`
	BuiltAt     time.Time `json:"built_at"`
}

// Results holds a record's outputs. Raw is the opaque simulation-set payload
// once the run completes; Transformed is the lazily built display derivation.
type Results struct {
	Raw         []byte           `json:"raw,omitempty"`
	Transformed *TransformedView `json:"transformed,omitempty"`
}

// CacheMetadata carries provider provenance for a record. It is bookkeeping
// for external cache round-trips and never participates in matching.
type CacheMetadata struct {
	Key             string     `json:"key,omitempty"`
	ModelVersion    string     `json:"model_version,omitempty"`
	Source          string     `json:"source,omitempty"`
	LoadedFromCache bool       `json:"loaded_from_cache,omitempty"`
	PersistedAt     *time.Time `json:"persisted_at,omitempty"`
}

// Record is the full lifecycle state of one simulation execution. ID, Mode
// and Settings are immutable after creation, BaseOutput is set at most once,
// and UpdatedAt bumps on every mutation and drives eviction.
type Record struct {
	ID           string           `json:"id"`
	Mode         Mode             `json:"mode"`
	Settings     Settings         `json:"-"`
	Results      Results          `json:"results"`
	BaseOutput   []byte           `json:"base_output,omitempty"`
	Status       SimulationStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Progress     Progress         `json:"progress"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Cache        CacheMetadata    `json:"cache"`
}

// Clone returns an independent deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Settings = CloneSettings(r.Settings)
	out.Results.Raw = cloneBytes(r.Results.Raw)
	if r.Results.Transformed != nil {
		view := *r.Results.Transformed
		view.Payload = cloneBytes(view.Payload)
		out.Results.Transformed = &view
	}
	out.BaseOutput = cloneBytes(r.BaseOutput)
	if r.Cache.PersistedAt != nil {
		at := *r.Cache.PersistedAt
		out.Cache.PersistedAt = &at
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
