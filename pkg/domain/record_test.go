package domain

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	legal := []struct{ from, to SimulationStatus }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusComplete},
		{StatusPending, StatusError},
		{StatusRunning, StatusComplete},
		{StatusRunning, StatusError},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}
	illegal := []struct{ from, to SimulationStatus }{
		{StatusRunning, StatusPending},
		{StatusComplete, StatusRunning},
		{StatusComplete, StatusPending},
		{StatusError, StatusRunning},
		{StatusError, StatusComplete},
		{StatusComplete, StatusError},
		{StatusError, StatusPending},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusComplete.Terminal() || !StatusError.Terminal() {
		t.Fatalf("complete and error are terminal")
	}
	if StatusPending.Terminal() || StatusRunning.Terminal() {
		t.Fatalf("pending and running are not terminal")
	}
	for _, s := range []SimulationStatus{StatusPending, StatusRunning, StatusComplete, StatusError} {
		if !s.Known() {
			t.Errorf("expected %s to be known", s)
		}
	}
	if SimulationStatus("paused").Known() {
		t.Fatalf("unexpected status must not be known")
	}
}

func TestRecordCloneIndependence(t *testing.T) {
	persisted := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		ID:       "sim-1",
		Mode:     ModeCustom,
		Settings: CustomSettings{Location: "C.12580", Dates: &DateRange{Start: 2025, End: 2035}},
		Results: Results{
			Raw:         []byte("raw-output"),
			Transformed: &TransformedView{ControlsKey: "incidence||mean_interval", Payload: []byte("view")},
		},
		BaseOutput: []byte("baseline"),
		Status:     StatusComplete,
		Cache:      CacheMetadata{Key: "custom/v1/abc", PersistedAt: &persisted},
	}
	cloned := rec.Clone()

	cloned.Results.Raw[0] = 'X'
	cloned.Results.Transformed.Payload[0] = 'X'
	cloned.BaseOutput[0] = 'X'
	*cloned.Cache.PersistedAt = time.Time{}
	if settings, ok := cloned.Settings.(CustomSettings); ok {
		settings.Dates.Start = 1900
	}

	if string(rec.Results.Raw) != "raw-output" {
		t.Fatalf("clone shares raw output bytes")
	}
	if string(rec.Results.Transformed.Payload) != "view" {
		t.Fatalf("clone shares transformed payload")
	}
	if string(rec.BaseOutput) != "baseline" {
		t.Fatalf("clone shares base output")
	}
	if rec.Cache.PersistedAt.IsZero() {
		t.Fatalf("clone shares persisted-at pointer")
	}
	if rec.Settings.(CustomSettings).Dates.Start != 2025 {
		t.Fatalf("clone shares settings dates")
	}
}

func TestRecordCloneNilFields(t *testing.T) {
	rec := Record{ID: "sim-2", Mode: ModePrerun, Status: StatusPending}
	cloned := rec.Clone()
	if cloned.Results.Raw != nil || cloned.Results.Transformed != nil || cloned.BaseOutput != nil {
		t.Fatalf("nil fields must stay nil after clone")
	}
	if cloned.Settings != nil {
		t.Fatalf("nil settings must stay nil after clone")
	}
}
