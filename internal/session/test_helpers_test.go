package session

import (
	"context"
	"testing"
	"time"

	"epicore/pkg/domain"
)

const testPage = "overview"

// newTestService builds a service seeded with the standard test pages and
// closes it with the test.
func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	svc := New(DefaultConfig(), []string{testPage, "compare"}, opts...)
	t.Cleanup(svc.Close)
	return svc
}

func prerunFixture(location string) domain.PrerunSettings {
	return domain.PrerunSettings{
		ModelVersion: "2.1",
		Location:     location,
		Aspect:       "hospitalizations",
		Population:   "overall",
		TimeFrame:    "3 months",
		Intensity:    "moderate",
	}
}

func customFixture(location string) domain.CustomSettings {
	return domain.CustomSettings{
		ModelVersion: "2.1",
		Location:     location,
		Dates:        &domain.DateRange{Start: 10, End: 90},
		Subgroups: []domain.Subgroup{{
			Name:       "seniors",
			Filters:    map[string]string{"age": "65+"},
			Components: []domain.InterventionComponent{{Kind: "vaccine_uptake", Value: 0.4}},
		}},
	}
}

// staticRun returns a run function that reports once and returns the payload.
func staticRun(payload []byte) RunFunc {
	return func(_ context.Context, _ RunRequest, report ReportFunc) ([]byte, error) {
		report(1, 1, true)
		return payload, nil
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
