package domain

import "fmt"

// NotFoundError reports a reference to an entity id that does not exist.
// Reaching a user-facing boundary with one uncaught is a programming error;
// it always propagates.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// ValidationError is returned when a mutation would leave state in violation
// of the registry rules, or when boundary settings validation fails. It
// carries the full rule result and always propagates.
type ValidationError struct {
	Result Result
}

func (e ValidationError) Error() string {
	return "blocked by validation rules"
}

// SimulationError wraps a failed run. It is converted to record state at the
// orchestration boundary and never propagates out of it.
type SimulationError struct {
	RecordID string
	Cause    error
}

func (e SimulationError) Error() string {
	return fmt.Sprintf("simulation %s failed: %v", e.RecordID, e.Cause)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e SimulationError) Unwrap() error { return e.Cause }

// CacheProviderError wraps an external provider failure. Always non-fatal:
// lookups fall back to recompute, persists are skipped.
type CacheProviderError struct {
	Driver string
	Op     string
	Key    string
	Cause  error
}

func (e CacheProviderError) Error() string {
	return fmt.Sprintf("cache provider %s %s %s: %v", e.Driver, e.Op, e.Key, e.Cause)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e CacheProviderError) Unwrap() error { return e.Cause }
