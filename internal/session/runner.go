package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"epicore/internal/progress"
	"epicore/internal/provider"
	"epicore/internal/registry"
	"epicore/pkg/domain"
)

// runHandle tracks one in-flight worker run. done closes when the run has
// reached a terminal record state.
type runHandle struct {
	recordID string
	page     string
	done     chan struct{}
}

func newRunHandle(recordID, page string) *runHandle {
	return &runHandle{recordID: recordID, page: page, done: make(chan struct{})}
}

// doneChan returns the completion signal for the record when a run for it is
// in flight in this service, nil otherwise.
func (s *Service) doneChan(recordID string) <-chan struct{} {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	for _, handle := range s.inFlight {
		if handle.recordID == recordID {
			return handle.done
		}
	}
	return nil
}

func (s *Service) removeHandle(handle *runHandle) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	for fingerprint, h := range s.inFlight {
		if h == handle {
			delete(s.inFlight, fingerprint)
		}
	}
}

// abortHandle releases a handle whose run never started.
func (s *Service) abortHandle(handle *runHandle) {
	s.removeHandle(handle)
	close(handle.done)
}

// startWorker launches the run on its own goroutine. The worker context is
// detached from the triggering request so a canceled caller cannot kill a
// shared run.
func (s *Service) startWorker(rec Record, handle *runHandle, run RunFunc) {
	req := RunRequest{
		RecordID:   rec.ID,
		Page:       handle.page,
		Settings:   rec.Settings,
		BaseOutput: rec.BaseOutput,
	}
	go s.runWorker(context.Background(), req, handle, run)
}

func (s *Service) runWorker(ctx context.Context, req RunRequest, handle *runHandle, run RunFunc) {
	started := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, "run_simulation")
	s.logger.Info("simulation run started", "record", req.RecordID, "page", req.Page)
	s.publish(ctx, progress.Event{
		Action:      progress.ActionStart,
		ID:          req.RecordID,
		Page:        req.Page,
		Description: runDescription(req.Settings),
		At:          s.clock.Now(),
	})

	raw, err := s.invokeRun(ctx, req, run)
	if err != nil {
		s.failRun(ctx, req, err)
	} else {
		s.completeRun(ctx, req, raw)
	}

	duration := s.clock.Now().Sub(started)
	span.End(err)
	s.metrics.Observe(ctx, "run_simulation", err == nil, duration)
	s.recordAudit(ctx, "run_simulation", req.RecordID, err, duration)
	s.removeHandle(handle)
	close(handle.done)
}

// invokeRun executes the run function, converting a panic into an error so a
// crashing simulation still produces a terminal record state.
func (s *Service) invokeRun(ctx context.Context, req RunRequest, run RunFunc) (raw []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return run(ctx, req, s.newReporter(ctx, req))
}

// newReporter returns the progress callback for one run. Each report is
// clamped so counters never regress, written to the record, and published as
// an update event. A failed record write is logged and never kills the run.
func (s *Service) newReporter(ctx context.Context, req RunRequest) ReportFunc {
	var mu sync.Mutex
	var current, total int
	return func(cur, tot int, done bool) {
		mu.Lock()
		if cur < 0 {
			cur = 0
		}
		if tot < 0 {
			tot = 0
		}
		if cur < current {
			cur = current
		}
		if tot == 0 {
			tot = total
		}
		if tot > 0 && cur > tot {
			cur = tot
		}
		current, total = cur, tot
		mu.Unlock()

		percent := 0
		if tot > 0 {
			percent = cur * 100 / tot
		}
		if done || percent > 100 {
			percent = 100
		}

		now := s.clock.Now()
		if _, err := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
			_, err := tx.UpdateRecord(req.RecordID, func(rec *Record) error {
				rec.Progress = domain.Progress{
					Current:   cur,
					Total:     tot,
					Percent:   percent,
					Done:      done,
					UpdatedAt: now,
				}
				return nil
			})
			return err
		}); err != nil {
			s.logger.Warn("progress update failed", "record", req.RecordID, "error", err)
		}
		s.publish(ctx, progress.Event{
			Action:  progress.ActionUpdate,
			ID:      req.RecordID,
			Page:    req.Page,
			Current: cur,
			Total:   tot,
			Percent: percent,
			At:      now,
		})
	}
}

// failRun converts a run error into record and page state and publishes the
// terminal error event.
func (s *Service) failRun(ctx context.Context, req RunRequest, cause error) {
	simErr := domain.SimulationError{RecordID: req.RecordID, Cause: cause}
	s.logger.Error("simulation run failed", "record", req.RecordID, "page", req.Page, "error", simErr.Error())
	now := s.clock.Now()
	if _, err := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
		if _, err := tx.UpdateRecord(req.RecordID, func(rec *Record) error {
			rec.Status = domain.StatusError
			rec.ErrorMessage = cause.Error()
			rec.Progress.Done = true
			rec.Progress.UpdatedAt = now
			return nil
		}); err != nil {
			return err
		}
		if _, err := tx.SetPageError(req.Page, domain.ErrorKindSimulation, domain.ErrorSeverityError, cause.Error()); err != nil {
			return err
		}
		_, err := tx.UpdatePanel(req.Page, func(panel *PanelState) error {
			panel.Visualization.PlotStatus = domain.PlotError
			panel.Visualization.ErrorMessage = cause.Error()
			return nil
		})
		return err
	}); err != nil {
		s.logger.Warn("failure state update failed", "record", req.RecordID, "error", err)
	}
	s.publish(ctx, progress.Event{
		Action:  progress.ActionError,
		ID:      req.RecordID,
		Page:    req.Page,
		Message: cause.Error(),
		At:      s.clock.Now(),
	})
}

// completeRun commits the raw output, persists it to the provider on a
// best-effort basis, and publishes the terminal complete event.
func (s *Service) completeRun(ctx context.Context, req RunRequest, raw []byte) {
	now := s.clock.Now()
	var completed Record
	if _, err := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
		updated, err := tx.UpdateRecord(req.RecordID, func(rec *Record) error {
			rec.Status = domain.StatusComplete
			rec.Results.Raw = append([]byte(nil), raw...)
			rec.Results.Transformed = nil
			if rec.Progress.Total > 0 {
				rec.Progress.Current = rec.Progress.Total
			}
			rec.Progress.Percent = 100
			rec.Progress.Done = true
			rec.Progress.UpdatedAt = now
			return nil
		})
		completed = updated
		return err
	}); err != nil {
		s.logger.Warn("completion update failed", "record", req.RecordID, "error", err)
	} else {
		s.logger.Info("simulation run complete", "record", req.RecordID)
		s.persistArtifact(ctx, completed)
	}
	s.publish(ctx, progress.Event{
		Action:  progress.ActionComplete,
		ID:      req.RecordID,
		Page:    req.Page,
		Current: completed.Progress.Current,
		Total:   completed.Progress.Total,
		Percent: 100,
		At:      s.clock.Now(),
	})
}

// persistArtifact saves the raw output to the artifact provider. Failures are
// logged and counted; an already-present artifact counts as persisted.
func (s *Service) persistArtifact(ctx context.Context, rec Record) {
	if s.provider == nil || !s.cfg.CacheEnabled {
		return
	}
	key := rec.Cache.Key
	if key == "" {
		key = domain.CacheKey(rec.Settings)
	}
	started := s.clock.Now()
	_, err := s.provider.Save(ctx, key, bytes.NewReader(rec.Results.Raw), provider.SaveOptions{
		ContentType:  "application/json",
		ModelVersion: domain.SettingsVersion(rec.Settings),
	})
	var exists provider.AlreadyExistsError
	if errors.As(err, &exists) {
		s.logger.Debug("artifact already persisted", "record", rec.ID, "key", key)
		err = nil
	}
	s.metrics.Observe(ctx, "provider_save", err == nil, s.clock.Now().Sub(started))
	if err != nil {
		s.providerFailures.Add(1)
		perr := domain.CacheProviderError{Driver: string(s.provider.Driver()), Op: "save", Key: key, Cause: err}
		s.logger.Warn("artifact persist failed", "record", rec.ID, "key", key, "error", perr.Error())
		return
	}

	persistedAt := s.clock.Now()
	if _, err := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
		_, err := tx.UpdateRecord(rec.ID, func(r *Record) error {
			r.Cache.Key = key
			r.Cache.Source = string(s.provider.Driver())
			r.Cache.PersistedAt = &persistedAt
			if r.Cache.ModelVersion == "" {
				r.Cache.ModelVersion = domain.SettingsVersion(r.Settings)
			}
			return nil
		})
		return err
	}); err != nil {
		s.logger.Warn("cache metadata update failed", "record", rec.ID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, event progress.Event) {
	if err := s.broadcaster.Publish(ctx, event); err != nil {
		s.logger.Warn("progress publish failed", "record", event.ID, "action", string(event.Action), "error", err)
	}
}

func runDescription(settings domain.Settings) string {
	return fmt.Sprintf("%s simulation for %s", settings.SettingsMode(), settings.NormalizedLocation())
}
