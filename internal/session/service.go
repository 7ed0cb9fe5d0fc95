// Package session orchestrates simulation execution for one user session: it
// owns the record registry, deduplicates equivalent runs, falls back to an
// artifact provider before recomputing, and broadcasts run progress.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"epicore/internal/progress"
	"epicore/internal/provider"
	"epicore/internal/registry"
	"epicore/pkg/domain"
)

// Entity aliases re-exported for callers of the session API.
type (
	// Record is the lifecycle state of one simulation execution.
	Record = domain.Record
	// PanelState is the per-page display state.
	PanelState = domain.PanelState
	// PageError is the per-page error state.
	PageError = domain.PageError
	// Result aggregates rule evaluation output for a committed mutation.
	Result = domain.Result
)

// RunRequest carries the inputs handed to a simulation run.
type RunRequest struct {
	RecordID   string
	Page       string
	Settings   domain.Settings
	BaseOutput []byte
}

// ReportFunc delivers worker progress. done marks the final report; counter
// regressions are clamped, not rejected.
type ReportFunc func(current, total int, done bool)

// RunFunc executes one simulation and returns the raw result payload. It runs
// on a worker goroutine with a context detached from the triggering request.
type RunFunc func(ctx context.Context, req RunRequest, report ReportFunc) ([]byte, error)

// BuildFunc derives a display-ready payload from raw results and controls.
type BuildFunc func(ctx context.Context, raw []byte, controls domain.Controls) ([]byte, error)

// PrerequisiteLoader gates runs on required base data being present.
type PrerequisiteLoader interface {
	// Ready reports whether the inputs needed to run the settings are loaded.
	Ready(ctx context.Context, settings domain.Settings) bool
	// Load fetches the missing inputs. Called on a background goroutine, at
	// most once per settings fingerprint while a load is outstanding.
	Load(ctx context.Context, settings domain.Settings) error
	// BaseOutput returns the no-intervention baseline for the settings when
	// one is available.
	BaseOutput(ctx context.Context, settings domain.Settings) ([]byte, bool)
}

// Service coordinates the registry, artifact provider, run workers, and
// progress broadcast for one session.
//
// Lock order is runMu before any registry access; workers take the two
// sequentially and never inverted.
type Service struct {
	cfg         Config
	store       *registry.Store
	provider    provider.Provider
	prereq      PrerequisiteLoader
	engine      *domain.RulesEngine
	transport   progress.Transport
	broadcaster *progress.Broadcaster

	clock   Clock
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder

	runMu    sync.Mutex
	inFlight map[string]*runHandle
	loading  map[string]bool

	providerFailures atomic.Uint64
}

// New constructs a session service with panels seeded for the given pages.
func New(cfg Config, pages []string, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		clock:    ClockFunc(nil),
		logger:   noopLogger{},
		metrics:  noopMetricsRecorder{},
		tracer:   noopTracer{},
		audit:    noopAuditRecorder{},
		inFlight: make(map[string]*runHandle),
		loading:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	engine := s.engine
	if engine == nil {
		engine = registry.NewDefaultRulesEngine()
	}
	s.store = registry.NewStore(pages, engine)
	s.store.SetNowFunc(s.clock.Now)
	s.broadcaster = progress.NewBroadcaster(s.transport)
	return s
}

// Store returns the underlying registry.
func (s *Service) Store() *registry.Store {
	return s.store
}

// Config returns the thresholds the service is running with.
func (s *Service) Config() Config {
	return s.cfg
}

// SubscribeProgress registers a listener for run progress events. The cancel
// function releases the subscription.
func (s *Service) SubscribeProgress(buffer int) (<-chan progress.Event, func()) {
	return s.broadcaster.Subscribe(buffer)
}

// ProviderFailures reports how many provider operations have failed so far.
func (s *Service) ProviderFailures() uint64 {
	return s.providerFailures.Load()
}

// Close shuts down the progress broadcast. In-flight workers finish on their
// own; events they publish afterwards are discarded.
func (s *Service) Close() {
	s.broadcaster.Close()
}

// GetOrRun resolves settings to a canonical record id, starting a new worker
// run only when no equivalent record or in-flight run exists. Run failures
// become record state; only settings validation and unknown-id errors
// propagate.
func (s *Service) GetOrRun(ctx context.Context, pageID string, settings domain.Settings, run RunFunc) (string, error) {
	var recordID string
	err := s.instrument(ctx, "get_or_run", &recordID, func(ctx context.Context) error {
		id, err := s.getOrRun(ctx, pageID, settings, run)
		recordID = id
		return err
	})
	if err != nil {
		return "", err
	}
	return recordID, nil
}

func (s *Service) getOrRun(ctx context.Context, pageID string, settings domain.Settings, run RunFunc) (string, error) {
	if err := domain.ValidateSettings(settings); err != nil {
		return "", err
	}
	if _, err := s.store.Panel(pageID); err != nil {
		return "", err
	}
	if run == nil {
		return "", fmt.Errorf("run function is required")
	}
	if s.prereq != nil && !s.prereq.Ready(ctx, settings) {
		return s.gatePrerequisite(ctx, pageID, settings)
	}

	fingerprint := domain.Fingerprint(settings)

	res, err := s.claim(ctx, pageID, settings, fingerprint, nil, false)
	if err != nil {
		return "", err
	}
	if id, resolved, err := s.resolveClaim(ctx, pageID, res, run); resolved || err != nil {
		return id, err
	}

	if payload, meta, ok := s.probeProvider(ctx, settings); ok {
		return s.adoptLoaded(ctx, pageID, settings, fingerprint, payload, meta)
	}

	base := s.baseOutputFor(ctx, settings)
	res, err = s.claim(ctx, pageID, settings, fingerprint, base, true)
	if err != nil {
		return "", err
	}
	id, _, err := s.resolveClaim(ctx, pageID, res, run)
	return id, err
}

type claimKind int

const (
	claimMiss claimKind = iota
	claimJoined
	claimHit
	claimAdopt
	claimCreated
)

type claimResult struct {
	kind   claimKind
	id     string
	record Record
	handle *runHandle
}

// claim consults the in-flight table and the registry under the run lock.
// With create set, a miss atomically creates a running record and registers
// its handle, so a burst of equivalent requests starts exactly one worker.
func (s *Service) claim(ctx context.Context, pageID string, settings domain.Settings, fingerprint string, baseOutput []byte, create bool) (claimResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if handle, ok := s.inFlight[fingerprint]; ok {
		return claimResult{kind: claimJoined, id: handle.recordID}, nil
	}
	if rec, ok := s.store.FindMatching(settings); ok {
		if rec.Status != domain.StatusPending {
			return claimResult{kind: claimHit, id: rec.ID, record: rec}, nil
		}
		handle := newRunHandle(rec.ID, pageID)
		s.inFlight[domain.Fingerprint(rec.Settings)] = handle
		return claimResult{kind: claimAdopt, id: rec.ID, record: rec, handle: handle}, nil
	}
	if !create {
		return claimResult{kind: claimMiss}, nil
	}

	var created Record
	if _, err := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
		rec, err := tx.CreateRecord(settings, baseOutput)
		if err != nil {
			return err
		}
		updated, err := tx.UpdateRecord(rec.ID, func(r *Record) error {
			r.Status = domain.StatusRunning
			return nil
		})
		if err != nil {
			return err
		}
		created = updated
		if _, err := tx.AttachSimulation(pageID, rec.ID); err != nil {
			return err
		}
		_, err = tx.ClearPageError(pageID)
		return err
	}); err != nil {
		return claimResult{}, err
	}
	handle := newRunHandle(created.ID, pageID)
	s.inFlight[fingerprint] = handle
	return claimResult{kind: claimCreated, id: created.ID, record: created, handle: handle}, nil
}

// resolveClaim turns a claim outcome into a record id, attaching the page and
// starting a worker where the outcome calls for one. resolved is false only
// for a miss.
func (s *Service) resolveClaim(ctx context.Context, pageID string, res claimResult, run RunFunc) (string, bool, error) {
	switch res.kind {
	case claimJoined:
		s.logger.Debug("joined in-flight run", "record", res.id, "page", pageID)
		if err := s.attach(ctx, pageID, res.id); err != nil {
			return "", true, err
		}
		return res.id, true, nil
	case claimHit:
		s.logger.Debug("registry hit", "record", res.id, "page", pageID, "status", string(res.record.Status))
		if err := s.attach(ctx, pageID, res.id); err != nil {
			return "", true, err
		}
		return res.id, true, nil
	case claimAdopt:
		id, err := s.startAdopted(ctx, pageID, res.record, res.handle, run)
		return id, true, err
	case claimCreated:
		s.startWorker(res.record, res.handle, run)
		return res.id, true, nil
	default:
		return "", false, nil
	}
}

// startAdopted promotes a pending placeholder record to running, fills its
// base output if one is now available, and starts the worker.
func (s *Service) startAdopted(ctx context.Context, pageID string, rec Record, handle *runHandle, run RunFunc) (string, error) {
	base := s.baseOutputFor(ctx, rec.Settings)
	var started Record
	if _, err := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
		updated, err := tx.UpdateRecord(rec.ID, func(r *Record) error {
			if len(r.BaseOutput) == 0 && len(base) > 0 {
				r.BaseOutput = base
			}
			r.Status = domain.StatusRunning
			return nil
		})
		if err != nil {
			return err
		}
		started = updated
		if _, err := tx.AttachSimulation(pageID, rec.ID); err != nil {
			return err
		}
		_, err = tx.ClearPageError(pageID)
		return err
	}); err != nil {
		s.abortHandle(handle)
		return "", err
	}
	s.startWorker(started, handle, run)
	return rec.ID, nil
}

// adoptLoaded registers a provider payload as a complete record. The
// in-flight table and registry are re-checked under the run lock because the
// provider probe ran unlocked.
func (s *Service) adoptLoaded(ctx context.Context, pageID string, settings domain.Settings, fingerprint string, payload []byte, meta provider.Metadata) (string, error) {
	s.runMu.Lock()
	if handle, ok := s.inFlight[fingerprint]; ok {
		id := handle.recordID
		s.runMu.Unlock()
		if err := s.attach(ctx, pageID, id); err != nil {
			return "", err
		}
		return id, nil
	}
	if rec, ok := s.store.FindMatching(settings); ok {
		s.runMu.Unlock()
		if err := s.attach(ctx, pageID, rec.ID); err != nil {
			return "", err
		}
		return rec.ID, nil
	}
	defer s.runMu.Unlock()

	cache := domain.CacheMetadata{
		Key:          meta.Key,
		ModelVersion: meta.ModelVersion,
		Source:       string(s.provider.Driver()),
	}
	if cache.ModelVersion == "" {
		cache.ModelVersion = domain.SettingsVersion(settings)
	}
	var created Record
	if _, err := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
		rec, err := tx.CreateLoadedRecord(settings, payload, cache)
		if err != nil {
			return err
		}
		created = rec
		if _, err := tx.AttachSimulation(pageID, rec.ID); err != nil {
			return err
		}
		_, err = tx.ClearPageError(pageID)
		return err
	}); err != nil {
		return "", err
	}
	s.logger.Info("restored simulation from cache provider", "record", created.ID, "key", created.Cache.Key, "source", created.Cache.Source)
	return created.ID, nil
}

// probeProvider looks the settings up in the artifact provider. A provider
// failure is logged and counted but reported as a plain miss.
func (s *Service) probeProvider(ctx context.Context, settings domain.Settings) ([]byte, provider.Metadata, bool) {
	if s.provider == nil || !s.cfg.CacheEnabled {
		return nil, provider.Metadata{}, false
	}
	key := domain.CacheKey(settings)
	started := s.clock.Now()
	rc, meta, err := s.provider.Load(ctx, key)
	if err == nil {
		payload, readErr := io.ReadAll(rc)
		_ = rc.Close()
		err = readErr
		if err == nil {
			s.metrics.Observe(ctx, "provider_load", true, s.clock.Now().Sub(started))
			return payload, meta, true
		}
	}
	var notFound provider.NotFoundError
	miss := errors.As(err, &notFound)
	s.metrics.Observe(ctx, "provider_load", miss, s.clock.Now().Sub(started))
	if miss {
		return nil, provider.Metadata{}, false
	}
	s.providerFailures.Add(1)
	perr := domain.CacheProviderError{Driver: string(s.provider.Driver()), Op: "load", Key: key, Cause: err}
	s.logger.Warn("cache provider lookup failed", "key", key, "error", perr.Error())
	return nil, provider.Metadata{}, false
}

// gatePrerequisite parks the request on a pending record and triggers a
// single background load of the missing base data. No progress events are
// emitted for a gated record.
func (s *Service) gatePrerequisite(ctx context.Context, pageID string, settings domain.Settings) (string, error) {
	fingerprint := domain.Fingerprint(settings)

	s.runMu.Lock()
	var recordID string
	var pending bool
	var attached bool
	if rec, ok := s.store.FindMatching(settings); ok {
		recordID = rec.ID
		pending = rec.Status == domain.StatusPending
	} else {
		var created Record
		if _, err := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
			rec, err := tx.CreateRecord(settings, nil)
			if err != nil {
				return err
			}
			created = rec
			if _, err := tx.AttachSimulation(pageID, rec.ID); err != nil {
				return err
			}
			_, err = tx.ClearPageError(pageID)
			return err
		}); err != nil {
			s.runMu.Unlock()
			return "", err
		}
		recordID = created.ID
		pending = true
		attached = true
	}
	var load bool
	if pending && !s.loading[fingerprint] {
		s.loading[fingerprint] = true
		load = true
	}
	s.runMu.Unlock()

	if !attached {
		if err := s.attach(ctx, pageID, recordID); err != nil {
			return "", err
		}
	}
	if load {
		s.logger.Info("simulation deferred until prerequisites load", "record", recordID, "page", pageID)
		go s.loadPrerequisites(context.Background(), pageID, settings, recordID, fingerprint)
	}
	return recordID, nil
}

// loadPrerequisites runs one background prerequisite load. A failure lands on
// the parked record and the page; a success leaves the pending record for the
// next request to adopt.
func (s *Service) loadPrerequisites(ctx context.Context, pageID string, settings domain.Settings, recordID, fingerprint string) {
	defer func() {
		s.runMu.Lock()
		delete(s.loading, fingerprint)
		s.runMu.Unlock()
	}()

	started := s.clock.Now()
	err := s.prereq.Load(ctx, settings)
	s.metrics.Observe(ctx, "prerequisite_load", err == nil, s.clock.Now().Sub(started))
	if err == nil {
		s.logger.Info("prerequisites loaded", "record", recordID)
		return
	}

	s.logger.Error("prerequisite load failed", "record", recordID, "error", err)
	message := fmt.Sprintf("prerequisite load failed: %v", err)
	if _, txErr := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
		if _, err := tx.UpdateRecord(recordID, func(rec *Record) error {
			rec.Status = domain.StatusError
			rec.ErrorMessage = message
			return nil
		}); err != nil {
			return err
		}
		if _, err := tx.SetPageError(pageID, domain.ErrorKindInternal, domain.ErrorSeverityError, message); err != nil {
			return err
		}
		_, err := tx.UpdatePanel(pageID, func(panel *PanelState) error {
			panel.Visualization.PlotStatus = domain.PlotError
			panel.Visualization.ErrorMessage = message
			return nil
		})
		return err
	}); txErr != nil {
		s.logger.Warn("prerequisite failure state update failed", "record", recordID, "error", txErr)
	}
}

// attach points the page's panel at the record and clears any page error.
func (s *Service) attach(ctx context.Context, pageID, recordID string) error {
	_, err := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
		if _, err := tx.AttachSimulation(pageID, recordID); err != nil {
			return err
		}
		_, err := tx.ClearPageError(pageID)
		return err
	})
	return err
}

// baseOutputFor asks the prerequisite loader for the comparison baseline.
// Only custom-mode settings carry one.
func (s *Service) baseOutputFor(ctx context.Context, settings domain.Settings) []byte {
	if s.prereq == nil || settings.SettingsMode() != domain.ModeCustom {
		return nil
	}
	if base, ok := s.prereq.BaseOutput(ctx, settings); ok {
		return base
	}
	return nil
}

const awaitPollInterval = 50 * time.Millisecond

// Await blocks until the record reaches a terminal status or the context is
// done, and returns the record as last observed.
func (s *Service) Await(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.instrument(ctx, "await", &id, func(ctx context.Context) error {
		out, err := s.await(ctx, id)
		rec = out
		return err
	})
	return rec, err
}

func (s *Service) await(ctx context.Context, id string) (Record, error) {
	for {
		rec, err := s.store.GetRecord(id)
		if err != nil {
			return Record{}, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		if done := s.doneChan(id); done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return rec, ctx.Err()
			}
			continue
		}
		select {
		case <-time.After(awaitPollInterval):
		case <-ctx.Done():
			return rec, ctx.Err()
		}
	}
}

// GetRecord returns the record by id.
func (s *Service) GetRecord(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.instrument(ctx, "get_record", &id, func(ctx context.Context) error {
		out, err := s.store.GetRecord(id)
		rec = out
		return err
	})
	return rec, err
}

// DisplayOutput returns the display-ready payload for a complete record,
// reusing the cached transformation when the controls fingerprint matches and
// rebuilding it through build otherwise.
func (s *Service) DisplayOutput(ctx context.Context, id string, controls domain.Controls, build BuildFunc) ([]byte, error) {
	var payload []byte
	err := s.instrument(ctx, "display_output", &id, func(ctx context.Context) error {
		out, err := s.displayOutput(ctx, id, controls, build)
		payload = out
		return err
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Service) displayOutput(ctx context.Context, id string, controls domain.Controls, build BuildFunc) ([]byte, error) {
	if build == nil {
		return nil, fmt.Errorf("build function is required")
	}
	rec, err := s.store.GetRecord(id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case domain.StatusComplete:
	case domain.StatusError:
		return nil, domain.SimulationError{RecordID: id, Cause: errors.New(rec.ErrorMessage)}
	default:
		return nil, fmt.Errorf("simulation %s is still %s", id, rec.Status)
	}

	key := controls.Key()
	if cached := rec.Results.Transformed; cached != nil && cached.ControlsKey == key {
		return cached.Payload, nil
	}

	built, err := build(ctx, rec.Results.Raw, controls)
	if err != nil {
		return nil, fmt.Errorf("build display output for %s: %w", id, err)
	}
	builtAt := s.clock.Now()
	if _, err := s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
		_, err := tx.UpdateRecord(id, func(r *Record) error {
			r.Results.Transformed = &domain.TransformedView{
				ControlsKey: key,
				Payload:     append([]byte(nil), built...),
				BuiltAt:     builtAt,
			}
			return nil
		})
		return err
	}); err != nil {
		return nil, err
	}
	return built, nil
}

// AttachSimulation points a page at an existing record and clears the page
// error.
func (s *Service) AttachSimulation(ctx context.Context, pageID, recordID string) (PanelState, Result, error) {
	var panel PanelState
	var res Result
	err := s.instrument(ctx, "attach_simulation", &pageID, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
			var txErr error
			panel, txErr = tx.AttachSimulation(pageID, recordID)
			if txErr != nil {
				return txErr
			}
			_, txErr = tx.ClearPageError(pageID)
			return txErr
		})
		return err
	})
	return panel, res, err
}

// Panel returns the panel state for a page.
func (s *Service) Panel(ctx context.Context, pageID string) (PanelState, error) {
	var panel PanelState
	err := s.instrument(ctx, "panel", &pageID, func(ctx context.Context) error {
		out, err := s.store.Panel(pageID)
		panel = out
		return err
	})
	return panel, err
}

// SetControls replaces the display controls for a page. The cached
// transformed output of the attached record is invalidated lazily, on the
// next DisplayOutput call.
func (s *Service) SetControls(ctx context.Context, pageID string, controls domain.Controls) (PanelState, Result, error) {
	var panel PanelState
	var res Result
	err := s.instrument(ctx, "set_controls", &pageID, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
			var txErr error
			panel, txErr = tx.UpdatePanel(pageID, func(p *PanelState) error {
				p.Controls = controls
				return nil
			})
			return txErr
		})
		return err
	})
	return panel, res, err
}

// SetVisualization replaces the visualization sub-state. When the panel
// becomes visible while a page error is active, the error message is
// re-synced into the visualization so a toggle cannot hide it.
func (s *Service) SetVisualization(ctx context.Context, pageID string, vis domain.Visualization) (PanelState, Result, error) {
	var panel PanelState
	var res Result
	err := s.instrument(ctx, "set_visualization", &pageID, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
			if vis.Visibility == domain.VisibilityVisible {
				if pageErr, ok := tx.Snapshot().FindPageError(pageID); ok && pageErr.HasError {
					vis.PlotStatus = domain.PlotError
					vis.ErrorMessage = pageErr.Message
				}
			}
			var txErr error
			panel, txErr = tx.UpdatePanel(pageID, func(p *PanelState) error {
				p.Visualization = vis
				return nil
			})
			return txErr
		})
		return err
	})
	return panel, res, err
}

// SetFieldValidation records the validation outcome for one input field and
// recomputes the panel's aggregate flag.
func (s *Service) SetFieldValidation(ctx context.Context, pageID, field string, valid bool, message string) (PanelState, Result, error) {
	var panel PanelState
	var res Result
	err := s.instrument(ctx, "set_field_validation", &pageID, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
			var txErr error
			panel, txErr = tx.UpdatePanel(pageID, func(p *PanelState) error {
				if p.Validation.Fields == nil {
					p.Validation.Fields = make(map[string]domain.FieldValidation)
				}
				p.Validation.Fields[field] = domain.FieldValidation{Valid: valid, Message: message}
				p.Validation.Valid = p.Validation.MergedValid()
				return nil
			})
			return txErr
		})
		return err
	})
	return panel, res, err
}

// ResetPage restores the panel defaults and clears the page error. The
// attached record, if any, stays in the registry.
func (s *Service) ResetPage(ctx context.Context, pageID string) (PanelState, Result, error) {
	var panel PanelState
	var res Result
	err := s.instrument(ctx, "reset_page", &pageID, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
			var txErr error
			panel, txErr = tx.ResetPanel(pageID)
			if txErr != nil {
				return txErr
			}
			_, txErr = tx.ClearPageError(pageID)
			return txErr
		})
		return err
	})
	return panel, res, err
}

// SetPageError raises the page error and mirrors it into the panel's
// visualization.
func (s *Service) SetPageError(ctx context.Context, pageID string, kind domain.ErrorKind, severity domain.ErrorSeverity, message string) (PageError, Result, error) {
	var pageErr PageError
	var res Result
	err := s.instrument(ctx, "set_page_error", &pageID, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
			var txErr error
			pageErr, txErr = tx.SetPageError(pageID, kind, severity, message)
			if txErr != nil {
				return txErr
			}
			_, txErr = tx.UpdatePanel(pageID, func(p *PanelState) error {
				p.Visualization.PlotStatus = domain.PlotError
				p.Visualization.ErrorMessage = message
				return nil
			})
			return txErr
		})
		return err
	})
	return pageErr, res, err
}

// ClearPageError resets the page error and washes the mirrored message out of
// the visualization.
func (s *Service) ClearPageError(ctx context.Context, pageID string) (PageError, Result, error) {
	var pageErr PageError
	var res Result
	err := s.instrument(ctx, "clear_page_error", &pageID, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx *registry.Transaction) error {
			var txErr error
			pageErr, txErr = tx.ClearPageError(pageID)
			if txErr != nil {
				return txErr
			}
			_, txErr = tx.UpdatePanel(pageID, func(p *PanelState) error {
				p.Visualization.ErrorMessage = ""
				if p.Visualization.PlotStatus == domain.PlotError {
					p.Visualization.PlotStatus = domain.PlotReady
				}
				return nil
			})
			return txErr
		})
		return err
	})
	return pageErr, res, err
}

// PageError returns the error state for a page.
func (s *Service) PageError(ctx context.Context, pageID string) (PageError, error) {
	var pageErr PageError
	err := s.instrument(ctx, "page_error", &pageID, func(ctx context.Context) error {
		out, err := s.store.PageError(pageID)
		pageErr = out
		return err
	})
	return pageErr, err
}

// Evict removes unreferenced terminal records older than maxAge. With force
// set, referenced and in-flight records go too and their panels detach.
func (s *Service) Evict(ctx context.Context, maxAge time.Duration, force bool) ([]string, error) {
	var evicted []string
	err := s.instrument(ctx, "evict", nil, func(ctx context.Context) error {
		out, err := s.store.Evict(ctx, maxAge, force)
		evicted = out
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(evicted) > 0 {
		s.logger.Info("evicted simulation records", "count", len(evicted), "max_age", maxAge.String())
	}
	return evicted, nil
}

// EvictStale evicts at the configured age, switching to the aggressive age
// while the registry is above its high-water count.
func (s *Service) EvictStale(ctx context.Context, force bool) ([]string, error) {
	var evicted []string
	err := s.instrument(ctx, "evict_stale", nil, func(ctx context.Context) error {
		age := s.cfg.MaxRecordAge
		if total := s.store.Stats().Total; total > s.cfg.HighWaterCount {
			s.logger.Info("registry above high water, evicting aggressively", "total", total, "high_water", s.cfg.HighWaterCount)
			age = s.cfg.AggressiveAge
		}
		out, err := s.store.Evict(ctx, age, force)
		evicted = out
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(evicted) > 0 {
		s.logger.Info("evicted simulation records", "count", len(evicted))
	}
	return evicted, nil
}

// Stats summarizes the registry contents.
func (s *Service) Stats(ctx context.Context) registry.Stats {
	var stats registry.Stats
	_ = s.instrument(ctx, "stats", nil, func(context.Context) error {
		stats = s.store.Stats()
		return nil
	})
	return stats
}

// auditEntities maps instrumented operations to the entity they act on.
// Operations absent from the map are not audited.
var auditEntities = map[string]domain.EntityType{
	"get_or_run":           domain.EntityRecord,
	"await":                domain.EntityRecord,
	"get_record":           domain.EntityRecord,
	"display_output":       domain.EntityRecord,
	"run_simulation":       domain.EntityRecord,
	"evict":                domain.EntityRecord,
	"evict_stale":          domain.EntityRecord,
	"stats":                domain.EntityRecord,
	"attach_simulation":    domain.EntityPanel,
	"panel":                domain.EntityPanel,
	"set_controls":         domain.EntityPanel,
	"set_visualization":    domain.EntityPanel,
	"set_field_validation": domain.EntityPanel,
	"reset_page":           domain.EntityPanel,
	"page_error":           domain.EntityPageError,
	"set_page_error":       domain.EntityPageError,
	"clear_page_error":     domain.EntityPageError,
}

// instrument wraps an operation with tracing, metrics, and auditing. When
// entityID is non-nil it is read after fn returns, so operations that resolve
// their id mid-flight are recorded with the final value.
func (s *Service) instrument(ctx context.Context, op string, entityID *string, fn func(context.Context) error) error {
	started := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := fn(ctx)
	duration := s.clock.Now().Sub(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	var id string
	if entityID != nil {
		id = *entityID
	}
	s.recordAudit(ctx, op, id, err, duration)
	return err
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, err error, duration time.Duration) {
	entity, ok := auditEntities[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    entity,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Details = err.Error()
	}
	s.audit.Record(ctx, entry)
}
