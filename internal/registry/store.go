// Package registry provides the in-memory simulation registry backing a
// session: the cache of simulation records plus the per-page panel and error
// state. All mutations run inside transactions that clone the state, record
// change entries, and evaluate integrity rules before commit.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"epicore/pkg/domain"
)

type (
	// Record aliases domain.Record for registry operations.
	Record = domain.Record
	// PanelState aliases domain.PanelState.
	PanelState = domain.PanelState
	// PageError aliases domain.PageError.
	PageError = domain.PageError
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
)

// registryState holds the full mutable state guarded by the store lock.
// Records keep their insertion order so match lookups prefer older entries.
type registryState struct {
	records    map[string]Record
	order      []string
	panels     map[string]PanelState
	pageErrors map[string]PageError
}

func newRegistryState(pages []string) registryState {
	state := registryState{
		records:    map[string]Record{},
		panels:     map[string]PanelState{},
		pageErrors: map[string]PageError{},
	}
	for _, page := range pages {
		if page == "" {
			continue
		}
		if _, ok := state.panels[page]; ok {
			continue
		}
		state.panels[page] = domain.NewPanelState(page)
		state.pageErrors[page] = PageError{PageID: page}
	}
	return state
}

func (s registryState) clone() registryState {
	out := registryState{
		records:    make(map[string]Record, len(s.records)),
		order:      append([]string(nil), s.order...),
		panels:     make(map[string]PanelState, len(s.panels)),
		pageErrors: make(map[string]PageError, len(s.pageErrors)),
	}
	for id, rec := range s.records {
		out.records[id] = rec.Clone()
	}
	for page, panel := range s.panels {
		out.panels[page] = panel.Clone()
	}
	for page, pageErr := range s.pageErrors {
		out.pageErrors[page] = pageErr
	}
	return out
}

// Store is the registry root. A zero Store is not usable; construct with NewStore.
type Store struct {
	mu     sync.RWMutex
	state  registryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs a registry seeded with one panel and one page error slot
// per page. A nil engine falls back to the default rule set.
func NewStore(pages []string, engine *RulesEngine) *Store {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return &Store{
		state:  newRegistryState(pages),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// RulesEngine exposes the configured engine for integration points.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used for transaction timestamps.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc replaces the time provider. Passing nil restores the UTC clock.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = func() time.Time { return time.Now().UTC() }
	}
	s.nowFn = fn
}

// Pages lists the configured page identifiers in sorted order.
func (s *Store) Pages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := make([]string, 0, len(s.state.panels))
	for page := range s.state.panels {
		pages = append(pages, page)
	}
	sort.Strings(pages)
	return pages
}

// Transaction represents a mutation set applied to the registry state.
type Transaction struct {
	store   *Store
	state   registryState
	changes []Change
	now     time.Time
}

func (tx *Transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *Transaction) Snapshot() domain.RuleView {
	return newTransactionView(&tx.state)
}

// Now reports the timestamp the transaction stamps onto mutations.
func (tx *Transaction) Now() time.Time {
	return tx.now
}

// transactionView adapts registryState to the domain rule view contract.
type transactionView struct {
	state *registryState
}

func newTransactionView(state *registryState) transactionView {
	return transactionView{state: state}
}

func (v transactionView) ListRecords() []Record {
	out := make([]Record, 0, len(v.state.order))
	for _, id := range v.state.order {
		if rec, ok := v.state.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (v transactionView) FindRecord(id string) (Record, bool) {
	rec, ok := v.state.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

func (v transactionView) ListPanels() []PanelState {
	pages := make([]string, 0, len(v.state.panels))
	for page := range v.state.panels {
		pages = append(pages, page)
	}
	sort.Strings(pages)
	out := make([]PanelState, 0, len(pages))
	for _, page := range pages {
		out = append(out, v.state.panels[page].Clone())
	}
	return out
}

func (v transactionView) FindPanel(pageID string) (PanelState, bool) {
	panel, ok := v.state.panels[pageID]
	if !ok {
		return PanelState{}, false
	}
	return panel.Clone(), true
}

func (v transactionView) FindPageError(pageID string) (PageError, bool) {
	pageErr, ok := v.state.pageErrors[pageID]
	return pageErr, ok
}

// RunInTransaction executes fn within a transactional copy of the registry state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.ValidationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the registry state.
func (s *Store) View(_ context.Context, fn func(domain.RuleView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *Transaction) newRecordID() string {
	for {
		var b [6]byte
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		id := "sim-" + tx.now.UTC().Format("20060102t150405") + "-" + hex.EncodeToString(b[:])
		if _, exists := tx.state.records[id]; !exists {
			return id
		}
	}
}

// CreateRecord registers a new pending record for the given settings. The
// settings are validated and cloned; the optional base output is captured as
// the immutable comparison baseline for custom runs.
func (tx *Transaction) CreateRecord(settings domain.Settings, baseOutput []byte) (Record, error) {
	if err := domain.ValidateSettings(settings); err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:        tx.newRecordID(),
		Mode:      settings.SettingsMode(),
		Settings:  domain.CloneSettings(settings),
		Status:    domain.StatusPending,
		CreatedAt: tx.now,
		UpdatedAt: tx.now,
		Cache:     domain.CacheMetadata{Key: domain.CacheKey(settings)},
	}
	if len(baseOutput) > 0 {
		rec.BaseOutput = append([]byte(nil), baseOutput...)
	}
	tx.state.records[rec.ID] = rec.Clone()
	tx.state.order = append(tx.state.order, rec.ID)
	tx.recordChange(Change{Entity: domain.EntityRecord, Action: domain.ActionCreate, After: rec.Clone()})
	return rec, nil
}

// CreateLoadedRecord registers a record restored from a cache provider. The
// record starts complete and carries the provider metadata that proves its
// origin.
func (tx *Transaction) CreateLoadedRecord(settings domain.Settings, raw []byte, cache domain.CacheMetadata) (Record, error) {
	if err := domain.ValidateSettings(settings); err != nil {
		return Record{}, err
	}
	cache.LoadedFromCache = true
	if cache.Key == "" {
		cache.Key = domain.CacheKey(settings)
	}
	rec := Record{
		ID:        tx.newRecordID(),
		Mode:      settings.SettingsMode(),
		Settings:  domain.CloneSettings(settings),
		Status:    domain.StatusComplete,
		CreatedAt: tx.now,
		UpdatedAt: tx.now,
		Cache:     cache,
		Progress: domain.Progress{
			Percent:   100,
			Done:      true,
			UpdatedAt: tx.now,
		},
	}
	if len(raw) > 0 {
		rec.Results.Raw = append([]byte(nil), raw...)
	}
	tx.state.records[rec.ID] = rec.Clone()
	tx.state.order = append(tx.state.order, rec.ID)
	tx.recordChange(Change{Entity: domain.EntityRecord, Action: domain.ActionCreate, After: rec.Clone()})
	return rec, nil
}

// UpdateRecord applies mutate to a copy of the record and stages the result.
// Identity fields, settings, and the creation timestamp are pinned. The base
// output is set-once: it may be filled while empty but never rewritten after.
// Status and progress changes stay subject to rule evaluation.
func (tx *Transaction) UpdateRecord(id string, mutate func(*Record) error) (Record, error) {
	current, ok := tx.state.records[id]
	if !ok {
		return Record{}, domain.NotFoundError{Entity: domain.EntityRecord, ID: id}
	}
	before := current.Clone()
	working := current.Clone()
	if mutate != nil {
		if err := mutate(&working); err != nil {
			return Record{}, err
		}
	}
	working.ID = before.ID
	working.Mode = before.Mode
	working.Settings = before.Settings
	if len(before.BaseOutput) > 0 {
		working.BaseOutput = before.BaseOutput
	}
	working.CreatedAt = before.CreatedAt
	working.UpdatedAt = tx.now
	tx.state.records[id] = working.Clone()
	tx.recordChange(Change{Entity: domain.EntityRecord, Action: domain.ActionUpdate, Before: before, After: working.Clone()})
	return working, nil
}

// DeleteRecord stages removal of a record. Panel references are enforced by
// the rule set at commit time.
func (tx *Transaction) DeleteRecord(id string) error {
	current, ok := tx.state.records[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityRecord, ID: id}
	}
	delete(tx.state.records, id)
	tx.state.order = removeID(tx.state.order, id)
	tx.recordChange(Change{Entity: domain.EntityRecord, Action: domain.ActionDelete, Before: current.Clone()})
	return nil
}

func removeID(order []string, id string) []string {
	out := order[:0]
	for _, candidate := range order {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}

// EvictOlderThan removes records whose last update is at or beyond maxAge.
// Without force it spares records referenced by panels and records still in
// flight; with force it removes them too, detaching any referencing panels in
// the same transaction. Returns the evicted record IDs in insertion order.
func (tx *Transaction) EvictOlderThan(maxAge time.Duration, force bool) []string {
	cutoff := tx.now.Add(-maxAge)
	referenced := map[string]bool{}
	for _, panel := range tx.state.panels {
		if panel.CurrentSimulationID != "" {
			referenced[panel.CurrentSimulationID] = true
		}
	}

	var evicted []string
	remaining := make([]string, 0, len(tx.state.order))
	for _, id := range tx.state.order {
		rec, ok := tx.state.records[id]
		if !ok {
			continue
		}
		stale := !rec.UpdatedAt.After(cutoff)
		if !stale {
			remaining = append(remaining, id)
			continue
		}
		if !force && (referenced[id] || !rec.Status.Terminal()) {
			remaining = append(remaining, id)
			continue
		}
		if force && referenced[id] {
			tx.detachPanels(id)
		}
		delete(tx.state.records, id)
		tx.recordChange(Change{Entity: domain.EntityRecord, Action: domain.ActionDelete, Before: rec.Clone()})
		evicted = append(evicted, id)
	}
	tx.state.order = remaining
	return evicted
}

func (tx *Transaction) detachPanels(recordID string) {
	for page, panel := range tx.state.panels {
		if panel.CurrentSimulationID != recordID {
			continue
		}
		before := panel.Clone()
		panel.CurrentSimulationID = ""
		tx.state.panels[page] = panel.Clone()
		tx.recordChange(Change{Entity: domain.EntityPanel, Action: domain.ActionUpdate, Before: before, After: panel.Clone()})
	}
}

// UpdatePanel applies mutate to a copy of the page panel and stages the
// result. The page identifier is pinned.
func (tx *Transaction) UpdatePanel(pageID string, mutate func(*PanelState) error) (PanelState, error) {
	current, ok := tx.state.panels[pageID]
	if !ok {
		return PanelState{}, domain.NotFoundError{Entity: domain.EntityPanel, ID: pageID}
	}
	before := current.Clone()
	working := current.Clone()
	if mutate != nil {
		if err := mutate(&working); err != nil {
			return PanelState{}, err
		}
	}
	working.PageID = before.PageID
	tx.state.panels[pageID] = working.Clone()
	tx.recordChange(Change{Entity: domain.EntityPanel, Action: domain.ActionUpdate, Before: before, After: working.Clone()})
	return working, nil
}

// AttachSimulation points the page panel at the given record.
func (tx *Transaction) AttachSimulation(pageID, recordID string) (PanelState, error) {
	if _, ok := tx.state.records[recordID]; !ok {
		return PanelState{}, domain.NotFoundError{Entity: domain.EntityRecord, ID: recordID}
	}
	return tx.UpdatePanel(pageID, func(panel *PanelState) error {
		panel.CurrentSimulationID = recordID
		return nil
	})
}

// ResetPanel restores the page panel to its default state.
func (tx *Transaction) ResetPanel(pageID string) (PanelState, error) {
	if _, ok := tx.state.panels[pageID]; !ok {
		return PanelState{}, domain.NotFoundError{Entity: domain.EntityPanel, ID: pageID}
	}
	return tx.UpdatePanel(pageID, func(panel *PanelState) error {
		*panel = domain.NewPanelState(pageID)
		return nil
	})
}

// SetPageError records an error banner for the page.
func (tx *Transaction) SetPageError(pageID string, kind domain.ErrorKind, severity domain.ErrorSeverity, message string) (PageError, error) {
	current, ok := tx.state.pageErrors[pageID]
	if !ok {
		return PageError{}, domain.NotFoundError{Entity: domain.EntityPageError, ID: pageID}
	}
	next := PageError{
		PageID:   pageID,
		HasError: true,
		Message:  message,
		Kind:     kind,
		Severity: severity,
		At:       tx.now,
	}
	tx.state.pageErrors[pageID] = next
	tx.recordChange(Change{Entity: domain.EntityPageError, Action: domain.ActionUpdate, Before: current, After: next})
	return next, nil
}

// ClearPageError restores the default error-free state for the page.
func (tx *Transaction) ClearPageError(pageID string) (PageError, error) {
	current, ok := tx.state.pageErrors[pageID]
	if !ok {
		return PageError{}, domain.NotFoundError{Entity: domain.EntityPageError, ID: pageID}
	}
	next := PageError{PageID: pageID}
	tx.state.pageErrors[pageID] = next
	tx.recordChange(Change{Entity: domain.EntityPageError, Action: domain.ActionUpdate, Before: current, After: next})
	return next, nil
}

// FindRecord exposes record lookup within the transaction scope.
func (tx *Transaction) FindRecord(id string) (Record, bool) {
	rec, ok := tx.state.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// FindPanel exposes panel lookup within the transaction scope.
func (tx *Transaction) FindPanel(pageID string) (PanelState, bool) {
	panel, ok := tx.state.panels[pageID]
	if !ok {
		return PanelState{}, false
	}
	return panel.Clone(), true
}

// FindMatching scans the transactional state for an equivalent reusable record.
func (tx *Transaction) FindMatching(settings domain.Settings) (Record, bool) {
	return findMatching(&tx.state, settings)
}

// GetRecord returns a clone of the committed record.
func (s *Store) GetRecord(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.records[id]
	if !ok {
		return Record{}, domain.NotFoundError{Entity: domain.EntityRecord, ID: id}
	}
	return rec.Clone(), nil
}

// FindMatching returns the oldest committed record equivalent to the given
// settings. Records that ended in error are skipped so a retry runs fresh.
func (s *Store) FindMatching(settings domain.Settings) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findMatching(&s.state, settings)
}

func findMatching(state *registryState, settings domain.Settings) (Record, bool) {
	for _, id := range state.order {
		rec, ok := state.records[id]
		if !ok {
			continue
		}
		if rec.Status == domain.StatusError {
			continue
		}
		if !domain.EqualSettings(rec.Settings, settings) {
			continue
		}
		return rec.Clone(), true
	}
	return Record{}, false
}

// ListRecords returns clones of all committed records in insertion order.
func (s *Store) ListRecords() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.state.order))
	for _, id := range s.state.order {
		if rec, ok := s.state.records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Panel returns a clone of the committed panel state for the page.
func (s *Store) Panel(pageID string) (PanelState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	panel, ok := s.state.panels[pageID]
	if !ok {
		return PanelState{}, domain.NotFoundError{Entity: domain.EntityPanel, ID: pageID}
	}
	return panel.Clone(), nil
}

// ListPanels returns clones of all panels sorted by page identifier.
func (s *Store) ListPanels() []PanelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := newTransactionView(&s.state)
	return view.ListPanels()
}

// PageError returns the committed error state for the page.
func (s *Store) PageError(pageID string) (PageError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pageErr, ok := s.state.pageErrors[pageID]
	if !ok {
		return PageError{}, domain.NotFoundError{Entity: domain.EntityPageError, ID: pageID}
	}
	return pageErr, nil
}

// Stats summarizes the registry contents.
type Stats struct {
	Total      int                             `json:"total"`
	ByStatus   map[domain.SimulationStatus]int `json:"by_status"`
	ByMode     map[domain.Mode]int             `json:"by_mode"`
	Referenced int                             `json:"referenced"`
	Oldest     *time.Time                      `json:"oldest,omitempty"`
	Newest     *time.Time                      `json:"newest,omitempty"`
}

// Stats reports aggregate counts and the update-time bounds of the registry.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		ByStatus: map[domain.SimulationStatus]int{},
		ByMode:   map[domain.Mode]int{},
	}
	referenced := map[string]bool{}
	for _, panel := range s.state.panels {
		if panel.CurrentSimulationID != "" {
			referenced[panel.CurrentSimulationID] = true
		}
	}
	for _, id := range s.state.order {
		rec, ok := s.state.records[id]
		if !ok {
			continue
		}
		stats.Total++
		stats.ByStatus[rec.Status]++
		stats.ByMode[rec.Mode]++
		if referenced[id] {
			stats.Referenced++
		}
		updated := rec.UpdatedAt
		if stats.Oldest == nil || updated.Before(*stats.Oldest) {
			stats.Oldest = &updated
		}
		if stats.Newest == nil || updated.After(*stats.Newest) {
			stats.Newest = &updated
		}
	}
	return stats
}

// Evict removes stale records in a single transaction and returns their IDs.
func (s *Store) Evict(ctx context.Context, maxAge time.Duration, force bool) ([]string, error) {
	var evicted []string
	if _, err := s.RunInTransaction(ctx, func(tx *Transaction) error {
		evicted = tx.EvictOlderThan(maxAge, force)
		return nil
	}); err != nil {
		return nil, err
	}
	return evicted, nil
}
