package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veldt-labs/deepresearch/internal/metrics"
	"github.com/veldt-labs/deepresearch/internal/models"
)

// Memory is an in-memory implementation of all four stores. It satisfies the
// same guard semantics as the Postgres backend and is used in tests and
// single-process deployments without a configured database.
type Memory struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
	results  map[resultKey]*models.ProviderResult
	runs     map[uuid.UUID]*models.ResearchRun
	reports  map[uuid.UUID][]*models.Report // keyed by session, insertion order
}

type resultKey struct {
	sessionID uuid.UUID
	provider  string
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[uuid.UUID]*models.Session),
		results:  make(map[resultKey]*models.ProviderResult),
		runs:     make(map[uuid.UUID]*models.ResearchRun),
		reports:  make(map[uuid.UUID][]*models.Report),
	}
}

// Stores returns the backend bundled as the four store interfaces.
func (m *Memory) Stores() Stores {
	return Stores{Sessions: m, Results: m, Runs: m, Reports: m}
}

func copySession(s *models.Session) *models.Session {
	c := *s
	return &c
}

func copyResult(r *models.ProviderResult) *models.ProviderResult {
	c := *r
	return &c
}

func copyRun(r *models.ResearchRun) *models.ResearchRun {
	c := *r
	return &c
}

func copyReport(r *models.Report) *models.Report {
	c := *r
	c.PDFBytes = append([]byte(nil), r.PDFBytes...)
	return &c
}

// CreateSession stores a new session record.
func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.sessions[s.ID] = copySession(s)
	return nil
}

// GetSession returns a copy of the stored session.
func (m *Memory) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// Transition applies a guarded state change.
func (m *Memory) Transition(_ context.Context, id uuid.UUID, to models.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(s.State, to) {
		metrics.SessionTransitionRejected.WithLabelValues(string(s.State), string(to)).Inc()
		return ErrIllegalTransition
	}
	metrics.SessionTransitions.WithLabelValues(string(s.State), string(to)).Inc()

	now := time.Now()
	s.State = to
	s.UpdatedAt = now
	if to.IsTerminal() {
		s.CompletedAt = &now
	}
	return nil
}

// SetRefinedPrompt records the rewritten prompt.
func (m *Memory) SetRefinedPrompt(_ context.Context, id uuid.UUID, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	s.RefinedPrompt = &prompt
	s.RefinedAt = &now
	s.UpdatedAt = now
	return nil
}

// ListSessionsInStates returns sessions in any of the given states, oldest
// first.
func (m *Memory) ListSessionsInStates(_ context.Context, states ...models.SessionState) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[models.SessionState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []*models.Session
	for _, s := range m.sessions {
		if want[s.State] {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertResult creates or updates a provider result under the run-id and
// monotonic-status guards.
func (m *Memory) UpsertResult(_ context.Context, r *models.ProviderResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := resultKey{sessionID: r.SessionID, provider: r.Provider}
	existing, ok := m.results[key]
	if !ok {
		m.results[key] = copyResult(r)
		return nil
	}

	if existing.ModelRunID != nil && r.ModelRunID != nil && *existing.ModelRunID != *r.ModelRunID {
		return ErrRunIDMismatch
	}
	if existing.Status.IsTerminal() && existing.Status != r.Status {
		return ErrStaleWrite
	}
	if models.StatusRegresses(existing.Status, r.Status) {
		return ErrStaleWrite
	}

	updated := copyResult(r)
	if updated.ModelRunID == nil {
		updated.ModelRunID = existing.ModelRunID
	}
	m.results[key] = updated
	return nil
}

// GetResult returns the row for (session, provider).
func (m *Memory) GetResult(_ context.Context, sessionID uuid.UUID, provider string) (*models.ProviderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.results[resultKey{sessionID: sessionID, provider: provider}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyResult(r), nil
}

// ListResults returns all provider rows for a session.
func (m *Memory) ListResults(_ context.Context, sessionID uuid.UUID) ([]*models.ProviderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ProviderResult
	for key, r := range m.results {
		if key.sessionID == sessionID {
			out = append(out, copyResult(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// NextForLane picks the running result first, else the oldest queued one.
func (m *Memory) NextForLane(_ context.Context, provider string) (*models.ProviderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var running, oldest *models.ProviderResult
	for key, r := range m.results {
		if key.provider != provider {
			continue
		}
		switch r.Status {
		case models.ResultRunning:
			if running == nil || queuedBefore(r, running) {
				running = r
			}
		case models.ResultQueued:
			if oldest == nil || queuedBefore(r, oldest) {
				oldest = r
			}
		}
	}
	if running != nil {
		return copyResult(running), nil
	}
	if oldest != nil {
		return copyResult(oldest), nil
	}
	return nil, ErrNotFound
}

func queuedBefore(a, b *models.ProviderResult) bool {
	if a.QueuedAt == nil {
		return false
	}
	if b.QueuedAt == nil {
		return true
	}
	return a.QueuedAt.Before(*b.QueuedAt)
}

// ListStaleQueued returns queued results with no started_at older than cutoff.
func (m *Memory) ListStaleQueued(_ context.Context, cutoff time.Time) ([]*models.ProviderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ProviderResult
	for _, r := range m.results {
		if r.Status == models.ResultQueued && r.StartedAt == nil && r.QueuedAt != nil && r.QueuedAt.Before(cutoff) {
			out = append(out, copyResult(r))
		}
	}
	return out, nil
}

// ListStaleRunning returns running results whose last activity is older than
// cutoff.
func (m *Memory) ListStaleRunning(_ context.Context, cutoff time.Time) ([]*models.ProviderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ProviderResult
	for _, r := range m.results {
		if r.Status != models.ResultRunning {
			continue
		}
		last := r.StartedAt
		if r.LastPolledAt != nil {
			last = r.LastPolledAt
		}
		if last != nil && last.Before(cutoff) {
			out = append(out, copyResult(r))
		}
	}
	return out, nil
}

// CreateRun stores a new research run.
func (m *Memory) CreateRun(_ context.Context, r *models.ResearchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.runs[r.ID] = copyRun(r)
	return nil
}

// GetRun returns a run by id.
func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (*models.ResearchRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

// GetRunBySessionProvider returns the run for one (session, provider).
func (m *Memory) GetRunBySessionProvider(_ context.Context, sessionID uuid.UUID, provider string) (*models.ResearchRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runs {
		if r.SessionID == sessionID && r.Provider == provider {
			return copyRun(r), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateRun persists pipeline progress; current_step_index never rewinds.
func (m *Memory) UpdateRun(_ context.Context, r *models.ResearchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.runs[r.ID]
	if !ok {
		return ErrNotFound
	}
	if r.CurrentStepIndex < existing.CurrentStepIndex {
		return ErrStaleWrite
	}
	r.UpdatedAt = time.Now()
	m.runs[r.ID] = copyRun(r)
	return nil
}

// InsertReport appends a new report row for the session.
func (m *Memory) InsertReport(_ context.Context, r *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.EmailStatus == "" {
		r.EmailStatus = models.EmailPending
	}
	m.reports[r.SessionID] = append(m.reports[r.SessionID], copyReport(r))
	return nil
}

// LatestReport returns the most recently inserted report for the session.
func (m *Memory) LatestReport(_ context.Context, sessionID uuid.UUID) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.reports[sessionID]
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return copyReport(rows[len(rows)-1]), nil
}

// ClaimSend atomically flips the newest pending report to sending.
func (m *Memory) ClaimSend(_ context.Context, sessionID uuid.UUID) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.reports[sessionID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].EmailStatus == models.EmailPending {
			rows[i].EmailStatus = models.EmailSending
			return copyReport(rows[i]), nil
		}
	}
	return nil, ErrNotFound
}

// MarkEmail records the outcome of a claimed send.
func (m *Memory) MarkEmail(_ context.Context, reportID uuid.UUID, status models.EmailStatus, emailErr *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rows := range m.reports {
		for _, r := range rows {
			if r.ID == reportID {
				r.EmailStatus = status
				r.EmailError = emailErr
				if status == models.EmailSent {
					now := time.Now()
					r.SentAt = &now
				}
				return nil
			}
		}
	}
	return ErrNotFound
}
