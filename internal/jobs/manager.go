// Package jobs runs units of work as background jobs that can be paused,
// resumed and cancelled between steps. Every state change is written to the
// key-value store before the caller gets an answer, so status survives a
// restart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/kv"
)

const (
	keyPrefix = "job:"

	// DefaultTTL is how long persisted records are kept.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultListLimit applies when List is called with limit <= 0.
	DefaultListLimit = 50

	interruptedError = "interrupted by restart"
)

// Hooks receives job measurements. Nil funcs are skipped.
type Hooks struct {
	OnTransition func(from, to Status)
	OnStep       func()
}

// Options configures a Manager.
type Options struct {
	// KV persists records. Nil keeps jobs in memory only.
	KV     kv.Store
	TTL    time.Duration
	Sink   events.Sink
	Logger log.Logger
	Hooks  Hooks
}

type job struct {
	mu        sync.Mutex
	cond      *sync.Cond
	rec       Record
	unit      Unit
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// Manager owns the jobs started in this process.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*job

	kv     kv.Store
	ttl    time.Duration
	sink   events.Sink
	logger log.Logger
	hooks  Hooks
	now    func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Manager{
		jobs:   make(map[string]*job),
		kv:     opts.KV,
		ttl:    opts.TTL,
		sink:   events.OrNop(opts.Sink),
		logger: opts.Logger,
		hooks:  opts.Hooks,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start records the job as pending, moves it to running and executes the
// unit in its own goroutine. It returns as soon as the running state is
// persisted.
func (m *Manager) Start(ctx context.Context, unit Unit, opts StartOptions) (string, error) {
	if len(unit.Steps) == 0 {
		return "", fmt.Errorf("%w: unit has no steps", agenterr.ErrValidation)
	}
	for i, s := range unit.Steps {
		if s.Run == nil {
			return "", fmt.Errorf("%w: step %d has no function", agenterr.ErrValidation, i)
		}
	}

	id := opts.ID
	if id == "" {
		id = ulid.Make().String()
	}
	now := m.now()
	j := &job{
		rec: Record{
			ID:         id,
			Name:       unit.Name,
			Status:     StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
			TotalSteps: len(unit.Steps),
			Metadata:   copyMap(opts.Metadata),
		},
		unit: unit,
		done: make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)

	m.mu.Lock()
	if _, exists := m.jobs[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: job %q already exists", agenterr.ErrValidation, id)
	}
	m.jobs[id] = j
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel

	j.mu.Lock()
	m.persistLocked(ctx, j)
	m.hook(j, "", StatusPending)
	started := m.now()
	j.rec.StartedAt = &started
	m.transitionLocked(ctx, j, StatusRunning)
	j.mu.Unlock()

	m.logger.Info(ctx, "job started", "job_id", id, "name", unit.Name, "steps", len(unit.Steps))

	go m.run(runCtx, j)
	return id, nil
}

func (m *Manager) run(ctx context.Context, j *job) {
	defer close(j.done)
	defer j.cancel()
	L := m.logger.With("job_id", j.rec.ID)

	for i, step := range j.unit.Steps {
		if !m.checkpoint(j) {
			m.notifyCancel(ctx, j)
			return
		}

		j.mu.Lock()
		j.rec.CurrentStep = step.Name
		j.mu.Unlock()

		err := runStep(ctx, step)

		j.mu.Lock()
		if j.cancelled {
			// An in-flight step is not counted once cancel was requested.
			j.mu.Unlock()
			L.Info(ctx, "job step discarded after cancel", "step", step.Name)
			m.notifyCancel(ctx, j)
			return
		}
		if err != nil {
			j.rec.Error = fmt.Sprintf("step %q: %v", step.Name, err)
			m.transitionLocked(ctx, j, StatusFailed)
			j.mu.Unlock()
			L.Error(ctx, err, "job step failed", "step", step.Name, "index", i)
			return
		}
		j.rec.CompletedSteps = i + 1
		j.rec.Progress = float64(i+1) / float64(len(j.unit.Steps)) * 100
		j.rec.UpdatedAt = m.now()
		m.persistLocked(ctx, j)
		j.mu.Unlock()

		if m.hooks.OnStep != nil {
			m.hooks.OnStep()
		}
	}

	var result any
	if j.unit.Result != nil {
		result = j.unit.Result()
	}

	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		m.notifyCancel(ctx, j)
		return
	}
	j.rec.Result = result
	j.rec.CurrentStep = ""
	m.transitionLocked(ctx, j, StatusCompleted)
	steps := j.rec.CompletedSteps
	j.mu.Unlock()
	L.Info(ctx, "job completed", "steps", steps)
}

// notifyCancel runs the unit's OnCancel outside the job lock. The run
// context is already cancelled, so the callback gets one that is not.
func (m *Manager) notifyCancel(ctx context.Context, j *job) {
	if j.unit.OnCancel == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn(ctx, "job cancel callback panicked", "job_id", j.rec.ID, "panic", fmt.Sprint(r))
		}
	}()
	j.unit.OnCancel(context.WithoutCancel(ctx))
}

// checkpoint blocks while the job is paused and reports whether it may
// continue.
func (m *Manager) checkpoint(j *job) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.rec.Status == StatusPaused && !j.cancelled {
		j.cond.Wait()
	}
	return !j.cancelled
}

func runStep(ctx context.Context, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Run(ctx)
}

// Pause asks a running job to stop at its next checkpoint.
func (m *Manager) Pause(ctx context.Context, id string) (*Record, error) {
	return m.change(ctx, id, func(j *job) error {
		if j.rec.Status != StatusRunning {
			return invalidTransition(j.rec.Status, StatusPaused)
		}
		m.transitionLocked(ctx, j, StatusPaused)
		return nil
	})
}

// Resume continues a paused job from its last completed step.
func (m *Manager) Resume(ctx context.Context, id string) (*Record, error) {
	return m.change(ctx, id, func(j *job) error {
		if j.rec.Status != StatusPaused {
			return invalidTransition(j.rec.Status, StatusRunning)
		}
		m.transitionLocked(ctx, j, StatusRunning)
		j.cond.Broadcast()
		return nil
	})
}

// Cancel stops a job at its next checkpoint and cancels the context of the
// step in flight. The job is cancelled as soon as Cancel returns.
func (m *Manager) Cancel(ctx context.Context, id string) (*Record, error) {
	return m.change(ctx, id, func(j *job) error {
		if j.rec.Status.Terminal() {
			return invalidTransition(j.rec.Status, StatusCancelled)
		}
		j.cancelled = true
		j.rec.CurrentStep = ""
		m.transitionLocked(ctx, j, StatusCancelled)
		j.cond.Broadcast()
		j.cancel()
		return nil
	})
}

func (m *Manager) change(ctx context.Context, id string, fn func(j *job) error) (*Record, error) {
	j, ok := m.lookup(id)
	if !ok {
		if _, found, _ := m.load(ctx, id); found {
			return nil, fmt.Errorf("%w: job %q is not owned by this process", agenterr.ErrValidation, id)
		}
		return nil, fmt.Errorf("job %q: %w", id, agenterr.ErrNotFound)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := fn(j); err != nil {
		return nil, err
	}
	return j.rec.clone(), nil
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: cannot move job from %s to %s", agenterr.ErrValidation, from, to)
}

// Get returns the job record. Jobs unknown to this process are read from
// the store, which reports their last persisted state.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	if j, ok := m.lookup(id); ok {
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.rec.clone(), nil
	}
	rec, ok, err := m.load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: load job: %w", agenterr.ErrBackendUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("job %q: %w", id, agenterr.ErrNotFound)
	}
	return rec, nil
}

// Wait blocks until the job reaches a terminal state or ctx is done, and
// returns the final record. Only jobs started by this process can be waited on.
func (m *Manager) Wait(ctx context.Context, id string) (*Record, error) {
	j, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("job %q: %w", id, agenterr.ErrNotFound)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec.clone(), nil
}

// List returns jobs newest first, optionally filtered by status. Persisted
// jobs from earlier processes are included.
func (m *Manager) List(ctx context.Context, status Status, limit int) ([]*Record, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", agenterr.ErrValidation, status)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	seen := make(map[string]bool)
	var out []*Record
	m.mu.RLock()
	for id, j := range m.jobs {
		j.mu.Lock()
		rec := j.rec.clone()
		j.mu.Unlock()
		seen[id] = true
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	if m.kv != nil {
		keys, err := m.kv.Keys(ctx, keyPrefix)
		if err != nil {
			m.logger.Warn(ctx, "list persisted jobs failed", "err", err)
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, keyPrefix)
			if seen[id] {
				continue
			}
			rec, ok, err := m.load(ctx, id)
			if err != nil || !ok {
				continue
			}
			if status == "" || rec.Status == status {
				out = append(out, rec)
			}
		}
	}

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Restore marks persisted jobs that were pending, running or paused as
// failed, since no goroutine survives a restart to finish them. It returns
// how many records were updated.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.kv == nil {
		return 0, nil
	}
	keys, err := m.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("%w: list jobs: %w", agenterr.ErrBackendUnavailable, err)
	}
	n := 0
	var errs []error
	for _, key := range keys {
		id := strings.TrimPrefix(key, keyPrefix)
		if _, live := m.lookup(id); live {
			continue
		}
		rec, ok, err := m.load(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok || rec.Status.Terminal() {
			continue
		}
		rec.Status = StatusFailed
		rec.Error = interruptedError
		rec.UpdatedAt = m.now()
		if err := kv.SetJSON(ctx, m.kv, key, rec, m.ttl); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Warn(ctx, "job interrupted by restart", "job_id", id)
		n++
	}
	return n, errors.Join(errs...)
}

func (m *Manager) lookup(id string) (*job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

func (m *Manager) load(ctx context.Context, id string) (*Record, bool, error) {
	if m.kv == nil {
		return nil, false, nil
	}
	var rec Record
	ok, err := kv.GetJSON(ctx, m.kv, keyPrefix+id, &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return &rec, true, nil
}

// transitionLocked moves the job to status and persists it. j.mu must be held.
func (m *Manager) transitionLocked(ctx context.Context, j *job, to Status) {
	from := j.rec.Status
	now := m.now()
	j.rec.Status = to
	j.rec.UpdatedAt = now
	if to.Terminal() {
		j.rec.CompletedAt = &now
		if to == StatusCompleted {
			j.rec.Progress = 100
		}
	}
	m.persistLocked(ctx, j)
	m.hook(j, from, to)
}

func (m *Manager) hook(j *job, from, to Status) {
	if m.hooks.OnTransition != nil {
		m.hooks.OnTransition(from, to)
	}
	m.sink.Emit(context.Background(), events.New(events.JobTransition, "", map[string]any{
		"job_id": j.rec.ID,
		"from":   string(from),
		"to":     string(to),
	}))
}

// persistLocked overwrites job:<id>. A failed write is logged and emitted;
// the in-memory record stays authoritative. j.mu must be held.
func (m *Manager) persistLocked(ctx context.Context, j *job) {
	if m.kv == nil {
		return
	}
	if err := kv.SetJSON(ctx, m.kv, keyPrefix+j.rec.ID, &j.rec, m.ttl); err != nil {
		m.logger.Warn(ctx, "job persist failed", "job_id", j.rec.ID, "status", j.rec.Status, "err", err)
		m.sink.Emit(ctx, events.New(events.JobPersistFailed, "", map[string]any{
			"job_id": j.rec.ID,
			"status": string(j.rec.Status),
			"error":  err.Error(),
		}))
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
