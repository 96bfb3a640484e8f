// File: internal/jobs/runner.go
// Description: Runs acquisition jobs in the background and keeps their
// status for the API.

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EvanDbg/refresh-gemini-business/api/schemas"
	"github.com/EvanDbg/refresh-gemini-business/internal/acquisition"
)

var (
	// ErrInvalidRequest rejects a submission before a job is created.
	ErrInvalidRequest = errors.New("invalid job request")
	// ErrShuttingDown rejects submissions once Shutdown has begun.
	ErrShuttingDown = errors.New("job runner is shutting down")
)

const (
	defaultJobTimeout = 15 * time.Minute
	defaultMaxJobs    = 200
	persistTimeout    = 30 * time.Second
)

// Acquirer is the part of the orchestrator jobs drive.
type Acquirer interface {
	RegisterBatch(ctx context.Context, count int, sink acquisition.Sink) acquisition.BatchSummary
	RefreshAccount(ctx context.Context, email, secret string, opts acquisition.RefreshOptions) (*schemas.CookieBundle, error)
}

// ArtifactStore receives every bundle a job produces.
type ArtifactStore interface {
	Upsert(ctx context.Context, bundle schemas.CookieBundle) (schemas.AccountRecord, error)
}

// Ledger records newly registered identities.
type Ledger interface {
	Append(email, password string) (schemas.LedgerEntry, error)
}

// Options tunes a Runner. Zero values fall back to defaults.
type Options struct {
	// JobTimeout is the budget for one account. A register job of count
	// accounts gets count times this budget.
	JobTimeout time.Duration
	// MaxJobs bounds the registry; the oldest finished jobs are dropped first.
	MaxJobs int
}

type entry struct {
	job      schemas.Job
	watchers []chan schemas.Job
}

// Runner owns the job registry. Each job runs in its own goroutine under a
// deadline sized to the number of accounts it handles.
type Runner struct {
	acq     Acquirer
	store   ArtifactStore
	ledger  Ledger
	logger  *zap.Logger
	timeout time.Duration
	maxJobs int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[string]*entry
	order   []string
	closing bool

	now   func() time.Time
	newID func() string
}

// NewRunner creates a Runner. Every dependency is required.
func NewRunner(acq Acquirer, store ArtifactStore, ledger Ledger, opts Options, logger *zap.Logger) (*Runner, error) {
	if acq == nil || store == nil || ledger == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize job runner with nil dependencies")
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = defaultMaxJobs
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		acq:     acq,
		store:   store,
		ledger:  ledger,
		logger:  logger.Named("jobs"),
		timeout: opts.JobTimeout,
		maxJobs: opts.MaxJobs,
		baseCtx: ctx,
		cancel:  cancel,
		jobs:    make(map[string]*entry),
		now:     time.Now,
		newID:   shortID,
	}, nil
}

func shortID() string {
	return uuid.NewString()[:8]
}

// SubmitRegister queues a batch that registers count new accounts.
func (r *Runner) SubmitRegister(count int) (schemas.Job, error) {
	if count < 1 {
		return schemas.Job{}, fmt.Errorf("%w: count must be at least 1", ErrInvalidRequest)
	}
	progress := &schemas.Progress{Total: count}
	return r.submit(schemas.JobRegister, progress, r.deadline(count), func(ctx context.Context, id string) {
		r.runRegister(ctx, id, count)
	})
}

// SubmitRefresh queues a refresh of one existing account.
func (r *Runner) SubmitRefresh(email, password string) (schemas.Job, error) {
	if email == "" || password == "" {
		return schemas.Job{}, fmt.Errorf("%w: email and password are required", ErrInvalidRequest)
	}
	return r.submit(schemas.JobRefresh, nil, r.deadline(1), func(ctx context.Context, id string) {
		r.runRefresh(ctx, id, email, password)
	})
}

// deadline is the time a job handling accounts accounts may run.
func (r *Runner) deadline(accounts int) time.Duration {
	return r.timeout * time.Duration(accounts)
}

func (r *Runner) submit(kind schemas.JobKind, progress *schemas.Progress, timeout time.Duration, run func(ctx context.Context, id string)) (schemas.Job, error) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return schemas.Job{}, ErrShuttingDown
	}
	id := r.newID()
	for r.jobs[id] != nil {
		id = r.newID()
	}
	e := &entry{job: schemas.Job{
		ID:        id,
		Kind:      kind,
		Status:    schemas.JobPending,
		CreatedAt: r.now(),
		Progress:  progress,
	}}
	r.jobs[id] = e
	r.order = append(r.order, id)
	r.evictLocked()
	snap := snapshot(e.job)
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("Job accepted.", zap.String("task_id", id), zap.String("kind", string(kind)), zap.Duration("deadline", timeout))
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.baseCtx, timeout)
		defer cancel()
		r.update(id, func(j *schemas.Job) { j.Status = schemas.JobRunning })
		run(ctx, id)
	}()
	return snap, nil
}

func (r *Runner) runRegister(ctx context.Context, id string, count int) {
	log := r.logger.With(zap.String("task_id", id))
	r.update(id, func(j *schemas.Job) {
		j.Progress.Current = fmt.Sprintf("Registering account 1/%d", count)
	})

	var accounts []schemas.CookieBundle
	summary := r.acq.RegisterBatch(ctx, count, func(res acquisition.Result) {
		if res.Err == nil && res.Bundle != nil {
			accounts = append(accounts, *res.Bundle)
			r.persist(ctx, log, *res.Bundle, true)
		} else {
			log.Warn("Registration failed.", zap.Int("index", res.Index), zap.Error(res.Err))
		}
		r.update(id, func(j *schemas.Job) {
			p := j.Progress
			p.Completed = res.Index + 1
			if res.Err == nil {
				p.Succeeded++
			} else {
				p.Failed++
			}
			p.Current = ""
			if p.Completed < count {
				p.Current = fmt.Sprintf("Registering account %d/%d", p.Completed+1, count)
			}
		})
	})

	result := schemas.BatchResult{Accounts: accounts, Succeeded: summary.Succeeded, Failed: summary.Failed}
	var err error
	switch {
	case summary.Succeeded > 0:
		// Stored accounts make the job a success even when the deadline
		// cut the rest of the batch short.
		if ctx.Err() != nil {
			result.Stopped = r.contextFailure(ctx, r.deadline(count)).Error()
			log.Warn("Registration batch stopped early.",
				zap.Int("succeeded", summary.Succeeded), zap.String("reason", result.Stopped))
		}
	case ctx.Err() != nil:
		err = r.contextFailure(ctx, r.deadline(count))
	default:
		err = fmt.Errorf("all %d registrations failed", count)
	}
	r.finish(id, result, err)
}

func (r *Runner) runRefresh(ctx context.Context, id, email, password string) {
	log := r.logger.With(zap.String("task_id", id), zap.String("email", email))
	bundle, err := r.acq.RefreshAccount(ctx, email, password, acquisition.RefreshOptions{})
	if err != nil {
		if ctx.Err() != nil {
			err = r.contextFailure(ctx, r.deadline(1))
		}
		log.Warn("Refresh failed.", zap.Error(err))
		r.finish(id, nil, err)
		return
	}
	r.persist(ctx, log, *bundle, false)
	r.finish(id, bundle, nil)
}

func (r *Runner) contextFailure(ctx context.Context, limit time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("job timed out after %s", limit)
	}
	return errors.New("job canceled")
}

// persist must succeed even when the job context has just expired.
func (r *Runner) persist(ctx context.Context, log *zap.Logger, bundle schemas.CookieBundle, registered bool) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if _, err := r.store.Upsert(persistCtx, bundle); err != nil {
		log.Error("Failed to store account.", zap.String("email", bundle.Email), zap.Error(err))
	}
	if !registered {
		return
	}
	if _, err := r.ledger.Append(bundle.Email, bundle.Password); err != nil {
		log.Error("Failed to append account to ledger.", zap.String("email", bundle.Email), zap.Error(err))
	}
}

func (r *Runner) finish(id string, result interface{}, err error) {
	now := r.now()
	r.update(id, func(j *schemas.Job) {
		j.CompletedAt = &now
		if result != nil {
			j.Result = result
		}
		if err != nil {
			j.Status = schemas.JobFailed
			j.Error = err.Error()
			return
		}
		j.Status = schemas.JobSuccess
	})
	r.logger.Info("Job finished.", zap.String("task_id", id), zap.Error(err))
}

// update applies fn and fans the new snapshot out to watchers. Watchers of a
// finished job get the final snapshot and then a closed channel.
func (r *Runner) update(id string, fn func(*schemas.Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return
	}
	fn(&e.job)
	snap := snapshot(e.job)
	for _, w := range e.watchers {
		offer(w, snap)
	}
	if e.job.Status.Terminal() {
		for _, w := range e.watchers {
			close(w)
		}
		e.watchers = nil
	}
}

// offer keeps only the latest snapshot in a watcher's buffer.
func offer(w chan schemas.Job, snap schemas.Job) {
	select {
	case w <- snap:
		return
	default:
	}
	select {
	case <-w:
	default:
	}
	w <- snap
}

func snapshot(j schemas.Job) schemas.Job {
	if j.Progress != nil {
		p := *j.Progress
		j.Progress = &p
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}

// evictLocked drops the oldest finished jobs while the registry is over
// capacity. Running jobs are never dropped.
func (r *Runner) evictLocked() {
	if len(r.order) <= r.maxJobs {
		return
	}
	excess := len(r.order) - r.maxJobs
	kept := r.order[:0]
	for _, id := range r.order {
		if excess > 0 && r.jobs[id].job.Status.Terminal() {
			delete(r.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// Get returns a snapshot of one job.
func (r *Runner) Get(id string) (schemas.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return schemas.Job{}, false
	}
	return snapshot(e.job), true
}

// List returns up to limit jobs, newest first.
func (r *Runner) List(limit int) []schemas.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.order) {
		limit = len(r.order)
	}
	out := make([]schemas.Job, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, snapshot(r.jobs[r.order[i]].job))
	}
	return out
}

// Watch streams snapshots of a job until it finishes or stop is called. The
// current snapshot is delivered first.
func (r *Runner) Watch(id string) (updates <-chan schemas.Job, stop func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.jobs[id]
	if !found {
		return nil, func() {}, false
	}
	ch := make(chan schemas.Job, 1)
	ch <- snapshot(e.job)
	if e.job.Status.Terminal() {
		close(ch)
		return ch, func() {}, true
	}
	e.watchers = append(e.watchers, ch)

	var once sync.Once
	stop = func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, w := range e.watchers {
				if w == ch {
					e.watchers = append(e.watchers[:i], e.watchers[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, stop, true
}

// Active counts jobs that have not finished.
func (r *Runner) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.jobs {
		if !e.job.Status.Terminal() {
			n++
		}
	}
	return n
}

// Shutdown stops accepting jobs, cancels running ones and waits for them,
// bounded by ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("All jobs stopped.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for jobs: %w", ctx.Err())
	}
}
