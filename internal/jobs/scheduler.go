package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/zulandar/geneq/internal/events"
	"github.com/zulandar/geneq/internal/imputation"
	"github.com/zulandar/geneq/internal/logging"
	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/notify"
	"github.com/zulandar/geneq/internal/storage"
)

// Defaults holds the engine-wide thresholds applied when a request leaves
// them out.
type Defaults struct {
	ValidationThreshold     float64
	ImputationThreshold     float64
	ImputationQuality       float64
	HoldoutFraction         float64
	Seed                    int64
	RetentionDays           int
	NotificationTimeoutSecs int
}

// Opts holds the scheduler's collaborators.
type Opts struct {
	DB            *gorm.DB
	Store         *storage.Store
	Registry      *imputation.Registry
	MaxConcurrent int
	Defaults      Defaults
	// BasePath prefixes download URLs in imputation results.
	BasePath string
	Events   events.Publisher
	Notifier *notify.Dispatcher
	Metrics  *Metrics
	Logger   *slog.Logger
	// Lease is how long a job's heartbeat stays fresh. Schedulers sharing
	// the database treat another owner's job as orphaned only once its
	// lease has expired. Defaults to two minutes.
	Lease time.Duration
}

// Scheduler accepts jobs, runs them in the background with bounded
// concurrency and records every status change.
type Scheduler struct {
	db       *gorm.DB
	store    *storage.Store
	registry *imputation.Registry
	defaults Defaults
	basePath string
	events   events.Publisher
	notifier *notify.Dispatcher
	metrics  *Metrics
	logger   *slog.Logger
	sem      *semaphore.Weighted
	now      func() time.Time
	owner    string
	lease    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	hbDone chan struct{}

	mu     sync.Mutex
	active map[string]bool
	closed bool
	cron   *cron.Cron
}

// New creates a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("jobs: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("jobs: store is required")
	}
	if opts.Registry == nil {
		opts.Registry = imputation.NewRegistry(imputation.RegistryOpts{Logger: opts.Logger})
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	d := &opts.Defaults
	if d.ValidationThreshold == 0 {
		d.ValidationThreshold = 50
	}
	if d.ImputationThreshold == 0 {
		d.ImputationThreshold = 30
	}
	if d.ImputationQuality == 0 {
		d.ImputationQuality = 85
	}
	if d.HoldoutFraction == 0 {
		d.HoldoutFraction = 0.05
	}
	if d.Seed == 0 {
		d.Seed = 42
	}
	if d.NotificationTimeoutSecs == 0 {
		d.NotificationTimeoutSecs = 10
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		db:       opts.DB,
		store:    opts.Store,
		registry: opts.Registry,
		defaults: opts.Defaults,
		basePath: opts.BasePath,
		events:   opts.Events,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   logging.OrDiscard(opts.Logger),
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		now:      time.Now,
		owner:    uuid.NewString(),
		lease:    opts.Lease,
		ctx:      ctx,
		cancel:   cancel,
		hbDone:   make(chan struct{}),
		active:   make(map[string]bool),
	}
	go s.heartbeatLoop()
	return s, nil
}

// Registry returns the strategy registry jobs are run with.
func (s *Scheduler) Registry() *imputation.Registry { return s.registry }

// completion is what a successful run hands back for the completing UPDATE.
type completion struct {
	result  []byte
	summary string
	fields  map[string]interface{}
}

// jobSpec identifies a submitted job for execution.
type jobSpec struct {
	kind      string // events.KindValidation or events.KindImputation
	id        string
	projectID uint
	method    string
	model     interface{}
	run       func(ctx context.Context) (*completion, error)
}

// track registers id as owned by this process before its row is written,
// so the orphan sweep never fails a job that is about to start.
func (s *Scheduler) track(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	s.active[id] = true
	s.wg.Add(1)
	return nil
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Scheduler) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

// execute waits for a slot, runs the job and records its terminal status.
func (s *Scheduler) execute(spec jobSpec) {
	defer s.untrack(spec.id)
	logger := s.logger.With("job_id", spec.id, "kind", spec.kind, "project_id", spec.projectID)
	queued := s.now()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.fail(spec, InterruptedMessage, false, 0, logger)
		return
	}
	defer s.sem.Release(1)

	started := s.now()
	if err := s.start(spec, started); err != nil {
		logger.Warn("job not started", "error", err)
		return
	}
	s.metrics.jobStarted(spec.kind)
	logger.Info("job started", "queued_for", started.Sub(queued).Round(time.Millisecond))

	done, err := s.safeRun(spec)
	elapsed := s.now().Sub(started)
	if err != nil {
		msg := err.Error()
		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			msg = InterruptedMessage
		}
		s.fail(spec, msg, true, elapsed, logger)
		return
	}

	fields := map[string]interface{}{"result": string(done.result), "completed_at": s.now()}
	for k, v := range done.fields {
		fields[k] = v
	}
	if err := transition(s.db, spec.model, spec.id, models.JobCompleted, fields); err != nil {
		logger.Warn("job finished but could not be completed", "error", err)
		s.metrics.jobFinished(spec.kind, models.JobFailed, true, elapsed)
		if errors.Is(err, ErrJobNotFound) && spec.kind == events.KindImputation {
			s.store.RemoveOutputs(spec.id)
		}
		return
	}
	s.metrics.jobFinished(spec.kind, models.JobCompleted, true, elapsed)
	s.publish(spec, models.JobCompleted, 100, "")
	s.notify(spec, models.JobCompleted, done.summary, "", elapsed)
	logger.Info("job completed", "elapsed", elapsed.Round(time.Millisecond), "summary", done.summary)
}

// safeRun runs the job body, turning a panic into an error.
func (s *Scheduler) safeRun(spec jobSpec) (done *completion, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job_id", spec.id, "panic", r, "stack", string(debug.Stack()))
			done, err = nil, fmt.Errorf("jobs: internal error: %v", r)
		}
	}()
	return spec.run(s.ctx)
}

// start moves a pending job to processing.
func (s *Scheduler) start(spec jobSpec, at time.Time) error {
	if err := transition(s.db, spec.model, spec.id, models.JobProcessing, map[string]interface{}{"started_at": at}); err != nil {
		return err
	}
	s.publish(spec, models.JobProcessing, 0, "")
	return nil
}

// fail records msg as the job's error. A job that never started passes
// through processing first.
func (s *Scheduler) fail(spec jobSpec, msg string, started bool, elapsed time.Duration, logger *slog.Logger) {
	if !started {
		if err := s.start(spec, s.now()); err != nil {
			logger.Warn("job could not be marked failed", "error", err, "reason", msg)
			return
		}
	}
	err := transition(s.db, spec.model, spec.id, models.JobFailed, map[string]interface{}{"error": msg, "completed_at": s.now()})
	if err != nil {
		logger.Warn("job could not be marked failed", "error", err, "reason", msg)
		return
	}
	s.metrics.jobFinished(spec.kind, models.JobFailed, started, elapsed)
	s.publish(spec, models.JobFailed, 0, msg)
	s.notify(spec, models.JobFailed, "", msg, elapsed)
	logger.Warn("job failed", "error", msg)
}

func (s *Scheduler) publish(spec jobSpec, status string, progress int, errMsg string) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e := events.Event{
		JobID:     spec.id,
		Kind:      spec.kind,
		ProjectID: spec.projectID,
		Status:    status,
		Progress:  progress,
		Error:     errMsg,
		At:        s.now().UTC(),
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn("job event not published", "job_id", spec.id, "error", err)
	}
}

func (s *Scheduler) notify(spec jobSpec, status, summary, errMsg string, elapsed time.Duration) {
	if !s.notifier.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.defaults.NotificationTimeoutSecs)*time.Second)
	defer cancel()
	s.notifier.JobFinished(ctx, notify.Outcome{
		JobID:     spec.id,
		Kind:      spec.kind,
		ProjectID: spec.projectID,
		Method:    spec.method,
		Status:    status,
		Summary:   summary,
		Error:     errMsg,
		Duration:  elapsed,
	})
}

// Shutdown stops accepting jobs, cancels running ones and waits for them
// to record their final status or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	c := s.cron
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.hbDone
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs: shutdown: %w", ctx.Err())
	}
}

// Wait blocks until every submitted job has finished. Used by the CLI to
// run a single job to completion.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
