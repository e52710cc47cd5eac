// Package queue is a durable job queue stored in SQLite and drained by a
// pool of workers.
//
// A job is marked done only after its handler returns nil. Failed jobs are
// retried with exponential backoff until MaxAttempts is reached, then moved to
// the dead-letter state. Jobs left running by a crashed process are returned
// to pending on Start; a running job whose status write was lost is claimed
// again once its lease runs out.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Job is one unit of work: link Name of the given Kind to BookID.
type Job struct {
	ID        int64
	Kind      string
	Name      string
	BookID    string
	Attempts  int
	Status    Status
	LastError string
	CreatedAt time.Time
}

// Handler processes a job. Returning an error schedules a retry unless the
// error is wrapped with Permanent.
type Handler func(ctx context.Context, job Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Options tune the worker pool. Zero values take the defaults below.
type Options struct {
	Workers      int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	JobTimeout   time.Duration
	// Lease is how long a running job may go without a status write before
	// another worker claims it. Defaults to twice JobTimeout.
	Lease  time.Duration
	Logger *zap.Logger
	// OnEvent, when set, receives every lifecycle event synchronously.
	OnEvent func(Event)
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	if o.Lease <= o.JobTimeout {
		o.Lease = 2 * o.JobTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Queue is safe for concurrent use.
type Queue struct {
	db      *sql.DB
	handler Handler
	opts    Options
	logger  *zap.Logger
	metrics *metrics
	notify  chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

var errNoJob = errors.New("no job due")

// New creates the jobs table if needed. Workers start with Start.
func New(db *sql.DB, handler Handler, opts Options) (*Queue, error) {
	opts.setDefaults()
	if err := migrate(db); err != nil {
		return nil, err
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("queue metrics: %w", err)
	}
	return &Queue{
		db:      db,
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.Named("queue"),
		metrics: m,
		notify:  make(chan struct{}, 1),
	}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS resolution_jobs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            kind TEXT NOT NULL,
            name TEXT NOT NULL,
            book_id TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            attempts INTEGER NOT NULL DEFAULT 0,
            run_at INTEGER NOT NULL,
            last_error TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS resolution_jobs_due ON resolution_jobs(status, run_at, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate queue: %w", err)
		}
	}
	return nil
}

// Spec describes a job to enqueue.
type Spec struct {
	Kind   string
	Name   string
	BookID string
}

// Enqueue persists a job and wakes an idle worker. It does not wait for
// processing.
func (q *Queue) Enqueue(ctx context.Context, kind, name, bookID string) (int64, error) {
	ids, err := q.EnqueueAll(ctx, []Spec{{Kind: kind, Name: name, BookID: bookID}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// EnqueueAll persists every job in one transaction: either all of them are
// queued or none is.
func (q *Queue) EnqueueAll(ctx context.Context, specs []Spec) ([]int64, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO resolution_jobs(kind,name,book_id,status,run_at,created_at,updated_at) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	ids := make([]int64, 0, len(specs))
	for _, sp := range specs {
		res, err := stmt.ExecContext(ctx, sp.Kind, sp.Name, sp.BookID, StatusPending, now, now, now)
		if err != nil {
			return nil, fmt.Errorf("enqueue %s %q: %w", sp.Kind, sp.Name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	for _, sp := range specs {
		q.metrics.enqueued(ctx, sp.Kind)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return ids, nil
}

// Start recovers interrupted jobs and launches the workers. They run until
// ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return errors.New("queue already started")
	}

	res, err := q.db.ExecContext(ctx, `UPDATE resolution_jobs SET status=?, updated_at=? WHERE status=?`,
		StatusPending, time.Now().UnixNano(), StatusRunning)
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Info("recovered interrupted jobs", zap.Int64("count", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.opts.Workers; i++ {
		q.workers.Add(1)
		go q.work(ctx, i)
	}
	q.logger.Info("workers started", zap.Int("workers", q.opts.Workers))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to settle.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	q.workers.Wait()
}

func (q *Queue) work(ctx context.Context, worker int) {
	defer q.workers.Done()
	log := q.logger.With(zap.Int("worker", worker))

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.claim(ctx)
		switch {
		case err == nil:
			q.process(ctx, job)
			continue
		case ctx.Err() != nil:
			return
		case !errors.Is(err, errNoJob):
			log.Warn("claim job", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// claim atomically moves the oldest due pending job, or a running job whose
// lease ran out, to running.
func (q *Queue) claim(ctx context.Context) (Job, error) {
	now := time.Now()
	var (
		job     Job
		created int64
	)
	err := q.db.QueryRowContext(ctx, `UPDATE resolution_jobs
        SET status=?, attempts=attempts+1, updated_at=?
        WHERE id = (SELECT id FROM resolution_jobs
            WHERE (status=? AND run_at<=?) OR (status=? AND updated_at<=?)
            ORDER BY run_at, id LIMIT 1)
        RETURNING id, kind, name, book_id, attempts, created_at`,
		StatusRunning, now.UnixNano(), StatusPending, now.UnixNano(), StatusRunning, now.Add(-q.opts.Lease).UnixNano()).
		Scan(&job.ID, &job.Kind, &job.Name, &job.BookID, &job.Attempts, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, errNoJob
	}
	if err != nil {
		return Job{}, err
	}
	job.Status = StatusRunning
	job.CreatedAt = time.Unix(0, created).UTC()
	return job, nil
}

func (q *Queue) process(ctx context.Context, job Job) {
	q.emit(ctx, Event{Type: EventStarted, Job: job})

	err := q.run(ctx, job)
	// Status writes must land even while shutting down.
	wctx := context.WithoutCancel(ctx)

	if err == nil {
		job.Status = StatusDone
		if uerr := q.finish(wctx, job.ID, StatusDone, 0, ""); uerr != nil {
			q.logger.Error("mark job done", zap.Int64("job", job.ID), zap.Error(uerr))
			return
		}
		q.emit(ctx, Event{Type: EventCompleted, Job: job})
		return
	}

	job.LastError = err.Error()

	if ctx.Err() != nil {
		// Interrupted by shutdown: give the attempt back.
		if _, uerr := q.db.ExecContext(wctx,
			`UPDATE resolution_jobs SET status=?, attempts=attempts-1, updated_at=? WHERE id=?`,
			StatusPending, time.Now().UnixNano(), job.ID); uerr != nil {
			q.logger.Error("requeue interrupted job", zap.Int64("job", job.ID), zap.Error(uerr))
		}
		return
	}

	var perm *permanentError
	if errors.As(err, &perm) || job.Attempts >= q.opts.MaxAttempts {
		job.Status = StatusDead
		if uerr := q.finish(wctx, job.ID, StatusDead, 0, job.LastError); uerr != nil {
			q.logger.Error("dead-letter job", zap.Int64("job", job.ID), zap.Error(uerr))
			return
		}
		q.emit(ctx, Event{Type: EventDead, Job: job, Err: err})
		return
	}

	delay := q.backoff(job.Attempts)
	job.Status = StatusPending
	if uerr := q.finish(wctx, job.ID, StatusPending, delay, job.LastError); uerr != nil {
		q.logger.Error("schedule retry", zap.Int64("job", job.ID), zap.Error(uerr))
		return
	}
	q.emit(ctx, Event{Type: EventRetrying, Job: job, Err: err, Delay: delay})
}

// run invokes the handler under the job timeout and turns a panic into an error.
func (q *Queue) run(ctx context.Context, job Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, job)
}

// finishAttempts bounds the status write retries in finish. A job whose write
// still fails is reclaimed after its lease.
const finishAttempts = 3

func (q *Queue) finish(ctx context.Context, id int64, status Status, delay time.Duration, lastError string) error {
	var err error
	for attempt := 1; attempt <= finishAttempts; attempt++ {
		now := time.Now()
		_, err = q.db.ExecContext(ctx,
			`UPDATE resolution_jobs SET status=?, run_at=?, last_error=?, updated_at=? WHERE id=?`,
			status, now.Add(delay).UnixNano(), lastError, now.UnixNano(), id)
		if err == nil {
			return nil
		}
		if attempt < finishAttempts {
			q.logger.Warn("job status write failed, retrying",
				zap.Int64("job", id), zap.String("status", string(status)), zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}
	return err
}

// backoff is BaseBackoff doubled per failed attempt, capped at MaxBackoff.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return d
}

// WaitIdle blocks until no job is pending or running, including jobs waiting
// out a backoff delay.
func (q *Queue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		var open int
		err := q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM resolution_jobs WHERE status IN (?, ?)`, StatusPending, StatusRunning).Scan(&open)
		if err != nil {
			return err
		}
		if open == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM resolution_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[Status]int{}
	for rows.Next() {
		var (
			s Status
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		stats[s] = n
	}
	return stats, rows.Err()
}

// DeadLetters lists dead-lettered jobs, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, kind, name, book_id, attempts, last_error, created_at FROM resolution_jobs WHERE status=? ORDER BY id`,
		StatusDead)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j := Job{Status: StatusDead}
		var created int64
		if err := rows.Scan(&j.ID, &j.Kind, &j.Name, &j.BookID, &j.Attempts, &j.LastError, &created); err != nil {
			return nil, err
		}
		j.CreatedAt = time.Unix(0, created).UTC()
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
