// Package scheduler bounds how many folder pairs and per-folder copy
// workers run concurrently (spec.md §4.7), replacing
// offlineimap/threadutil.py's BoundedSemaphore-per-namespace
// (InstanceLimitedThread) with context-scoped weighted semaphores and an
// errgroup.
package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/heliotrope/mailsync/internal/syncerr"
)

// FolderJob is one (account, folder) pair of work the scheduler runs under
// its concurrency limits.
type FolderJob struct {
	Account         string
	Folder          string
	SuggestsThreads bool
	Run             func(ctx context.Context) error
}

// RetryPolicy governs how a FolderJob's Run is retried after a
// FolderRetry-severity error, per spec.md §5.
type RetryPolicy struct {
	// MaxAttempts is the total number of times Run may be invoked (1 means
	// no retry). Default 3 (initial attempt + 2 retries), matching the
	// teacher stack's retrycount default of 2.
	MaxAttempts int
	// OnRetry is called with the failed attempt's error before a retry,
	// e.g. to force-release a suspect pooled connection.
	OnRetry func(attempt int, err error)
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// Scheduler runs a set of FolderJobs under two concurrency limits: one
// across folders within an account (maxConnections), and a finer one
// across per-message copy workers inside a single IMAP folder sync
// (maxFolderWorkers), mirroring spec.md §4.7's two-tier semaphore model.
type Scheduler struct {
	folderSem *semaphore.Weighted
	workerSem *semaphore.Weighted
	retry     RetryPolicy

	// abort, once set, keeps the scheduler from starting any further job or
	// retry attempt; a job already running is not interrupted. A single
	// atomic flag, never a mutex, per spec.md §9.
	abort atomic.Bool
}

// New builds a Scheduler. maxConnections bounds concurrent folder syncs per
// account; maxFolderWorkers bounds concurrent per-message copy workers
// within a folder that SuggestsThreads().
func New(maxConnections, maxFolderWorkers int64, retry RetryPolicy) *Scheduler {
	if maxConnections < 1 {
		maxConnections = 1
	}
	if maxFolderWorkers < 1 {
		maxFolderWorkers = 1
	}
	return &Scheduler{
		folderSem: semaphore.NewWeighted(maxConnections),
		workerSem: semaphore.NewWeighted(maxFolderWorkers),
		retry:     retry,
	}
}

// Abort stops every job and retry attempt that has not started yet; a job
// already running continues until it returns. Safe to call from a signal
// handler.
func (s *Scheduler) Abort() { s.abort.Store(true) }

// Aborted reports whether Abort has been called.
func (s *Scheduler) Aborted() bool { return s.abort.Load() }

// FolderWorkerSlot acquires one per-message worker slot for folders that
// SuggestsThreads(); callers must call the returned release func (typically
// via defer) once their unit of work completes. For folders that don't
// suggest threads, acquiring is a no-op that always succeeds immediately.
func (s *Scheduler) FolderWorkerSlot(ctx context.Context, suggestsThreads bool) (release func(), err error) {
	if !suggestsThreads {
		return func() {}, nil
	}
	if err := s.workerSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.workerSem.Release(1) }, nil
}

// Run executes every job, bounding concurrency with the folder semaphore
// and propagating the first hard (non-retriable, or retries-exhausted)
// error while letting already-started siblings finish their current
// checkpoint — an errgroup.WithContext cancels the shared context as soon
// as one job fails, so siblings observe ctx.Err() at their next check.
func (s *Scheduler) Run(ctx context.Context, jobs []FolderJob) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if s.Aborted() {
				return nil
			}
			if err := s.folderSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.folderSem.Release(1)

			return s.runWithRetry(gctx, job)
		})
	}

	return g.Wait()
}

func (s *Scheduler) runWithRetry(ctx context.Context, job FolderJob) error {
	var lastErr error
	for attempt := 1; attempt <= s.retry.maxAttempts(); attempt++ {
		if s.Aborted() || ctx.Err() != nil {
			return ctx.Err()
		}

		err := job.Run(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !syncerr.Retriable(err) {
			return err
		}
		if attempt < s.retry.maxAttempts() && s.retry.OnRetry != nil {
			s.retry.OnRetry(attempt, err)
		}
	}
	return syncerr.Wrap(syncerr.Folder, lastErr, "retries exhausted")
}
