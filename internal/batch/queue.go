// internal/batch/queue.go - Sequential region queue
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/download"
	"github.com/valpere/tile_packer/internal/tile"
)

// Queue feeds regions to a single Downloader in submission order
type Queue struct {
	downloader Downloader
	source     tile.Source
	logger     *zap.Logger
	now        func() time.Time

	failFast bool

	mutex   sync.RWMutex
	jobs    map[string]*Job
	order   []string
	running bool
}

// NewQueue creates an empty queue fetching every region from src
func NewQueue(downloader Downloader, src tile.Source, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		downloader: downloader,
		source:     src,
		logger:     logger,
		now:        time.Now,
		jobs:       make(map[string]*Job),
	}
}

// WithFailFast makes Run cancel the remaining jobs after the first failure
func (q *Queue) WithFailFast(failFast bool) *Queue {
	q.failFast = failFast
	return q
}

// SetSource replaces the source used for jobs started after the call
func (q *Queue) SetSource(src tile.Source) {
	q.mutex.Lock()
	q.source = src
	q.mutex.Unlock()
}

// Submit validates and enqueues a region
func (q *Queue) Submit(req download.RegionRequest) (Job, error) {
	if err := req.Validate(); err != nil {
		return Job{}, internal.NewError(internal.ErrorCodeValidation,
			fmt.Sprintf("region %q is invalid", req.Name), err)
	}

	job := &Job{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    JobStatusPending,
		CreatedAt: q.now(),
	}

	q.mutex.Lock()
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	q.mutex.Unlock()

	q.logger.Debug("Region queued", zap.String("job_id", job.ID), zap.String("region", req.Name))
	return *job, nil
}

// Get returns a snapshot of a job
func (q *Queue) Get(id string) (Job, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	job, exists := q.jobs[id]
	if !exists {
		return Job{}, internal.NewError(internal.ErrorCodeNotFound, fmt.Sprintf("job %s not found", id), nil)
	}
	return *job, nil
}

// List returns snapshots of all jobs in submission order
func (q *Queue) List() []Job {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	jobs := make([]Job, 0, len(q.order))
	for _, id := range q.order {
		jobs = append(jobs, *q.jobs[id])
	}
	return jobs
}

// Cancel cancels a pending job, or asks the downloader to stop a running one
func (q *Queue) Cancel(id string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	job, exists := q.jobs[id]
	if !exists {
		return internal.NewError(internal.ErrorCodeNotFound, fmt.Sprintf("job %s not found", id), nil)
	}
	if job.IsComplete() {
		return internal.NewError(internal.ErrorCodeValidation, fmt.Sprintf("job %s is already complete", id), nil)
	}

	if job.IsRunning() {
		job.cancelRequested = true
		q.downloader.Cancel()
		return nil
	}

	job.Status = JobStatusCanceled
	now := q.now()
	job.CompletedAt = &now
	return nil
}

// CancelAll cancels every pending job and the running one
func (q *Queue) CancelAll() {
	q.mutex.RLock()
	ids := append([]string(nil), q.order...)
	q.mutex.RUnlock()

	for _, id := range ids {
		_ = q.Cancel(id)
	}
}

// Run processes pending jobs until none remain. It returns the combined
// errors of failed jobs; canceled jobs are not errors. A done context
// cancels the running job and leaves the rest pending.
func (q *Queue) Run(ctx context.Context) error {
	q.mutex.Lock()
	if q.running {
		q.mutex.Unlock()
		return download.ErrDownloadInProgress
	}
	q.running = true
	q.mutex.Unlock()

	defer func() {
		q.mutex.Lock()
		q.running = false
		q.mutex.Unlock()
	}()

	var errs error
	for {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		job := q.next()
		if job == nil {
			return errs
		}
		if err := q.process(ctx, job); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("region %q: %w", job.Request.Name, err))
			if q.failFast {
				q.cancelPending()
			}
		}
	}
}

// Statistics counts jobs by status
func (q *Queue) Statistics() map[JobStatus]int {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	stats := map[JobStatus]int{
		JobStatusPending:   0,
		JobStatusRunning:   0,
		JobStatusCompleted: 0,
		JobStatusFailed:    0,
		JobStatusCanceled:  0,
	}
	for _, job := range q.jobs {
		stats[job.Status]++
	}
	return stats
}

func (q *Queue) cancelPending() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	now := q.now()
	for _, job := range q.jobs {
		if job.Status == JobStatusPending {
			job.Status = JobStatusCanceled
			job.CompletedAt = &now
		}
	}
}

// next marks the oldest pending job running and returns it
func (q *Queue) next() *Job {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status != JobStatusPending {
			continue
		}
		job.Status = JobStatusRunning
		now := q.now()
		job.StartedAt = &now
		return job
	}
	return nil
}

func (q *Queue) cancelRequested(job *Job) bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	return job.cancelRequested
}

// process runs one job to completion and records the outcome
func (q *Queue) process(ctx context.Context, job *Job) error {
	logger := q.logger.With(zap.String("job_id", job.ID), zap.String("region", job.Request.Name))

	var (
		path string
		err  error
	)
	q.mutex.RLock()
	src := q.source
	q.mutex.RUnlock()

	// Reset drops a cancel the downloader saw before it started, so the
	// job's own flag is checked after it
	if err = q.downloader.Reset(); err == nil {
		if q.cancelRequested(job) {
			err = download.ErrCancelled
		} else {
			path, err = q.downloader.DownloadRegion(ctx, job.Request, src)
		}
	}
	progress := q.downloader.Progress()

	q.mutex.Lock()
	defer q.mutex.Unlock()

	now := q.now()
	job.CompletedAt = &now
	job.Progress = progress

	switch {
	case err == nil:
		job.Status = JobStatusCompleted
		job.Path = path
		logger.Info("Region complete", zap.String("path", path))
		return nil
	case errors.Is(err, download.ErrCancelled):
		job.Status = JobStatusCanceled
		logger.Info("Region canceled")
		return nil
	default:
		job.Status = JobStatusFailed
		job.Error = err.Error()
		logger.Error("Region failed", zap.Error(err))
		return err
	}
}
