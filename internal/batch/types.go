// internal/batch/types.go - Batch job types
package batch

import (
	"context"
	"time"

	"github.com/valpere/tile_packer/internal/download"
	"github.com/valpere/tile_packer/internal/output"
	"github.com/valpere/tile_packer/internal/tile"
)

// JobStatus represents the current status of a queued region
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// String returns a string representation of the job status
func (s JobStatus) String() string {
	return string(s)
}

// IsValid checks if the job status is valid
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Job is one region download in the queue
type Job struct {
	ID          string                 `json:"id"`
	Request     download.RegionRequest `json:"request"`
	Status      JobStatus              `json:"status"`
	Path        string                 `json:"path,omitempty"`
	Progress    download.Progress      `json:"progress"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`

	cancelRequested bool
}

// IsComplete returns true if the job has finished (successfully or with error)
func (j *Job) IsComplete() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed || j.Status == JobStatusCanceled
}

// IsRunning returns true if the job is currently being processed
func (j *Job) IsRunning() bool {
	return j.Status == JobStatusRunning
}

// Duration returns how long the job ran, or zero if it never started
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Summary converts the job into a reportable summary
func (j *Job) Summary() output.Summary {
	return output.Summary{
		ID:         j.ID,
		Name:       j.Request.Name,
		Source:     j.Progress.Source,
		Status:     j.Status.String(),
		Path:       j.Path,
		TotalUnits: j.Progress.TotalUnits,
		Completed:  j.Progress.CompletedUnits,
		Failed:     j.Progress.FailedUnits,
		Bytes:      j.Progress.BytesDownloaded,
		Duration:   j.Duration(),
		Error:      j.Error,
	}
}

// Downloader runs region downloads one at a time. *download.Coordinator
// implements it.
type Downloader interface {
	DownloadRegion(ctx context.Context, req download.RegionRequest, src tile.Source) (string, error)
	Progress() download.Progress
	Cancel()
	Reset() error
}

var _ Downloader = (*download.Coordinator)(nil)
