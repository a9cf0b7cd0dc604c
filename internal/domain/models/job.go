package models

import (
	"time"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusWaiting  JobStatus = "WAITING"
	JobStatusRunning  JobStatus = "RUNNING"
	JobStatusFinished JobStatus = "FINISHED"
	JobStatusErrored  JobStatus = "ERROR"
)

// ExportJob is a queued request to export a study's (or project's) data.
// The engine only creates the row; picking it up and delivering the export
// is the job-executor collaborator's responsibility.
type ExportJob struct {
	ID        string    `json:"id" db:"id"`
	JobType   string    `json:"job_type" db:"job_type"` // always "EXPORT"
	StudyID   string    `json:"study_id" db:"study_id"`
	ProjectID *string   `json:"project_id,omitempty" db:"project_id"`
	Requester string    `json:"requester" db:"requester"`
	Status    JobStatus `json:"status" db:"status"`
	Error     *string   `json:"error,omitempty" db:"error"`
	Cancelled bool      `json:"cancelled" db:"cancelled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
