// Package jobs runs validation and imputation jobs asynchronously and keeps
// their status in the database.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/geneq/internal/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotCompleted      = errors.New("job not completed")
	ErrOutputNotFound    = errors.New("output not found")
	ErrShuttingDown      = errors.New("scheduler is shutting down")
)

// InterruptedMessage is the error recorded on jobs stopped by shutdown or
// left unfinished by a previous process.
const InterruptedMessage = "interrupted"

// ValidTransitions maps each status to its valid next statuses. A pending
// job interrupted while waiting moves to processing before it fails.
var ValidTransitions = map[string][]string{
	models.JobPending:    {models.JobProcessing},
	models.JobProcessing: {models.JobCompleted, models.JobFailed},
}

// isValidTransition checks whether a status transition is allowed.
func isValidTransition(from, to string) bool {
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// sourcesOf lists the statuses that may move to to.
func sourcesOf(to string) []string {
	var out []string
	for _, from := range []string{models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed} {
		if isValidTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// transition moves job id of the given model to status to with a single
// conditional UPDATE, writing fields in the same statement. A job whose
// current status cannot move to to is left untouched.
func transition(db *gorm.DB, model interface{}, id, to string, fields map[string]interface{}) error {
	from := sourcesOf(to)
	if len(from) == 0 {
		return fmt.Errorf("jobs: %w: nothing moves to %q", ErrInvalidTransition, to)
	}
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := db.Model(model).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("jobs: update %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := db.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("jobs: update %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("jobs: %w: %s", ErrJobNotFound, id)
	}
	return fmt.Errorf("jobs: %w: %s cannot move to %s", ErrInvalidTransition, id, to)
}

// GetValidation retrieves a validation job by ID.
func GetValidation(db *gorm.DB, id string) (*models.ValidationJob, error) {
	var job models.ValidationJob
	if err := db.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("jobs: %w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("jobs: get validation %s: %w", id, err)
	}
	return &job, nil
}

// GetImputation retrieves an imputation job by ID.
func GetImputation(db *gorm.DB, id string) (*models.ImputationJob, error) {
	var job models.ImputationJob
	if err := db.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("jobs: %w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("jobs: get imputation %s: %w", id, err)
	}
	return &job, nil
}

// LatestCompletedValidation returns the project's most recently completed
// validation job.
func LatestCompletedValidation(db *gorm.DB, projectID uint) (*models.ValidationJob, error) {
	var job models.ValidationJob
	err := db.Where("project_id = ? AND status = ?", projectID, models.JobCompleted).
		Order("completed_at DESC").Order("created_at DESC").First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("jobs: %w: no completed validation for project %d", ErrJobNotFound, projectID)
		}
		return nil, fmt.Errorf("jobs: latest validation of %d: %w", projectID, err)
	}
	return &job, nil
}

// ValidationStatus is the polled view of a validation job.
type ValidationStatus struct {
	JobID       string          `json:"job_id"`
	ProjectID   uint            `json:"project_id"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Rules       json.RawMessage `json:"rules,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ValidationStatusOf builds the polled view of job.
func ValidationStatusOf(job *models.ValidationJob) ValidationStatus {
	v := ValidationStatus{
		JobID:       job.ID,
		ProjectID:   job.ProjectID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Rules != "" {
		v.Rules = json.RawMessage(job.Rules)
	}
	if job.Result != nil {
		v.Results = json.RawMessage(*job.Result)
	}
	if job.Error != nil {
		v.Error = *job.Error
	}
	return v
}

// ImputationStatus is the polled view of an imputation job.
type ImputationStatus struct {
	JobID            string          `json:"job_id"`
	ProjectID        uint            `json:"project_id"`
	Kind             string          `json:"kind"`
	Method           string          `json:"method"`
	Threshold        float64         `json:"threshold"`
	QualityThreshold float64         `json:"quality_threshold"`
	Status           string          `json:"status"`
	Progress         int             `json:"progress"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Results          json.RawMessage `json:"results,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// ImputationStatusOf builds the polled view of job.
func ImputationStatusOf(job *models.ImputationJob) ImputationStatus {
	v := ImputationStatus{
		JobID:            job.ID,
		ProjectID:        job.ProjectID,
		Kind:             job.Kind,
		Method:           job.Method,
		Threshold:        job.Threshold,
		QualityThreshold: job.QualityThreshold,
		Status:           job.Status,
		Progress:         job.Progress,
		CreatedAt:        job.CreatedAt,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
	}
	if job.Result != nil {
		v.Results = json.RawMessage(*job.Result)
	}
	if job.Error != nil {
		v.Error = *job.Error
	}
	return v
}
