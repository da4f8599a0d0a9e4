package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/geneq/internal/project"
	"github.com/zulandar/geneq/internal/report"
	"github.com/zulandar/geneq/internal/validation"
)

// ValidationJob returns the polled view of validation job id.
func (s *Scheduler) ValidationJob(id string) (ValidationStatus, error) {
	job, err := GetValidation(s.db, id)
	if err != nil {
		return ValidationStatus{}, err
	}
	return ValidationStatusOf(job), nil
}

// ImputationJob returns the polled view of imputation job id.
func (s *Scheduler) ImputationJob(id string) (ImputationStatus, error) {
	job, err := GetImputation(s.db, id)
	if err != nil {
		return ImputationStatus{}, err
	}
	return ImputationStatusOf(job), nil
}

// LatestReport renders the plain-text report of the project's most recent
// completed validation and returns it with its download filename.
func (s *Scheduler) LatestReport(projectID uint) (filename, text string, err error) {
	if _, err := project.Get(s.db, projectID); err != nil {
		return "", "", err
	}
	job, err := LatestCompletedValidation(s.db, projectID)
	if err != nil {
		return "", "", err
	}
	var res validation.Result
	if job.Result != nil {
		if err := json.Unmarshal([]byte(*job.Result), &res); err != nil {
			return "", "", fmt.Errorf("jobs: decode result of %s: %w", job.ID, err)
		}
	}
	completed := job.CreatedAt
	if job.CompletedAt != nil {
		completed = *job.CompletedAt
	}
	return report.ValidationFilename(projectID), report.ValidationText(projectID, completed, res), nil
}
