package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/zulandar/geneq/internal/events"
	"github.com/zulandar/geneq/internal/modality"
	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/project"
	"github.com/zulandar/geneq/internal/report"
	"github.com/zulandar/geneq/internal/validation"
)

// SubmitValidation snapshots the project's current files and rules and
// queues a validation job. It returns as soon as the job is recorded.
func (s *Scheduler) SubmitValidation(projectID uint) (*models.ValidationJob, error) {
	if _, err := project.Get(s.db, projectID); err != nil {
		return nil, err
	}
	rules, err := project.GetRules(s.db, projectID)
	if err != nil {
		return nil, err
	}
	files, err := project.CurrentFiles(s.db, projectID)
	if err != nil {
		return nil, err
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode rules: %w", err)
	}

	now := s.now()
	job := &models.ValidationJob{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Status:      models.JobPending,
		FileIDs:     fileIDs(files),
		Rules:       string(rulesJSON),
		Owner:       s.owner,
		HeartbeatAt: &now,
	}
	if err := s.track(job.ID); err != nil {
		return nil, err
	}
	if err := s.db.Create(job).Error; err != nil {
		s.untrack(job.ID)
		return nil, fmt.Errorf("jobs: create validation job: %w", err)
	}

	spec := jobSpec{
		kind:      events.KindValidation,
		id:        job.ID,
		projectID: projectID,
		model:     &models.ValidationJob{},
	}
	spec.run = func(ctx context.Context) (*completion, error) {
		return s.runValidation(ctx, job)
	}
	s.metrics.jobSubmitted(spec.kind)
	s.publish(spec, models.JobPending, 0, "")
	s.logger.Info("validation job submitted", "job_id", job.ID, "project_id", projectID, "files", len(job.FileIDs))
	go s.execute(spec)
	return job, nil
}

func (s *Scheduler) runValidation(ctx context.Context, job *models.ValidationJob) (done *completion, err error) {
	logger := s.logger.With("job_id", job.ID, "project_id", job.ProjectID)

	p, err := project.Get(s.db, job.ProjectID)
	if err != nil {
		return nil, err
	}
	s.setValidationStatus(job.ProjectID, models.ValidationProcessing)
	defer func() {
		if err != nil {
			s.setValidationStatus(job.ProjectID, p.ValidationStatus)
		}
	}()

	var rules validation.Rules
	if err := json.Unmarshal([]byte(job.Rules), &rules); err != nil {
		return nil, fmt.Errorf("jobs: decode rules: %w", err)
	}
	files, err := project.FilesByID(s.db, job.FileIDs)
	if err != nil {
		return nil, err
	}
	if len(files) < len(job.FileIDs) {
		logger.Warn("pinned files were deleted before validation ran", "pinned", len(job.FileIDs), "found", len(files))
	}

	inputs := make([]validation.FileInput, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in := validation.FileInput{
			Filename:  f.Filename,
			Modality:  modality.Modality(f.Modality),
			Ambiguous: f.ModalityAmbiguous,
		}
		in.Matrix, in.Err = s.store.LoadMatrix(f.MatrixPath)
		inputs = append(inputs, in)
	}

	res := validation.Evaluate(inputs, rules, s.defaults.ValidationThreshold, logger)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.recordScores(job.ProjectID, res); err != nil {
		return nil, err
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode validation result: %w", err)
	}
	return &completion{result: data, summary: report.ValidationSummary(res)}, nil
}

// scoreColumns maps modalities to their project completeness column.
var scoreColumns = map[modality.Modality]string{
	modality.DNA:     "dna_score",
	modality.RNA:     "rna_score",
	modality.Protein: "protein_score",
	modality.Methyl:  "methyl_score",
}

// recordScores writes per-modality completeness, the overall quality score
// and the resulting validation status onto the project.
func (s *Scheduler) recordScores(projectID uint, res validation.Result) error {
	byModality := res.CompletenessByModality()
	updates := map[string]interface{}{"validation_status": projectStatusFor(res)}
	for m, col := range scoreColumns {
		if v, ok := byModality[m]; ok {
			updates[col] = v
		}
	}
	if len(byModality) > 0 {
		updates["quality_score"] = validation.QualityScore(byModality)
	}
	if err := s.db.Model(&models.Project{}).Where("id = ?", projectID).Updates(updates).Error; err != nil {
		return fmt.Errorf("jobs: record scores of project %d: %w", projectID, err)
	}
	return nil
}

// projectStatusFor maps a finished validation onto the project: validated
// only when every file passed, otherwise the project stays in processing
// until its data is fixed and validated again.
func projectStatusFor(res validation.Result) string {
	if res.AllPassed {
		return models.ValidationValidated
	}
	return models.ValidationProcessing
}

func (s *Scheduler) setValidationStatus(projectID uint, status string) {
	err := s.db.Model(&models.Project{}).Where("id = ?", projectID).Update("validation_status", status).Error
	if err != nil {
		s.logger.Warn("project status not updated", "project_id", projectID, "status", status, "error", err)
	}
}

func fileIDs(files []models.DataFile) []uint {
	ids := make([]uint, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	return ids
}
