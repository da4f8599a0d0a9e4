package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/zulandar/geneq/internal/events"
	"github.com/zulandar/geneq/internal/imputation"
	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/modality"
	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/project"
	"github.com/zulandar/geneq/internal/report"
)

// ImputationRequest is a client's imputation submission. Nil thresholds
// take the engine defaults.
type ImputationRequest struct {
	ProjectID        uint
	Method           string
	Threshold        *float64
	QualityThreshold *float64
	Options          map[string]any
	// MultiOmics requests the cross-modality job; Method defaults to mochi.
	MultiOmics bool
}

// Option keys consumed as toggles; every other key is a strategy parameter.
const (
	OptCrossValidation   = "cross_validation"
	OptOutlierHandling   = "outlier_handling"
	OptTimeSeriesPattern = "time_series_pattern"
)

// ParseOptions splits raw client options into toggles and strategy params.
func ParseOptions(raw map[string]any) (imputation.Options, error) {
	opts := imputation.Options{Params: make(map[string]any)}
	for k, v := range raw {
		var dst *bool
		switch k {
		case OptCrossValidation:
			dst = &opts.CrossValidation
		case OptOutlierHandling:
			dst = &opts.OutlierHandling
		case OptTimeSeriesPattern:
			dst = &opts.TimeSeriesPattern
		default:
			opts.Params[k] = v
			continue
		}
		b, err := cast.ToBoolE(v)
		if err != nil {
			return imputation.Options{}, fmt.Errorf("jobs: %w: option %s: %v", project.ErrInvalidInput, k, err)
		}
		*dst = b
	}
	return opts, nil
}

func checkPercent(name string, v float64) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("jobs: %w: %s %.2f must be in [0, 100]", project.ErrInvalidInput, name, v)
	}
	return nil
}

// SubmitImputation validates the request, pins the project's current
// imputable files and queues the job.
func (s *Scheduler) SubmitImputation(req ImputationRequest) (*models.ImputationJob, error) {
	if _, err := project.Get(s.db, req.ProjectID); err != nil {
		return nil, err
	}
	kind := models.KindGeneric
	if req.MultiOmics {
		kind = models.KindMultiOmics
		if req.Method == "" {
			req.Method = "mochi"
		}
	}
	if req.Method == "" {
		return nil, fmt.Errorf("jobs: %w: method is required", project.ErrInvalidInput)
	}
	if _, err := s.registry.Get(req.Method); err != nil {
		return nil, err
	}

	threshold, quality := s.defaults.ImputationThreshold, s.defaults.ImputationQuality
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if req.QualityThreshold != nil {
		quality = *req.QualityThreshold
	}
	if err := checkPercent("threshold", threshold); err != nil {
		return nil, err
	}
	if err := checkPercent("quality_threshold", quality); err != nil {
		return nil, err
	}
	opts, err := ParseOptions(req.Options)
	if err != nil {
		return nil, err
	}
	if err := s.registry.CheckParams(req.Method, opts.Params); err != nil {
		return nil, fmt.Errorf("jobs: %w: %v", project.ErrInvalidInput, err)
	}
	raw := req.Options
	if raw == nil {
		raw = map[string]any{}
	}
	optsJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("jobs: %w: options: %v", project.ErrInvalidInput, err)
	}

	files, err := project.CurrentFiles(s.db, req.ProjectID)
	if err != nil {
		return nil, err
	}
	var pinned []models.DataFile
	for _, f := range files {
		if imputable(modality.Modality(f.Modality)) {
			pinned = append(pinned, f)
		}
	}

	now := s.now()
	job := &models.ImputationJob{
		ID:               uuid.NewString(),
		ProjectID:        req.ProjectID,
		Kind:             kind,
		Method:           req.Method,
		Threshold:        threshold,
		QualityThreshold: quality,
		Options:          string(optsJSON),
		Status:           models.JobPending,
		FileIDs:          fileIDs(pinned),
		Owner:            s.owner,
		HeartbeatAt:      &now,
	}
	if err := s.track(job.ID); err != nil {
		return nil, err
	}
	if err := s.db.Create(job).Error; err != nil {
		s.untrack(job.ID)
		return nil, fmt.Errorf("jobs: create imputation job: %w", err)
	}

	spec := jobSpec{
		kind:      events.KindImputation,
		id:        job.ID,
		projectID: job.ProjectID,
		method:    job.Method,
		model:     &models.ImputationJob{},
	}
	spec.run = func(ctx context.Context) (*completion, error) {
		return s.runImputation(ctx, job, spec)
	}
	s.metrics.jobSubmitted(spec.kind)
	s.publish(spec, models.JobPending, 0, "")
	s.logger.Info("imputation job submitted", "job_id", job.ID, "project_id", job.ProjectID,
		"kind", kind, "method", job.Method, "files", len(job.FileIDs))
	go s.execute(spec)
	return job, nil
}

func imputable(m modality.Modality) bool {
	for _, v := range modality.Imputable {
		if v == m {
			return true
		}
	}
	return false
}

func (s *Scheduler) runImputation(ctx context.Context, job *models.ImputationJob, spec jobSpec) (*completion, error) {
	logger := s.logger.With("job_id", job.ID, "project_id", job.ProjectID, "method", job.Method)

	var raw map[string]any
	if err := json.Unmarshal([]byte(job.Options), &raw); err != nil {
		return nil, fmt.Errorf("jobs: decode options: %w", err)
	}
	opts, err := ParseOptions(raw)
	if err != nil {
		return nil, err
	}
	strategy, err := s.registry.Get(job.Method)
	if err != nil {
		return nil, err
	}

	files, err := project.FilesByID(s.db, job.FileIDs)
	if err != nil {
		return nil, err
	}
	mats := make(map[modality.Modality]*matrix.Matrix)
	for _, f := range files {
		mod := modality.Modality(f.Modality)
		if _, dup := mats[mod]; dup {
			logger.Warn("several current files share a modality; using the first", "modality", f.Modality, "skipped", f.Filename)
			continue
		}
		m, err := s.store.LoadMatrix(f.MatrixPath)
		if err != nil {
			return nil, fmt.Errorf("jobs: load %s: %w", f.Filename, err)
		}
		mats[mod] = m
	}
	if job.Kind == models.KindMultiOmics && len(mats) < 2 {
		return nil, fmt.Errorf("jobs: %w: multi-omics imputation needs at least 2 of rna, protein and methyl, project has %d",
			imputation.ErrInsufficientModalities, len(mats))
	}

	res, err := strategy.Impute(ctx, imputation.Input{
		JobID:            job.ID,
		Matrices:         mats,
		Threshold:        job.Threshold,
		QualityThreshold: job.QualityThreshold,
		Options:          opts,
		Seed:             s.defaults.Seed,
		HoldoutFraction:  s.defaults.HoldoutFraction,
		Progress:         func(pct int) { s.progress(spec, pct) },
	})
	if err != nil {
		return nil, err
	}

	mods := make([]modality.Modality, 0, len(res.Modalities))
	for m := range res.Modalities {
		mods = append(mods, m)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i] < mods[j] })
	var written []modality.Modality
	for _, m := range mods {
		o := res.Modalities[m]
		if o.Output == nil {
			continue
		}
		if _, err := s.store.WriteOutput(job.ID, m, o.Output); err != nil {
			s.store.RemoveOutputs(job.ID)
			return nil, fmt.Errorf("jobs: write %s output: %w", m, err)
		}
		written = append(written, m)
	}

	out := report.Imputation(res, job.ID, s.basePath, written)
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode imputation result: %w", err)
	}
	return &completion{
		result:  data,
		summary: out.Summary(),
		fields:  map[string]interface{}{"progress": 100, "output_dir": s.store.OutputDir(job.ID)},
	}, nil
}

// progress records a strictly increasing progress value while the job is
// processing.
func (s *Scheduler) progress(spec jobSpec, pct int) {
	if pct >= 100 {
		pct = 99
	}
	res := s.db.Model(&models.ImputationJob{}).
		Where("id = ? AND status = ? AND progress < ?", spec.id, models.JobProcessing, pct).
		Update("progress", pct)
	if res.Error != nil {
		s.logger.Warn("progress not recorded", "job_id", spec.id, "error", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		s.publish(spec, models.JobProcessing, pct, "")
	}
}

// ImputationResult returns the stored result of a completed job.
func (s *Scheduler) ImputationResult(id string) (json.RawMessage, error) {
	job, err := GetImputation(s.db, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobCompleted || job.Result == nil {
		return nil, fmt.Errorf("jobs: %w: %s is %s", ErrNotCompleted, id, job.Status)
	}
	return json.RawMessage(*job.Result), nil
}

// OutputPath returns the stored output of one modality of a completed job.
func (s *Scheduler) OutputPath(id, mod string) (string, error) {
	job, err := GetImputation(s.db, id)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobCompleted || job.Result == nil {
		return "", fmt.Errorf("jobs: %w: %s is %s", ErrNotCompleted, id, job.Status)
	}
	var res report.ImputationResult
	if err := json.Unmarshal([]byte(*job.Result), &res); err != nil {
		return "", fmt.Errorf("jobs: decode result of %s: %w", id, err)
	}
	m, err := modality.Parse(mod)
	if err != nil {
		return "", fmt.Errorf("jobs: %w: %s has no %s output", ErrOutputNotFound, id, mod)
	}
	if _, ok := res.OutputFiles[string(m)]; !ok {
		return "", fmt.Errorf("jobs: %w: %s has no %s output", ErrOutputNotFound, id, m)
	}
	path := s.store.OutputPath(id, m)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("jobs: %w: %s output of %s: %v", ErrOutputNotFound, m, id, err)
	}
	return path, nil
}
