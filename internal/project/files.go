package project

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"gorm.io/gorm"

	"github.com/zulandar/geneq/internal/logging"
	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/missingness"
	"github.com/zulandar/geneq/internal/modality"
	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/storage"
)

// UploadOpts describes one uploaded file.
type UploadOpts struct {
	ProjectID uint
	Filename  string
	// Modality is the explicit tag; empty falls back to filename inference.
	Modality string
	Reader   io.Reader
	// Size is the declared length, or negative when unknown.
	Size     int64
	MaxBytes int64
}

// Upload stores a new immutable snapshot of the file, parses it, persists
// the parsed matrix and records a new DataFile row. Earlier rows with the
// same filename are left untouched.
func Upload(db *gorm.DB, store *storage.Store, opts UploadOpts, logger *slog.Logger) (*models.DataFile, error) {
	logger = logging.OrDiscard(logger).With("project_id", opts.ProjectID, "filename", opts.Filename)
	if _, err := Get(db, opts.ProjectID); err != nil {
		return nil, err
	}
	if opts.Filename == "" {
		return nil, fmt.Errorf("project: %w: filename is required", ErrInvalidInput)
	}
	format, _, err := matrix.DetectFormat(opts.Filename)
	if err != nil {
		return nil, err
	}
	if err := matrix.CheckSize(opts.Size, opts.MaxBytes); err != nil {
		return nil, err
	}

	det, err := modality.Detect(opts.Modality, opts.Filename)
	if err != nil {
		if opts.Modality != "" {
			return nil, fmt.Errorf("project: %w: %v", ErrInvalidInput, err)
		}
		logger.Info("no modality inferred from filename")
	}
	if det.Ambiguous {
		logger.Warn("filename matches several modalities", "chosen", string(det.Modality), "candidates", det.Candidates)
	}

	snap, err := store.SaveUpload(opts.ProjectID, opts.Filename, opts.Reader, opts.MaxBytes)
	if err != nil {
		return nil, err
	}
	m, err := matrix.ReadFile(snap.StoragePath, opts.Filename, opts.MaxBytes)
	if err != nil {
		store.RemoveSnapshot(snap.StoragePath)
		return nil, err
	}
	if err := store.SaveMatrix(snap, m); err != nil {
		store.RemoveSnapshot(snap.StoragePath)
		return nil, err
	}

	stats := missingness.Analyze(m)
	source := det.Source
	if source == "" {
		source = modality.SourceUnknown
	}
	f := models.DataFile{
		ProjectID:         opts.ProjectID,
		Filename:          opts.Filename,
		Modality:          string(det.Modality),
		ModalitySource:    source,
		ModalityAmbiguous: det.Ambiguous,
		Rows:              m.Rows(),
		Cols:              m.Cols(),
		NaNCount:          stats.NaNCount,
		MissingRate:       missingness.Round2(stats.NaNPercentage),
		SizeBytes:         snap.Size,
		Format:            string(format),
		StoragePath:       snap.StoragePath,
		MatrixPath:        snap.MatrixPath,
	}
	if err := db.Create(&f).Error; err != nil {
		store.RemoveSnapshot(snap.StoragePath)
		return nil, fmt.Errorf("project: record file %s: %w", opts.Filename, err)
	}
	if err := refresh(db, opts.ProjectID); err != nil {
		return nil, err
	}
	logger.Info("file uploaded", "file_id", f.ID, "modality", f.Modality,
		"source", f.ModalitySource, "rows", f.Rows, "cols", f.Cols, "missing_rate", f.MissingRate)
	return &f, nil
}

// ListFiles returns the current file of every filename in the project,
// newest first. With history set, every stored version is returned.
func ListFiles(db *gorm.DB, projectID uint, history bool) ([]models.DataFile, error) {
	var all []models.DataFile
	if err := db.Where("project_id = ?", projectID).Order("id DESC").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("project: list files of %d: %w", projectID, err)
	}
	if history {
		return all, nil
	}
	seen := make(map[string]bool)
	current := make([]models.DataFile, 0, len(all))
	for _, f := range all {
		if seen[f.Filename] {
			continue
		}
		seen[f.Filename] = true
		current = append(current, f)
	}
	return current, nil
}

// CurrentFiles returns the current files of a project ordered by filename,
// the order jobs process them in.
func CurrentFiles(db *gorm.DB, projectID uint) ([]models.DataFile, error) {
	files, err := ListFiles(db, projectID, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files, nil
}

// FilesByID loads the given DataFile rows in the order of ids. Missing
// rows are skipped.
func FilesByID(db *gorm.DB, ids []uint) ([]models.DataFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.DataFile
	if err := db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("project: load files: %w", err)
	}
	byID := make(map[uint]models.DataFile, len(rows))
	for _, f := range rows {
		byID[f.ID] = f
	}
	out := make([]models.DataFile, 0, len(ids))
	for _, id := range ids {
		if f, ok := byID[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// GetFile retrieves a data file by ID.
func GetFile(db *gorm.DB, id uint) (*models.DataFile, error) {
	var f models.DataFile
	if err := db.Where("id = ?", id).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("project: %w: %d", ErrFileNotFound, id)
		}
		return nil, fmt.Errorf("project: get file %d: %w", id, err)
	}
	return &f, nil
}

// DeleteFile removes the file and every earlier version of it from the
// project, along with their snapshots.
func DeleteFile(db *gorm.DB, store *storage.Store, id uint, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	f, err := GetFile(db, id)
	if err != nil {
		return err
	}
	var versions []models.DataFile
	if err := db.Where("project_id = ? AND filename = ?", f.ProjectID, f.Filename).Find(&versions).Error; err != nil {
		return fmt.Errorf("project: delete file %d: %w", id, err)
	}
	if err := db.Where("project_id = ? AND filename = ?", f.ProjectID, f.Filename).Delete(&models.DataFile{}).Error; err != nil {
		return fmt.Errorf("project: delete file %d: %w", id, err)
	}
	for _, v := range versions {
		if err := store.RemoveSnapshot(v.StoragePath); err != nil {
			logger.Warn("file deleted but snapshot remains", "file_id", v.ID, "error", err)
		}
	}
	if err := refresh(db, f.ProjectID); err != nil {
		return err
	}
	logger.Info("file deleted", "project_id", f.ProjectID, "filename", f.Filename, "versions", len(versions))
	return nil
}

// refresh recomputes the project's sample count and data types from its
// current files. The sample count is the widest current matrix.
func refresh(db *gorm.DB, projectID uint) error {
	p, err := Get(db, projectID)
	if err != nil {
		return err
	}
	files, err := ListFiles(db, projectID, false)
	if err != nil {
		return err
	}
	samples := 0
	types := append([]string{}, p.DataTypes...)
	have := make(map[string]bool, len(types))
	for _, t := range types {
		have[t] = true
	}
	for _, f := range files {
		if f.Cols > samples {
			samples = f.Cols
		}
		if f.Modality != "" && !have[f.Modality] {
			have[f.Modality] = true
			types = append(types, f.Modality)
		}
	}
	p.SampleCount = samples
	p.DataTypes = types
	if err := db.Model(p).Select("sample_count", "data_types").Updates(p).Error; err != nil {
		return fmt.Errorf("project: refresh %d: %w", projectID, err)
	}
	return nil
}
