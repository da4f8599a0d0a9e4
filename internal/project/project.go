// Package project provides project, data file and rule set operations.
package project

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"github.com/zulandar/geneq/internal/logging"
	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/storage"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// ValidStatuses lists the accepted project lifecycle statuses.
var ValidStatuses = []string{"active", "archived"}

// CreateOpts holds parameters for creating a project.
type CreateOpts struct {
	Name        string
	Description string
	DataTypes   []string
}

// UpdateOpts holds the fields to change; nil fields are left alone.
type UpdateOpts struct {
	Name        *string
	Description *string
	DataTypes   []string
	Status      *string
}

// Create creates a new project.
func Create(db *gorm.DB, opts CreateOpts) (*models.Project, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, fmt.Errorf("project: %w: name is required", ErrInvalidInput)
	}
	dataTypes := opts.DataTypes
	if dataTypes == nil {
		dataTypes = []string{}
	}
	p := models.Project{
		Name:             name,
		Description:      opts.Description,
		DataTypes:        dataTypes,
		Status:           "active",
		ValidationStatus: models.ValidationDraft,
	}
	if err := db.Create(&p).Error; err != nil {
		return nil, fmt.Errorf("project: create: %w", err)
	}
	return &p, nil
}

// Get retrieves a project by ID.
func Get(db *gorm.DB, id uint) (*models.Project, error) {
	var p models.Project
	if err := db.Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("project: %w: %d", ErrProjectNotFound, id)
		}
		return nil, fmt.Errorf("project: get %d: %w", id, err)
	}
	return &p, nil
}

// List returns every project, newest first.
func List(db *gorm.DB) ([]models.Project, error) {
	var ps []models.Project
	if err := db.Order("created_at DESC, id DESC").Find(&ps).Error; err != nil {
		return nil, fmt.Errorf("project: list: %w", err)
	}
	return ps, nil
}

// Update applies opts to project id.
func Update(db *gorm.DB, id uint, opts UpdateOpts) (*models.Project, error) {
	p, err := Get(db, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if opts.Name != nil {
		name := strings.TrimSpace(*opts.Name)
		if name == "" {
			return nil, fmt.Errorf("project: %w: name must not be empty", ErrInvalidInput)
		}
		updates["name"] = name
	}
	if opts.Description != nil {
		updates["description"] = *opts.Description
	}
	if opts.Status != nil {
		if !validStatus(*opts.Status) {
			return nil, fmt.Errorf("project: %w: status %q must be one of %s", ErrInvalidInput, *opts.Status, strings.Join(ValidStatuses, ", "))
		}
		updates["status"] = *opts.Status
	}
	if opts.DataTypes != nil {
		p.DataTypes = opts.DataTypes
		if err := db.Model(p).Select("data_types").Updates(p).Error; err != nil {
			return nil, fmt.Errorf("project: update %d: %w", id, err)
		}
	}
	if len(updates) > 0 {
		if err := db.Model(&models.Project{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("project: update %d: %w", id, err)
		}
	}
	return Get(db, id)
}

func validStatus(s string) bool {
	for _, v := range ValidStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Delete removes a project with its files, rule set and jobs, then the
// stored snapshots and job outputs. Running jobs of the project find their
// rows gone and finish without writing.
func Delete(db *gorm.DB, store *storage.Store, id uint, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	if _, err := Get(db, id); err != nil {
		return err
	}

	var imputationIDs []string
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ImputationJob{}).Where("project_id = ?", id).Pluck("id", &imputationIDs).Error; err != nil {
			return err
		}
		for _, m := range []interface{}{
			&models.DataFile{},
			&models.ValidationRuleSet{},
			&models.ValidationJob{},
			&models.ImputationJob{},
		} {
			if err := tx.Where("project_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.Project{}, id).Error
	})
	if err != nil {
		return fmt.Errorf("project: delete %d: %w", id, err)
	}

	if store != nil {
		if err := store.RemoveProject(id); err != nil {
			logger.Warn("project deleted but snapshots remain", "project_id", id, "error", err)
		}
		for _, jobID := range imputationIDs {
			if err := store.RemoveOutputs(jobID); err != nil {
				logger.Warn("project deleted but outputs remain", "job_id", jobID, "error", err)
			}
		}
	}
	logger.Info("project deleted", "project_id", id, "imputation_jobs", len(imputationIDs))
	return nil
}

// Stats are the dashboard headline figures.
type Stats struct {
	ActiveProjects    int64  `json:"activeProjects"`
	AvgQuality        string `json:"avgQuality"`
	ProcessedDatasets int64  `json:"processedDatasets"`
	AvgMissingRate    string `json:"avgMissingRate"`
}

// DashboardStats aggregates project and file figures for the dashboard.
func DashboardStats(db *gorm.DB) (Stats, error) {
	var s Stats
	if err := db.Model(&models.Project{}).Where("status = ?", "active").Count(&s.ActiveProjects).Error; err != nil {
		return s, fmt.Errorf("project: stats: %w", err)
	}
	if err := db.Model(&models.Project{}).Where("validation_status = ?", models.ValidationValidated).Count(&s.ProcessedDatasets).Error; err != nil {
		return s, fmt.Errorf("project: stats: %w", err)
	}

	var quality, missing sql.NullFloat64
	if err := db.Model(&models.Project{}).Select("AVG(quality_score)").Where("quality_score IS NOT NULL").Row().Scan(&quality); err != nil {
		return s, fmt.Errorf("project: stats: %w", err)
	}
	if err := db.Model(&models.DataFile{}).Select("AVG(missing_rate)").Row().Scan(&missing); err != nil {
		return s, fmt.Errorf("project: stats: %w", err)
	}
	s.AvgQuality = percent(quality)
	s.AvgMissingRate = percent(missing)
	return s, nil
}

func percent(v sql.NullFloat64) string {
	if !v.Valid {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", v.Float64)
}
