package project

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/validation"
)

// GetRules returns the project's saved rules, or the defaults when none
// were saved.
func GetRules(db *gorm.DB, projectID uint) (validation.Rules, error) {
	if _, err := Get(db, projectID); err != nil {
		return validation.Rules{}, err
	}
	var rs models.ValidationRuleSet
	err := db.Where("project_id = ?", projectID).First(&rs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return validation.DefaultRules(), nil
	}
	if err != nil {
		return validation.Rules{}, fmt.Errorf("project: get rules of %d: %w", projectID, err)
	}
	return validation.Rules{
		DNAThreshold:           rs.DNAThreshold,
		RNAThreshold:           rs.RNAThreshold,
		ProteinThreshold:       rs.ProteinThreshold,
		MethylThreshold:        rs.MethylThreshold,
		BatchEffectThreshold:   rs.BatchEffectThreshold,
		SampleMatchingEnabled:  rs.SampleMatchingEnabled,
		RangeValidationEnabled: rs.RangeValidationEnabled,
	}, nil
}

// SaveRules validates and upserts the project's rules.
func SaveRules(db *gorm.DB, projectID uint, r validation.Rules) error {
	if _, err := Get(db, projectID); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("project: %w: %v", ErrInvalidInput, err)
	}
	rs := models.ValidationRuleSet{
		ProjectID:              projectID,
		DNAThreshold:           r.DNAThreshold,
		RNAThreshold:           r.RNAThreshold,
		ProteinThreshold:       r.ProteinThreshold,
		MethylThreshold:        r.MethylThreshold,
		BatchEffectThreshold:   r.BatchEffectThreshold,
		SampleMatchingEnabled:  r.SampleMatchingEnabled,
		RangeValidationEnabled: r.RangeValidationEnabled,
	}
	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"dna_threshold", "rna_threshold", "protein_threshold", "methyl_threshold",
			"batch_effect_threshold", "sample_matching_enabled", "range_validation_enabled", "updated_at",
		}),
	}).Create(&rs)
	if result.Error != nil {
		return fmt.Errorf("project: save rules of %d: %w", projectID, result.Error)
	}
	return nil
}
