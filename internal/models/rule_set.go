package models

import "time"

// ValidationRuleSet holds one project's saved validation rules. Columns
// carry no defaults so zero thresholds and false toggles persist.
type ValidationRuleSet struct {
	ID                     uint `gorm:"primaryKey;autoIncrement"`
	ProjectID              uint `gorm:"not null;uniqueIndex"`
	DNAThreshold           float64
	RNAThreshold           float64
	ProteinThreshold       float64
	MethylThreshold        float64
	BatchEffectThreshold   float64
	SampleMatchingEnabled  bool
	RangeValidationEnabled bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
