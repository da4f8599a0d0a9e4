package models

import "time"

// Project groups the data files, rules and jobs of one study.
type Project struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name             string    `gorm:"size:255;not null" json:"name"`
	Description      string    `gorm:"type:text" json:"description"`
	DataTypes        []string  `gorm:"serializer:json;type:text" json:"data_types"`
	Status           string    `gorm:"size:16;default:active" json:"status"`
	ValidationStatus string    `gorm:"size:16;default:draft;index" json:"validation_status"`
	QualityScore     *float64  `json:"quality_score"`
	SampleCount      int       `gorm:"default:0" json:"sample_count"`
	DNAScore         *float64  `json:"dna_score"`
	RNAScore         *float64  `json:"rna_score"`
	ProteinScore     *float64  `json:"protein_score"`
	MethylScore      *float64  `json:"methyl_score"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Project validation statuses.
const (
	ValidationDraft      = "draft"
	ValidationProcessing = "processing"
	ValidationValidated  = "validated"
)
