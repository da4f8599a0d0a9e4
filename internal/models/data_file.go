package models

import "time"

// DataFile is one stored upload. Rows are never updated after creation; a
// re-upload of the same filename adds a new row.
type DataFile struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID         uint      `gorm:"not null;index" json:"project_id"`
	Filename          string    `gorm:"size:255;not null;index" json:"filename"`
	Modality          string    `gorm:"size:16;index" json:"modality"`
	ModalitySource    string    `gorm:"size:16" json:"modality_source"`
	ModalityAmbiguous bool      `gorm:"default:false" json:"modality_ambiguous"`
	Rows              int       `json:"rows"`
	Cols              int       `json:"cols"`
	NaNCount          int       `json:"nan_count"`
	MissingRate       float64   `json:"missing_rate"`
	SizeBytes         int64     `json:"size_bytes"`
	Format            string    `gorm:"size:8" json:"format"`
	StoragePath       string    `gorm:"size:512" json:"-"`
	MatrixPath        string    `gorm:"size:512" json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}
