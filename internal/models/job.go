package models

import "time"

// Job statuses shared by validation and imputation jobs.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// ValidationJob records one validation run. Result is set only when the
// job completed and Error only when it failed. Owner names the scheduler
// running the job, which refreshes HeartbeatAt until the job finishes.
type ValidationJob struct {
	ID          string  `gorm:"primaryKey;size:36"`
	ProjectID   uint    `gorm:"not null;index"`
	Status      string  `gorm:"size:16;default:pending;index"`
	FileIDs     []uint  `gorm:"serializer:json;type:text"`
	Rules       string  `gorm:"type:text"`
	Result      *string `gorm:"type:longtext"`
	Error       *string `gorm:"type:text"`
	Owner       string  `gorm:"size:36;index"`
	HeartbeatAt *time.Time
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ImputationJob records one imputation run. Kind is generic or multiomics.
type ImputationJob struct {
	ID               string `gorm:"primaryKey;size:36"`
	ProjectID        uint   `gorm:"not null;index"`
	Kind             string `gorm:"size:16;default:generic"`
	Method           string `gorm:"size:32;not null"`
	Threshold        float64
	QualityThreshold float64
	Options          string  `gorm:"type:text"`
	Status           string  `gorm:"size:16;default:pending;index"`
	Progress         int     `gorm:"default:0"`
	FileIDs          []uint  `gorm:"serializer:json;type:text"`
	Result           *string `gorm:"type:longtext"`
	Error            *string `gorm:"type:text"`
	OutputDir        string  `gorm:"size:512"`
	Owner            string  `gorm:"size:36;index"`
	HeartbeatAt      *time.Time
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Imputation job kinds.
const (
	KindGeneric    = "generic"
	KindMultiOmics = "multiomics"
)
