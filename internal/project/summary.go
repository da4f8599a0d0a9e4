package project

import (
	"gorm.io/gorm"

	"github.com/zulandar/geneq/internal/missingness"
	"github.com/zulandar/geneq/internal/storage"
)

// FileSummary is the missing-value breakdown of one current file.
type FileSummary struct {
	FileID          uint    `json:"file_id"`
	Filename        string  `json:"filename"`
	DataType        string  `json:"data_type"`
	Shape           [2]int  `json:"shape"`
	TotalValues     int     `json:"total_values"`
	MissingCount    int     `json:"missing_count"`
	MissingRate     float64 `json:"missing_rate"`
	Completeness    float64 `json:"completeness"`
	RowsWithMissing int     `json:"rows_with_missing"`
	ColsWithMissing int     `json:"cols_with_missing"`
	Error           string  `json:"error,omitempty"`
}

// Summary is the project-wide missing-value analysis.
type Summary struct {
	ProjectID        uint          `json:"project_id"`
	Files            []FileSummary `json:"files"`
	TotalValues      int           `json:"total_values"`
	TotalMissing     int           `json:"total_missing"`
	TotalMissingRate float64       `json:"total_missing_rate"`
	missingness.Distribution
}

// MissingSummary analyzes every current file of the project. Files whose
// matrix cannot be read are reported with an error and left out of the
// totals.
func MissingSummary(db *gorm.DB, store *storage.Store, projectID uint) (*Summary, error) {
	if _, err := Get(db, projectID); err != nil {
		return nil, err
	}
	files, err := CurrentFiles(db, projectID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{ProjectID: projectID, Files: make([]FileSummary, 0, len(files)), Distribution: missingness.NewDistribution()}
	for _, f := range files {
		fs := FileSummary{FileID: f.ID, Filename: f.Filename, DataType: f.Modality}
		if fs.DataType == "" {
			fs.DataType = "unknown"
		}
		m, err := store.LoadMatrix(f.MatrixPath)
		if err != nil {
			fs.Error = err.Error()
			sum.Files = append(sum.Files, fs)
			continue
		}
		s := missingness.Analyze(m)
		fs.Shape = m.Shape()
		fs.TotalValues = s.TotalValues
		fs.MissingCount = s.NaNCount
		fs.MissingRate = missingness.Round2(s.NaNPercentage)
		fs.Completeness = missingness.Round2(s.Completeness())
		fs.RowsWithMissing = s.RowsWithMissing
		fs.ColsWithMissing = s.ColsWithMissing
		sum.Files = append(sum.Files, fs)

		sum.TotalValues += s.TotalValues
		sum.TotalMissing += s.NaNCount
		sum.Distribution.Add(s)
	}
	if sum.TotalValues > 0 {
		sum.TotalMissingRate = missingness.Round2(float64(sum.TotalMissing) / float64(sum.TotalValues) * 100)
	}
	return sum, nil
}
