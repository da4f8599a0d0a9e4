// Package validation evaluates per-file missingness against per-modality
// thresholds and runs the auxiliary quality checks.
package validation

import (
	"fmt"
	"strings"

	"github.com/zulandar/geneq/internal/modality"
)

// Rules are the thresholds and toggles applied to one project's files.
type Rules struct {
	DNAThreshold           float64 `json:"dna_threshold"`
	RNAThreshold           float64 `json:"rna_threshold"`
	ProteinThreshold       float64 `json:"protein_threshold"`
	MethylThreshold        float64 `json:"methyl_threshold"`
	BatchEffectThreshold   float64 `json:"batch_effect_threshold"`
	SampleMatchingEnabled  bool    `json:"sample_matching_enabled"`
	RangeValidationEnabled bool    `json:"range_validation_enabled"`
}

// DefaultRules returns the rule set used when a project has none saved.
func DefaultRules() Rules {
	return Rules{
		DNAThreshold:           1.0,
		RNAThreshold:           20.0,
		ProteinThreshold:       25.0,
		MethylThreshold:        25.0,
		BatchEffectThreshold:   5.0,
		SampleMatchingEnabled:  true,
		RangeValidationEnabled: true,
	}
}

// ThresholdFor returns the missing-rate threshold for m, or fallback when m
// is not a known modality.
func (r Rules) ThresholdFor(m modality.Modality, fallback float64) float64 {
	switch m {
	case modality.DNA:
		return r.DNAThreshold
	case modality.RNA:
		return r.RNAThreshold
	case modality.Protein:
		return r.ProteinThreshold
	case modality.Methyl:
		return r.MethylThreshold
	}
	return fallback
}

// Validate checks every threshold is a percentage.
func (r Rules) Validate() error {
	var errs []string
	check := func(name string, v float64) {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Sprintf("%s %.2f must be in [0, 100]", name, v))
		}
	}
	check("dna_threshold", r.DNAThreshold)
	check("rna_threshold", r.RNAThreshold)
	check("protein_threshold", r.ProteinThreshold)
	check("methyl_threshold", r.MethylThreshold)
	check("batch_effect_threshold", r.BatchEffectThreshold)
	if len(errs) > 0 {
		return fmt.Errorf("validation: invalid rules: %s", strings.Join(errs, "; "))
	}
	return nil
}
