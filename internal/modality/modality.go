// Package modality resolves which omics data type a file holds.
package modality

import (
	"errors"
	"fmt"
	"strings"
)

// Modality is an omics data type.
type Modality string

const (
	DNA     Modality = "dna"
	RNA     Modality = "rna"
	Protein Modality = "protein"
	Methyl  Modality = "methyl"
	Unknown Modality = ""
)

// Source records how a modality was decided.
const (
	SourceExplicit = "explicit"
	SourceInferred = "inferred"
	SourceUnknown  = "unknown"
)

// ErrModalityNotFound is returned when neither an explicit tag nor the
// filename identifies a modality. Callers fall back to a default threshold.
var ErrModalityNotFound = errors.New("modality not found")

// All lists the modalities in filename-match priority order.
var All = []Modality{DNA, RNA, Protein, Methyl}

// Imputable lists the modalities that imputation produces outputs for.
var Imputable = []Modality{RNA, Protein, Methyl}

// tokens maps each modality to the filename substrings that identify it.
var tokens = map[Modality][]string{
	DNA:     {"dna", "snp"},
	RNA:     {"rna"},
	Protein: {"protein", "prot"},
	Methyl:  {"methy"},
}

// Detection is the result of resolving a file's modality.
type Detection struct {
	Modality  Modality
	Source    string
	Ambiguous bool
	// Candidates lists every modality whose tokens matched, in priority order.
	Candidates []Modality
}

// Parse normalizes an explicit tag. Common aliases are accepted.
func Parse(tag string) (Modality, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "dna", "snp", "genomics":
		return DNA, nil
	case "rna", "transcriptomics", "mrna", "expression":
		return RNA, nil
	case "protein", "prot", "proteomics":
		return Protein, nil
	case "methyl", "methylation", "methy":
		return Methyl, nil
	}
	return Unknown, fmt.Errorf("modality: %w: unknown tag %q", ErrModalityNotFound, tag)
}

// Infer matches filename tokens case-insensitively. The first modality in
// priority order wins; Ambiguous is set when more than one matched.
func Infer(filename string) (Detection, error) {
	name := strings.ToLower(filename)
	var hits []Modality
	for _, m := range All {
		for _, tok := range tokens[m] {
			if strings.Contains(name, tok) {
				hits = append(hits, m)
				break
			}
		}
	}
	if len(hits) == 0 {
		return Detection{Source: SourceUnknown}, fmt.Errorf("modality: %w: %s", ErrModalityNotFound, filename)
	}
	return Detection{
		Modality:   hits[0],
		Source:     SourceInferred,
		Ambiguous:  len(hits) > 1,
		Candidates: hits,
	}, nil
}

// Detect prefers an explicit tag and falls back to filename inference.
// An unparseable explicit tag is an error rather than a silent fallback.
func Detect(explicit, filename string) (Detection, error) {
	if strings.TrimSpace(explicit) != "" {
		m, err := Parse(explicit)
		if err != nil {
			return Detection{Source: SourceUnknown}, err
		}
		return Detection{Modality: m, Source: SourceExplicit, Candidates: []Modality{m}}, nil
	}
	return Infer(filename)
}

// Valid reports whether m is one of the known modalities.
func Valid(m Modality) bool {
	for _, k := range All {
		if k == m {
			return true
		}
	}
	return false
}
