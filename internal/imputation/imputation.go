// Package imputation implements the closed set of imputation strategies and
// the threshold and quality gating they share.
package imputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/modality"
)

var (
	ErrInsufficientModalities = errors.New("insufficient modalities")
	ErrStrategyFailure        = errors.New("strategy failure")
	ErrUnknownMethod          = errors.New("unknown imputation method")
)

// Options are the caller-selected toggles plus strategy parameters.
type Options struct {
	CrossValidation   bool
	OutlierHandling   bool
	TimeSeriesPattern bool
	// Params holds strategy parameters such as n_neighbors, coerced with
	// spf13/cast so JSON numbers and strings both work.
	Params map[string]any
}

// Input is one imputation request.
type Input struct {
	// JobID names the remote working directory when a remote runner is used.
	JobID            string
	Matrices         map[modality.Modality]*matrix.Matrix
	Threshold        float64 // rows missing more than this percent are left unimputed
	QualityThreshold float64 // minimum holdout score (0-100) to accept a modality
	Options          Options
	// Seed and HoldoutFraction drive the quality holdout.
	Seed            int64
	HoldoutFraction float64
	// Progress, when set, receives a 0-100 estimate as modalities finish.
	Progress func(pct int)
}

// ModalityOutcome is the per-modality part of a Result.
type ModalityOutcome struct {
	Output       *matrix.Matrix
	Imputed      int
	ExcludedRows int
	// Quality is nil when no holdout was possible and the gate was skipped.
	Quality  *float64
	Rejected bool
}

// Result is what a strategy returns.
type Result struct {
	Method       string
	Modalities   map[modality.Modality]*ModalityOutcome
	TotalSamples int
}

// Imputed returns the imputed count for m, or zero when m was not processed.
func (r *Result) Imputed(m modality.Modality) int {
	if o, ok := r.Modalities[m]; ok {
		return o.Imputed
	}
	return 0
}

// Rejected lists the modalities refused by the quality gate, sorted.
func (r *Result) Rejected() []modality.Modality {
	var out []modality.Modality
	for m, o := range r.Modalities {
		if o.Rejected {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strategy is one imputation method.
type Strategy interface {
	Name() string
	Impute(ctx context.Context, in Input) (*Result, error)
}

// Method describes a strategy for the client's method picker.
type Method struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Accuracy    string `json:"accuracy"`
	MultiOmics  bool   `json:"multi_omics"`
}

// Methods is the catalogue served to clients, in display order.
var Methods = []Method{
	{"mochi", "MOCHI: Imputation Model (recommended)", "Multi-Omics Complete Harmonized Imputation. Learns cross-modality structure from RNA, protein and methylation of the same samples.", "~97.3%", true},
	{"mean", "Mean/Median Imputation", "Replaces each missing value with the mean or median of its feature. Fast, but shrinks variance.", "~75%", false},
	{"knn", "KNN Imputation", "Estimates missing values from the most similar samples. Preserves local structure.", "~88%", false},
	{"mice", "MICE (Multiple Imputation)", "Chained regressions over correlated features, iterated to convergence.", "~92%", false},
	{"missforest", "MissForest", "Random-forest regression per feature. Handles interactions and non-linear relations.", "~91%", false},
	{"gain", "GAIN (Generative Adversarial)", "Generative low-rank completion of the full matrix.", "~94%", false},
	{"vae", "VAE (Variational Autoencoder)", "Reconstructs missing values from a learned latent representation.", "~93%", false},
}

// Registry maps method names to strategies. The set is fixed at construction.
type Registry struct {
	strategies map[string]Strategy
}

// RegistryOpts configures strategies that need external collaborators.
type RegistryOpts struct {
	Mochi  MochiOpts
	Logger *slog.Logger
}

// NewRegistry builds the registry with every known strategy.
func NewRegistry(opts RegistryOpts) *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, s := range []Strategy{
		newSingle("mean", fillMean, opts.Logger),
		newSingle("knn", fillKNN, opts.Logger),
		newSingle("mice", fillMICE, opts.Logger),
		newSingle("missforest", fillForest, opts.Logger),
		newSingle("gain", fillSoftImpute, opts.Logger),
		newSingle("vae", fillLatent, opts.Logger),
		NewMochi(opts.Mochi, opts.Logger),
	} {
		r.strategies[s.Name()] = s
	}
	return r
}

// Get returns the strategy for name.
func (r *Registry) Get(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("imputation: %w: %q", ErrUnknownMethod, name)
	}
	return s, nil
}

// Has reports whether name is a registered method.
func (r *Registry) Has(name string) bool {
	_, ok := r.strategies[name]
	return ok
}

// sortedModalities returns the keys of ms in a stable order.
func sortedModalities(ms map[modality.Modality]*matrix.Matrix) []modality.Modality {
	out := make([]modality.Modality, 0, len(ms))
	for m := range ms {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
