package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/geneq/internal/jobs"
	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/report"
)

type imputeFlags struct {
	configPath       string
	projectID        uint
	method           string
	multiOmics       bool
	threshold        float64
	qualityThreshold float64
	options          map[string]string
}

func newImputeCmd() *cobra.Command {
	var f imputeFlags

	cmd := &cobra.Command{
		Use:   "impute",
		Short: "Run an imputation job for a project and wait for it",
		Long: `Imputes missing values in the project's current files with the chosen
method and prints where each completed matrix was written.

Options are passed as key=value pairs, e.g.
  --option outlier_handling=true --option k=5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImpute(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to GeneQ config file")
	cmd.Flags().UintVarP(&f.projectID, "project", "p", 0, "project id (required)")
	cmd.Flags().StringVarP(&f.method, "method", "m", "", "imputation method (see 'gq methods')")
	cmd.Flags().BoolVar(&f.multiOmics, "multiomics", false, "run the cross-modality job (method defaults to mochi)")
	cmd.Flags().Float64Var(&f.threshold, "threshold", 0, "max row missing percentage to impute (default from config)")
	cmd.Flags().Float64Var(&f.qualityThreshold, "quality-threshold", 0, "min quality score to keep an output (default from config)")
	cmd.Flags().StringToStringVar(&f.options, "option", nil, "strategy option as key=value (repeatable)")
	cmd.MarkFlagRequired("project")
	return cmd
}

func runImpute(cmd *cobra.Command, f imputeFlags) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, f.configPath)
	if err != nil {
		return err
	}
	a, err := openApp(context.Background(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	req := jobs.ImputationRequest{
		ProjectID:  f.projectID,
		Method:     f.method,
		MultiOmics: f.multiOmics,
	}
	if cmd.Flags().Changed("threshold") {
		req.Threshold = &f.threshold
	}
	if cmd.Flags().Changed("quality-threshold") {
		req.QualityThreshold = &f.qualityThreshold
	}
	if len(f.options) > 0 {
		req.Options = make(map[string]any, len(f.options))
		for k, v := range f.options {
			req.Options[k] = v
		}
	}

	job, err := a.sched.SubmitImputation(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Submitted %s imputation job %s for project %d\n", job.Method, job.ID, f.projectID)
	a.sched.Wait()

	st, err := a.sched.ImputationJob(job.ID)
	if err != nil {
		return err
	}
	if st.Status != models.JobCompleted {
		return fmt.Errorf("imputation job %s %s: %s", job.ID, st.Status, st.Error)
	}

	var res report.ImputationResult
	if err := json.Unmarshal(st.Results, &res); err != nil {
		return fmt.Errorf("decode imputation result: %w", err)
	}
	printImputation(cmd, a.sched, job.ID, res)
	return nil
}

func printImputation(cmd *cobra.Command, sched *jobs.Scheduler, jobID string, res report.ImputationResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nMethod %s over %d samples\n", res.Method, res.TotalSamples)
	fmt.Fprintf(out, "Imputed values: rna=%d protein=%d methylation=%d\n\n",
		res.RNAMissingImputed, res.ProteinMissingImputed, res.MethylMissingImputed)

	mods := make([]string, 0, len(res.ExcludedRows))
	for m := range res.ExcludedRows {
		mods = append(mods, m)
	}
	sort.Strings(mods)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODALITY\tQUALITY\tEXCLUDED ROWS\tOUTPUT")
	for _, m := range mods {
		output := "-"
		if _, ok := res.OutputFiles[m]; ok {
			if path, err := sched.OutputPath(jobID, m); err == nil {
				output = path
			}
		}
		quality := "-"
		if q, ok := res.QualityScores[m]; ok {
			quality = fmt.Sprintf("%.1f", q)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m, quality, res.ExcludedRows[m], output)
	}
	w.Flush()

	if len(res.RejectedModalities) > 0 {
		fmt.Fprintf(out, "\nRejected by quality gate: %v\n", res.RejectedModalities)
	}
}
