package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/validation"
)

func newValidateCmd() *cobra.Command {
	var (
		configPath string
		projectID  uint
		reportDir  string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run a validation job for a project and wait for it",
		Long: `Validates the project's current files against its rules and prints
the per-file verdicts. With --report-dir the plain-text report is written
there as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, configPath, projectID, reportDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to GeneQ config file")
	cmd.Flags().UintVarP(&projectID, "project", "p", 0, "project id (required)")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "directory to write the validation report to")
	cmd.MarkFlagRequired("project")
	return cmd
}

func runValidate(cmd *cobra.Command, configPath string, projectID uint, reportDir string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	a, err := openApp(context.Background(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	job, err := a.sched.SubmitValidation(projectID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Submitted validation job %s for project %d\n", job.ID, projectID)
	a.sched.Wait()

	st, err := a.sched.ValidationJob(job.ID)
	if err != nil {
		return err
	}
	if st.Status != models.JobCompleted {
		return fmt.Errorf("validation job %s %s: %s", job.ID, st.Status, st.Error)
	}

	var res validation.Result
	if err := json.Unmarshal(st.Results, &res); err != nil {
		return fmt.Errorf("decode validation result: %w", err)
	}
	printValidation(cmd, res)

	if reportDir != "" {
		name, text, err := a.sched.LatestReport(projectID)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(reportDir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
		path := filepath.Join(reportDir, name)
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Fprintf(out, "Report written to %s\n", path)
	}
	return nil
}

func printValidation(cmd *cobra.Command, res validation.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%d/%d files passed\n\n", res.PassedFiles, res.TotalFiles)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tTYPE\tSHAPE\tMISSING\tTHRESHOLD\tRESULT")
	for _, f := range res.Files {
		verdict := "passed"
		if !f.Passed {
			verdict = "failed"
		}
		if f.Error != "" {
			verdict = "error: " + f.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%dx%d\t%.2f%%\t%.1f%%\t%s\n",
			f.Filename, f.DataType, f.Shape[0], f.Shape[1], f.NaNPercentage, f.ThresholdUsed, verdict)
	}
	w.Flush()

	for _, c := range res.Checks {
		fmt.Fprintf(out, "  [%s] %s: %s\n", c.Status, c.Name, c.Message)
	}
}
