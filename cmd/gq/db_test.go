package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/geneq/internal/config"
	"github.com/zulandar/geneq/internal/db"
	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/project"
	"github.com/zulandar/geneq/internal/storage"
)

// writeConfig writes a sqlite-backed config under a temp dir and returns
// its path and parsed form.
func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
database:
  driver: sqlite
  path: %s
storage:
  root: %s
log:
  level: error
`, filepath.Join(dir, "geneq.db"), filepath.Join(dir, "data"))
	path := filepath.Join(dir, "geneq.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return path, cfg
}

// run executes the root command with args and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDBCmd_Help(t *testing.T) {
	out, err := run(t, "", "db", "--help")
	if err != nil {
		t.Fatalf("db --help failed: %v", err)
	}
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	if !strings.Contains(out, "init") || !strings.Contains(out, "reset") {
		t.Errorf("expected help to list init and reset, got: %s", out)
	}
}

func TestDBInitCmd_MissingConfig(t *testing.T) {
	_, err := run(t, "", "db", "init", "--config", "/nonexistent/geneq.yaml")
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain 'load config'", err.Error())
	}
}

func TestDBInitCmd_SQLite(t *testing.T) {
	path, cfg := writeConfig(t)

	out, err := run(t, "", "db", "init", "-c", path)
	if err != nil {
		t.Fatalf("db init: %v", err)
	}
	want := fmt.Sprintf("Migrated %d tables", len(db.AllModels()))
	if !strings.Contains(out, want) {
		t.Errorf("output = %q, want to contain %q", out, want)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer db.Close(gormDB)
	if !gormDB.Migrator().HasTable(&models.Project{}) {
		t.Error("projects table missing after init")
	}
}

func TestDBResetCmd_Aborted(t *testing.T) {
	path, cfg := writeConfig(t)
	if _, err := run(t, "", "db", "init", "-c", path); err != nil {
		t.Fatalf("db init: %v", err)
	}
	seedProject(t, cfg, nil)

	out, err := run(t, "no\n", "db", "reset", "-c", path)
	if err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(out, "Aborted.") {
		t.Errorf("output = %q, want 'Aborted.'", out)
	}
	if n := countProjects(t, cfg); n != 1 {
		t.Errorf("projects after aborted reset = %d, want 1", n)
	}
}

func TestDBResetCmd_Confirmed(t *testing.T) {
	path, cfg := writeConfig(t)
	if _, err := run(t, "", "db", "init", "-c", path); err != nil {
		t.Fatalf("db init: %v", err)
	}
	seedProject(t, cfg, map[string]string{"rna_counts.csv": spreadCSV(4, 4, 1)})

	out, err := run(t, "yes\n", "db", "reset", "-c", path)
	if err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(out, "reset successfully") {
		t.Errorf("output = %q, want success message", out)
	}
	if n := countProjects(t, cfg); n != 0 {
		t.Errorf("projects after reset = %d, want 0", n)
	}
	if _, err := os.Stat(filepath.Join(cfg.Storage.Root, "projects")); !os.IsNotExist(err) {
		t.Errorf("storage not removed: stat err = %v", err)
	}
}

func TestConfirmReset(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"yes\n", true},
		{"  yes  \n", true},
		{"YES\n", false},
		{"y\n", false},
		{"", false},
	}
	for _, tt := range tests {
		cmd := newDBResetCmd()
		cmd.SetOut(new(bytes.Buffer))
		cmd.SetIn(strings.NewReader(tt.input))
		if got := confirmReset(cmd, "geneq.db"); got != tt.want {
			t.Errorf("confirmReset(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// seedProject creates a project with files directly through the project
// package, the way the API would.
func seedProject(t *testing.T, cfg *config.Config, files map[string]string) uint {
	t.Helper()
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer db.Close(gormDB)
	store, err := storage.New(cfg.Storage.Root)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	p, err := project.Create(gormDB, project.CreateOpts{Name: "cohort"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for name, body := range files {
		_, err := project.Upload(gormDB, store, project.UploadOpts{
			ProjectID: p.ID,
			Filename:  name,
			Reader:    strings.NewReader(body),
			Size:      int64(len(body)),
		}, nil)
		if err != nil {
			t.Fatalf("Upload(%s): %v", name, err)
		}
	}
	return p.ID
}

func countProjects(t *testing.T, cfg *config.Config) int64 {
	t.Helper()
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer db.Close(gormDB)
	var n int64
	if err := gormDB.Model(&models.Project{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// spreadCSV builds a rows × cols CSV where the first perRow cells of every
// row are NA.
func spreadCSV(rows, cols, perRow int) string {
	var b strings.Builder
	b.WriteString("feature")
	for j := 0; j < cols; j++ {
		fmt.Fprintf(&b, ",S%d", j)
	}
	b.WriteString("\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "f%d", i)
		for j := 0; j < cols; j++ {
			if j < perRow {
				b.WriteString(",NA")
			} else {
				fmt.Fprintf(&b, ",%d.25", (i+1)*(j+2))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
