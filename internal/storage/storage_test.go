package storage

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/modality"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rna.csv", "rna.csv"},
		{"../../etc/passwd", "passwd"},
		{"my data (v2).tsv", "my_data_v2_.tsv"},
		{"", "upload"},
		{"/", "upload"},
	}
	for _, tt := range tests {
		if got := SafeName(tt.in); got != tt.want {
			t.Errorf("SafeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSaveUpload_CreatesDistinctSnapshots(t *testing.T) {
	s := newStore(t)
	// A frozen clock forces both uploads onto the same timestamp.
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	first, err := s.SaveUpload(3, "rna.csv", strings.NewReader("gene,S1\ng1,1\n"), 0)
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	second, err := s.SaveUpload(3, "rna.csv", strings.NewReader("gene,S1\ng1,2\n"), 0)
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if first.StoragePath == second.StoragePath {
		t.Fatal("re-upload reused the snapshot path")
	}
	data, err := os.ReadFile(first.StoragePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "gene,S1\ng1,1\n" {
		t.Errorf("first snapshot = %q, was overwritten", data)
	}
	if first.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", first.Size, len(data))
	}
}

func TestSaveUpload_TooLarge(t *testing.T) {
	s := newStore(t)
	_, err := s.SaveUpload(1, "big.csv", strings.NewReader(strings.Repeat("x", 11)), 10)
	if !errors.Is(err, matrix.ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
	entries, _ := os.ReadDir(filepath.Join(s.Root(), projectsDir, "1"))
	if len(entries) != 0 {
		t.Errorf("oversized upload left %d entries behind", len(entries))
	}
}

func TestMatrixRoundTrip(t *testing.T) {
	s := newStore(t)
	snap, err := s.SaveUpload(1, "protein.tsv", strings.NewReader("x"), 0)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := matrix.FromRows([]string{"p1", "p2"}, []string{"S1", "S2"}, [][]float64{{1.5, math.NaN()}, {math.Inf(1), -2}})
	if err := s.SaveMatrix(snap, m); err != nil {
		t.Fatalf("SaveMatrix: %v", err)
	}

	got, err := s.LoadMatrix(snap.MatrixPath)
	if err != nil {
		t.Fatalf("LoadMatrix: %v", err)
	}
	if !matrix.Equal(got, m) {
		t.Error("cached matrix differs from saved matrix")
	}

	// Callers own their copy.
	got.Set(0, 0, 99)
	again, _ := s.LoadMatrix(snap.MatrixPath)
	if again.At(0, 0) != 1.5 {
		t.Errorf("cache was mutated through a returned matrix: %v", again.At(0, 0))
	}

	// A fresh store reads from disk.
	fresh, _ := New(s.Root())
	disk, err := fresh.LoadMatrix(snap.MatrixPath)
	if err != nil {
		t.Fatalf("LoadMatrix from disk: %v", err)
	}
	if !matrix.Equal(disk, m) {
		t.Error("matrix read from disk differs from saved matrix")
	}
}

func TestRemoveSnapshotAndProject(t *testing.T) {
	s := newStore(t)
	snap, _ := s.SaveUpload(5, "rna.csv", strings.NewReader("x"), 0)
	other, _ := s.SaveUpload(5, "dna.csv", strings.NewReader("y"), 0)

	if err := s.RemoveSnapshot(snap.StoragePath); err != nil {
		t.Fatalf("RemoveSnapshot: %v", err)
	}
	if _, err := os.Stat(snap.Dir); !os.IsNotExist(err) {
		t.Error("snapshot dir still exists")
	}
	if _, err := os.Stat(other.StoragePath); err != nil {
		t.Errorf("sibling snapshot removed: %v", err)
	}
	if err := s.RemoveSnapshot("/etc/hosts"); err == nil {
		t.Error("expected error removing a path outside the root")
	}

	if err := s.RemoveProject(5); err != nil {
		t.Fatalf("RemoveProject: %v", err)
	}
	if _, err := os.Stat(other.Dir); !os.IsNotExist(err) {
		t.Error("project dir still exists")
	}
}

func TestOutputs(t *testing.T) {
	s := newStore(t)
	m, _ := matrix.FromRows([]string{"g1"}, []string{"S1"}, [][]float64{{4}})
	path, err := s.WriteOutput("job-1", modality.RNA, m)
	if err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}
	if filepath.Base(path) != "rna_imputed.tsv" {
		t.Errorf("output name = %q", filepath.Base(path))
	}
	if path != s.OutputPath("job-1", modality.RNA) {
		t.Errorf("WriteOutput path %q != OutputPath", path)
	}
	if err := s.RemoveOutputs("job-1"); err != nil {
		t.Fatalf("RemoveOutputs: %v", err)
	}
	if _, err := os.Stat(s.OutputDir("job-1")); !os.IsNotExist(err) {
		t.Error("output dir still exists")
	}
}
