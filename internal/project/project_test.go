package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/zulandar/geneq/internal/config"
	"github.com/zulandar/geneq/internal/db"
	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/models"
	"github.com/zulandar/geneq/internal/storage"
	"github.com/zulandar/geneq/internal/validation"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	return gdb
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	return s
}

// csvWithMissing builds a rows × cols CSV where the first `missing` cells
// in row-major order are NA.
func csvWithMissing(rows, cols, missing int) string {
	var b strings.Builder
	b.WriteString("gene")
	for j := 0; j < cols; j++ {
		fmt.Fprintf(&b, ",S%d", j)
	}
	b.WriteString("\n")
	k := 0
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "g%d", i)
		for j := 0; j < cols; j++ {
			if k < missing {
				b.WriteString(",NA")
			} else {
				fmt.Fprintf(&b, ",%d.5", i+j)
			}
			k++
		}
		b.WriteString("\n")
	}
	return b.String()
}

func upload(t *testing.T, gdb *gorm.DB, store *storage.Store, projectID uint, name, tag, body string) *models.DataFile {
	t.Helper()
	f, err := Upload(gdb, store, UploadOpts{
		ProjectID: projectID,
		Filename:  name,
		Modality:  tag,
		Reader:    strings.NewReader(body),
		Size:      int64(len(body)),
	}, nil)
	if err != nil {
		t.Fatalf("Upload(%s): %v", name, err)
	}
	return f
}

func TestCreate_RequiresName(t *testing.T) {
	gdb := testDB(t)
	_, err := Create(gdb, CreateOpts{Name: "  "})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestCreateGetList(t *testing.T) {
	gdb := testDB(t)
	a, err := Create(gdb, CreateOpts{Name: "BRCA", Description: "breast", DataTypes: []string{"rna"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, _ := Create(gdb, CreateOpts{Name: "LUAD"})

	got, err := Get(gdb, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "BRCA" || got.ValidationStatus != models.ValidationDraft || got.Status != "active" {
		t.Errorf("Get = %+v", got)
	}
	if len(got.DataTypes) != 1 || got.DataTypes[0] != "rna" {
		t.Errorf("DataTypes = %v, want [rna]", got.DataTypes)
	}

	list, err := List(gdb)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != b.ID {
		t.Errorf("List order = %v, want newest first", list)
	}

	if _, err := Get(gdb, 999); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("Get(999) err = %v, want ErrProjectNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	gdb := testDB(t)
	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})

	name, archived, bogus := "BRCA v2", "archived", "deleted"
	got, err := Update(gdb, p.ID, UpdateOpts{Name: &name, Status: &archived, DataTypes: []string{"rna", "dna"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Name != name || got.Status != "archived" || len(got.DataTypes) != 2 {
		t.Errorf("Update = %+v", got)
	}
	if _, err := Update(gdb, p.ID, UpdateOpts{Status: &bogus}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad status err = %v, want ErrInvalidInput", err)
	}
	if _, err := Update(gdb, 42, UpdateOpts{Name: &name}); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("missing project err = %v, want ErrProjectNotFound", err)
	}
}

func TestUpload_InfersModalityAndStats(t *testing.T) {
	gdb, store := testDB(t), testStore(t)
	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})

	f := upload(t, gdb, store, p.ID, "BRCA_rna_seq.csv", "", csvWithMissing(10, 5, 5))
	if f.Modality != "rna" || f.ModalitySource != "inferred" {
		t.Errorf("modality = %q/%q, want rna/inferred", f.Modality, f.ModalitySource)
	}
	if f.Rows != 10 || f.Cols != 5 || f.NaNCount != 5 || f.MissingRate != 10 {
		t.Errorf("file = %+v, want 10x5 with 5 missing (10%%)", f)
	}
	if f.Format != string(matrix.FormatCSV) {
		t.Errorf("Format = %q, want csv", f.Format)
	}
	if _, err := os.Stat(f.MatrixPath); err != nil {
		t.Errorf("parsed matrix not persisted: %v", err)
	}

	got, _ := Get(gdb, p.ID)
	if got.SampleCount != 5 || len(got.DataTypes) != 1 || got.DataTypes[0] != "rna" {
		t.Errorf("project after upload = %+v", got)
	}
}

func TestUpload_ExplicitModality(t *testing.T) {
	gdb, store := testDB(t), testStore(t)
	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})

	// The explicit tag wins over the filename.
	f := upload(t, gdb, store, p.ID, "rna_like_name.tsv", "proteomics", "id\tS1\tS2\np1\t1\t2\n")
	if f.Modality != "protein" || f.ModalitySource != "explicit" {
		t.Errorf("modality = %q/%q, want protein/explicit", f.Modality, f.ModalitySource)
	}

	_, err := Upload(gdb, store, UploadOpts{ProjectID: p.ID, Filename: "x.csv", Modality: "lipids", Reader: strings.NewReader("a,b\nc,1\n"), Size: 8}, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown tag err = %v, want ErrInvalidInput", err)
	}
}

func TestUpload_UnknownModalityIsNotFatal(t *testing.T) {
	gdb, store := testDB(t), testStore(t)
	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})
	f := upload(t, gdb, store, p.ID, "cohort.csv", "", "id,S1\nx,1\n")
	if f.Modality != "" || f.ModalitySource != "unknown" {
		t.Errorf("modality = %q/%q, want empty/unknown", f.Modality, f.ModalitySource)
	}
}

func TestUpload_Errors(t *testing.T) {
	gdb, store := testDB(t), testStore(t)
	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})

	tests := []struct {
		name     string
		filename string
		body     string
		size     int64
		max      int64
		want     error
	}{
		{"unsupported", "rna.parquet", "x", 1, 0, matrix.ErrUnsupportedFormat},
		{"too large declared", "rna.csv", "gene,S1\ng,1\n", 100, 50, matrix.ErrFileTooLarge},
		{"malformed", "rna.csv", "gene,S1\ng,abc\n", 14, 0, matrix.ErrMalformedData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Upload(gdb, store, UploadOpts{
				ProjectID: p.ID, Filename: tt.filename, Reader: strings.NewReader(tt.body), Size: tt.size, MaxBytes: tt.max,
			}, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	var n int64
	gdb.Model(&models.DataFile{}).Count(&n)
	if n != 0 {
		t.Errorf("%d DataFile rows recorded for failed uploads", n)
	}
	entries, _ := os.ReadDir(filepath.Join(store.Root(), "projects", fmt.Sprint(p.ID)))
	if len(entries) != 0 {
		t.Errorf("failed uploads left %d snapshots", len(entries))
	}

	if _, err := Upload(gdb, store, UploadOpts{ProjectID: 77, Filename: "rna.csv", Reader: strings.NewReader("")}, nil); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("missing project err = %v, want ErrProjectNotFound", err)
	}
}

func TestReupload_KeepsOldSnapshot(t *testing.T) {
	gdb, store := testDB(t), testStore(t)
	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})

	old := upload(t, gdb, store, p.ID, "rna.csv", "", csvWithMissing(4, 4, 0))
	newer := upload(t, gdb, store, p.ID, "rna.csv", "", csvWithMissing(4, 4, 8))
	upload(t, gdb, store, p.ID, "protein.csv", "", csvWithMissing(2, 4, 0))

	if old.ID == newer.ID || old.StoragePath == newer.StoragePath {
		t.Fatal("re-upload reused the old record")
	}
	reloaded, err := GetFile(gdb, old.ID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if reloaded.NaNCount != 0 || reloaded.MatrixPath != old.MatrixPath {
		t.Errorf("old record changed: %+v", reloaded)
	}
	m, err := store.LoadMatrix(old.MatrixPath)
	if err != nil || m.MissingCount() != 0 {
		t.Errorf("old snapshot changed: missing=%v err=%v", m, err)
	}

	current, _ := CurrentFiles(gdb, p.ID)
	if len(current) != 2 || current[0].Filename != "protein.csv" || current[1].ID != newer.ID {
		t.Errorf("CurrentFiles = %+v", current)
	}
	history, _ := ListFiles(gdb, p.ID, true)
	if len(history) != 3 {
		t.Errorf("history has %d rows, want 3", len(history))
	}

	pinned, _ := FilesByID(gdb, []uint{old.ID, 999, newer.ID})
	if len(pinned) != 2 || pinned[0].ID != old.ID || pinned[1].ID != newer.ID {
		t.Errorf("FilesByID = %+v", pinned)
	}
}

func TestDeleteFile(t *testing.T) {
	gdb, store := testDB(t), testStore(t)
	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})
	v1 := upload(t, gdb, store, p.ID, "rna.csv", "", csvWithMissing(2, 6, 0))
	v2 := upload(t, gdb, store, p.ID, "rna.csv", "", csvWithMissing(2, 6, 0))
	keep := upload(t, gdb, store, p.ID, "protein.csv", "", csvWithMissing(2, 3, 0))

	if err := DeleteFile(gdb, store, v2.ID, nil); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	for _, f := range []*models.DataFile{v1, v2} {
		if _, err := GetFile(gdb, f.ID); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("version %d still present: %v", f.ID, err)
		}
		if _, err := os.Stat(f.StoragePath); !os.IsNotExist(err) {
			t.Errorf("snapshot of version %d still on disk", f.ID)
		}
	}
	if _, err := GetFile(gdb, keep.ID); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
	got, _ := Get(gdb, p.ID)
	if got.SampleCount != 3 {
		t.Errorf("SampleCount = %d, want 3 after delete", got.SampleCount)
	}
	if err := DeleteFile(gdb, store, 999, nil); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("err = %v, want ErrFileNotFound", err)
	}
}

func TestDelete_Cascades(t *testing.T) {
	gdb, store := testDB(t), testStore(t)
	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})
	other, _ := Create(gdb, CreateOpts{Name: "LUAD"})
	f := upload(t, gdb, store, p.ID, "rna.csv", "", csvWithMissing(2, 2, 0))
	upload(t, gdb, store, other.ID, "rna.csv", "", csvWithMissing(2, 2, 0))
	if err := SaveRules(gdb, p.ID, validation.DefaultRules()); err != nil {
		t.Fatal(err)
	}
	gdb.Create(&models.ValidationJob{ID: "v-1", ProjectID: p.ID, Status: models.JobCompleted})
	gdb.Create(&models.ImputationJob{ID: "i-1", ProjectID: p.ID, Method: "mean", Status: models.JobCompleted})
	out, _ := matrix.FromRows([]string{"g"}, []string{"S"}, [][]float64{{1}})
	store.WriteOutput("i-1", "rna", out)

	if err := Delete(gdb, store, p.ID, nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := Get(gdb, p.ID); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("project still present: %v", err)
	}
	for _, m := range []interface{}{&models.DataFile{}, &models.ValidationRuleSet{}, &models.ValidationJob{}, &models.ImputationJob{}} {
		var n int64
		gdb.Model(m).Where("project_id = ?", p.ID).Count(&n)
		if n != 0 {
			t.Errorf("%T rows left: %d", m, n)
		}
	}
	if _, err := os.Stat(f.StoragePath); !os.IsNotExist(err) {
		t.Error("snapshot still on disk")
	}
	if _, err := os.Stat(store.OutputDir("i-1")); !os.IsNotExist(err) {
		t.Error("job outputs still on disk")
	}
	if files, _ := CurrentFiles(gdb, other.ID); len(files) != 1 {
		t.Errorf("other project lost files: %d", len(files))
	}
	if err := Delete(gdb, store, p.ID, nil); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("second delete err = %v, want ErrProjectNotFound", err)
	}
}

func TestRules(t *testing.T) {
	gdb := testDB(t)
	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})

	got, err := GetRules(gdb, p.ID)
	if err != nil {
		t.Fatalf("GetRules: %v", err)
	}
	if got != validation.DefaultRules() {
		t.Errorf("unsaved rules = %+v, want defaults", got)
	}

	custom := validation.Rules{DNAThreshold: 0, RNAThreshold: 5, ProteinThreshold: 10, MethylThreshold: 15, BatchEffectThreshold: 2}
	if err := SaveRules(gdb, p.ID, custom); err != nil {
		t.Fatalf("SaveRules: %v", err)
	}
	custom.RNAThreshold = 7
	custom.SampleMatchingEnabled = true
	if err := SaveRules(gdb, p.ID, custom); err != nil {
		t.Fatalf("SaveRules again: %v", err)
	}
	got, _ = GetRules(gdb, p.ID)
	if got != custom {
		t.Errorf("GetRules = %+v, want %+v", got, custom)
	}
	var n int64
	gdb.Model(&models.ValidationRuleSet{}).Count(&n)
	if n != 1 {
		t.Errorf("rule set rows = %d, want 1", n)
	}

	bad := custom
	bad.RNAThreshold = 120
	if err := SaveRules(gdb, p.ID, bad); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
	if _, err := GetRules(gdb, 999); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("err = %v, want ErrProjectNotFound", err)
	}
}

func TestMissingSummary(t *testing.T) {
	gdb, store := testDB(t), testStore(t)
	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})
	upload(t, gdb, store, p.ID, "rna.csv", "", csvWithMissing(10, 10, 10))
	upload(t, gdb, store, p.ID, "protein.csv", "", csvWithMissing(5, 4, 0))

	s, err := MissingSummary(gdb, store, p.ID)
	if err != nil {
		t.Fatalf("MissingSummary: %v", err)
	}
	if len(s.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(s.Files))
	}
	if s.TotalValues != 120 || s.TotalMissing != 10 {
		t.Errorf("totals = %d/%d, want 120/10", s.TotalValues, s.TotalMissing)
	}
	if s.TotalMissingRate != 8.33 {
		t.Errorf("TotalMissingRate = %v, want 8.33", s.TotalMissingRate)
	}
	rna := s.Files[1]
	if rna.Filename != "rna.csv" || rna.MissingRate != 10 || rna.RowsWithMissing != 1 || rna.ColsWithMissing != 10 {
		t.Errorf("rna summary = %+v", rna)
	}
	// The first rna row is fully missing; every other row is complete.
	if s.Features["50%+"] != 1 || s.Features["0-10%"] != 14 {
		t.Errorf("feature distribution = %v", s.Features)
	}
}

func TestDashboardStats(t *testing.T) {
	gdb, store := testDB(t), testStore(t)

	empty, err := DashboardStats(gdb)
	if err != nil {
		t.Fatalf("DashboardStats: %v", err)
	}
	if empty.AvgQuality != "0.0%" || empty.ActiveProjects != 0 {
		t.Errorf("empty stats = %+v", empty)
	}

	p, _ := Create(gdb, CreateOpts{Name: "BRCA"})
	Create(gdb, CreateOpts{Name: "LUAD"})
	q := 92.5
	gdb.Model(&models.Project{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
		"quality_score": q, "validation_status": models.ValidationValidated,
	})
	upload(t, gdb, store, p.ID, "rna.csv", "", csvWithMissing(10, 10, 20))

	s, _ := DashboardStats(gdb)
	if s.ActiveProjects != 2 || s.ProcessedDatasets != 1 {
		t.Errorf("counts = %+v", s)
	}
	if s.AvgQuality != "92.5%" || s.AvgMissingRate != "20.0%" {
		t.Errorf("averages = %q/%q, want 92.5%%/20.0%%", s.AvgQuality, s.AvgMissingRate)
	}
}
