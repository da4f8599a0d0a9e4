// Package storage keeps uploaded file snapshots, their parsed matrices and
// imputation outputs on the local filesystem.
package storage

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/modality"
)

// Layout under Root:
//
//	projects/<projectID>/<snapshot>/<filename>     raw upload
//	projects/<projectID>/<snapshot>/matrix.tsv     parsed matrix
//	outputs/<jobID>/<modality>_imputed.tsv         imputation output
const (
	projectsDir = "projects"
	outputsDir  = "outputs"
	matrixFile  = "matrix.tsv"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store is a filesystem snapshot store. Snapshots are written once and
// never modified, so parsed matrices are cached by path.
type Store struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]*matrix.Matrix
	order []string
	limit int
}

// Snapshot locates one stored upload.
type Snapshot struct {
	Dir         string
	StoragePath string
	MatrixPath  string
	Size        int64
}

// New creates root when missing and returns a Store over it.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", root, err)
	}
	return &Store{root: root, now: time.Now, cache: make(map[string]*matrix.Matrix), limit: 16}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// SaveUpload copies r into a new snapshot directory for projectID. At most
// maxBytes are accepted; a longer stream fails with matrix.ErrFileTooLarge
// and leaves nothing behind.
func (s *Store) SaveUpload(projectID uint, filename string, r io.Reader, maxBytes int64) (Snapshot, error) {
	if maxBytes <= 0 {
		maxBytes = matrix.DefaultMaxBytes
	}
	name := SafeName(filename)
	if err := os.MkdirAll(s.projectDir(projectID), 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("storage: create snapshot: %w", err)
	}
	var dir string
	for stamp := s.now().UnixNano(); ; stamp++ {
		dir = filepath.Join(s.projectDir(projectID), strconv.FormatInt(stamp, 10)+"-"+name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return Snapshot{}, fmt.Errorf("storage: create snapshot: %w", err)
		}
	}

	dst := filepath.Join(dir, name)
	f, err := os.Create(dst)
	if err != nil {
		os.RemoveAll(dir)
		return Snapshot{}, fmt.Errorf("storage: create %s: %w", dst, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.RemoveAll(dir)
		return Snapshot{}, fmt.Errorf("storage: write %s: %w", dst, err)
	}
	if n > maxBytes {
		os.RemoveAll(dir)
		return Snapshot{}, fmt.Errorf("storage: %w: upload exceeds limit of %d", matrix.ErrFileTooLarge, maxBytes)
	}
	return Snapshot{Dir: dir, StoragePath: dst, MatrixPath: filepath.Join(dir, matrixFile), Size: n}, nil
}

// SaveMatrix persists the parsed matrix of a snapshot.
func (s *Store) SaveMatrix(snap Snapshot, m *matrix.Matrix) error {
	if err := matrix.WriteFile(snap.MatrixPath, m); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	s.remember(snap.MatrixPath, m.Clone())
	return nil
}

// LoadMatrix returns the parsed matrix stored at path. Callers get their
// own copy and may modify it.
func (s *Store) LoadMatrix(path string) (*matrix.Matrix, error) {
	s.mu.Lock()
	if m, ok := s.cache[path]; ok {
		s.mu.Unlock()
		return m.Clone(), nil
	}
	s.mu.Unlock()

	m, err := matrix.ReadFile(path, matrixFile, math.MaxInt64)
	if err != nil {
		return nil, fmt.Errorf("storage: load %s: %w", path, err)
	}
	s.remember(path, m.Clone())
	return m, nil
}

// remember caches m, evicting the oldest entry past the limit.
func (s *Store) remember(path string, m *matrix.Matrix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[path]; ok {
		return
	}
	s.cache[path] = m
	s.order = append(s.order, path)
	if len(s.order) > s.limit {
		delete(s.cache, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Store) forget(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, p := range s.order {
		if rel, err := filepath.Rel(prefix, p); err == nil && !startsWithDotDot(rel) {
			delete(s.cache, p)
			continue
		}
		kept = append(kept, p)
	}
	s.order = kept
}

func startsWithDotDot(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// RemoveSnapshot deletes one snapshot directory.
func (s *Store) RemoveSnapshot(storagePath string) error {
	if storagePath == "" {
		return nil
	}
	dir := filepath.Dir(storagePath)
	if !s.within(dir) {
		return fmt.Errorf("storage: %s is outside %s", dir, s.root)
	}
	s.forget(dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: remove %s: %w", dir, err)
	}
	return nil
}

// RemoveProject deletes every snapshot of projectID.
func (s *Store) RemoveProject(projectID uint) error {
	dir := s.projectDir(projectID)
	s.forget(dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: remove project %d: %w", projectID, err)
	}
	return nil
}

// OutputDir returns the output directory of jobID.
func (s *Store) OutputDir(jobID string) string {
	return filepath.Join(s.root, outputsDir, SafeName(jobID))
}

// OutputPath returns where the imputed matrix of mod for jobID is written.
func (s *Store) OutputPath(jobID string, mod modality.Modality) string {
	return filepath.Join(s.OutputDir(jobID), string(mod)+"_imputed.tsv")
}

// WriteOutput stores an imputed matrix and returns its path.
func (s *Store) WriteOutput(jobID string, mod modality.Modality, m *matrix.Matrix) (string, error) {
	path := s.OutputPath(jobID, mod)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("storage: create output dir: %w", err)
	}
	if err := matrix.WriteFile(path, m); err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	return path, nil
}

// RemoveOutputs deletes the output directory of jobID.
func (s *Store) RemoveOutputs(jobID string) error {
	if err := os.RemoveAll(s.OutputDir(jobID)); err != nil {
		return fmt.Errorf("storage: remove outputs of %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) projectDir(projectID uint) string {
	return filepath.Join(s.root, projectsDir, strconv.FormatUint(uint64(projectID), 10))
}

func (s *Store) within(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	return err == nil && rel != "." && !startsWithDotDot(rel)
}

// SafeName reduces name to a single path element of safe characters.
func SafeName(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	base = unsafeChars.ReplaceAllString(base, "_")
	if base == "" || base == "." || base == "_" || base == "/" {
		return "upload"
	}
	return base
}
