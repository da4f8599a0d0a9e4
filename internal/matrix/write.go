package matrix

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MissingText is the spelling written for NaN cells.
const MissingText = "NA"

// WriteTSV writes m as tab-separated text with a header row. Values use the
// shortest representation that round-trips exactly.
func WriteTSV(w io.Writer, m *Matrix) error {
	bw := bufio.NewWriter(w)
	header := make([]string, 0, m.Cols()+1)
	header = append(header, m.Corner)
	header = append(header, m.ColLabels...)
	if _, err := bw.WriteString(strings.Join(header, "\t") + "\n"); err != nil {
		return err
	}

	cells := make([]string, m.Cols()+1)
	for i := 0; i < m.Rows(); i++ {
		cells[0] = m.RowLabels[i]
		for j, v := range m.Row(i) {
			if Missing(v) {
				cells[j+1] = MissingText
			} else {
				cells[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if _, err := bw.WriteString(strings.Join(cells, "\t") + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes m as TSV to path, creating parent directories. The file is
// written to a temporary name and renamed so readers never see a partial file.
func WriteFile(path string, m *Matrix) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("matrix: create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("matrix: create %s: %w", tmp, err)
	}
	if err := WriteTSV(f, m); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("matrix: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("matrix: close %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("matrix: rename %s: %w", path, err)
	}
	return nil
}
