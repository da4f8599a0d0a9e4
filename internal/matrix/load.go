package matrix

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// DefaultMaxBytes is the upload cap applied when the caller passes zero.
const DefaultMaxBytes int64 = 500 * 1024 * 1024

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrFileTooLarge      = errors.New("file too large")
	ErrMalformedData     = errors.New("malformed data")
)

// Format names a supported upload encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatTSV   Format = "tsv"
	FormatExcel Format = "xlsx"
	FormatJSON  Format = "json"
)

// missingMarkers are the cell spellings read as NaN.
var missingMarkers = map[string]bool{
	"": true, "NA": true, "N/A": true, "NaN": true, "nan": true,
	"null": true, "NULL": true, "None": true, "#N/A": true, "-": true, "?": true,
}

// DetectFormat resolves the format from a filename extension. A trailing
// .gz is allowed on the delimited formats and reported through gz.
func DetectFormat(filename string) (f Format, gz bool, err error) {
	name := strings.ToLower(strings.TrimSpace(filename))
	if strings.HasSuffix(name, ".gz") {
		gz = true
		name = strings.TrimSuffix(name, ".gz")
	}
	switch filepath.Ext(name) {
	case ".csv":
		return FormatCSV, gz, nil
	case ".tsv", ".txt":
		return FormatTSV, gz, nil
	case ".xlsx", ".xlsm":
		if !gz {
			return FormatExcel, false, nil
		}
	case ".json":
		if !gz {
			return FormatJSON, false, nil
		}
	}
	return "", false, fmt.Errorf("matrix: %w: %s", ErrUnsupportedFormat, filename)
}

// CheckSize returns ErrFileTooLarge when size exceeds maxBytes. A zero
// maxBytes applies DefaultMaxBytes.
func CheckSize(size, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if size > maxBytes {
		return fmt.Errorf("matrix: %w: %d bytes exceeds limit of %d", ErrFileTooLarge, size, maxBytes)
	}
	return nil
}

// Read parses r as the format implied by filename. size is the declared
// length (negative if unknown); it is checked against maxBytes before any
// parsing, and the reader is additionally capped so an undeclared stream
// cannot exceed the limit. Gzipped input is capped again after
// decompression.
func Read(r io.Reader, filename string, size, maxBytes int64) (*Matrix, error) {
	format, gz, err := DetectFormat(filename)
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := CheckSize(size, maxBytes); err != nil {
		return nil, err
	}

	lr := &limitedReader{r: r, remaining: maxBytes}
	var zl *limitedReader
	var src io.Reader = lr
	if gz {
		zr, err := gzip.NewReader(lr)
		if err != nil {
			return nil, fmt.Errorf("matrix: %w: gzip: %v", ErrMalformedData, err)
		}
		defer zr.Close()
		zl = &limitedReader{r: zr, remaining: maxBytes}
		src = zl
	}

	var m *Matrix
	switch format {
	case FormatCSV:
		m, err = readDelimited(src, ',')
	case FormatTSV:
		m, err = readDelimited(src, '\t')
	case FormatExcel:
		m, err = readExcel(src)
	case FormatJSON:
		m, err = readJSON(src)
	}
	if lr.exceeded {
		return nil, fmt.Errorf("matrix: %w: stream exceeds limit of %d", ErrFileTooLarge, maxBytes)
	}
	if zl != nil && zl.exceeded {
		return nil, fmt.Errorf("matrix: %w: decompressed data exceeds limit of %d", ErrFileTooLarge, maxBytes)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ReadFile opens path and parses it using filename for format detection.
func ReadFile(path, filename string, maxBytes int64) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("matrix: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("matrix: stat %s: %w", path, err)
	}
	return Read(bufio.NewReader(f), filename, info.Size(), maxBytes)
}

type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// Read one more byte to distinguish "exactly at limit" from "over".
		var b [1]byte
		n, _ := l.r.Read(b[:])
		if n > 0 {
			l.exceeded = true
			return 0, ErrFileTooLarge
		}
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// parseCell converts a text cell into a value. Missing markers become NaN.
func parseCell(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if missingMarkers[s] {
		return math.NaN(), true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readDelimited(r io.Reader, comma rune) (*Matrix, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var records [][]string
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			if errors.Is(err, ErrFileTooLarge) {
				return nil, err
			}
			return nil, fmt.Errorf("matrix: %w: line %d: %v", ErrMalformedData, line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		records = append(records, rec)
	}
	return fromRecords(records, false)
}

// fromRecords builds a matrix from a header row plus data rows. When pad is
// set, short data rows are padded with missing cells (spreadsheets drop
// trailing empty cells); otherwise a count mismatch is malformed.
func fromRecords(records [][]string, pad bool) (*Matrix, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("matrix: %w: empty file", ErrMalformedData)
	}
	header := records[0]
	if len(header) < 2 {
		return nil, fmt.Errorf("matrix: %w: header needs a label column and at least one data column", ErrMalformedData)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("matrix: %w: no data rows", ErrMalformedData)
	}
	width := len(header)
	cols := make([]string, width-1)
	for j, h := range header[1:] {
		cols[j] = strings.TrimSpace(h)
	}

	body := records[1:]
	rows := make([]string, len(body))
	m := New(rows, cols, len(body), len(cols))
	m.Corner = strings.TrimSpace(header[0])
	for i, rec := range body {
		if len(rec) > width || (!pad && len(rec) != width) {
			return nil, fmt.Errorf("matrix: %w: row %d has %d fields, want %d", ErrMalformedData, i+2, len(rec), width)
		}
		rows[i] = strings.TrimSpace(rec[0])
		for j := 1; j < width; j++ {
			cell := ""
			if j < len(rec) {
				cell = rec[j]
			}
			v, ok := parseCell(cell)
			if !ok {
				return nil, fmt.Errorf("matrix: %w: row %d column %q: non-numeric value %q", ErrMalformedData, i+2, cols[j-1], cell)
			}
			m.Set(i, j-1, v)
		}
	}
	return m, nil
}

func readExcel(r io.Reader) (*Matrix, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("matrix: %w: excel: %v", ErrMalformedData, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("matrix: %w: workbook has no sheets", ErrMalformedData)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("matrix: %w: excel sheet %q: %v", ErrMalformedData, sheets[0], err)
	}
	// Trailing blank rows come back as empty slices.
	for len(rows) > 0 && len(rows[len(rows)-1]) == 0 {
		rows = rows[:len(rows)-1]
	}
	return fromRecords(rows, true)
}

// splitDoc is the pandas "split" orientation.
type splitDoc struct {
	Columns []json.RawMessage   `json:"columns"`
	Index   []json.RawMessage   `json:"index"`
	Data    [][]json.RawMessage `json:"data"`
}

func readJSON(r io.Reader) (*Matrix, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("matrix: read json: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("matrix: %w: empty file", ErrMalformedData)
	}
	switch trimmed[0] {
	case '{':
		return readJSONSplit(trimmed)
	case '[':
		return readJSONRecords(trimmed)
	}
	return nil, fmt.Errorf("matrix: %w: json must be an object or array", ErrMalformedData)
}

func readJSONSplit(raw []byte) (*Matrix, error) {
	var doc splitDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("matrix: %w: json: %v", ErrMalformedData, err)
	}
	if len(doc.Columns) == 0 || len(doc.Data) == 0 {
		return nil, fmt.Errorf("matrix: %w: split json needs columns and data", ErrMalformedData)
	}
	if len(doc.Index) != 0 && len(doc.Index) != len(doc.Data) {
		return nil, fmt.Errorf("matrix: %w: %d index labels for %d rows", ErrMalformedData, len(doc.Index), len(doc.Data))
	}

	cols := make([]string, len(doc.Columns))
	for j, c := range doc.Columns {
		cols[j] = jsonLabel(c)
	}
	rows := make([]string, len(doc.Data))
	m := New(rows, cols, len(doc.Data), len(cols))
	m.Corner = "index"
	for i, rec := range doc.Data {
		if len(doc.Index) > 0 {
			rows[i] = jsonLabel(doc.Index[i])
		} else {
			rows[i] = strconv.Itoa(i)
		}
		if len(rec) != len(cols) {
			return nil, fmt.Errorf("matrix: %w: row %d has %d values, want %d", ErrMalformedData, i, len(rec), len(cols))
		}
		for j, cell := range rec {
			v, err := jsonValue(cell)
			if err != nil {
				return nil, fmt.Errorf("matrix: %w: row %d column %q: %v", ErrMalformedData, i, cols[j], err)
			}
			m.Set(i, j, v)
		}
	}
	return m, nil
}

// readJSONRecords reads an array of objects. The first key of the first
// record names the row-label field; every other key of that record is a
// column, in document order.
func readJSONRecords(raw []byte) (*Matrix, error) {
	var records []orderedObject
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("matrix: %w: json: %v", ErrMalformedData, err)
	}
	if len(records) == 0 || len(records[0].keys) < 2 {
		return nil, fmt.Errorf("matrix: %w: records json needs a label field and at least one value field", ErrMalformedData)
	}
	labelKey := records[0].keys[0]
	cols := append([]string(nil), records[0].keys[1:]...)

	rows := make([]string, len(records))
	m := New(rows, cols, len(records), len(cols))
	m.Corner = labelKey
	for i, rec := range records {
		label, ok := rec.values[labelKey]
		if !ok {
			return nil, fmt.Errorf("matrix: %w: record %d missing %q", ErrMalformedData, i, labelKey)
		}
		rows[i] = jsonLabel(label)
		if len(rec.keys) != len(cols)+1 {
			return nil, fmt.Errorf("matrix: %w: record %d has %d fields, want %d", ErrMalformedData, i, len(rec.keys), len(cols)+1)
		}
		for j, c := range cols {
			cell, ok := rec.values[c]
			if !ok {
				return nil, fmt.Errorf("matrix: %w: record %d missing %q", ErrMalformedData, i, c)
			}
			v, err := jsonValue(cell)
			if err != nil {
				return nil, fmt.Errorf("matrix: %w: record %d field %q: %v", ErrMalformedData, i, c, err)
			}
			m.Set(i, j, v)
		}
	}
	return m, nil
}

// orderedObject is a JSON object that remembers key order.
type orderedObject struct {
	keys   []string
	values map[string]json.RawMessage
}

func (o *orderedObject) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record is not an object")
	}
	o.values = make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if _, dup := o.values[key]; !dup {
			o.keys = append(o.keys, key)
		}
		o.values[key] = v
	}
	return nil
}

func jsonLabel(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func jsonValue(raw json.RawMessage) (float64, error) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || string(t) == "null" {
		return math.NaN(), nil
	}
	if t[0] == '"' {
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return 0, err
		}
		v, ok := parseCell(s)
		if !ok {
			return 0, fmt.Errorf("non-numeric value %q", s)
		}
		return v, nil
	}
	var v float64
	if err := json.Unmarshal(t, &v); err != nil {
		return 0, fmt.Errorf("non-numeric value %s", string(t))
	}
	return v, nil
}
