// Package jsonldb persists keytable tables as JSONL files.
//
// Line 1 of a file is a schema header; every following line is one row as
// produced by keytable.Table.Serialize. Saving writes back only what the
// table's change tracker reports: nothing, appended rows, or a full rewrite.
package jsonldb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/maruel/keytable/internal/keytable"
)

var (
	errSchemaVersionRequired = errors.New("schema version is required")
	// ErrSchemaMismatch is returned when a file was written for another schema.
	ErrSchemaMismatch = errors.New("file schema does not match table schema")
)

// currentVersion is the current version of the JSONL table format.
const currentVersion = "1.0"

// maxLineSize bounds a single row.
const maxLineSize = 16 << 20

// schemaHeader is the first line of a JSONL data file.
type schemaHeader struct {
	Version string            `json:"version"`
	Columns []keytable.Column `json:"columns"`
	Key     []string          `json:"key"`
}

func headerFor(s *keytable.Schema) schemaHeader {
	return schemaHeader{Version: currentVersion, Columns: s.Definitions(), Key: s.Key()}
}

// Validate checks that the schema header is well-formed.
func (h *schemaHeader) Validate() error {
	if h.Version == "" {
		return errSchemaVersionRequired
	}
	for i, col := range h.Columns {
		if col.Name == "" {
			return fmt.Errorf("column %d: name is required", i)
		}
		if col.Type == "" {
			return fmt.Errorf("column %d: type is required", i)
		}
	}
	if len(h.Key) == 0 {
		return errors.New("key is required")
	}
	return nil
}

func (h *schemaHeader) matches(other *schemaHeader) bool {
	return slices.Equal(h.Columns, other.Columns) && slices.Equal(h.Key, other.Key)
}

// Stats describes what a Save wrote.
type Stats struct {
	Appended  int
	Rewritten int
}

// Store binds a table to a JSONL file.
//
// Store serializes its own file I/O; callers still own synchronization of
// the table itself. It logs through the table's logger.
type Store[K comparable, V any] struct {
	path  string
	table *keytable.Table[K, V]
	mu    sync.Mutex
}

// Open creates a Store for the table at path. The parent directory is created
// if needed; the file itself is read by Load.
func Open[K comparable, V any](path string, table *keytable.Table[K, V]) (*Store[K, V], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // G301: data directory
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return &Store[K, V]{path: path, table: table}, nil
}

// Path returns the file path.
func (s *Store[K, V]) Path() string {
	return s.path
}

// Load replaces the table's rows with the file's content. A missing file
// loads an empty table.
func (s *Store[K, V]) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	if err := s.table.Load(slices.Values(records)); err != nil {
		return fmt.Errorf("failed to load %s: %w", s.path, err)
	}
	s.table.Logger().Debug("Loaded table", "path", s.path, "rows", len(records))
	return nil
}

func (s *Store[K, V]) read() ([]keytable.Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open table file %s: %w", s.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	want := headerFor(s.table.Schema())
	var records []keytable.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	sawHeader := false
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !sawHeader {
			var h schemaHeader
			if err := json.Unmarshal(line, &h); err != nil {
				return nil, fmt.Errorf("failed to parse schema header in %s: %w", s.path, err)
			}
			if err := h.Validate(); err != nil {
				return nil, fmt.Errorf("invalid schema header in %s: %w", s.path, err)
			}
			if !h.matches(&want) {
				return nil, fmt.Errorf("%s: %w", s.path, ErrSchemaMismatch)
			}
			sawHeader = true
			continue
		}
		d := json.NewDecoder(bytes.NewReader(line))
		d.UseNumber()
		var rec keytable.Record
		if err := d.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row at %s:%d: %w", s.path, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read table file %s: %w", s.path, err)
	}
	return records, nil
}

// Save writes back the table's pending changes, then checkpoints the table.
//
// Nothing is written when nothing changed. When rows were only added they are
// appended; any change or deletion rewrites the file atomically.
func (s *Store[K, V]) Save() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.table.Changes()
	// An empty file has no header yet, so it is rewritten rather than appended to.
	fi, statErr := os.Stat(s.path)
	exists := statErr == nil && fi.Size() > 0
	var st Stats
	switch {
	case exists && cs.Empty():
		return st, nil
	case exists && len(cs.Changed) == 0 && len(cs.Deleted) == 0:
		if err := s.appendRows(cs.Added); err != nil {
			return st, err
		}
		st.Appended = len(cs.Added)
	default:
		n, err := s.rewrite()
		if err != nil {
			return st, err
		}
		st.Rewritten = n
	}
	s.table.ResetChanges()
	s.table.Logger().Debug("Saved table", "path", s.path, "appended", st.Appended, "rewritten", st.Rewritten)
	return st, nil
}

func (s *Store[K, V]) appendRows(rows []*keytable.Row[K, V]) error {
	var buf bytes.Buffer
	for _, r := range rows {
		rec, err := s.table.SerializeRow(r)
		if err != nil {
			return fmt.Errorf("failed to serialize row %s: %w", r.ID(), err)
		}
		if err := writeLine(&buf, rec); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // G302: data file
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return errors.Join(fmt.Errorf("failed to write rows: %w", err), f.Close())
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close table file: %w", err)
	}
	return nil
}

func (s *Store[K, V]) rewrite() (int, error) {
	records, err := s.table.Serialize()
	if err != nil {
		return 0, fmt.Errorf("failed to serialize table: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()

	writer := bufio.NewWriter(f)
	h := headerFor(s.table.Schema())
	err = writeLine(writer, &h)
	for i := 0; err == nil && i < len(records); i++ {
		err = writeLine(writer, records[i])
	}
	if err == nil {
		err = writer.Flush()
	}
	if err != nil {
		return 0, errors.Join(fmt.Errorf("failed to write table file: %w", err), f.Close(), os.Remove(tmpPath))
	}
	if err := f.Close(); err != nil {
		return 0, errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return 0, errors.Join(fmt.Errorf("failed to rename table file: %w", err), os.Remove(tmpPath))
	}
	return len(records), nil
}

type lineWriter interface {
	Write(p []byte) (int, error)
	WriteByte(c byte) error
}

func writeLine(w lineWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}
