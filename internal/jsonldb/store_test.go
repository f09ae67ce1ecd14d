package jsonldb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maruel/keytable/internal/keytable"
)

type itemKey struct {
	Warehouse string `json:"warehouse"`
	SKU       int    `json:"sku"`
}

type itemValue struct {
	Name    string    `json:"name"`
	Qty     int       `json:"qty"`
	Updated time.Time `json:"updated"`
}

const (
	itemColumns = "warehouse,sku,name,qty,updated:date"
	itemKeySpec = "warehouse,sku"
)

func newItems(t *testing.T) *keytable.Table[itemKey, itemValue] {
	t.Helper()
	tbl, err := keytable.New[itemKey, itemValue](itemColumns, itemKeySpec, &keytable.Options{Types: keytable.StandardTypes()})
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

// setupStore creates a store in the test's temp directory.
func setupStore(t *testing.T) (*Store[itemKey, itemValue], string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sub", "items.jsonl")
	s, err := Open(path, newItems(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
	return lines
}

func TestStore(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		s, path := setupStore(t)
		if err := s.Load(); err != nil {
			t.Fatal(err)
		}
		if s.table.Len() != 0 {
			t.Errorf("Len() = %d, want 0", s.table.Len())
		}
		if s.Path() != path {
			t.Errorf("Path() = %q", s.Path())
		}
		if _, err := os.Stat(filepath.Dir(path)); err != nil {
			t.Errorf("directory not created: %v", err)
		}
	})

	t.Run("save and reload", func(t *testing.T) {
		s, path := setupStore(t)
		when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		if _, err := s.table.Add(itemKey{"b", 2}, itemValue{"bolt", 10, when}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.table.Add(itemKey{"a", 9}, itemValue{"nut", 3, when}); err != nil {
			t.Fatal(err)
		}
		st, err := s.Save()
		if err != nil {
			t.Fatal(err)
		}
		if st.Rewritten != 2 || st.Appended != 0 {
			t.Errorf("first Save stats = %+v, want a rewrite of 2", st)
		}
		if s.table.HasChanges() {
			t.Error("Save did not checkpoint the table")
		}

		lines := readLines(t, path)
		if len(lines) != 3 {
			t.Fatalf("file has %d lines, want 3:\n%s", len(lines), strings.Join(lines, "\n"))
		}
		var h schemaHeader
		if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
			t.Fatal(err)
		}
		if h.Version != currentVersion || len(h.Columns) != 5 || strings.Join(h.Key, ",") != itemKeySpec {
			t.Errorf("header = %+v", h)
		}
		if !strings.Contains(lines[1], `"warehouse":"a"`) || !strings.Contains(lines[1], `"updated":"2024-03-01T12:00:00Z"`) {
			t.Errorf("rows not in key order or not serialized: %s", lines[1])
		}

		other, err := Open(path, newItems(t))
		if err != nil {
			t.Fatal(err)
		}
		if err := other.Load(); err != nil {
			t.Fatal(err)
		}
		got := other.table.Find(itemKey{"b", 2})
		if got == nil || got.Value().Name != "bolt" || got.Value().Qty != 10 || !got.Value().Updated.Equal(when) {
			t.Errorf("reloaded row = %+v", got)
		}
		if other.table.HasChanges() {
			t.Error("reloaded table has changes")
		}
	})

	t.Run("no changes writes nothing", func(t *testing.T) {
		s, path := setupStore(t)
		if _, err := s.table.Add(itemKey{"a", 1}, itemValue{Name: "x"}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Save(); err != nil {
			t.Fatal(err)
		}
		before, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		st, err := s.Save()
		if err != nil || st != (Stats{}) {
			t.Fatalf("Save = %+v, %v", st, err)
		}
		after, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size() {
			t.Error("file touched without changes")
		}
	})

	t.Run("additions are appended", func(t *testing.T) {
		s, path := setupStore(t)
		if _, err := s.table.Add(itemKey{"z", 1}, itemValue{Name: "first"}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Save(); err != nil {
			t.Fatal(err)
		}
		if _, err := s.table.Add(itemKey{"a", 1}, itemValue{Name: "second"}); err != nil {
			t.Fatal(err)
		}
		st, err := s.Save()
		if err != nil {
			t.Fatal(err)
		}
		if st.Appended != 1 || st.Rewritten != 0 {
			t.Errorf("Save stats = %+v, want one append", st)
		}
		lines := readLines(t, path)
		if len(lines) != 3 || !strings.Contains(lines[2], "second") {
			t.Errorf("file = %v", lines)
		}

		// Appended rows load back regardless of their position.
		other, err := Open(path, newItems(t))
		if err != nil {
			t.Fatal(err)
		}
		if err := other.Load(); err != nil {
			t.Fatal(err)
		}
		d := other.table.Data()
		if len(d) != 2 || d[0].Key().Warehouse != "a" {
			t.Errorf("reloaded %d rows, first %v", len(d), d[0].Key())
		}
	})

	t.Run("updates and deletes rewrite", func(t *testing.T) {
		s, path := setupStore(t)
		a, err := s.table.Add(itemKey{"a", 1}, itemValue{Name: "a"})
		if err != nil {
			t.Fatal(err)
		}
		b, err := s.table.Add(itemKey{"b", 1}, itemValue{Name: "b"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Save(); err != nil {
			t.Fatal(err)
		}
		if err := a.UpdateRecord(keytable.Record{"qty": 5}); err != nil {
			t.Fatal(err)
		}
		if err := b.Delete(); err != nil {
			t.Fatal(err)
		}
		st, err := s.Save()
		if err != nil {
			t.Fatal(err)
		}
		if st.Rewritten != 1 {
			t.Errorf("Save stats = %+v, want a rewrite of 1", st)
		}
		lines := readLines(t, path)
		if len(lines) != 2 || !strings.Contains(lines[1], `"qty":5`) {
			t.Errorf("file = %v", lines)
		}
		matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
		if err != nil || len(matches) != 0 {
			t.Errorf("temp files left behind: %v", matches)
		}
	})

	t.Run("schema mismatch", func(t *testing.T) {
		s, path := setupStore(t)
		if _, err := s.Save(); err != nil {
			t.Fatal(err)
		}
		type narrowValue struct {
			Name string `json:"name"`
		}
		narrow, err := keytable.New[itemKey, narrowValue]("warehouse,sku,name", itemKeySpec, nil)
		if err != nil {
			t.Fatal(err)
		}
		other, err := Open(path, narrow)
		if err != nil {
			t.Fatal(err)
		}
		if err := other.Load(); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("Load error = %v, want ErrSchemaMismatch", err)
		}
	})

	t.Run("corrupt files", func(t *testing.T) {
		tests := []struct {
			name    string
			content string
			want    error
		}{
			{"bad header", "not json\n", nil},
			{"no version", `{"columns":[],"key":["warehouse"]}` + "\n", errSchemaVersionRequired},
			{"bad row", "HEADER\n{\"warehouse\":\n", nil},
			{"duplicate rows", "HEADER\n" +
				`{"warehouse":"a","sku":1,"name":"x","qty":1,"updated":null}` + "\n" +
				`{"warehouse":"a","sku":1,"name":"y","qty":2,"updated":null}` + "\n", keytable.ErrDuplicateKey},
			{"missing key", "HEADER\n" + `{"warehouse":"a","name":"x"}` + "\n", keytable.ErrMissingKey},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s, path := setupStore(t)
				h := headerFor(s.table.Schema())
				header, err := json.Marshal(&h)
				if err != nil {
					t.Fatal(err)
				}
				content := strings.Replace(tt.content, "HEADER", string(header), 1)
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					t.Fatal(err)
				}
				if _, err := s.table.Add(itemKey{"keep", 1}, itemValue{}); err != nil {
					t.Fatal(err)
				}
				err = s.Load()
				if err == nil {
					t.Fatal("Load succeeded")
				}
				if tt.want != nil && !errors.Is(err, tt.want) {
					t.Errorf("Load error = %v, want %v", err, tt.want)
				}
				if s.table.Find(itemKey{"keep", 1}) == nil {
					t.Error("failed Load discarded the table's rows")
				}
			})
		}
	})

	t.Run("logs through the table logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		tbl, err := keytable.New[itemKey, itemValue](itemColumns, itemKeySpec, &keytable.Options{
			Types:  keytable.StandardTypes(),
			Logger: logger,
			Name:   "items",
		})
		if err != nil {
			t.Fatal(err)
		}
		s, err := Open(filepath.Join(t.TempDir(), "items.jsonl"), tbl)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tbl.Add(itemKey{"a", 1}, itemValue{Name: "x"}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Save(); err != nil {
			t.Fatal(err)
		}
		if err := s.Load(); err != nil {
			t.Fatal(err)
		}
		out := buf.String()
		for _, want := range []string{`msg="Saved table"`, `msg="Loaded table"`} {
			if !strings.Contains(out, want) {
				t.Errorf("log is missing %s:\n%s", want, out)
			}
		}
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			if !strings.Contains(line, "table=items") {
				t.Errorf("log line without the table name: %s", line)
			}
		}
	})

	t.Run("large numbers", func(t *testing.T) {
		type bigValue struct {
			N int64 `json:"n"`
		}
		tbl, err := keytable.New[itemKey, bigValue]("warehouse,sku,n", itemKeySpec, nil)
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(t.TempDir(), "big.jsonl")
		s, err := Open(path, tbl)
		if err != nil {
			t.Fatal(err)
		}
		const big = int64(1)<<62 + 1
		if _, err := tbl.Add(itemKey{"a", 1}, bigValue{big}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Save(); err != nil {
			t.Fatal(err)
		}
		tbl.Clear()
		if err := s.Load(); err != nil {
			t.Fatal(err)
		}
		if got := tbl.Find(itemKey{"a", 1}); got == nil || got.Value().N != big {
			t.Errorf("reloaded %v, want %d", got, big)
		}
	})
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.jsonl")
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	changed := make(chan struct{}, 16)
	if err := Watch(ctx, path, func() { changed <- struct{}{} }); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.jsonl"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestWatchCoalescesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunked.jsonl")
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	seen := make(chan string, 16)
	err := Watch(ctx, path, func() {
		b, err := os.ReadFile(path)
		if err != nil {
			seen <- "error: " + err.Error()
			return
		}
		seen <- string(b)
	})
	if err != nil {
		t.Fatal(err)
	}

	// A line flushed in several chunks is reported once, complete.
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	chunks := []string{`{"warehouse":`, `"a","sku":1}`, "\n"}
	for _, c := range chunks {
		if _, err := f.WriteString(c); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	want := strings.Join(chunks, "")
	select {
	case got := <-seen:
		if got != want {
			t.Errorf("onChange saw %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
	select {
	case got := <-seen:
		t.Errorf("extra notification with %q", got)
	case <-time.After(3 * watchDelay):
	}
}
