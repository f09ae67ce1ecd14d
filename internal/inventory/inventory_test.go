package inventory

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setupInventory opens an inventory in the test's temp directory with a
// fixed clock.
func setupInventory(t *testing.T) (*Inventory, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.jsonl")
	inv, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	inv.now = func() time.Time { return time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC) }
	return inv, path
}

func keys(rows []*Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key().Warehouse + "/" + r.Key().SKU
	}
	return out
}

func TestInventory(t *testing.T) {
	t.Run("Set and List", func(t *testing.T) {
		inv, _ := setupInventory(t)
		for _, it := range []struct {
			wh, sku, name string
			qty           int
		}{
			{"west", "b-2", "Bolt", 10},
			{"east", "n-1", "Nut", 4},
			{"west", "a-1", "Washer", 7},
		} {
			if _, err := inv.Set(it.wh, it.sku, it.name, it.qty); err != nil {
				t.Fatal(err)
			}
		}
		all, err := inv.List("")
		if err != nil {
			t.Fatal(err)
		}
		if got := strings.Join(keys(all), ","); got != "east/n-1,west/a-1,west/b-2" {
			t.Errorf("List() = %s", got)
		}
		west, err := inv.List("west")
		if err != nil {
			t.Fatal(err)
		}
		if got := strings.Join(keys(west), ","); got != "west/a-1,west/b-2" {
			t.Errorf("List(west) = %s", got)
		}
		if got := inv.ByName("bolt"); len(got) != 1 || got[0].Value().Qty != 10 {
			t.Errorf("ByName(bolt) = %v", keys(got))
		}
	})

	t.Run("Set is idempotent", func(t *testing.T) {
		inv, _ := setupInventory(t)
		r, err := inv.Set("w", "s", "Thing", 1)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := inv.Save(); err != nil {
			t.Fatal(err)
		}
		inv.now = func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }
		if _, err := inv.Set("w", "s", "Thing", 1); err != nil {
			t.Fatal(err)
		}
		if r.Value().Updated.Year() != 2024 {
			t.Errorf("Updated = %v, want unchanged", r.Value().Updated)
		}
		st, err := inv.Save()
		if err != nil {
			t.Fatal(err)
		}
		if st.Appended != 0 || st.Rewritten != 0 {
			t.Errorf("Save after no-op Set = %+v", st)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		inv, _ := setupInventory(t)
		if _, err := inv.Set("w", "s", "Thing", 1); err != nil {
			t.Fatal(err)
		}
		if err := inv.Remove("w", "s"); err != nil {
			t.Fatal(err)
		}
		if err := inv.Remove("w", "s"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Remove = %v, want ErrNotFound", err)
		}
		if got := inv.ByName("thing"); len(got) != 0 {
			t.Errorf("ByName after Remove = %v", keys(got))
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		inv, _ := setupInventory(t)
		if _, err := inv.Set("", "s", "x", 1); err == nil {
			t.Error("Set without warehouse succeeded")
		}
		if _, err := inv.Set("w", "s", "x", -1); err == nil {
			t.Error("Set with negative quantity succeeded")
		}
	})

	t.Run("persistence", func(t *testing.T) {
		inv, path := setupInventory(t)
		if _, err := inv.Set("w", "s", "Thing", 3); err != nil {
			t.Fatal(err)
		}
		if _, err := inv.Save(); err != nil {
			t.Fatal(err)
		}
		if _, err := inv.Set("w", "t", "Other", 1); err != nil {
			t.Fatal(err)
		}
		// Unsaved changes are dropped by Reload.
		if err := inv.Reload(); err != nil {
			t.Fatal(err)
		}
		rows, err := inv.List("")
		if err != nil {
			t.Fatal(err)
		}
		if got := strings.Join(keys(rows), ","); got != "w/s" {
			t.Errorf("List after Reload = %s", got)
		}

		again, err := Open(path, nil)
		if err != nil {
			t.Fatal(err)
		}
		got := again.ByName("THING")
		if len(got) != 1 || got[0].Value().Qty != 3 || !got[0].Value().Updated.Equal(inv.now()) {
			t.Errorf("reopened ByName = %+v", got)
		}
	})
}

func TestPrint(t *testing.T) {
	inv, _ := setupInventory(t)
	if _, err := inv.Set("west", "b-2", "Bolt", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := inv.table.Get(Key{"east", "x"}); err != nil {
		t.Fatal(err)
	}
	rows, err := inv.List("")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := Print(&buf, rows); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Print wrote %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "WAREHOUSE") {
		t.Errorf("header = %q", lines[0])
	}
	if f := strings.Fields(lines[2]); len(f) != 6 || f[0] != "west" || f[3] != "10" || f[4] != "2024-06-01" {
		t.Errorf("row = %q", lines[2])
	}
	if f := strings.Fields(lines[1]); len(f) != 3 || f[0] != "east" {
		t.Errorf("zero row = %q", lines[1])
	}
}
