// Package inventory is a stock table keyed by warehouse and SKU, persisted as
// JSONL.
package inventory

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/maruel/keytable/internal/jsonldb"
	"github.com/maruel/keytable/internal/keytable"
)

// ErrNotFound is returned when an item does not exist.
var ErrNotFound = errors.New("item not found")

// Key identifies an item.
type Key struct {
	Warehouse string `json:"warehouse"`
	SKU       string `json:"sku"`
}

// Item holds the mutable columns of an item.
type Item struct {
	Name    string    `json:"name"`
	Qty     int       `json:"qty"`
	Updated time.Time `json:"updated" keytable:"date"`
}

// Row is one inventory entry.
type Row = keytable.Row[Key, Item]

// Inventory couples the table, its name index and its file.
type Inventory struct {
	table  *keytable.Table[Key, Item]
	byName *keytable.Index[string, Key, Item]
	store  *jsonldb.Store[Key, Item]
	log    *slog.Logger
	now    func() time.Time
}

// Open loads the inventory stored at path. A missing file is an empty
// inventory.
func Open(path string, logger *slog.Logger) (*Inventory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cols, key, err := keytable.SchemaFromTypes[Key, Item]()
	if err != nil {
		return nil, err
	}
	tbl, err := keytable.New[Key, Item](cols, key, &keytable.Options{
		Types:  keytable.StandardTypes(),
		Logger: logger,
		Name:   "inventory",
	})
	if err != nil {
		return nil, err
	}
	store, err := jsonldb.Open(path, tbl)
	if err != nil {
		return nil, err
	}
	inv := &Inventory{
		table:  tbl,
		byName: keytable.NewIndex(tbl, func(r *Row) string { return strings.ToLower(r.Value().Name) }),
		store:  store,
		log:    logger,
		now:    time.Now,
	}
	if err := store.Load(); err != nil {
		return nil, err
	}
	return inv, nil
}

// Path returns the backing file.
func (inv *Inventory) Path() string {
	return inv.store.Path()
}

// Reload discards unsaved changes and rereads the file.
func (inv *Inventory) Reload() error {
	return inv.store.Load()
}

// Set creates or updates an item. Setting the current name and quantity is a
// no-op and keeps the Updated timestamp.
func (inv *Inventory) Set(warehouse, sku, name string, qty int) (*Row, error) {
	if warehouse == "" || sku == "" {
		return nil, errors.New("warehouse and sku are required")
	}
	if qty < 0 {
		return nil, fmt.Errorf("invalid quantity %d", qty)
	}
	r, err := inv.table.Get(Key{Warehouse: warehouse, SKU: sku})
	if err != nil {
		return nil, err
	}
	v := r.Value()
	if v.Name == name && v.Qty == qty && !v.Updated.IsZero() {
		return r, nil
	}
	v.Name, v.Qty, v.Updated = name, qty, inv.now().UTC()
	if err := r.Update(v); err != nil {
		return nil, err
	}
	return r, nil
}

// Remove deletes an item.
func (inv *Inventory) Remove(warehouse, sku string) error {
	r := inv.table.Find(Key{Warehouse: warehouse, SKU: sku})
	if r == nil {
		return fmt.Errorf("%s/%s: %w", warehouse, sku, ErrNotFound)
	}
	return r.Delete()
}

// List returns the items of one warehouse, or all items when warehouse is
// empty, in key order.
func (inv *Inventory) List(warehouse string) ([]*Row, error) {
	if warehouse == "" {
		return inv.table.Data(), nil
	}
	return inv.table.Prefix(keytable.Record{"warehouse": warehouse})
}

// ByName returns the items with the given name, ignoring case.
func (inv *Inventory) ByName(name string) []*Row {
	return inv.byName.Get(strings.ToLower(name))
}

// Save writes pending changes back to the file.
func (inv *Inventory) Save() (jsonldb.Stats, error) {
	cs := inv.table.Changes()
	if !cs.Empty() {
		inv.log.Info("Saving inventory", "path", inv.Path(), "added", len(cs.Added), "changed", len(cs.Changed), "deleted", len(cs.Deleted))
	}
	return inv.store.Save()
}

// Print writes rows as an aligned table.
func Print(w io.Writer, rows []*Row) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "WAREHOUSE\tSKU\tNAME\tQTY\tUPDATED"); err != nil {
		return err
	}
	for _, r := range rows {
		k, v := r.Key(), r.Value()
		updated := ""
		if !v.Updated.IsZero() {
			updated = v.Updated.Format(time.DateTime)
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", k.Warehouse, k.SKU, v.Name, v.Qty, updated); err != nil {
			return err
		}
	}
	return tw.Flush()
}
