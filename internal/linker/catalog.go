package linker

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/tinyrange/turnstone-core/internal/moduledb"
)

// ModuleCatalog resolves a module by the name another module imports it
// under. The build worklist calls Lookup at most once per distinct name.
type ModuleCatalog interface {
	Lookup(name string) (*Module, error)
}

// MapCatalog is an in-memory ModuleCatalog, used by tests and by callers
// that have already loaded every module they need.
type MapCatalog map[string]*Module

func (c MapCatalog) Lookup(name string) (*Module, error) {
	m, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
	}
	return m, nil
}

// moduleRecord is the gob-encoded form of a Module stored in a moduledb
// table row's "blob" value.
type moduleRecord struct {
	Name        string
	Code        []byte
	Symbols     []Symbol
	Relocations []Relocation
	EntryPoint  string
}

// DBCatalog resolves modules from a moduledb table, keyed by module name.
// This is the bridge spec.md's dependency ordering implies: the linker
// draws modules out of the persistent module database.
type DBCatalog struct {
	Table *moduledb.Table
}

func (c DBCatalog) Lookup(name string) (*Module, error) {
	rec, err := c.Table.SearchRecord(nameToRecordID(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrModuleNotFound, name, err)
	}
	blob, ok := rec.Values["blob"].([]byte)
	if !ok {
		return nil, fmt.Errorf("linker: record for %q has no blob value", name)
	}
	var mr moduleRecord
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&mr); err != nil {
		return nil, fmt.Errorf("linker: decode module %q: %w", name, err)
	}
	m := NewModule(mr.Name, mr.Code, mr.Symbols, mr.Relocations, mr.EntryPoint)
	return m, nil
}

// StoreModule persists m into table under a record id derived from its
// name, so a later DBCatalog.Lookup(m.Name) finds it.
func StoreModule(table *moduledb.Table, m *Module) error {
	var buf bytes.Buffer
	mr := moduleRecord{Name: m.Name, Code: m.Code, Symbols: m.Symbols, Relocations: m.Relocations, EntryPoint: m.EntryPoint}
	if err := gob.NewEncoder(&buf).Encode(mr); err != nil {
		return fmt.Errorf("linker: encode module %q: %w", m.Name, err)
	}
	_, err := table.UpsertRecord(nameToRecordID(m.Name), map[string]interface{}{"blob": buf.Bytes()})
	if err != nil {
		return fmt.Errorf("linker: store module %q: %w", m.Name, err)
	}
	return nil
}

// nameToRecordID hashes a module name down to the uint64 record id space
// moduledb tables key records by.
func nameToRecordID(name string) uint64 {
	var h uint64 = 14695981039346656037 // FNV-1a offset basis
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211 // FNV-1a prime
	}
	if h == 0 {
		h = 1
	}
	return h
}
