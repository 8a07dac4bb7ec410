package moduledb

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRecordNotFound is returned by SearchRecord when no live record exists
// for the given id.
var ErrRecordNotFound = errors.New("moduledb: record not found")

// ErrTableFull is returned when a table's configured maxRecords is reached.
var ErrTableFull = errors.New("moduledb: table is full")

// tableDirEntry is one row of a database's table list: enough to find a
// table's record directory without loading its records.
type tableDirEntry struct {
	ID              uint64
	Name            string
	MaxRecords      uint64
	MaxValuelogSize uint64
	DirLoc          uint64
	DirSize         uint64
	Deleted         bool
}

// recordDirEntry is one row of a table's record directory: the newest known
// revision's location for a given record id.
type recordDirEntry struct {
	ID      uint64
	Loc     uint64
	Size    uint64
	Deleted bool
}

// Table is a named collection of records within a Database.
type Table struct {
	mu sync.Mutex

	db              *Database
	id              uint64
	name            string
	maxRecords      uint64
	maxValuelogSize uint64

	records      map[uint64]*Record // cache of loaded revisions
	index        *index             // id -> (location, size) of latest live revision
	nextRecordID uint64

	dirLoc, dirSize uint64
	dirty           bool
}

func (t *Table) Name() string { return t.name }
func (t *Table) ID() uint64   { return t.id }

// CreateRecord implements spec.md §4.1's create_record: assigns a fresh id,
// persists the first revision (terminal in its own chain), and indexes it.
func (t *Table) CreateRecord(values map[string]interface{}) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxRecords != 0 && uint64(t.index.len()) >= t.maxRecords {
		return nil, ErrTableFull
	}

	rec := &Record{ID: t.nextRecordID, Values: values}
	if err := t.writeRevisionLocked(rec, true); err != nil {
		return nil, err
	}
	t.nextRecordID++
	t.records[rec.ID] = rec
	t.index.insert(rec.ID, rec.Location, rec.Size)
	t.dirty = true

	return rec, nil
}

// UpsertRecord implements spec.md §4.1's upsert_record: writes a new
// revision chained to the record's previous revision, creating the record if
// it does not already exist.
func (t *Table) UpsertRecord(id uint64, values map[string]interface{}) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevLoc, prevSize, existed := t.index.lookup(id)
	rec := &Record{ID: id, Values: values, prevLocation: prevLoc, prevSize: prevSize}
	if err := t.writeRevisionLocked(rec, !existed); err != nil {
		return nil, err
	}
	if id >= t.nextRecordID {
		t.nextRecordID = id + 1
	}
	t.records[id] = rec
	t.index.insert(id, rec.Location, rec.Size)
	t.dirty = true

	return rec, nil
}

// SearchRecord implements spec.md §4.1's search_record by primary id,
// consulting the cache before falling back to the backing store.
func (t *Table) SearchRecord(id uint64) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadRecordLocked(id)
}

// SearchRecords implements spec.md §4.1's search_record(probe) column-match
// contract: the ordered-by-id sequence of every live record whose Values
// agree with probe on every key probe sets. A linear scan over the index is
// enough here since there is no secondary index keyed by column value, only
// by record id.
func (t *Table) SearchRecords(probe map[string]interface{}) ([]*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []uint64
	t.index.forEach(func(id, _, _ uint64) {
		ids = append(ids, id)
	})

	matches := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := t.loadRecordLocked(id)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		if recordMatchesProbe(rec, probe) {
			matches = append(matches, rec)
		}
	}
	return matches, nil
}

func recordMatchesProbe(rec *Record, probe map[string]interface{}) bool {
	for k, want := range probe {
		got, ok := rec.Values[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func (t *Table) loadRecordLocked(id uint64) (*Record, error) {
	if rec, ok := t.records[id]; ok {
		if rec.Deleted {
			return nil, ErrRecordNotFound
		}
		return rec, nil
	}

	loc, size, ok := t.index.lookup(id)
	if !ok {
		return nil, ErrRecordNotFound
	}

	raw, err := t.db.engine.store.ReadBlock(loc, size)
	if err != nil {
		return nil, fmt.Errorf("moduledb: read record %d: %w", id, err)
	}
	blk, err := decodeBlock(loc, raw)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(blk)
	if err != nil {
		return nil, err
	}
	t.records[id] = rec
	if rec.Deleted {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// DeleteRecord implements logical delete: a new revision with Deleted set is
// chained onto the record's prior revision, leaving history intact.
func (t *Table) DeleteRecord(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevLoc, prevSize, existed := t.index.lookup(id)
	if !existed {
		return ErrRecordNotFound
	}
	rec := &Record{ID: id, Deleted: true, prevLocation: prevLoc, prevSize: prevSize}
	if err := t.writeRevisionLocked(rec, false); err != nil {
		return err
	}
	t.records[id] = rec
	t.index.remove(id)
	t.dirty = true
	return nil
}

func (t *Table) writeRevisionLocked(rec *Record, prevInvalid bool) error {
	payload, err := rec.encode()
	if err != nil {
		return err
	}
	raw := encodeBlock(BlockTypeData, rec.prevLocation, rec.prevSize, prevInvalid, payload)
	loc, err := t.db.engine.store.AppendBlock(raw)
	if err != nil {
		return fmt.Errorf("moduledb: append record %d: %w", rec.ID, err)
	}
	rec.Location = loc
	rec.Size = uint64(len(raw))
	return nil
}

// persist writes the table's record directory if it has changed since the
// last call. Caller holds t.db.mu (via Database.persistLocked); Table has
// its own lock to stay safe if called independently.
func (t *Table) persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dirty && t.dirLoc != 0 {
		return nil
	}

	rows := make([]recordDirEntry, 0, t.index.len())
	t.index.forEach(func(id, loc, size uint64) {
		rows = append(rows, recordDirEntry{ID: id, Loc: loc, Size: size})
	})
	payload, err := encodeGob(rows)
	if err != nil {
		return err
	}
	prevInvalid := t.dirLoc == 0
	raw := encodeBlock(BlockTypeColumnList, t.dirLoc, t.dirSize, prevInvalid, payload)
	loc, err := t.db.engine.store.AppendBlock(raw)
	if err != nil {
		return fmt.Errorf("moduledb: append record directory: %w", err)
	}
	t.dirLoc = loc
	t.dirSize = uint64(len(raw))
	t.dirty = false
	return nil
}
