package moduledb

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
)

func init() {
	gob.Register(int64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register([]byte(nil))
}

// superblock is the root of the whole store: the next database id to hand
// out and the head of the database-list chain. It lives at the fixed
// location 0 and is the one block ever rewritten in place.
type superblock struct {
	NextDatabaseID   uint64
	DatabaseListLoc  uint64
	DatabaseListSize uint64
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("moduledb: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("moduledb: gob decode: %w", err)
	}
	return nil
}

// databaseDirEntry is one row of the engine-wide database list.
type databaseDirEntry struct {
	ID          uint64
	Name        string
	MetaLoc     uint64
	MetaSize    uint64
	Deleted     bool
}

// Engine owns the backing store shared by every database opened from it. It
// plays the role of tosdb_t in the original implementation: one block store,
// many named databases, opened lazily by name.
type Engine struct {
	mu    sync.Mutex
	log   *slog.Logger
	store BlockStore

	super superblock

	dir       map[string]*databaseDirEntry // known databases, not yet necessarily loaded
	databases map[string]*Database         // loaded databases
	dirty     bool
}

// OpenEngine reads the store's superblock, creating a fresh one if the store
// has never had one written (a brand-new store).
func OpenEngine(store BlockStore, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:       log,
		store:     store,
		dir:       make(map[string]*databaseDirEntry),
		databases: make(map[string]*Database),
		super:     superblock{NextDatabaseID: 1},
	}

	raw, ok, err := store.ReadSuperblock()
	if err != nil {
		return nil, fmt.Errorf("moduledb: read superblock: %w", err)
	}
	if !ok {
		return e, nil
	}
	if err := decodeGob(raw, &e.super); err != nil {
		return nil, fmt.Errorf("moduledb: decode superblock: %w", err)
	}

	if e.super.DatabaseListLoc != 0 {
		var entries []databaseDirEntry
		err := WalkChain(store, e.super.DatabaseListLoc, e.super.DatabaseListSize, 1<<20, func(blk *Block) error {
			if entries != nil {
				return nil // only the newest revision of the list is authoritative
			}
			return decodeGob(blk.Payload, &entries)
		})
		if err != nil {
			return nil, fmt.Errorf("moduledb: load database list: %w", err)
		}
		for i := range entries {
			ent := entries[i]
			if !ent.Deleted {
				e.dir[ent.Name] = &ent
			}
		}
	}

	return e, nil
}

// OpenOrCreateDatabase implements spec.md §4.1's open_or_create_database.
func (e *Engine) OpenOrCreateDatabase(name string) (*Database, error) {
	if name == "" {
		return nil, fmt.Errorf("moduledb: database name is empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if db, ok := e.databases[name]; ok {
		return db, nil
	}

	if ent, ok := e.dir[name]; ok {
		db, err := e.loadDatabaseLocked(ent)
		if err != nil {
			return nil, err
		}
		e.databases[name] = db
		return db, nil
	}

	db := &Database{
		engine:      e,
		id:          e.super.NextDatabaseID,
		name:        name,
		tables:      make(map[string]*Table),
		tableDir:    make(map[string]*tableDirEntry),
		nextTableID: 1,
		dirty:       true,
	}
	e.super.NextDatabaseID++
	e.databases[name] = db
	e.dirty = true

	e.log.Debug("moduledb: database created", "name", name, "id", db.id)

	return db, nil
}

func (e *Engine) loadDatabaseLocked(ent *databaseDirEntry) (*Database, error) {
	db := &Database{
		engine:      e,
		id:          ent.ID,
		name:        ent.Name,
		tables:      make(map[string]*Table),
		tableDir:    make(map[string]*tableDirEntry),
		nextTableID: 1,
	}

	var meta struct {
		NextTableID   uint64
		TableListLoc  uint64
		TableListSize uint64
	}
	found := false
	err := WalkChain(e.store, ent.MetaLoc, ent.MetaSize, 1<<20, func(blk *Block) error {
		if found {
			return nil
		}
		found = true
		return decodeGob(blk.Payload, &meta)
	})
	if err != nil {
		return nil, fmt.Errorf("moduledb: load database %q metadata: %w", ent.Name, err)
	}
	db.nextTableID = meta.NextTableID
	db.tableListLoc = meta.TableListLoc
	db.tableListSize = meta.TableListSize
	db.metaLoc = ent.MetaLoc
	db.metaSize = ent.MetaSize

	if db.tableListLoc != 0 {
		var entries []tableDirEntry
		loaded := false
		err := WalkChain(e.store, db.tableListLoc, db.tableListSize, 1<<20, func(blk *Block) error {
			if loaded {
				return nil
			}
			loaded = true
			return decodeGob(blk.Payload, &entries)
		})
		if err != nil {
			return nil, fmt.Errorf("moduledb: load table list for %q: %w", ent.Name, err)
		}
		for i := range entries {
			te := entries[i]
			if !te.Deleted {
				db.tableDir[te.Name] = &te
			}
		}
	}

	e.log.Debug("moduledb: database loaded", "name", ent.Name, "id", ent.ID)
	return db, nil
}

// Persist writes every dirty database's metadata and table lists, then the
// engine-wide database list and superblock. It is the Go analogue of
// tosdb_database_persist/tosdb_close, made an explicit, callable operation
// rather than something done only at process exit.
func (e *Engine) Persist() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	anyDirty := e.dirty
	for _, db := range e.databases {
		if err := db.persistLocked(); err != nil {
			return err
		}
		if db.dirty {
			anyDirty = true
		}
		e.dir[db.name] = &databaseDirEntry{
			ID:       db.id,
			Name:     db.name,
			MetaLoc:  db.metaLoc,
			MetaSize: db.metaSize,
		}
		db.dirty = false
	}

	if !anyDirty && e.super.DatabaseListLoc != 0 {
		return nil
	}

	entries := make([]databaseDirEntry, 0, len(e.dir))
	for _, ent := range e.dir {
		entries = append(entries, *ent)
	}
	payload, err := encodeGob(entries)
	if err != nil {
		return err
	}
	prevInvalid := e.super.DatabaseListLoc == 0
	raw := encodeBlock(BlockTypeDatabase, e.super.DatabaseListLoc, e.super.DatabaseListSize, prevInvalid, payload)
	loc, err := e.store.AppendBlock(raw)
	if err != nil {
		return fmt.Errorf("moduledb: append database list: %w", err)
	}
	e.super.DatabaseListLoc = loc
	e.super.DatabaseListSize = uint64(len(raw))

	sbPayload, err := encodeGob(e.super)
	if err != nil {
		return err
	}
	page := make([]byte, PageSize)
	copy(page, sbPayload)
	if err := e.store.WriteSuperblock(page); err != nil {
		return fmt.Errorf("moduledb: write superblock: %w", err)
	}
	e.dirty = false
	return nil
}

// Database is a named collection of tables backed by an Engine's block
// store. Tables are loaded lazily: CreateOrOpenTable only pins down a
// table's metadata location/size until the table is first touched.
type Database struct {
	mu sync.Mutex

	engine *Engine
	id     uint64
	name   string

	tables      map[string]*Table
	tableDir    map[string]*tableDirEntry
	nextTableID uint64

	metaLoc, metaSize           uint64
	tableListLoc, tableListSize uint64

	dirty bool
}

func (db *Database) Name() string { return db.name }
func (db *Database) ID() uint64   { return db.id }

// CreateOrOpenTable implements spec.md §4.1's create_or_open_table: an
// already-loaded table is returned as-is, a known-but-unloaded table is
// loaded from its pinned metadata location, and an unknown name creates a
// fresh table.
func (db *Database) CreateOrOpenTable(name string, maxRecords, maxValuelogSize uint64) (*Table, error) {
	if name == "" {
		return nil, fmt.Errorf("moduledb: table name is empty")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if tbl, ok := db.tables[name]; ok {
		return tbl, nil
	}

	if ent, ok := db.tableDir[name]; ok {
		tbl, err := db.loadTableLocked(ent)
		if err != nil {
			return nil, err
		}
		db.tables[name] = tbl
		return tbl, nil
	}

	tbl := &Table{
		db:              db,
		id:              db.nextTableID,
		name:            name,
		maxRecords:      maxRecords,
		maxValuelogSize: maxValuelogSize,
		records:         make(map[uint64]*Record),
		index:           newIndex(),
		nextRecordID:    1,
	}
	db.nextTableID++
	db.tables[name] = tbl
	db.dirty = true

	db.engine.log.Debug("moduledb: table created", "database", db.name, "table", name)

	return tbl, nil
}

func (db *Database) loadTableLocked(ent *tableDirEntry) (*Table, error) {
	tbl := &Table{
		db:              db,
		id:              ent.ID,
		name:            ent.Name,
		maxRecords:      ent.MaxRecords,
		maxValuelogSize: ent.MaxValuelogSize,
		records:         make(map[uint64]*Record),
		index:           newIndex(),
		nextRecordID:    1,
		dirLoc:          ent.DirLoc,
		dirSize:         ent.DirSize,
	}

	if tbl.dirLoc != 0 {
		var rows []recordDirEntry
		loaded := false
		err := WalkChain(db.engine.store, tbl.dirLoc, tbl.dirSize, 1<<20, func(blk *Block) error {
			if loaded {
				return nil
			}
			loaded = true
			return decodeGob(blk.Payload, &rows)
		})
		if err != nil {
			return nil, fmt.Errorf("moduledb: load record directory for table %q: %w", ent.Name, err)
		}
		for i := range rows {
			r := rows[i]
			if r.ID >= tbl.nextRecordID {
				tbl.nextRecordID = r.ID + 1
			}
			if !r.Deleted {
				tbl.index.insert(r.ID, r.Loc, r.Size)
			}
		}
	}

	db.engine.log.Debug("moduledb: table loaded", "database", db.name, "table", ent.Name)
	return tbl, nil
}

// persistLocked writes every dirty table's record directory, then this
// database's own table-list and metadata blocks. Caller holds db.engine.mu.
func (db *Database) persistLocked() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	anyTableDirty := false
	for name, tbl := range db.tables {
		if err := tbl.persist(); err != nil {
			return fmt.Errorf("moduledb: persist table %q: %w", name, err)
		}
		db.tableDir[name] = &tableDirEntry{
			ID:              tbl.id,
			Name:            tbl.name,
			MaxRecords:      tbl.maxRecords,
			MaxValuelogSize: tbl.maxValuelogSize,
			DirLoc:          tbl.dirLoc,
			DirSize:         tbl.dirSize,
		}
		if tbl.dirty {
			anyTableDirty = true
			tbl.dirty = false
		}
	}

	if !anyTableDirty && !db.dirty && db.metaLoc != 0 {
		return nil
	}

	entries := make([]tableDirEntry, 0, len(db.tableDir))
	for _, ent := range db.tableDir {
		entries = append(entries, *ent)
	}
	payload, err := encodeGob(entries)
	if err != nil {
		return err
	}
	prevInvalid := db.tableListLoc == 0
	raw := encodeBlock(BlockTypeTableList, db.tableListLoc, db.tableListSize, prevInvalid, payload)
	loc, err := db.engine.store.AppendBlock(raw)
	if err != nil {
		return fmt.Errorf("moduledb: append table list: %w", err)
	}
	db.tableListLoc = loc
	db.tableListSize = uint64(len(raw))

	meta := struct {
		NextTableID   uint64
		TableListLoc  uint64
		TableListSize uint64
	}{db.nextTableID, db.tableListLoc, db.tableListSize}
	metaPayload, err := encodeGob(meta)
	if err != nil {
		return err
	}
	metaPrevInvalid := db.metaLoc == 0
	metaRaw := encodeBlock(BlockTypeDatabase, db.metaLoc, db.metaSize, metaPrevInvalid, metaPayload)
	metaLoc, err := db.engine.store.AppendBlock(metaRaw)
	if err != nil {
		return fmt.Errorf("moduledb: append database metadata: %w", err)
	}
	db.metaLoc = metaLoc
	db.metaSize = uint64(len(metaRaw))

	return nil
}
