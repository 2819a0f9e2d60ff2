// Package datarecording stores samples produced by a device, such as
// delivered snapshot entries and clear events, in a SQLite database.
package datarecording

import (
	"database/sql"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fatih/structs"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
	"go.uber.org/zap"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
)

// DataRecorder is a backend that can record and store data
type DataRecorder interface {
	// CreateTable creates a new table whose columns are the fields of
	// sampleEntry.
	CreateTable(tableName string, sampleEntry any) error

	// InsertData buffers an entry for a table that already exists.
	InsertData(tableName string, entry any) error

	// ListTables returns the names of all tables.
	ListTables() []string

	// Flush writes all the buffered entries into the database.
	Flush() error

	// Close flushes and closes the database.
	Close() error
}

type table struct {
	structType reflect.Type
	entries    []any
}

// SQLiteRecorder is a DataRecorder that writes into a SQLite file.
type SQLiteRecorder struct {
	lock sync.Mutex
	db   *sql.DB

	logger     *zap.Logger
	filename   string
	tables     map[string]*table
	batchSize  int
	entryCount int
}

// New creates a recorder writing to path.sqlite3. An empty path picks a
// unique name. The database is flushed when the program exits through
// atexit.
func New(path string, logger *zap.Logger) (*SQLiteRecorder, error) {
	if path == "" {
		path = "gpumem_recording_" + xid.New().String()
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	filename := path
	if !strings.HasSuffix(filename, ".sqlite3") {
		filename += ".sqlite3"
	}

	if _, err := os.Stat(filename); err == nil {
		return nil, errors.Errorf("file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", filename)
	}

	r := &SQLiteRecorder{
		db:        db,
		logger:    logger,
		filename:  filename,
		tables:    make(map[string]*table),
		batchSize: 100000,
	}

	atexit.Register(func() { _ = r.Flush() })

	logger.Info("database created for recording", zap.String("file", filename))

	return r, nil
}

// Filename returns the database file.
func (r *SQLiteRecorder) Filename() string {
	return r.filename
}

func isAllowedType(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func checkStructFields(entry any) error {
	t := reflect.TypeOf(entry)
	if t == nil || t.Kind() != reflect.Struct {
		return errors.Errorf("entry %T is not a struct", entry)
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !isAllowedType(field.Type.Kind()) {
			return errors.Errorf("field %s of %s has unsupported type %s",
				field.Name, t.Name(), field.Type)
		}
	}

	return nil
}

// CreateTable implements DataRecorder.
func (r *SQLiteRecorder) CreateTable(tableName string, sampleEntry any) error {
	if err := checkStructFields(sampleEntry); err != nil {
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.tables[tableName]; exists {
		return errors.Errorf("table %s already exists", tableName)
	}

	names := structs.Names(sampleEntry)
	for i, n := range names {
		names[i] = quoteIdentifier(n)
	}

	fields := strings.Join(names, ", \n\t")
	query := `CREATE TABLE ` + quoteIdentifier(tableName) +
		` (` + "\n\t" + fields + "\n" + `);`

	if _, err := r.db.Exec(query); err != nil {
		return errors.Wrapf(err, "creating table %s", tableName)
	}

	r.tables[tableName] = &table{structType: reflect.TypeOf(sampleEntry)}

	return nil
}

// InsertData implements DataRecorder.
func (r *SQLiteRecorder) InsertData(tableName string, entry any) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	t, exists := r.tables[tableName]
	if !exists {
		return errors.Errorf("table %s does not exist", tableName)
	}

	if reflect.TypeOf(entry) != t.structType {
		return errors.Errorf("entry %T does not match table %s", entry, tableName)
	}

	t.entries = append(t.entries, entry)

	r.entryCount++
	if r.entryCount >= r.batchSize {
		return r.flush()
	}

	return nil
}

// ListTables implements DataRecorder.
func (r *SQLiteRecorder) ListTables() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	tables := make([]string, 0, len(r.tables))
	for name := range r.tables {
		tables = append(tables, name)
	}

	return tables
}

// Flush implements DataRecorder.
func (r *SQLiteRecorder) Flush() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.flush()
}

func (r *SQLiteRecorder) flush() error {
	if r.entryCount == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}

	for name, t := range r.tables {
		if len(t.entries) == 0 {
			continue
		}

		if err := insertEntries(tx, name, t.entries); err != nil {
			_ = tx.Rollback()
			return err
		}

		t.entries = nil
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}

	r.logger.Debug("recording flushed", zap.Int("entries", r.entryCount))
	r.entryCount = 0

	return nil
}

// quoteIdentifier quotes a table or column name so that SQL keywords such
// as Index can be used as names.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func insertEntries(tx *sql.Tx, tableName string, entries []any) error {
	placeholders := structs.Names(entries[0])
	for i := range placeholders {
		placeholders[i] = "?"
	}

	stmt, err := tx.Prepare("INSERT INTO " + quoteIdentifier(tableName) +
		" VALUES (" + strings.Join(placeholders, ", ") + ")")
	if err != nil {
		return errors.Wrapf(err, "preparing insert into %s", tableName)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.Exec(structs.Values(entry)...); err != nil {
			return errors.Wrapf(err, "inserting into %s", tableName)
		}
	}

	return nil
}

// Close implements DataRecorder.
func (r *SQLiteRecorder) Close() error {
	if err := r.Flush(); err != nil {
		return err
	}

	return r.db.Close()
}
