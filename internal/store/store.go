package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Store is the annotation data store.  A single process-wide write lock
// serializes save and remove so that version order in the database matches
// the counter's order; reads never take it.
type Store struct {
	db      *sql.DB
	log     *zap.Logger
	history bool

	writeMu sync.Mutex

	versionMu    sync.Mutex
	versionRowID int64

	saveListeners []func(*Annotation)
}

// schema defines all tables.  The annotation table holds one live row per
// logical id plus, when history is enabled, one archived row per prior
// version (annotation_id set, active = 0).  Element rows are keyed by
// (annotation_id, version) and never migrate across versions.
const schema = `
CREATE TABLE IF NOT EXISTS annotations (
    id TEXT PRIMARY KEY,
    annotation_id TEXT,
    item_id TEXT NOT NULL,
    creator_id TEXT,
    updated_id TEXT,
    created INTEGER NOT NULL,
    updated INTEGER NOT NULL,
    version INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    public INTEGER NOT NULL DEFAULT 0,
    public_flags TEXT,
    access TEXT,
    name TEXT NOT NULL,
    description TEXT,
    attributes TEXT,
    groups TEXT
);

CREATE INDEX IF NOT EXISTS idx_annotations_item ON annotations(item_id, active);
CREATE INDEX IF NOT EXISTS idx_annotations_creator ON annotations(creator_id);
CREATE INDEX IF NOT EXISTS idx_annotations_created ON annotations(created);
CREATE INDEX IF NOT EXISTS idx_annotations_updated ON annotations(updated);
CREATE INDEX IF NOT EXISTS idx_annotations_history ON annotations(annotation_id, version DESC);

-- Elements.  The bounding box is denormalized into columns so spatial and
-- size filters run on indexes.  The version sequence sentinel also lives
-- here, under annotation_id = 'version_sequence'.
CREATE TABLE IF NOT EXISTS annotation_elements (
    id TEXT PRIMARY KEY,
    annotation_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    created INTEGER NOT NULL,
    lowx REAL, lowy REAL, lowz REAL,
    highx REAL, highy REAL, highz REAL,
    size REAL,
    details INTEGER,
    grp TEXT,
    element TEXT
);

CREATE INDEX IF NOT EXISTS idx_elements_annotation ON annotation_elements(annotation_id);
CREATE INDEX IF NOT EXISTS idx_elements_version ON annotation_elements(version);
CREATE INDEX IF NOT EXISTS idx_elements_spatial
    ON annotation_elements(annotation_id, lowx, highx DESC, size DESC);
CREATE INDEX IF NOT EXISTS idx_elements_size
    ON annotation_elements(annotation_id, size DESC);
CREATE INDEX IF NOT EXISTS idx_elements_group
    ON annotation_elements(annotation_id, version DESC, grp);
CREATE INDEX IF NOT EXISTS idx_elements_created ON annotation_elements(created, version);

CREATE TABLE IF NOT EXISTS items (
    id TEXT PRIMARY KEY,
    folder_id TEXT NOT NULL,
    name TEXT NOT NULL,
    meta TEXT,
    created INTEGER NOT NULL,
    updated INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_folder ON items(folder_id);

CREATE TABLE IF NOT EXISTS folders (
    id TEXT PRIMARY KEY,
    parent_id TEXT,
    name TEXT NOT NULL,
    public INTEGER NOT NULL DEFAULT 0,
    access TEXT,
    meta TEXT
);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    login TEXT NOT NULL,
    name TEXT,
    admin INTEGER NOT NULL DEFAULT 0
);
`

// Option configures a store.
type Option func(*Store)

// WithHistory toggles version history.  When off, saves and removes
// physically delete superseded rows.
func WithHistory(enabled bool) Option {
	return func(s *Store) { s.history = enabled }
}

// WithLogger sets the store logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Open opens (creating if needed) a store at the given data source name.
// Use ":memory:" for an in-memory store.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// Each pooled connection to :memory: would get its own database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	s := &Store{db: db, log: zap.NewNop(), history: true}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HistoryEnabled reports whether version history is kept.
func (s *Store) HistoryEnabled() bool {
	return s.history
}

// SetHistoryEnabled toggles history at runtime.
func (s *Store) SetHistoryEnabled(enabled bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.history = enabled
}

// OnSaveHistory registers a listener invoked asynchronously after each save.
func (s *Store) OnSaveHistory(fn func(*Annotation)) {
	s.saveListeners = append(s.saveListeners, fn)
}

func (s *Store) emitSaveHistory(a *Annotation) {
	for _, fn := range s.saveListeners {
		go fn(a)
	}
}

// idCounter makes ids monotonically increasing within a process, so sorting
// rows by id reproduces insertion order.
var idCounter atomic.Uint64

func init() {
	idCounter.Store(uint64(time.Now().UnixNano()))
}

// NewID generates an opaque 24 character hex identifier.  The leading eight
// bytes are a strictly increasing counter seeded from the clock; the trailing
// four are random.
func NewID() string {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], idCounter.Add(1))
	if _, err := rand.Read(buf[8:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
