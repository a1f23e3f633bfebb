package engine

import (
	"bytes"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/bamsammich/mirror/internal/event"
)

var (
	// ErrState is returned when the checkpoint cannot be read or written.
	ErrState = errors.New("checkpoint state error")
	// ErrNoCheckpoint is returned by Load when nothing was saved yet.
	ErrNoCheckpoint = errors.New("no checkpoint saved")
)

// DefaultCompactBytes is the size of the position log above which a
// FileStore rewrites it to a single line.
const DefaultCompactBytes = 4096

// Store persists the applied log position.
type Store interface {
	// Load returns the last saved position, or ErrNoCheckpoint.
	Load() (event.Position, error)
	Save(pos event.Position) error
	Close() error
}

// FileStore keeps positions as "<file> <offset>\n" lines starting at a fixed
// offset of a state file. The last complete line is authoritative.
type FileStore struct {
	f       *os.File
	offset  int64
	end     int64
	compact int64
}

// OpenFileStore opens or creates the state file at path. Positions are kept
// from byte offset on; compactAt <= 0 selects DefaultCompactBytes.
func OpenFileStore(path string, offset, compactAt int64) (*FileStore, error) {
	if compactAt <= 0 {
		compactAt = DefaultCompactBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create state dir: %w", ErrState, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrState, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrState, err)
	}
	return &FileStore{f: f, offset: offset, end: max(info.Size(), offset), compact: compactAt}, nil
}

// Load parses the last complete line of the position log.
func (s *FileStore) Load() (event.Position, error) {
	if s.end <= s.offset {
		return event.Position{}, ErrNoCheckpoint
	}
	buf := make([]byte, s.end-s.offset)
	if _, err := s.f.ReadAt(buf, s.offset); err != nil && !errors.Is(err, io.EOF) {
		return event.Position{}, fmt.Errorf("%w: read %s: %w", ErrState, s.f.Name(), err)
	}

	// A trailing partial line is an interrupted append.
	if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
		buf = buf[:i]
	} else {
		return event.Position{}, fmt.Errorf("%w: %s: no complete position line", ErrState, s.f.Name())
	}
	line := buf[bytes.LastIndexByte(buf, '\n')+1:]
	if len(line) == 0 {
		return event.Position{}, ErrNoCheckpoint
	}
	pos, err := parsePosition(string(line))
	if err != nil {
		return event.Position{}, fmt.Errorf("%w: %s: %w", ErrState, s.f.Name(), err)
	}
	return pos, nil
}

func parsePosition(line string) (event.Position, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return event.Position{}, fmt.Errorf("malformed position %q", line)
	}
	file, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return event.Position{}, fmt.Errorf("malformed position %q: %w", line, err)
	}
	off, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return event.Position{}, fmt.Errorf("malformed position %q: %w", line, err)
	}
	if file < 0 || off < 0 {
		return event.Position{}, fmt.Errorf("negative position %q", line)
	}
	return event.Position{File: file, Offset: off}, nil
}

// Save appends pos. When the log outgrows the compaction bound it is
// rewritten to hold only pos.
func (s *FileStore) Save(pos event.Position) error {
	line := fmt.Sprintf("%d %d\n", pos.File, pos.Offset)

	if s.end-s.offset+int64(len(line)) > s.compact {
		if _, err := s.f.WriteAt([]byte(line), s.offset); err != nil {
			return fmt.Errorf("%w: compact %s: %w", ErrState, s.f.Name(), err)
		}
		s.end = s.offset + int64(len(line))
		if err := s.f.Truncate(s.end); err != nil {
			return fmt.Errorf("%w: compact %s: %w", ErrState, s.f.Name(), err)
		}
	} else {
		if _, err := s.f.WriteAt([]byte(line), s.end); err != nil {
			return fmt.Errorf("%w: write %s: %w", ErrState, s.f.Name(), err)
		}
		s.end += int64(len(line))
	}

	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrState, s.f.Name(), err)
	}
	return nil
}

// Close releases the state file.
func (s *FileStore) Close() error {
	return s.f.Close()
}

// SQLiteStore keeps the position of one replication job in a SQLite
// database. A database may hold positions for several jobs.
type SQLiteStore struct {
	db   *sql.DB
	path string
	job  string
}

// OpenSQLiteStore opens (or creates) the database at path and selects the
// job identified by the server address and the replicated roots. An empty
// path selects DefaultSQLitePath.
func OpenSQLiteStore(path, server, from, to string) (*SQLiteStore, error) {
	job := checkpointJobID(server, from, to)
	if path == "" {
		path = DefaultSQLitePath(job)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create checkpoint dir: %w", ErrState, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: open checkpoint db: %w", ErrState, err)
	}
	s := &SQLiteStore{db: db, path: path, job: job}
	if err := s.init(server, from, to); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(server, from, to string) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			job     TEXT PRIMARY KEY,
			fnum    INTEGER NOT NULL,
			fpos    INTEGER NOT NULL,
			updated INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS jobs (
			job    TEXT PRIMARY KEY,
			server TEXT NOT NULL,
			src    TEXT NOT NULL,
			dst    TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("%w: create tables: %w", ErrState, err)
	}
	_, err = s.db.Exec("INSERT OR IGNORE INTO jobs (job, server, src, dst) VALUES (?, ?, ?, ?)",
		s.job, server, from, to)
	if err != nil {
		return fmt.Errorf("%w: store job: %w", ErrState, err)
	}
	return nil
}

// Load returns the job's saved position.
func (s *SQLiteStore) Load() (event.Position, error) {
	var pos event.Position
	err := s.db.QueryRow("SELECT fnum, fpos FROM positions WHERE job = ?", s.job).
		Scan(&pos.File, &pos.Offset)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Position{}, ErrNoCheckpoint
	}
	if err != nil {
		return event.Position{}, fmt.Errorf("%w: load position: %w", ErrState, err)
	}
	return pos, nil
}

// Save replaces the job's position.
func (s *SQLiteStore) Save(pos event.Position) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO positions (job, fnum, fpos, updated) VALUES (?, ?, ?, ?)",
		s.job, pos.File, pos.Offset, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: save position: %w", ErrState, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// checkpointJobID derives a stable job id from the server and the roots.
func checkpointJobID(server, from, to string) string {
	h := blake3.New()
	h.Write([]byte(server))
	h.Write([]byte{0})
	h.Write([]byte(from))
	h.Write([]byte{0})
	h.Write([]byte(to))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}

// DefaultSQLitePath returns $XDG_STATE_HOME/mirror/<job>.db, falling back
// to ~/.local/state and then the temp dir.
func DefaultSQLitePath(job string) string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "mirror", job+".db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "mirror", job+".db")
	}
	return filepath.Join(os.TempDir(), "mirror-"+job+".db")
}

// Checkpointer decides when the applied position is written: after a
// number of events or an interval, whichever comes first, and once more on
// Flush.
type Checkpointer struct {
	last     time.Time
	store    Store
	log      *slog.Logger
	interval time.Duration
	every    int
	pending  int
	saved    event.Position
	current  event.Position
	dirty    bool
}

// NewCheckpointer wraps store. every <= 0 disables the event threshold;
// interval <= 0 disables the time threshold.
func NewCheckpointer(store Store, every int, interval time.Duration, log *slog.Logger) *Checkpointer {
	if log == nil {
		log = slog.Default()
	}
	return &Checkpointer{store: store, every: every, interval: interval, log: log, last: time.Now()}
}

// Start records the position the run resumes from as already saved.
func (c *Checkpointer) Start(pos event.Position) {
	c.saved, c.current = pos, pos
}

// Advance records that every event up to pos is applied and saves it when
// a threshold is crossed. A save failure is returned but the position stays
// pending, so the next Advance or Flush retries it.
func (c *Checkpointer) Advance(pos event.Position) error {
	if pos == c.current {
		return nil
	}
	c.current = pos
	c.dirty = true
	c.pending++

	due := (c.every > 0 && c.pending >= c.every) ||
		(c.interval > 0 && time.Since(c.last) >= c.interval)
	if !due {
		return nil
	}
	return c.Flush()
}

// Flush writes the current position if it has not been written yet.
func (c *Checkpointer) Flush() error {
	if !c.dirty || c.store == nil {
		return nil
	}
	if err := c.store.Save(c.current); err != nil {
		return err
	}
	c.log.Debug("checkpoint saved", "fnum", c.current.File, "fpos", c.current.Offset)
	c.saved = c.current
	c.dirty = false
	c.pending = 0
	c.last = time.Now()
	return nil
}

// Saved returns the last position written.
func (c *Checkpointer) Saved() event.Position { return c.saved }
