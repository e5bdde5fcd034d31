// Package storage is the local SQLite archive of a session: plaintext of
// self-authored messages and a security event log.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	// DefaultDBFileName is the archive filename under the data dir.
	DefaultDBFileName = "archive.db"
	// DefaultCheckpointInterval is how often the WAL is truncated.
	DefaultCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention bounds the age of kept security events.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

// schemaStep is one versioned schema change. Steps run in order and
// PRAGMA user_version records how many have been applied.
type schemaStep struct {
	name  string
	stmts []string
}

var migrations = []schemaStep{
	{
		name: "sent archive",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sent_messages (
				signature   TEXT PRIMARY KEY,
				peer_id     TEXT NOT NULL,
				sender_id   TEXT NOT NULL,
				content     TEXT NOT NULL,
				server_id   TEXT,
				sent_at     INTEGER NOT NULL,
				archived_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS sent_by_peer ON sent_messages (peer_id, sent_at)`,
			`CREATE INDEX IF NOT EXISTS sent_by_server_id ON sent_messages (server_id)`,
		},
	},
	{
		name: "security log",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS security_events (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				event_type TEXT NOT NULL,
				peer_id    TEXT,
				details    TEXT NOT NULL,
				severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
				timestamp  INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS security_by_time ON security_events (timestamp DESC, id DESC)`,
			`CREATE INDEX IF NOT EXISTS security_by_peer ON security_events (peer_id, timestamp DESC, id DESC)`,
		},
	},
}

// Option tunes a Store at open time.
type Option func(*Store)

// WithCheckpointInterval sets how often the WAL is truncated in the
// background. Zero or less disables the loop.
func WithCheckpointInterval(d time.Duration) Option {
	return func(s *Store) { s.checkpointEvery = d }
}

// WithSecurityEventRetention sets how long security events are kept.
// Zero or less falls back to DefaultSecurityEventRetention.
func WithSecurityEventRetention(d time.Duration) Option {
	return func(s *Store) {
		if d <= 0 {
			d = DefaultSecurityEventRetention
		}
		s.retention = d
	}
}

// Store owns the archive connection and its maintenance goroutine.
type Store struct {
	db *sql.DB

	checkpointEvery time.Duration
	retention       time.Duration

	stop      context.CancelFunc
	done      sync.WaitGroup
	closeOnce sync.Once
}

// Open opens archive.db under dataDir and returns the resolved path.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the archive at dbPath, creating the parent directory and
// bringing the schema up to date.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("storage: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, errors.Wrap(err, "create storage directory")
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath)))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}

	s := &Store{
		db:              db,
		checkpointEvery: DefaultCheckpointInterval,
		retention:       DefaultSecurityEventRetention,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, step := range []func() error{db.Ping, s.useWAL, s.migrate, s.truncateWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "prepare archive")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	if s.checkpointEvery > 0 {
		s.done.Add(1)
		go s.maintain(ctx)
	}
	return s, nil
}

// Close stops background maintenance and closes the database. Repeated
// calls return nil.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.done.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&applied); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	pending := migrations[min(applied, len(migrations)):]
	if len(pending) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer func() { _ = tx.Rollback() }()

	for i, step := range pending {
		for _, stmt := range step.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return errors.Wrapf(err, "migration %q", step.name)
			}
		}
		version := applied + i + 1
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
			return errors.Wrapf(err, "record schema version %d", version)
		}
	}
	return errors.Wrap(tx.Commit(), "commit migration")
}

func (s *Store) useWAL() error {
	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode=WAL`).Scan(&mode); err != nil {
		return errors.Wrap(err, "set journal mode")
	}
	if !strings.EqualFold(mode, "wal") {
		return errors.Errorf("journal mode is %q, want wal", mode)
	}
	return nil
}

func (s *Store) truncateWAL() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return errors.Wrap(err, "truncate wal")
}

// maintain periodically truncates the WAL and drops expired security
// events until ctx is cancelled.
func (s *Store) maintain(ctx context.Context) {
	defer s.done.Done()

	ticker := time.NewTicker(s.checkpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.truncateWAL()
			_, _ = s.PruneSecurityEvents(s.retentionCutoff())
		}
	}
}

func (s *Store) retentionCutoff() int64 {
	return time.Now().Add(-s.retention).UnixMilli()
}

// deleteBefore removes rows of table whose column is older than cutoff.
func (s *Store) deleteBefore(table, column string, cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	res, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, table, column), cutoff)
	if err != nil {
		return 0, errors.Wrapf(err, "prune %s", table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrapf(err, "count pruned %s", table)
	}
	return n, nil
}
