package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	sqliteStateTableName      = "tabsync_state"
	sqliteDefaultPollInterval = 250 * time.Millisecond
	sqliteOperationTimeout    = 5 * time.Second
	sqlitePragmas             = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
)

// SQLiteBackend keeps one row per state key with a revision counter. SQLite
// has no cross-process notification, so watchers poll the revision.
type SQLiteBackend struct {
	PollInterval time.Duration
	Logger       zerolog.Logger

	path      string
	openDB    sqlOpenFunc
	initOnce  sync.Once
	initErr   error
	db        *sql.DB
	closeOnce sync.Once
	done      chan struct{}
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteBackend{
		PollInterval: sqliteDefaultPollInterval,
		path:         path,
		openDB:       sql.Open,
		done:         make(chan struct{}),
	}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, key string) (*Snapshot, error) {
	snapshot, _, err := b.load(ctx, key)
	return snapshot, err
}

func (b *SQLiteBackend) load(ctx context.Context, key string) (*Snapshot, int64, error) {
	if !validKey(key) {
		return nil, 0, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot, revision FROM %s WHERE state_key = ?", sqliteStateTableName)
	var (
		payload  string
		revision int64
	)
	err := b.db.QueryRowContext(ctx, query, key).Scan(&payload, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	snapshot, err := decodeSnapshot([]byte(payload))
	if err != nil {
		return nil, revision, err
	}
	return snapshot, revision, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, key string, snapshot *Snapshot) error {
	if !validKey(key) || snapshot == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (state_key, snapshot, revision, updated_at)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot,
			revision = %[1]s.revision + 1,
			updated_at = CURRENT_TIMESTAMP`, sqliteStateTableName)
	_, err = b.db.ExecContext(ctx, query, key, string(payload))
	return err
}

func (b *SQLiteBackend) Watch(ctx context.Context, key string) (<-chan Change, error) {
	if !validKey(key) {
		return nil, ErrInvalidInput
	}
	_, lastRevision, err := b.load(ctx, key)
	if err != nil && lastRevision == 0 {
		return nil, err
	}
	interval := b.PollInterval
	if interval <= 0 {
		interval = sqliteDefaultPollInterval
	}
	ch := make(chan Change, watchBuffer)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-ticker.C:
			}
			snapshot, revision, err := b.load(ctx, key)
			if revision == 0 || revision == lastRevision {
				if err != nil && ctx.Err() == nil {
					b.Logger.Warn().Err(err).Str("key", key).Msg("sqlite poll failed")
				}
				continue
			}
			lastRevision = revision
			if err != nil {
				b.Logger.Warn().Err(err).Str("key", key).Msg("unreadable state row")
				snapshot = nil
			}
			select {
			case ch <- Change{Key: key, Snapshot: snapshot}:
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()
	return ch, nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() { close(b.done) })
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.initOnce.Do(func() {
		if dir := filepath.Dir(b.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				b.initErr = err
				return
			}
		}
		db, err := b.openDB("sqlite", b.path+sqlitePragmas)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				revision INTEGER NOT NULL DEFAULT 1,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, sqliteStateTableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
