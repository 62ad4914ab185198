package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	postgresStateTableName   = "tabsync_state"
	postgresNotifyChannel    = "tabsync_state_changed"
	postgresOperationTimeout = 5 * time.Second
	postgresListenerMinWait  = 10 * time.Millisecond
	postgresListenerMaxWait  = time.Minute
	postgresListenerPing     = 90 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores every state key as one row and announces writes with
// NOTIFY on a shared channel; the payload is the key that changed.
type PostgresBackend struct {
	Logger zerolog.Logger

	dsn       string
	tableName string
	channel   string
	openDB    sqlOpenFunc

	initOnce  sync.Once
	initErr   error
	db        *sql.DB
	closeOnce sync.Once
	done      chan struct{}
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresStateTableName,
		channel:   postgresNotifyChannel,
		openDB:    sql.Open,
		done:      make(chan struct{}),
	}, nil
}

func (b *PostgresBackend) Load(ctx context.Context, key string) (*Snapshot, error) {
	if !validKey(key) {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot([]byte(payload))
}

func (b *PostgresBackend) Save(ctx context.Context, key string, snapshot *Snapshot) error {
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

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	upsert := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	if _, err := tx.ExecContext(ctx, upsert, key, string(payload)); err != nil {
		_ = tx.Rollback()
		return err
	}
	// delivered on commit
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", b.channel, key); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *PostgresBackend) Watch(ctx context.Context, key string) (<-chan Change, error) {
	if !validKey(key) {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	logger := b.Logger
	listener := pq.NewListener(b.dsn, postgresListenerMinWait, postgresListenerMaxWait, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Int("event", int(event)).Msg("postgres listener event")
		}
	})
	if err := listener.Listen(b.channel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	ch := make(chan Change, watchBuffer)
	go func() {
		defer close(ch)
		defer listener.Close()
		ping := time.NewTicker(postgresListenerPing)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-ping.C:
				go func() { _ = listener.Ping() }()
			case notification := <-listener.Notify:
				// nil after a reconnect: notifications may have been missed,
				// so reload unconditionally
				if notification != nil && notification.Extra != key {
					continue
				}
				snapshot, err := b.Load(ctx, key)
				if err != nil {
					b.Logger.Warn().Err(err).Str("key", key).Msg("reload after notify failed")
					continue
				}
				if snapshot == nil {
					continue
				}
				select {
				case ch <- Change{Key: key, Snapshot: snapshot}:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
		}
	}()
	return ch, nil
}

func (b *PostgresBackend) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() { close(b.done) })
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
