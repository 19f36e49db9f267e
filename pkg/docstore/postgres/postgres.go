// Package postgres implements [docstore.Store] on a single PostgreSQL table
// holding JSONB documents.
//
// Live subscriptions are implemented by polling: each subscription re-reads
// its document or query at a fixed interval and delivers a new snapshot when
// the set of (id, version) pairs changes. Every write bumps the row version.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/guardian/pkg/docstore"
)

// Schema is the SQL DDL for the documents table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT        NOT NULL,
    id         TEXT        NOT NULL,
    data       JSONB       NOT NULL DEFAULT '{}',
    version    BIGINT      NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_data ON documents USING GIN (data jsonb_path_ops);
`

// defaultPollInterval is used when no interval is configured.
const defaultPollInterval = time.Second

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Option configures a [Store].
type Option func(*Store)

// WithPollInterval sets how often subscriptions re-read the database.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Store is a [docstore.Store] backed by PostgreSQL.
type Store struct {
	db       DB
	interval time.Duration
}

// Compile-time interface check.
var _ docstore.Store = (*Store)(nil)

// New creates a [Store] on db. The caller is responsible for calling
// [Store.Migrate] before issuing queries.
func New(db DB, opts ...Option) *Store {
	s := &Store{db: db, interval: defaultPollInterval}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("docstore/postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity when the underlying DB supports it.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	var one int
	return s.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

// Get implements [docstore.Store].
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Snapshot, error) {
	const query = `
		SELECT data, version
		FROM documents
		WHERE collection = $1 AND id = $2`

	var (
		raw     []byte
		version int64
	)
	err := s.db.QueryRow(ctx, query, collection, id).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return docstore.Snapshot{ID: id}, nil
		}
		return docstore.Snapshot{}, fmt.Errorf("docstore/postgres: get %s/%s: %w", collection, id, err)
	}
	data, err := decode(raw)
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("docstore/postgres: get %s/%s: %w", collection, id, err)
	}
	return docstore.Snapshot{ID: id, Exists: true, Version: version, Data: data}, nil
}

// Set implements [docstore.Store].
func (s *Store) Set(ctx context.Context, collection, id string, doc docstore.Document) error {
	raw, err := encode(doc)
	if err != nil {
		return fmt.Errorf("docstore/postgres: set %s/%s: %w", collection, id, err)
	}
	const query = `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = EXCLUDED.data,
			version = documents.version + 1,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, collection, id, raw); err != nil {
		return fmt.Errorf("docstore/postgres: set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Update implements [docstore.Store].
func (s *Store) Update(ctx context.Context, collection, id string, patch docstore.Document) error {
	raw, err := encode(patch)
	if err != nil {
		return fmt.Errorf("docstore/postgres: update %s/%s: %w", collection, id, err)
	}
	const query = `
		UPDATE documents SET
			data = data || $3::jsonb,
			version = version + 1,
			updated_at = now()
		WHERE collection = $1 AND id = $2`

	tag, err := s.db.Exec(ctx, query, collection, id, raw)
	if err != nil {
		return fmt.Errorf("docstore/postgres: update %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("docstore/postgres: update %s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	return nil
}

// Query implements [docstore.Store]. Equality conditions are evaluated with
// JSONB containment, so they use the GIN index.
func (s *Store) Query(ctx context.Context, collection string, filter docstore.Filter) ([]docstore.Snapshot, error) {
	cond, err := encode(filter.Object())
	if err != nil {
		return nil, fmt.Errorf("docstore/postgres: query %s: %w", collection, err)
	}
	const query = `
		SELECT id, data, version
		FROM documents
		WHERE collection = $1 AND data @> $2::jsonb
		ORDER BY id`

	rows, err := s.db.Query(ctx, query, collection, cond)
	if err != nil {
		return nil, fmt.Errorf("docstore/postgres: query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []docstore.Snapshot
	for rows.Next() {
		var (
			id      string
			raw     []byte
			version int64
		)
		if err := rows.Scan(&id, &raw, &version); err != nil {
			return nil, fmt.Errorf("docstore/postgres: scan %s: %w", collection, err)
		}
		data, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("docstore/postgres: query %s/%s: %w", collection, id, err)
		}
		out = append(out, docstore.Snapshot{ID: id, Exists: true, Version: version, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore/postgres: query %s: %w", collection, err)
	}
	return out, nil
}

// Watch implements [docstore.Store].
func (s *Store) Watch(ctx context.Context, collection, id string, fn docstore.DocFunc) (docstore.Subscription, error) {
	p := newPoller(s.interval, func(ctx context.Context) ([]docstore.Snapshot, error) {
		snap, err := s.Get(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		return []docstore.Snapshot{snap}, nil
	}, func(snaps []docstore.Snapshot, err error) {
		if err != nil {
			fn(docstore.Snapshot{}, err)
			return
		}
		fn(snaps[0], nil)
	})
	p.name = collection + "/" + id
	go p.run(ctx)
	return p, nil
}

// WatchQuery implements [docstore.Store].
func (s *Store) WatchQuery(ctx context.Context, collection string, filter docstore.Filter, fn docstore.QueryFunc) (docstore.Subscription, error) {
	p := newPoller(s.interval, func(ctx context.Context) ([]docstore.Snapshot, error) {
		return s.Query(ctx, collection, filter)
	}, fn)
	p.name = collection
	go p.run(ctx)
	return p, nil
}

// poller re-runs a read at a fixed interval and reports changes.
type poller struct {
	name     string
	interval time.Duration
	read     func(context.Context) ([]docstore.Snapshot, error)
	deliver  func([]docstore.Snapshot, error)

	done     chan struct{}
	stopOnce sync.Once
}

func newPoller(interval time.Duration, read func(context.Context) ([]docstore.Snapshot, error), deliver func([]docstore.Snapshot, error)) *poller {
	return &poller{
		interval: interval,
		read:     read,
		deliver:  deliver,
		done:     make(chan struct{}),
	}
}

func (p *poller) run(ctx context.Context) {
	// The subscription outlives the call that created it; only Stop ends it.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go func() {
		<-p.done
		cancel()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var (
		last    string
		first   = true
		failing bool
	)
	for {
		snaps, err := p.read(ctx)
		select {
		case <-p.done:
			return
		default:
		}
		switch {
		case err != nil:
			if !failing {
				slog.Warn("docstore/postgres: watch refresh failed", "target", p.name, "err", err)
				p.deliver(nil, err)
			}
			failing = true
		default:
			failing = false
			if fp := fingerprint(snaps); first || fp != last {
				first = false
				last = fp
				p.deliver(snaps, nil)
			}
		}

		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
	}
}

// Stop implements [docstore.Subscription].
func (p *poller) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func fingerprint(snaps []docstore.Snapshot) string {
	b := make([]byte, 0, len(snaps)*16)
	for _, s := range snaps {
		b = fmt.Appendf(b, "%s:%t:%d;", s.ID, s.Exists, s.Version)
	}
	return string(b)
}

func encode(doc docstore.Document) ([]byte, error) {
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

func decode(raw []byte) (docstore.Document, error) {
	var doc docstore.Document
	if len(raw) == 0 {
		return docstore.Document{}, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
