package kv

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

const defaultPollInterval = 2 * time.Second

// SQL stores entries in a relational table so separate processes can share one
// persistence layer. Each write bumps a per-entry revision; watchers poll the
// revision and emit the fresh value when it moves.
type SQL struct {
	db       *sql.DB
	table    string
	maxBytes int
	interval time.Duration

	mu   sync.Mutex
	revs map[string]int64
}

// SQLOption configures SQL.
type SQLOption func(*SQL)

// WithTable overrides the default entries table name.
func WithTable(name string) SQLOption {
	return func(s *SQL) {
		if name != "" {
			s.table = name
		}
	}
}

// WithPollInterval sets how often watchers check for external writes.
func WithPollInterval(d time.Duration) SQLOption {
	return func(s *SQL) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSQLMaxValueBytes caps the size of a single stored value.
func WithSQLMaxValueBytes(n int) SQLOption {
	return func(s *SQL) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// NewSQL constructs a store over an open database handle.
func NewSQL(db *sql.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:       db,
		table:    "kv_entries",
		maxBytes: defaultMaxValueBytes,
		interval: defaultPollInterval,
		revs:     make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`select value, revision from `+s.table+` where name=$1`, key)
	var (
		value []byte
		rev   int64
	)
	if err := row.Scan(&value, &rev); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.rememberRevision(key, rev)
	return value, nil
}

func (s *SQL) Put(ctx context.Context, key string, value []byte) error {
	if len(value) > s.maxBytes {
		return ErrPayloadTooLarge
	}
	row := s.db.QueryRowContext(ctx,
		`insert into `+s.table+`(name, value, revision, updated_at)
		 values($1, $2, 1, $3)
		 on conflict (name) do update
		 set value = excluded.value,
		     revision = `+s.table+`.revision + 1,
		     updated_at = excluded.updated_at
		 returning revision`,
		key, value, time.Now().UTC())
	var rev int64
	if err := row.Scan(&rev); err != nil {
		return err
	}
	s.rememberRevision(key, rev)
	return nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `delete from `+s.table+` where name=$1`, key)
	if err != nil {
		return err
	}
	s.rememberRevision(key, 0)
	return nil
}

// Watch polls the entry revision. Unlike Memory, notifications for a process's
// own writes are suppressed when the revision was already observed locally.
func (s *SQL) Watch(ctx context.Context, key string) <-chan []byte {
	ch := make(chan []byte, 16)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		last := s.lastRevision(key)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				value, rev, err := s.current(ctx, key)
				if err != nil {
					continue
				}
				if rev == last {
					continue
				}
				last = rev
				s.rememberRevision(key, rev)
				select {
				case ch <- value:
				default:
				}
			}
		}
	}()

	return ch
}

func (s *SQL) current(ctx context.Context, key string) ([]byte, int64, error) {
	row := s.db.QueryRowContext(ctx,
		`select value, revision from `+s.table+` where name=$1`, key)
	var (
		value []byte
		rev   int64
	)
	if err := row.Scan(&value, &rev); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return value, rev, nil
}

func (s *SQL) rememberRevision(key string, rev int64) {
	s.mu.Lock()
	s.revs[key] = rev
	s.mu.Unlock()
}

func (s *SQL) lastRevision(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revs[key]
}
