// Package sqlite provides the SQLite-backed agent and message store.
package sqlite

import (
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	sqliteutil "github.com/agentd/agentd/internal/common/sqlite"
	"github.com/agentd/agentd/internal/db"
)

// Repository provides SQLite-backed storage for agents and their messages.
//
// Writes go through the single-connection writer pool; message inserts for
// one agent additionally serialize on a per-agent lock so sequence numbers
// stay gap-free under concurrent saves (writes to different agents only
// contend on the connection).
type Repository struct {
	db       *sqlx.DB // writer
	ro       *sqlx.DB // reader (read-only pool)
	pool     *db.Pool
	ownsPool bool

	seq keyedMutex
}

// Open opens (or creates) the database at dbPath and initializes the schema.
// The special path ":memory:" selects the in-memory mode used by tests.
func Open(dbPath string) (*Repository, error) {
	pool, err := db.NewSQLitePool(dbPath)
	if err != nil {
		return nil, err
	}
	repo, err := newRepository(pool, true)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// NewWithPool creates a Repository on an existing pool (shared ownership).
func NewWithPool(pool *db.Pool) (*Repository, error) {
	return newRepository(pool, false)
}

func newRepository(pool *db.Pool, ownsPool bool) (*Repository, error) {
	repo := &Repository{
		db:       pool.Writer(),
		ro:       pool.Reader(),
		pool:     pool,
		ownsPool: ownsPool,
	}
	if err := repo.initSchema(); err != nil {
		if ownsPool {
			if closeErr := pool.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connections when this repository owns them.
func (r *Repository) Close() error {
	if !r.ownsPool {
		return nil
	}
	return r.pool.Close()
}

// Ping verifies the underlying database connection is alive.
func (r *Repository) Ping() error {
	return r.pool.Ping()
}

// initSchema creates the tables if they don't exist. Safe to run on every
// startup.
func (r *Repository) initSchema() error {
	if err := r.initAgentSchema(); err != nil {
		return err
	}
	return r.runMigrations()
}

func (r *Repository) initAgentSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'initializing',
		prompt TEXT NOT NULL,
		configuration TEXT DEFAULT '{}',
		error TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS agent_messages (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		type TEXT NOT NULL,
		role TEXT DEFAULT '',
		content TEXT NOT NULL,
		raw TEXT,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE,
		UNIQUE(agent_id, sequence_number)
	);

	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(type);
	CREATE INDEX IF NOT EXISTS idx_agent_messages_agent_seq ON agent_messages(agent_id, sequence_number);
	`)
	return err
}

// runMigrations applies idempotent column additions for databases created by
// earlier versions (raw and metadata were added after the first schema).
func (r *Repository) runMigrations() error {
	if err := sqliteutil.EnsureColumn(r.db, "agent_messages", "raw", "TEXT"); err != nil {
		return err
	}
	if err := sqliteutil.EnsureColumn(r.db, "agent_messages", "metadata", "TEXT"); err != nil {
		return err
	}
	return sqliteutil.EnsureColumn(r.db, "agents", "error", "TEXT DEFAULT ''")
}

// keyedMutex hands out one mutex per key. Used to serialize the
// read-max/insert pair per agent.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// drop releases the mutex entry for a key. Called after an agent is deleted
// so the map does not grow without bound.
func (k *keyedMutex) drop(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.locks, key)
}
