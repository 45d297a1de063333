// Package db provides SQLite persistence for the information market:
// users, profiles, subscriptions, decision contexts, offers, inbox items,
// inspections, and the balance ledger.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"infonomy/internal/logger"

	sqlite "modernc.org/sqlite"
)

// Store error taxonomy. Callers branch with errors.Is; Retry handles
// ErrTransient automatically.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrTransient = errors.New("transient store error")
)

func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool  { return errors.Is(err, ErrConflict) }
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// classify maps driver-level failures onto the store taxonomy. Unique-key
// and CHECK violations become ErrConflict; busy/locked become ErrTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case 19: // SQLITE_CONSTRAINT
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

// DB wraps the SQL connection and owns schema migrations.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.sql.Close() }

// SqlDB exposes the raw connection for packages that keep their own
// statements on the shared database (ledger, auth).
func (d *DB) SqlDB() *sql.DB { return d.sql }

// Ping reports whether the database is reachable.
func (d *DB) Ping() error { return d.sql.Ping() }

// Counts holds table sizes for the startup statistics.
type Counts struct {
	Users         int
	Contexts      int
	Offers        int
	BotSellers    int
	Subscriptions int
}

// CountAll reads the table sizes printed at startup.
func (d *DB) CountAll(ctx context.Context) (Counts, error) {
	var c Counts
	for _, q := range []struct {
		table string
		dst   *int
	}{
		{"users", &c.Users},
		{"contexts", &c.Contexts},
		{"offers", &c.Offers},
		{"bot_sellers", &c.BotSellers},
		{"subscriptions", &c.Subscriptions},
	} {
		if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+q.table).Scan(q.dst); err != nil {
			return Counts{}, classify(err)
		}
	}
	return c, nil
}

// WithTx runs fn inside a transaction, rolling back on error.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return classify(tx.Commit())
}

// Retry runs fn up to three times with exponential backoff. Only transient
// errors are retried; conflicts and everything else return immediately.
func (d *DB) Retry(ctx context.Context, fn func() error) error {
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (d *DB) migrate() error {
	if _, err := d.sql.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var version int
	err := d.sql.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := d.sql.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
		version = 0
	} else if err != nil {
		return err
	}

	if version < 1 {
		if _, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				email TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				total_balance REAL NOT NULL DEFAULT 100,
				available_balance REAL NOT NULL DEFAULT 100,
				last_bonus_date TEXT NOT NULL DEFAULT '',
				daily_bonus_amount REAL NOT NULL DEFAULT 10,
				api_keys TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL
			);
			CREATE TABLE IF NOT EXISTS sessions (
				token TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at INTEGER NOT NULL,
				expires_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
			CREATE TABLE IF NOT EXISTS buyer_profiles (
				user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
				agent_model TEXT NOT NULL DEFAULT '',
				agent_prompt TEXT NOT NULL DEFAULT '',
				default_max_budget REAL NOT NULL DEFAULT 50,
				queries TEXT NOT NULL DEFAULT '{}',
				inspected TEXT NOT NULL DEFAULT '{}',
				purchased TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL
			);
			CREATE TABLE IF NOT EXISTS human_sellers (
				user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
				created_at INTEGER NOT NULL
			);
			CREATE TABLE IF NOT EXISTS bot_sellers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				name TEXT NOT NULL DEFAULT '',
				info TEXT,
				price REAL,
				llm_model TEXT,
				llm_prompt TEXT,
				created_at INTEGER NOT NULL,
				CHECK ((info IS NOT NULL AND price IS NOT NULL) OR (llm_model IS NOT NULL AND llm_prompt IS NOT NULL))
			);
			CREATE INDEX IF NOT EXISTS idx_bot_sellers_user ON bot_sellers(user_id);
			CREATE TABLE IF NOT EXISTS subscriptions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				seller_kind TEXT NOT NULL CHECK (seller_kind IN ('human', 'bot')),
				seller_id INTEGER NOT NULL,
				keywords TEXT NOT NULL DEFAULT '[]',
				context_pages TEXT NOT NULL DEFAULT '[]',
				min_budget REAL NOT NULL DEFAULT 0,
				min_priority INTEGER NOT NULL DEFAULT 0,
				min_inspection_rate REAL NOT NULL DEFAULT 0,
				min_purchase_rate REAL NOT NULL DEFAULT 0,
				buyer_type TEXT NOT NULL DEFAULT '',
				buyer_models TEXT NOT NULL DEFAULT '[]',
				prompt_keywords TEXT NOT NULL DEFAULT '[]',
				age_limit INTEGER NOT NULL DEFAULT 604800,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_subscriptions_floors ON subscriptions(min_budget, min_priority);
			CREATE INDEX IF NOT EXISTS idx_subscriptions_seller ON subscriptions(seller_kind, seller_id);
			CREATE TABLE IF NOT EXISTS contexts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				buyer_id INTEGER NOT NULL REFERENCES buyer_profiles(user_id) ON DELETE CASCADE,
				query TEXT NOT NULL DEFAULT '',
				context_pages TEXT NOT NULL DEFAULT '[]',
				max_budget REAL NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				parent_id INTEGER REFERENCES contexts(id) ON DELETE CASCADE,
				target_human_ids TEXT NOT NULL DEFAULT '[]',
				target_bot_ids TEXT NOT NULL DEFAULT '[]',
				terminated INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_contexts_buyer ON contexts(buyer_id, created_at DESC);
			CREATE INDEX IF NOT EXISTS idx_contexts_parent ON contexts(parent_id);
			CREATE TABLE IF NOT EXISTS context_parent_offers (
				context_id INTEGER NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
				offer_id INTEGER NOT NULL REFERENCES offers(id) ON DELETE CASCADE,
				PRIMARY KEY (context_id, offer_id)
			);
			CREATE TABLE IF NOT EXISTS offers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				context_id INTEGER NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
				seller_kind TEXT NOT NULL CHECK (seller_kind IN ('human', 'bot')),
				seller_id INTEGER NOT NULL,
				private_info TEXT NOT NULL,
				public_info TEXT NOT NULL DEFAULT '',
				price REAL NOT NULL,
				inspected INTEGER NOT NULL DEFAULT 0,
				purchased INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_offers_context ON offers(context_id);
			CREATE INDEX IF NOT EXISTS idx_offers_seller ON offers(seller_kind, seller_id);
			CREATE TABLE IF NOT EXISTS inbox_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				subscription_id INTEGER NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
				context_id INTEGER NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
				status TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'ignored', 'responded')),
				created_at INTEGER NOT NULL,
				expires_at INTEGER NOT NULL,
				UNIQUE (subscription_id, context_id)
			);
			CREATE INDEX IF NOT EXISTS idx_inbox_subscription ON inbox_items(subscription_id, status);
			CREATE INDEX IF NOT EXISTS idx_inbox_context ON inbox_items(context_id);
		`); err != nil {
			return err
		}
		if _, err := d.sql.Exec(`UPDATE schema_version SET version = 1`); err != nil {
			return err
		}
		logger.Info("DB", "Applied migration v1")
	}

	if version < 2 {
		if _, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS inspections (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				context_id INTEGER NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
				buyer_id INTEGER NOT NULL,
				known_offers TEXT NOT NULL DEFAULT '[]',
				purchased TEXT NOT NULL DEFAULT '[]',
				info_offer_ids TEXT NOT NULL DEFAULT '[]',
				job_id TEXT NOT NULL DEFAULT '',
				elder_brother_id INTEGER REFERENCES inspections(id),
				younger_brother_id INTEGER REFERENCES inspections(id),
				child_context_id INTEGER REFERENCES contexts(id),
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_inspections_context ON inspections(context_id);
			CREATE INDEX IF NOT EXISTS idx_inspections_job ON inspections(job_id);
		`); err != nil {
			return err
		}
		if _, err := d.sql.Exec(`UPDATE schema_version SET version = 2`); err != nil {
			return err
		}
		logger.Info("DB", "Applied migration v2")
	}

	if version < 3 {
		if _, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS ledger_entries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				kind TEXT NOT NULL CHECK (kind IN ('escrow', 'settle', 'refund', 'daily_bonus', 'deposit')),
				amount REAL NOT NULL,
				context_id INTEGER,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, created_at DESC);
		`); err != nil {
			return err
		}
		if _, err := d.sql.Exec(`UPDATE schema_version SET version = 3`); err != nil {
			return err
		}
		logger.Info("DB", "Applied migration v3")
	}

	return nil
}

// JSON column helpers. Lists and counter maps are stored as JSON TEXT.

func encodeIDs(ids []int64) string {
	if ids == nil {
		ids = []int64{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeIDs(s string) []int64 {
	var ids []int64
	if s != "" {
		json.Unmarshal([]byte(s), &ids)
	}
	return ids
}

func encodeStrings(vals []string) string {
	if vals == nil {
		vals = []string{}
	}
	b, _ := json.Marshal(vals)
	return string(b)
}

func decodeStrings(s string) []string {
	var vals []string
	if s != "" {
		json.Unmarshal([]byte(s), &vals)
	}
	return vals
}

func encodeCounts(m map[int]int64) string {
	if m == nil {
		m = map[int]int64{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func decodeCounts(s string) map[int]int64 {
	m := map[int]int64{}
	if s != "" {
		json.Unmarshal([]byte(s), &m)
	}
	return m
}

func nullableID(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}
