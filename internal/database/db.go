package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type Database struct {
	db     *sqlx.DB
	driver string
}

type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	User     string `json:"user" mapstructure:"user"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	SSLMode  string `json:"sslmode" mapstructure:"sslmode"`
}

const postgresSchema = `
-- Scheduled reversals of timed punishments
CREATE TABLE IF NOT EXISTS automod_timed_punishments (
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    role_id TEXT,
    expiry_ticks BIGINT NOT NULL,
    PRIMARY KEY (guild_id, user_id, kind)
);

-- Guild level automod settings
CREATE TABLE IF NOT EXISTS automod_guild_config (
    guild_id TEXT PRIMARY KEY,
    enabled BOOLEAN NOT NULL DEFAULT false,
    ignore_admins BOOLEAN NOT NULL DEFAULT true,
    ignore_higher_hierarchy BOOLEAN NOT NULL DEFAULT true,
    mute_role_id TEXT,
    logs_channel TEXT,
    updated_at BIGINT NOT NULL
);

-- Violation rules
CREATE TABLE IF NOT EXISTS automod_rules (
    id SERIAL PRIMARY KEY,
    guild_id TEXT NOT NULL REFERENCES automod_guild_config(guild_id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    kind TEXT NOT NULL,
    metric TEXT NOT NULL,
    size INTEGER NOT NULL,
    instances INTEGER NOT NULL,
    window_ms BIGINT NOT NULL,
    punishment TEXT NOT NULL,
    duration_ms BIGINT,
    role_id TEXT,
    enabled BOOLEAN NOT NULL DEFAULT true,
    UNIQUE(guild_id, position)
);

CREATE INDEX IF NOT EXISTS idx_automod_timed_expiry ON automod_timed_punishments(expiry_ticks);
CREATE INDEX IF NOT EXISTS idx_automod_rules_guild ON automod_rules(guild_id);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS automod_timed_punishments (
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    role_id TEXT,
    expiry_ticks INTEGER NOT NULL,
    PRIMARY KEY (guild_id, user_id, kind)
);

CREATE TABLE IF NOT EXISTS automod_guild_config (
    guild_id TEXT PRIMARY KEY,
    enabled BOOLEAN NOT NULL DEFAULT 0,
    ignore_admins BOOLEAN NOT NULL DEFAULT 1,
    ignore_higher_hierarchy BOOLEAN NOT NULL DEFAULT 1,
    mute_role_id TEXT,
    logs_channel TEXT,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS automod_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL REFERENCES automod_guild_config(guild_id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    kind TEXT NOT NULL,
    metric TEXT NOT NULL,
    size INTEGER NOT NULL,
    instances INTEGER NOT NULL,
    window_ms INTEGER NOT NULL,
    punishment TEXT NOT NULL,
    duration_ms INTEGER,
    role_id TEXT,
    enabled BOOLEAN NOT NULL DEFAULT 1,
    UNIQUE(guild_id, position)
);

CREATE INDEX IF NOT EXISTS idx_automod_timed_expiry ON automod_timed_punishments(expiry_ticks);
CREATE INDEX IF NOT EXISTS idx_automod_rules_guild ON automod_rules(guild_id);
`

// NewDatabase connects to Postgres and applies the schema
func NewDatabase(cfg PostgresConfig) (*Database, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(1 * time.Hour)

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return &Database{db: db, driver: "postgres"}, nil
}

// NewSQLite opens (or creates) a SQLite database file and applies the schema
func NewSQLite(path string) (*Database, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// one writer avoids SQLITE_BUSY between our own goroutines
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return &Database{db: db, driver: "sqlite3"}, nil
}

// Driver returns the sql driver name in use
func (d *Database) Driver() string {
	return d.driver
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
