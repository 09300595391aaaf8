package channels

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polyrelay/polyrelay/pkg/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const createChannelsSQL = `
CREATE TABLE IF NOT EXISTS channels (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    provider VARCHAR(32) NOT NULL,
    base_url TEXT NOT NULL,
    api_key TEXT NOT NULL,
    custom_key VARCHAR(255) NOT NULL UNIQUE,
    timeout INTEGER NOT NULL DEFAULT 30,
    max_retries INTEGER NOT NULL DEFAULT 3,
    enabled INTEGER NOT NULL DEFAULT 1,
    proxy_json TEXT,
    models_mapping TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS system_config (
    config_key VARCHAR(255) PRIMARY KEY,
    config_value TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const encryptionKeyConfig = "encryption_key"

// Store persists channels and key/value system configuration across
// sqlite, mysql and postgres. Reads are safe for concurrent use; writes
// are serialized by database/sql and atomic with respect to readers.
type Store struct {
	db      *sql.DB
	dialect string
	cipher  *Cipher
	logger  *slog.Logger
}

func NewStore(cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	driver, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection
	// serializes access and prevents "database is locked" errors.
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite3" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			logger.Warn("failed to enable WAL mode", "error", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
			logger.Warn("failed to set busy timeout", "error", err)
		}
	}

	s := &Store{db: db, dialect: cfg.Type, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initCipher(ctx, cfg.EncryptionKey); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(cfg config.DatabaseConfig) (driver, dsn string, err error) {
	switch cfg.Type {
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", "", fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return "sqlite3", cfg.Path, nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cfg.MySQLUser, cfg.MySQLPassword, cfg.MySQLHost, cfg.MySQLPort, cfg.MySQLDatabase)
		return "mysql", dsn, nil
	case "postgres":
		return "postgres", cfg.PostgresDSN, nil
	default:
		return "", "", fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(createChannelsSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// initCipher uses the configured encryption key when present; otherwise
// it generates one and keeps it in the config table so restarts can
// decrypt existing credentials.
func (s *Store) initCipher(ctx context.Context, configured string) error {
	key := configured
	if key == "" {
		stored, err := s.GetConfig(ctx, encryptionKeyConfig)
		if err != nil {
			return err
		}
		if stored == "" {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("failed to generate encryption key: %w", err)
			}
			stored = hex.EncodeToString(raw)
			if err := s.SetConfig(ctx, encryptionKeyConfig, stored); err != nil {
				return err
			}
			s.logger.Info("generated new credential encryption key")
		}
		key = stored
	}

	cipher, err := NewCipher(key)
	if err != nil {
		return err
	}
	s.cipher = cipher
	return nil
}

// bind rewrites ? placeholders into the $n form postgres expects.
func (s *Store) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Cipher exposes the store's credential cipher for the resolver.
func (s *Store) Cipher() *Cipher {
	return s.cipher
}

// -- channels --

func (s *Store) Create(ctx context.Context, ch *Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.Timeout <= 0 {
		ch.Timeout = 30
	}
	if ch.MaxRetries < 0 {
		ch.MaxRetries = 3
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	apiKey := ch.APIKey
	if !IsEncrypted(apiKey) {
		enc, err := s.cipher.Encrypt(apiKey)
		if err != nil {
			return err
		}
		apiKey = enc
	}
	ch.APIKey = apiKey

	proxyJSON, mappingJSON, err := marshalChannelJSON(ch)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO channels (id, name, provider, base_url, api_key, custom_key,
			timeout, max_retries, enabled, proxy_json, models_mapping, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ch.ID, ch.Name, string(ch.Provider), ch.BaseURL, apiKey, ch.CustomKey,
		ch.Timeout, ch.MaxRetries, boolToInt(ch.Enabled), proxyJSON, mappingJSON,
		ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, ch *Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	ch.UpdatedAt = time.Now().UTC()

	apiKey := ch.APIKey
	if !IsEncrypted(apiKey) {
		enc, err := s.cipher.Encrypt(apiKey)
		if err != nil {
			return err
		}
		apiKey = enc
	}
	ch.APIKey = apiKey

	proxyJSON, mappingJSON, err := marshalChannelJSON(ch)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE channels SET name = ?, provider = ?, base_url = ?, api_key = ?,
			custom_key = ?, timeout = ?, max_retries = ?, enabled = ?,
			proxy_json = ?, models_mapping = ?, updated_at = ?
		WHERE id = ?`),
		ch.Name, string(ch.Provider), ch.BaseURL, apiKey, ch.CustomKey,
		ch.Timeout, ch.MaxRetries, boolToInt(ch.Enabled), proxyJSON, mappingJSON,
		ch.UpdatedAt, ch.ID)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %s not found", ch.ID)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM channels WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %s not found", id)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, s.bind(channelSelect+` WHERE id = ?`), id)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("channel %s not found", id)
	}
	return ch, err
}

// List returns every channel, credentials still encrypted.
func (s *Store) List(ctx context.Context) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx, channelSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

const channelSelect = `
	SELECT id, name, provider, base_url, api_key, custom_key, timeout,
		max_retries, enabled, proxy_json, models_mapping, created_at, updated_at
	FROM channels`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChannel(row rowScanner) (*Channel, error) {
	var ch Channel
	var provider string
	var enabled int
	var proxyJSON, mappingJSON sql.NullString
	err := row.Scan(&ch.ID, &ch.Name, &provider, &ch.BaseURL, &ch.APIKey,
		&ch.CustomKey, &ch.Timeout, &ch.MaxRetries, &enabled,
		&proxyJSON, &mappingJSON, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan channel: %w", err)
	}

	ch.Provider = wireFamily(provider)
	ch.Enabled = enabled != 0
	if proxyJSON.Valid && proxyJSON.String != "" {
		var proxy ProxyConfig
		if err := json.Unmarshal([]byte(proxyJSON.String), &proxy); err == nil {
			ch.Proxy = &proxy
		}
	}
	if mappingJSON.Valid && mappingJSON.String != "" {
		_ = json.Unmarshal([]byte(mappingJSON.String), &ch.ModelMapping)
	}
	return &ch, nil
}

func marshalChannelJSON(ch *Channel) (proxyJSON, mappingJSON sql.NullString, err error) {
	if ch.Proxy != nil {
		data, merr := json.Marshal(ch.Proxy)
		if merr != nil {
			return proxyJSON, mappingJSON, merr
		}
		proxyJSON = sql.NullString{String: string(data), Valid: true}
	}
	if len(ch.ModelMapping) > 0 {
		data, merr := json.Marshal(ch.ModelMapping)
		if merr != nil {
			return proxyJSON, mappingJSON, merr
		}
		mappingJSON = sql.NullString{String: string(data), Valid: true}
	}
	return proxyJSON, mappingJSON, nil
}

// -- system configuration --

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		s.bind(`SELECT config_value FROM system_config WHERE config_key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.bind(`UPDATE system_config SET config_value = ?, updated_at = ? WHERE config_key = ?`),
		value, now, key)
	if err != nil {
		return fmt.Errorf("failed to update config %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		s.bind(`INSERT INTO system_config (config_key, config_value, created_at, updated_at) VALUES (?, ?, ?, ?)`),
		key, value, now, now)
	if err != nil {
		return fmt.Errorf("failed to store config %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		s.bind(`DELETE FROM system_config WHERE config_key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete config %s: %w", key, err)
	}
	return nil
}

// ListConfigKeys returns config keys beginning with the given prefix.
func (s *Store) ListConfigKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT config_key FROM system_config WHERE config_key LIKE ?`), prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list config keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
