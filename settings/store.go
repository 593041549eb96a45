// Package settings provides the persistent user settings store for WARP Manager.
// Settings are string key/value pairs kept in a SQLite database alongside a
// small history of connection sessions.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/yllada/warp-manager/common"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	mode         TEXT NOT NULL,
	address      TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	connected_at INTEGER,
	ended_at     INTEGER,
	outcome      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS sessions_started ON sessions(started_at);
`

// Store is a SQLite-backed implementation of common.SettingsStore.
// It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the settings database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrSettings, err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", common.ErrSettings, path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", common.ErrSettings, err)
	}

	return &Store{db: db, path: path}, nil
}

// OpenDefault opens the settings database in the application config directory.
func OpenDefault() (*Store, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, common.SettingsFileName))
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", common.ErrSettings, key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", common.ErrSettings, key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", common.ErrSettings, key, err)
	}
	return nil
}

// All returns every stored setting.
func (s *Store) All() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", common.ErrSettings, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("%w: list: %v", common.ErrSettings, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// String returns the setting for key, or def when it is missing or unreadable.
func String(s common.SettingsStore, key, def string) string {
	value, ok, err := s.Get(key)
	if err != nil {
		common.LogWarn("Settings: reading %s: %v", key, err)
		return def
	}
	if !ok || strings.TrimSpace(value) == "" {
		return def
	}
	return value
}

// Int returns the integer setting for key, or def when missing or malformed.
func Int(s common.SettingsStore, key string, def int) int {
	value := String(s, key, "")
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		common.LogWarn("Settings: %s=%q is not a number, using %d", key, value, def)
		return def
	}
	return n
}

// Bool returns the boolean setting for key, or def when missing or malformed.
func Bool(s common.SettingsStore, key string, def bool) bool {
	value := String(s, key, "")
	if value == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return def
	}
	return b
}

// Defaults holds the values used when a key has never been set.
var Defaults = map[string]string{
	common.KeyHostIP:    common.DefaultHostIP,
	common.KeyPort:      strconv.Itoa(common.DefaultPort),
	common.KeyProxyMode: common.DefaultProxyMode,
	common.KeyLang:      common.DefaultLang,
	common.KeyMethod:    common.DefaultMethod,
	common.KeyReuseScan: "true",
}

// Known reports whether key is a recognised user setting.
func Known(key string) bool {
	if _, ok := Defaults[key]; ok {
		return true
	}
	switch key {
	case common.KeyLocation, common.KeyEndpoint, common.KeyIPVersion, common.KeyDNS, common.KeyScanResult:
		return true
	}
	return false
}
