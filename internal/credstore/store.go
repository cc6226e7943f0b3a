// ABOUTME: SQLite-backed persistence for the device credential and pushed scripts.
// ABOUTME: Uses modernc.org/sqlite with WAL mode and automatic schema creation.

package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "modernc.org/sqlite"
)

// ErrNoCredential is returned when no token has been issued to this device yet.
var ErrNoCredential = errors.New("no credential stored")

// ErrScriptNotFound is returned when a pushed script does not exist.
var ErrScriptNotFound = errors.New("script not found")

// Credential is the persisted authentication state. Token is opaque to the
// agent except for a best-effort expiry check when it happens to be a JWT.
type Credential struct {
	Token    string
	DeviceID string
	IssuedAt time.Time
}

// Script is a controller-pushed script file persisted on the device.
type Script struct {
	FileName  string
	Content   string
	UpdatedAt time.Time
}

// Store persists the credential and pushed scripts across process restarts.
// It is the only component permitted to mutate the credential.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the store at the given path. Parent directories
// are created if needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "credstore"),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("credential store opened", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			device_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			issued_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scripts (
			file_name TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Credential returns the stored credential for the device, or ErrNoCredential.
func (s *Store) Credential(ctx context.Context, deviceID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT token, issued_at FROM credentials WHERE device_id = ?", deviceID)

	cred := Credential{DeviceID: deviceID}
	if err := row.Scan(&cred.Token, &cred.IssuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	return &cred, nil
}

// PutCredential replaces the device's credential. Called only after a
// successful authentication response.
func (s *Store) PutCredential(ctx context.Context, deviceID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (device_id, token, issued_at)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET token = excluded.token, issued_at = excluded.issued_at
	`, deviceID, token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	s.logger.Info("credential updated", "device_id", deviceID)
	return nil
}

// SaveScript persists a pushed script, replacing any previous content under
// the same file name.
func (s *Store) SaveScript(ctx context.Context, fileName, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (file_name, content, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(file_name) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`, fileName, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storing script %q: %w", fileName, err)
	}
	s.logger.Info("script saved", "file_name", fileName, "bytes", len(content))
	return nil
}

// GetScript returns a pushed script by file name.
func (s *Store) GetScript(ctx context.Context, fileName string) (*Script, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT content, updated_at FROM scripts WHERE file_name = ?", fileName)

	script := Script{FileName: fileName}
	if err := row.Scan(&script.Content, &script.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScriptNotFound
		}
		return nil, fmt.Errorf("querying script %q: %w", fileName, err)
	}
	return &script, nil
}

// ListScripts returns the file names of all pushed scripts.
func (s *Store) ListScripts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT file_name FROM scripts ORDER BY file_name")
	if err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning script name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// TokenExpired reports whether the token is a JWT whose exp claim has
// passed. Opaque (non-JWT) tokens and JWTs without an exp claim are treated
// as live; the controller remains the authority on validity.
func TokenExpired(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
