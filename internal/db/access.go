package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/util"
)

// Permissions checked by the REST API.
const (
	PermMonitor   = "monitor"
	PermControl   = "control"
	PermConfigure = "configure"
)

// ErrTokenNotFound is returned when a token name does not exist.
var ErrTokenNotFound = errors.New("token not found")

// AccessStore manages API tokens and the roles that grant them
// permissions. Only token hashes are stored.
type AccessStore struct {
	db *Database
}

// Role represents a role and the permissions it grants.
type Role struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Inherits    string   `json:"inherits,omitempty"`
}

// Token describes an issued API token.
type Token struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// NewAccessStore creates the access tables in database and seeds the
// default roles.
func NewAccessStore(database *Database) (*AccessStore, error) {
	s := &AccessStore{db: database}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate access tables: %w", err)
	}
	if err := s.seedDefaults(); err != nil {
		return nil, fmt.Errorf("failed to seed default roles: %w", err)
	}
	return s, nil
}

func (s *AccessStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			inherits TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL
		);

		CREATE TABLE IF NOT EXISTS role_permissions (
			role_id INTEGER NOT NULL,
			permission_id INTEGER NOT NULL,
			PRIMARY KEY (role_id, permission_id),
			FOREIGN KEY (role_id) REFERENCES roles(id) ON DELETE CASCADE,
			FOREIGN KEY (permission_id) REFERENCES permissions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			token_hash TEXT UNIQUE NOT NULL,
			role_id INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_used DATETIME,
			FOREIGN KEY (role_id) REFERENCES roles(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_hash ON tokens(token_hash);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("access schema migrated")
	return nil
}

// seedDefaults creates the default roles and permissions if they don't exist.
func (s *AccessStore) seedDefaults() error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		for _, perm := range []string{PermMonitor, PermControl, PermConfigure} {
			if _, err := tx.Exec("INSERT OR IGNORE INTO permissions (name) VALUES (?)", perm); err != nil {
				return err
			}
		}

		roles := []struct {
			name     string
			perms    []string
			inherits string
		}{
			{name: "viewer", perms: []string{PermMonitor}},
			{name: "operator", perms: []string{PermMonitor, PermControl}, inherits: "viewer"},
			{name: "admin", perms: []string{PermMonitor, PermControl, PermConfigure}, inherits: "operator"},
		}

		for _, role := range roles {
			if _, err := tx.Exec(
				"INSERT OR IGNORE INTO roles (name, inherits) VALUES (?, ?)",
				role.name, role.inherits); err != nil {
				return err
			}

			var roleID int64
			if err := tx.QueryRow("SELECT id FROM roles WHERE name = ?", role.name).Scan(&roleID); err != nil {
				return err
			}

			for _, perm := range role.perms {
				if _, err := tx.Exec(`
					INSERT OR IGNORE INTO role_permissions (role_id, permission_id)
					SELECT ?, id FROM permissions WHERE name = ?
				`, roleID, perm); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// CreateToken issues a token with the given role and returns the plaintext.
// The plaintext cannot be recovered later.
func (s *AccessStore) CreateToken(name, role string) (string, error) {
	plain, err := util.GenerateToken()
	if err != nil {
		return "", err
	}

	err = s.db.Transaction(func(tx *sql.Tx) error {
		var roleID int64
		if err := tx.QueryRow("SELECT id FROM roles WHERE name = ?", role).Scan(&roleID); err != nil {
			return fmt.Errorf("role '%s' not found: %w", role, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO tokens (name, token_hash, role_id) VALUES (?, ?, ?)",
			name, util.HashToken(plain), roleID); err != nil {
			return fmt.Errorf("failed to create token: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	log.Info().
		Str("name", name).
		Str("role", role).
		Msg("API token created")

	return plain, nil
}

// TokenHasPermission reports whether the plaintext token grants permission.
// A match also refreshes the token's last-used time.
func (s *AccessStore) TokenHasPermission(token, permission string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM tokens t
		JOIN role_permissions rp ON t.role_id = rp.role_id
		JOIN permissions p ON rp.permission_id = p.id
		WHERE t.token_hash = ? AND p.name = ?
	`

	hash := util.HashToken(token)
	var count int
	if err := s.db.QueryRow(query, hash, permission).Scan(&count); err != nil {
		return false, fmt.Errorf("permission check failed: %w", err)
	}
	if count == 0 {
		return false, nil
	}

	if _, err := s.db.Exec("UPDATE tokens SET last_used = ? WHERE token_hash = ?", time.Now().UTC(), hash); err != nil {
		log.Warn().Err(err).Msg("failed to record token use")
	}
	return true, nil
}

// ListTokens returns all issued tokens without their secrets.
func (s *AccessStore) ListTokens() ([]Token, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.name, r.name, t.created_at, t.last_used
		FROM tokens t
		JOIN roles r ON r.id = t.role_id
		ORDER BY t.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		var t Token
		var lastUsed sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.Role, &t.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			used := lastUsed.Time
			t.LastUsed = &used
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// RevokeToken deletes a token by name.
func (s *AccessStore) RevokeToken(name string) error {
	res, err := s.db.Exec("DELETE FROM tokens WHERE name = ?", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}

	log.Info().Str("name", name).Msg("API token revoked")
	return nil
}

// GetAllRoles returns all available roles with their permissions.
func (s *AccessStore) GetAllRoles() ([]Role, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.name, r.inherits, COALESCE(p.name, '')
		FROM roles r
		LEFT JOIN role_permissions rp ON r.id = rp.role_id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		ORDER BY r.id, p.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		var perm string
		if err := rows.Scan(&r.ID, &r.Name, &r.Inherits, &perm); err != nil {
			return nil, err
		}
		if n := len(roles); n > 0 && roles[n-1].ID == r.ID {
			if perm != "" {
				roles[n-1].Permissions = append(roles[n-1].Permissions, perm)
			}
			continue
		}
		if perm != "" {
			r.Permissions = []string{perm}
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
