package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/telepy/telepy/pkg/types"
)

// Store provides persistent storage for keys, tunnels and share grants
type Store struct {
	db *sql.DB

	// Serializes reverse-port allocation and release. SQLite is a single
	// writer anyway; the mutex makes check-free/reserve/persist one atomic
	// step without relying on busy-retry behavior.
	allocMu sync.Mutex

	poolMin int
	poolMax int
}

// NewStore opens (or creates) the SQLite database at dbPath. The pool is
// the half-open reverse port range [poolMin, poolMax).
func NewStore(dbPath string, poolMin, poolMax int) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &Store{db: db, poolMin: poolMin, poolMax: poolMax}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		email TEXT DEFAULT '',
		last_seen TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_keys (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		host_friendly_name TEXT NOT NULL,
		public_key TEXT NOT NULL,
		description TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(owner_user_id, host_friendly_name),
		UNIQUE(owner_user_id, public_key)
	);

	CREATE TABLE IF NOT EXISTS service_keys (
		id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL UNIQUE,
		public_key TEXT NOT NULL,
		description TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reverse_tunnels (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		host_friendly_name TEXT NOT NULL,
		key_id TEXT NOT NULL REFERENCES user_keys(id),
		ssh_port INTEGER NOT NULL,
		reverse_port INTEGER NOT NULL UNIQUE,
		description TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(owner_user_id, host_friendly_name)
	);

	CREATE TABLE IF NOT EXISTS tunnel_usernames (
		id TEXT PRIMARY KEY,
		reverse_tunnel_id TEXT NOT NULL REFERENCES reverse_tunnels(id) ON DELETE CASCADE,
		username TEXT NOT NULL,
		UNIQUE(reverse_tunnel_id, username)
	);

	CREATE TABLE IF NOT EXISTS share_permissions (
		tunnel_id TEXT NOT NULL REFERENCES reverse_tunnels(id) ON DELETE CASCADE,
		grantee_user_id TEXT NOT NULL,
		permission_tier TEXT NOT NULL,
		granted_by_user_id TEXT NOT NULL,
		granted_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY(tunnel_id, grantee_user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_user_keys_owner ON user_keys(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_tunnels_owner ON reverse_tunnels(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_shares_grantee ON share_permissions(grantee_user_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- users ----

// UpsertUser records the authenticated user so share listings can resolve
// usernames without a trip to the identity provider
func (s *Store) UpsertUser(ctx context.Context, u types.User) error {
	query := `
		INSERT INTO users (id, username, email, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username,
			email = excluded.email, last_seen = excluded.last_seen
	`
	if _, err := s.db.ExecContext(ctx, query, u.ID, u.Username, u.Email, time.Now()); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFoundError("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// ListUsers returns all known users
func (s *Store) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, email FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- user keys ----

// CreateUserKey inserts a user key row
func (s *Store) CreateUserKey(ctx context.Context, k *types.UserKey) error {
	query := `
		INSERT INTO user_keys (id, owner_user_id, host_friendly_name, public_key, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		k.ID, k.OwnerUserID, k.HostFriendlyName, k.PublicKey, k.Description, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user key: %w", err)
	}
	return nil
}

// GetUserKey retrieves a user key by id
func (s *Store) GetUserKey(ctx context.Context, id string) (*types.UserKey, error) {
	var k types.UserKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, host_friendly_name, public_key, description, created_at
		FROM user_keys WHERE id = ?`, id).
		Scan(&k.ID, &k.OwnerUserID, &k.HostFriendlyName, &k.PublicKey, &k.Description, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFoundError("user key", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user key: %w", err)
	}
	return &k, nil
}

// ListUserKeys returns all keys owned by a user
func (s *Store) ListUserKeys(ctx context.Context, ownerID string) ([]types.UserKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, host_friendly_name, public_key, description, created_at
		FROM user_keys WHERE owner_user_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user keys: %w", err)
	}
	defer rows.Close()

	var keys []types.UserKey
	for rows.Next() {
		var k types.UserKey
		if err := rows.Scan(&k.ID, &k.OwnerUserID, &k.HostFriendlyName, &k.PublicKey, &k.Description, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteUserKey removes a user key
func (s *Store) DeleteUserKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM user_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return types.NewNotFoundError("user key", id)
	}
	return nil
}

// UpdateUserKeyDescription patches the description, the only mutable field
func (s *Store) UpdateUserKeyDescription(ctx context.Context, id, description string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE user_keys SET description = ? WHERE id = ?`, description, id)
	if err != nil {
		return fmt.Errorf("failed to update user key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return types.NewNotFoundError("user key", id)
	}
	return nil
}

// ---- service keys ----

// CreateServiceKey inserts a broker service key row
func (s *Store) CreateServiceKey(ctx context.Context, k *types.ServiceKey) error {
	query := `
		INSERT INTO service_keys (id, hostname, public_key, description, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, k.ID, k.Hostname, k.PublicKey, k.Description, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save service key: %w", err)
	}
	return nil
}

// ListServiceKeys returns all service keys
func (s *Store) ListServiceKeys(ctx context.Context) ([]types.ServiceKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, public_key, description, created_at
		FROM service_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list service keys: %w", err)
	}
	defer rows.Close()

	var keys []types.ServiceKey
	for rows.Next() {
		var k types.ServiceKey
		if err := rows.Scan(&k.ID, &k.Hostname, &k.PublicKey, &k.Description, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan service key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteServiceKey removes a service key
func (s *Store) DeleteServiceKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM service_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete service key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return types.NewNotFoundError("service key", id)
	}
	return nil
}

// UpdateServiceKeyDescription patches a service key description
func (s *Store) UpdateServiceKeyDescription(ctx context.Context, id, description string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE service_keys SET description = ? WHERE id = ?`, description, id)
	if err != nil {
		return fmt.Errorf("failed to update service key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return types.NewNotFoundError("service key", id)
	}
	return nil
}

// ---- tunnels ----

// TunnelDuplicate reports whether the friendly name or key text is already
// registered for the owner
func (s *Store) TunnelDuplicate(ctx context.Context, ownerID, name, key string) (nameExists, keyExists bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM reverse_tunnels t WHERE t.owner_user_id = ? AND t.host_friendly_name = ?),
			EXISTS(SELECT 1 FROM reverse_tunnels t JOIN user_keys k ON t.key_id = k.id
				WHERE t.owner_user_id = ? AND k.public_key = ?)`,
		ownerID, name, ownerID, key).Scan(&nameExists, &keyExists)
	if err != nil {
		return false, false, fmt.Errorf("failed to check duplicates: %w", err)
	}
	return nameExists, keyExists, nil
}

// CreateTunnel inserts a tunnel row, allocating the first free reverse port
// from the pool inside the same transaction
func (s *Store) CreateTunnel(ctx context.Context, t *types.ReverseTunnel) error {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT reverse_port FROM reverse_tunnels`)
	if err != nil {
		return fmt.Errorf("failed to read allocated ports: %w", err)
	}
	taken := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan port: %w", err)
		}
		taken[p] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read allocated ports: %w", err)
	}

	// First fit over the configured range
	port := 0
	for p := s.poolMin; p < s.poolMax; p++ {
		if !taken[p] {
			port = p
			break
		}
	}
	if port == 0 {
		return types.ErrPoolExhausted
	}
	t.ReversePort = port

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reverse_tunnels (id, owner_user_id, host_friendly_name, key_id, ssh_port, reverse_port, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerUserID, t.HostFriendlyName, t.KeyID, t.SSHPort, t.ReversePort, t.Description, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save tunnel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tunnel: %w", err)
	}
	return nil
}

const tunnelColumns = `t.id, t.owner_user_id, t.host_friendly_name, t.key_id,
	k.public_key, t.ssh_port, t.reverse_port, t.description, t.created_at`

// GetTunnel retrieves a tunnel by id
func (s *Store) GetTunnel(ctx context.Context, id string) (*types.ReverseTunnel, error) {
	var t types.ReverseTunnel
	err := s.db.QueryRowContext(ctx, `
		SELECT `+tunnelColumns+`
		FROM reverse_tunnels t JOIN user_keys k ON t.key_id = k.id
		WHERE t.id = ?`, id).
		Scan(&t.ID, &t.OwnerUserID, &t.HostFriendlyName, &t.KeyID,
			&t.PublicKey, &t.SSHPort, &t.ReversePort, &t.Description, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFoundError("tunnel", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tunnel: %w", err)
	}
	return &t, nil
}

// DeleteTunnel removes a tunnel; its reverse port returns to the pool once
// the delete commits. Usernames and shares cascade.
func (s *Store) DeleteTunnel(ctx context.Context, id string) error {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM reverse_tunnels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tunnel: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return types.NewNotFoundError("tunnel", id)
	}
	return nil
}

// UpdateTunnelDescription patches a tunnel description
func (s *Store) UpdateTunnelDescription(ctx context.Context, id, description string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE reverse_tunnels SET description = ? WHERE id = ?`, description, id)
	if err != nil {
		return fmt.Errorf("failed to update tunnel: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return types.NewNotFoundError("tunnel", id)
	}
	return nil
}

// ListTunnelsForUser returns the union of tunnels the user owns and tunnels
// shared to them, each annotated with the resolved effective permission
func (s *Store) ListTunnelsForUser(ctx context.Context, userID string) ([]types.TunnelListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tunnelColumns+`, COALESCE(sp.permission_tier, '')
		FROM reverse_tunnels t
		JOIN user_keys k ON t.key_id = k.id
		LEFT JOIN share_permissions sp ON sp.tunnel_id = t.id AND sp.grantee_user_id = ?
		WHERE t.owner_user_id = ? OR sp.grantee_user_id IS NOT NULL
		ORDER BY t.created_at DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tunnels: %w", err)
	}
	defer rows.Close()

	var listings []types.TunnelListing
	for rows.Next() {
		var t types.ReverseTunnel
		var tier string
		err := rows.Scan(&t.ID, &t.OwnerUserID, &t.HostFriendlyName, &t.KeyID,
			&t.PublicKey, &t.SSHPort, &t.ReversePort, &t.Description, &t.CreatedAt, &tier)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tunnel: %w", err)
		}
		listings = append(listings, types.TunnelListing{
			ReverseTunnel: t,
			Effective:     types.Resolve(t.OwnerUserID == userID, types.PermissionTier(tier)),
		})
	}
	return listings, rows.Err()
}

// ListReversePorts returns every allocated reverse port
func (s *Store) ListReversePorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reverse_port FROM reverse_tunnels ORDER BY reverse_port`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan port: %w", err)
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// ---- tunnel usernames ----

// AddUsername registers a remote login name for a tunnel
func (s *Store) AddUsername(ctx context.Context, u *types.TunnelUsername) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tunnel_usernames (id, reverse_tunnel_id, username) VALUES (?, ?, ?)`,
		u.ID, u.ReverseTunnelID, u.Username)
	if err != nil {
		return fmt.Errorf("failed to add username: %w", err)
	}
	return nil
}

// DeleteUsername removes a remote login name
func (s *Store) DeleteUsername(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tunnel_usernames WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete username: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return types.NewNotFoundError("username", id)
	}
	return nil
}

// GetUsername retrieves a username row by id
func (s *Store) GetUsername(ctx context.Context, id string) (*types.TunnelUsername, error) {
	var u types.TunnelUsername
	err := s.db.QueryRowContext(ctx, `
		SELECT id, reverse_tunnel_id, username FROM tunnel_usernames WHERE id = ?`, id).
		Scan(&u.ID, &u.ReverseTunnelID, &u.Username)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFoundError("username", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get username: %w", err)
	}
	return &u, nil
}

// ListUsernames returns the remote login names registered for a tunnel
func (s *Store) ListUsernames(ctx context.Context, tunnelID string) ([]types.TunnelUsername, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reverse_tunnel_id, username FROM tunnel_usernames
		WHERE reverse_tunnel_id = ? ORDER BY username`, tunnelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usernames: %w", err)
	}
	defer rows.Close()

	var names []types.TunnelUsername
	for rows.Next() {
		var u types.TunnelUsername
		if err := rows.Scan(&u.ID, &u.ReverseTunnelID, &u.Username); err != nil {
			return nil, fmt.Errorf("failed to scan username: %w", err)
		}
		names = append(names, u)
	}
	return names, rows.Err()
}

// HasUsername reports whether a login name is registered for a tunnel
func (s *Store) HasUsername(ctx context.Context, tunnelID, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM tunnel_usernames WHERE reverse_tunnel_id = ? AND username = ?)`,
		tunnelID, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return exists, nil
}

// ---- share permissions ----

// UpsertShare creates or updates a share grant; idempotent on repeat calls
func (s *Store) UpsertShare(ctx context.Context, sp *types.SharePermission) error {
	now := time.Now()
	query := `
		INSERT INTO share_permissions (tunnel_id, grantee_user_id, permission_tier, granted_by_user_id, granted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tunnel_id, grantee_user_id) DO UPDATE SET
			permission_tier = excluded.permission_tier, updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		sp.TunnelID, sp.GranteeUserID, string(sp.Tier), sp.GrantedByUserID, now, now)
	if err != nil {
		return fmt.Errorf("failed to save share: %w", err)
	}
	return nil
}

// DeleteShare removes a share grant if present; no error when absent
func (s *Store) DeleteShare(ctx context.Context, tunnelID, granteeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM share_permissions WHERE tunnel_id = ? AND grantee_user_id = ?`,
		tunnelID, granteeID)
	if err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	return nil
}

// GetShareTier returns the stored tier for (tunnel, grantee), or TierNone
func (s *Store) GetShareTier(ctx context.Context, tunnelID, granteeID string) (types.PermissionTier, error) {
	var tier string
	err := s.db.QueryRowContext(ctx, `
		SELECT permission_tier FROM share_permissions
		WHERE tunnel_id = ? AND grantee_user_id = ?`, tunnelID, granteeID).Scan(&tier)
	if err == sql.ErrNoRows {
		return types.TierNone, nil
	}
	if err != nil {
		return types.TierNone, fmt.Errorf("failed to get share: %w", err)
	}
	return types.PermissionTier(tier), nil
}

// ListShares returns every grant on a tunnel
func (s *Store) ListShares(ctx context.Context, tunnelID string) ([]types.SharePermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tunnel_id, grantee_user_id, permission_tier, granted_by_user_id, granted_at, updated_at
		FROM share_permissions WHERE tunnel_id = ? ORDER BY granted_at`, tunnelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	defer rows.Close()

	var shares []types.SharePermission
	for rows.Next() {
		var sp types.SharePermission
		var tier string
		if err := rows.Scan(&sp.TunnelID, &sp.GranteeUserID, &tier, &sp.GrantedByUserID, &sp.GrantedAt, &sp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		sp.Tier = types.PermissionTier(tier)
		shares = append(shares, sp)
	}
	return shares, rows.Err()
}
