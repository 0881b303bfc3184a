// Package registry implements the key and tunnel registries: public key
// validation, duplicate detection, reverse port assignment and the
// lifecycle rules tying live sessions to tunnel rows.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/telepy/telepy/internal/sharing"
	"github.com/telepy/telepy/internal/storage"
	"github.com/telepy/telepy/pkg/types"
)

// Notifier publishes events to the notification fan-out
type Notifier interface {
	Broadcast(event types.Event)
}

// SessionCloser force-closes every live session bound to a tunnel
type SessionCloser interface {
	CloseTunnel(tunnelID string)
}

// Registry owns key and tunnel records
type Registry struct {
	store    *storage.Store
	perms    *sharing.Manager
	notifier Notifier
	sessions SessionCloser
	logger   zerolog.Logger
}

// NewRegistry creates a registry
func NewRegistry(store *storage.Store, perms *sharing.Manager, notifier Notifier, sessions SessionCloser, logger zerolog.Logger) *Registry {
	return &Registry{
		store:    store,
		perms:    perms,
		notifier: notifier,
		sessions: sessions,
		logger:   logger,
	}
}

// ValidatePublicKey checks OpenSSH public key syntax: a recognized
// algorithm prefix followed by a decodable base64 payload, optional
// trailing comment
func ValidatePublicKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return types.NewValidationError("key", "key is required")
	}
	if strings.ContainsAny(key, "\n\r") {
		return types.NewValidationError("key", "key must be a single line")
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return types.NewValidationError("key", "invalid SSH public key format")
	}
	return nil
}

// CreateTunnel registers a public key under a friendly name and allocates
// a reverse port for it. Returns the stored tunnel including the assigned
// port.
func (r *Registry) CreateTunnel(ctx context.Context, ownerID, name, publicKey string, sshPort int, description string) (*types.ReverseTunnel, error) {
	name = strings.TrimSpace(name)
	publicKey = strings.TrimSpace(publicKey)

	if name == "" {
		return nil, types.NewValidationError("host_friendly_name", "host friendly name is required")
	}
	if err := ValidatePublicKey(publicKey); err != nil {
		return nil, err
	}
	if sshPort <= 0 || sshPort > 65535 {
		return nil, types.NewValidationError("ssh_port", "ssh port must be between 1 and 65535")
	}

	nameExists, keyExists, err := r.store.TunnelDuplicate(ctx, ownerID, name, publicKey)
	if err != nil {
		return nil, err
	}
	if nameExists || keyExists {
		return nil, &types.ConflictError{NameExists: nameExists, KeyExists: keyExists}
	}

	now := time.Now()
	key := &types.UserKey{
		ID:               uuid.New().String(),
		OwnerUserID:      ownerID,
		HostFriendlyName: name,
		PublicKey:        publicKey,
		Description:      description,
		CreatedAt:        now,
	}
	if err := r.store.CreateUserKey(ctx, key); err != nil {
		return nil, err
	}

	tunnel := &types.ReverseTunnel{
		ID:               uuid.New().String(),
		OwnerUserID:      ownerID,
		HostFriendlyName: name,
		KeyID:            key.ID,
		PublicKey:        publicKey,
		SSHPort:          sshPort,
		Description:      description,
		CreatedAt:        now,
	}
	if err := r.store.CreateTunnel(ctx, tunnel); err != nil {
		// Roll the key back so a failed allocation leaves nothing behind
		if delErr := r.store.DeleteUserKey(ctx, key.ID); delErr != nil {
			r.logger.Error().Err(delErr).Str("key_id", key.ID).Msg("Failed to roll back key after tunnel create failure")
		}
		return nil, err
	}

	r.logger.Info().
		Str("tunnel_id", tunnel.ID).
		Str("owner", ownerID).
		Int("reverse_port", tunnel.ReversePort).
		Msg("Tunnel created")

	r.notifier.Broadcast(types.Event{
		Action:  types.ActionCreatedUserKeys,
		Details: fmt.Sprintf("Key %q registered", name),
	})
	r.notifier.Broadcast(types.Event{Action: types.ActionUpdatedTunnels})

	return tunnel, nil
}

// CheckDuplicate reports whether the name or key already exists for the
// owner without mutating anything
func (r *Registry) CheckDuplicate(ctx context.Context, ownerID, name, key string) (nameExists, keyExists bool, err error) {
	return r.store.TunnelDuplicate(ctx, ownerID, strings.TrimSpace(name), strings.TrimSpace(key))
}

// GetTunnel returns a tunnel if the requester has at least view access
func (r *Registry) GetTunnel(ctx context.Context, tunnelID, requesterID string) (*types.ReverseTunnel, types.Effective, error) {
	eff, tunnel, err := r.perms.Effective(ctx, tunnelID, requesterID)
	if err != nil {
		return nil, types.Effective{}, err
	}
	if !eff.Tier.AtLeast(types.TierView) {
		return nil, types.Effective{}, types.ErrPermission
	}
	return tunnel, eff, nil
}

// DeleteTunnel removes a tunnel, returns its reverse port to the pool and
// force-closes every live PTY/file-manager session bound to it
func (r *Registry) DeleteTunnel(ctx context.Context, tunnelID, requesterID string) error {
	eff, tunnel, err := r.perms.Effective(ctx, tunnelID, requesterID)
	if err != nil {
		return err
	}
	if !eff.CanDelete {
		return types.ErrPermission
	}

	// Sessions go down before the row is deleted so the port cannot be
	// re-allocated while a live SSH process still references it.
	r.sessions.CloseTunnel(tunnelID)

	if err := r.store.DeleteTunnel(ctx, tunnelID); err != nil {
		return err
	}
	if err := r.store.DeleteUserKey(ctx, tunnel.KeyID); err != nil && !types.IsNotFound(err) {
		r.logger.Error().Err(err).Str("key_id", tunnel.KeyID).Msg("Failed to delete tunnel key")
	}

	r.logger.Info().
		Str("tunnel_id", tunnelID).
		Int("reverse_port", tunnel.ReversePort).
		Msg("Tunnel deleted")

	r.notifier.Broadcast(types.Event{
		Action:  types.ActionDeletedUserKeys,
		Details: fmt.Sprintf("Key %q deleted", tunnel.HostFriendlyName),
	})
	r.notifier.Broadcast(types.Event{Action: types.ActionUpdatedTunnels})

	return nil
}

// PatchDescription updates a tunnel description; requires edit or higher
func (r *Registry) PatchDescription(ctx context.Context, tunnelID, requesterID, description string) error {
	eff, _, err := r.perms.Effective(ctx, tunnelID, requesterID)
	if err != nil {
		return err
	}
	if !eff.CanEdit {
		return types.ErrPermission
	}

	if err := r.store.UpdateTunnelDescription(ctx, tunnelID, description); err != nil {
		return err
	}
	r.notifier.Broadcast(types.Event{Action: types.ActionUpdatedTunnels})
	return nil
}

// ListForUser returns owned plus shared tunnels with effective permissions
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]types.TunnelListing, error) {
	return r.store.ListTunnelsForUser(ctx, userID)
}

// ---- tunnel usernames ----

// ListUsernames returns the login names of a tunnel; requires view access
func (r *Registry) ListUsernames(ctx context.Context, tunnelID, requesterID string) ([]types.TunnelUsername, error) {
	eff, _, err := r.perms.Effective(ctx, tunnelID, requesterID)
	if err != nil {
		return nil, err
	}
	if !eff.Tier.AtLeast(types.TierView) {
		return nil, types.ErrPermission
	}
	return r.store.ListUsernames(ctx, tunnelID)
}

// ListAllUsernames returns the login names of every tunnel the requester
// can see, owned or shared
func (r *Registry) ListAllUsernames(ctx context.Context, requesterID string) ([]types.TunnelUsername, error) {
	tunnels, err := r.store.ListTunnelsForUser(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	out := []types.TunnelUsername{}
	for _, tunnel := range tunnels {
		usernames, err := r.store.ListUsernames(ctx, tunnel.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, usernames...)
	}
	return out, nil
}

// AddUsername registers a remote login name; requires edit access
func (r *Registry) AddUsername(ctx context.Context, tunnelID, requesterID, username string) (*types.TunnelUsername, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, types.NewValidationError("username", "username is required")
	}

	eff, _, err := r.perms.Effective(ctx, tunnelID, requesterID)
	if err != nil {
		return nil, err
	}
	if !eff.CanEdit {
		return nil, types.ErrPermission
	}

	u := &types.TunnelUsername{
		ID:              uuid.New().String(),
		ReverseTunnelID: tunnelID,
		Username:        username,
	}
	if err := r.store.AddUsername(ctx, u); err != nil {
		return nil, err
	}
	r.notifier.Broadcast(types.Event{Action: types.ActionUpdatedTunnels})
	return u, nil
}

// DeleteUsername removes a remote login name; requires edit access
func (r *Registry) DeleteUsername(ctx context.Context, usernameID, requesterID string) error {
	u, err := r.store.GetUsername(ctx, usernameID)
	if err != nil {
		return err
	}

	eff, _, err := r.perms.Effective(ctx, u.ReverseTunnelID, requesterID)
	if err != nil {
		return err
	}
	if !eff.CanEdit {
		return types.ErrPermission
	}

	if err := r.store.DeleteUsername(ctx, usernameID); err != nil {
		return err
	}
	r.notifier.Broadcast(types.Event{Action: types.ActionUpdatedTunnels})
	return nil
}

// ---- user keys ----

// ListUserKeys returns the requester's registered keys
func (r *Registry) ListUserKeys(ctx context.Context, ownerID string) ([]types.UserKey, error) {
	return r.store.ListUserKeys(ctx, ownerID)
}

// CreateUserKey registers a standalone user key (not bound to a tunnel)
func (r *Registry) CreateUserKey(ctx context.Context, ownerID, name, publicKey, description string) (*types.UserKey, error) {
	name = strings.TrimSpace(name)
	publicKey = strings.TrimSpace(publicKey)
	if name == "" {
		return nil, types.NewValidationError("host_friendly_name", "host friendly name is required")
	}
	if err := ValidatePublicKey(publicKey); err != nil {
		return nil, err
	}

	k := &types.UserKey{
		ID:               uuid.New().String(),
		OwnerUserID:      ownerID,
		HostFriendlyName: name,
		PublicKey:        publicKey,
		Description:      description,
		CreatedAt:        time.Now(),
	}
	if err := r.store.CreateUserKey(ctx, k); err != nil {
		return nil, err
	}

	r.notifier.Broadcast(types.Event{
		Action:  types.ActionCreatedUserKeys,
		Details: fmt.Sprintf("Key %q registered", name),
	})
	return k, nil
}

// DeleteUserKey removes a key the requester owns
func (r *Registry) DeleteUserKey(ctx context.Context, keyID, requesterID string) error {
	k, err := r.store.GetUserKey(ctx, keyID)
	if err != nil {
		return err
	}
	if k.OwnerUserID != requesterID {
		return types.ErrPermission
	}
	if err := r.store.DeleteUserKey(ctx, keyID); err != nil {
		return err
	}

	r.notifier.Broadcast(types.Event{
		Action:  types.ActionDeletedUserKeys,
		Details: fmt.Sprintf("Key %q deleted", k.HostFriendlyName),
	})
	return nil
}

// PatchUserKeyDescription updates a key description the requester owns
func (r *Registry) PatchUserKeyDescription(ctx context.Context, keyID, requesterID, description string) error {
	k, err := r.store.GetUserKey(ctx, keyID)
	if err != nil {
		return err
	}
	if k.OwnerUserID != requesterID {
		return types.ErrPermission
	}
	return r.store.UpdateUserKeyDescription(ctx, keyID, description)
}

// ---- service keys ----

// ListServiceKeys returns the broker's own public keys; any authenticated
// user may read them since they must be installed on tunneled hosts
func (r *Registry) ListServiceKeys(ctx context.Context) ([]types.ServiceKey, error) {
	return r.store.ListServiceKeys(ctx)
}

// CreateServiceKey registers a broker service key
func (r *Registry) CreateServiceKey(ctx context.Context, hostname, publicKey, description string) (*types.ServiceKey, error) {
	if err := ValidatePublicKey(publicKey); err != nil {
		return nil, err
	}
	k := &types.ServiceKey{
		ID:          uuid.New().String(),
		Hostname:    strings.TrimSpace(hostname),
		PublicKey:   strings.TrimSpace(publicKey),
		Description: description,
		CreatedAt:   time.Now(),
	}
	if err := r.store.CreateServiceKey(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// DeleteServiceKey removes a service key
func (r *Registry) DeleteServiceKey(ctx context.Context, id string) error {
	return r.store.DeleteServiceKey(ctx, id)
}

// PatchServiceKeyDescription updates a service key description
func (r *Registry) PatchServiceKeyDescription(ctx context.Context, id, description string) error {
	return r.store.UpdateServiceKeyDescription(ctx, id, description)
}
