// Package sharing resolves and mutates tunnel share permissions.
package sharing

import (
	"context"
	"fmt"

	"github.com/telepy/telepy/internal/storage"
	"github.com/telepy/telepy/pkg/types"
)

// Manager enforces the tier model over share grants. The owner always holds
// implicit admin rights; grants never exist for the owner.
type Manager struct {
	store *storage.Store
}

// NewManager creates a sharing manager backed by the store
func NewManager(store *storage.Store) *Manager {
	return &Manager{store: store}
}

// Effective resolves the permission of (user, tunnel) and returns the
// tunnel row alongside, since every caller needs both
func (m *Manager) Effective(ctx context.Context, tunnelID, userID string) (types.Effective, *types.ReverseTunnel, error) {
	tunnel, err := m.store.GetTunnel(ctx, tunnelID)
	if err != nil {
		return types.Effective{}, nil, err
	}

	if tunnel.OwnerUserID == userID {
		return types.Resolve(true, types.TierAdmin), tunnel, nil
	}

	tier, err := m.store.GetShareTier(ctx, tunnelID, userID)
	if err != nil {
		return types.Effective{}, nil, err
	}
	return types.Resolve(false, tier), tunnel, nil
}

// checkGrantor verifies the grantor may manage sharing on the tunnel.
// Only ownership or an admin grant qualifies; an edit-tier grantee can
// never create or elevate shares, which is what keeps the privilege
// ceiling intact.
func (m *Manager) checkGrantor(ctx context.Context, tunnelID, grantorID string) (*types.ReverseTunnel, error) {
	eff, tunnel, err := m.Effective(ctx, tunnelID, grantorID)
	if err != nil {
		return nil, err
	}
	if !eff.CanShare {
		return nil, types.ErrPermission
	}
	return tunnel, nil
}

// Share grants a tier on a tunnel to another user. Idempotent: repeating
// the call with the same tier is a no-op upsert.
func (m *Manager) Share(ctx context.Context, tunnelID, grantorID, granteeID string, tier types.PermissionTier) error {
	if !tier.Valid() {
		return types.NewValidationError("permission_tier", fmt.Sprintf("invalid tier %q", tier))
	}

	tunnel, err := m.checkGrantor(ctx, tunnelID, grantorID)
	if err != nil {
		return err
	}
	if granteeID == grantorID {
		return types.NewValidationError("grantee", "cannot share a tunnel with yourself")
	}
	if granteeID == tunnel.OwnerUserID {
		return types.NewValidationError("grantee", "owner already has full access")
	}
	if _, err := m.store.GetUser(ctx, granteeID); err != nil {
		return err
	}

	return m.store.UpsertShare(ctx, &types.SharePermission{
		TunnelID:        tunnelID,
		GranteeUserID:   granteeID,
		Tier:            tier,
		GrantedByUserID: grantorID,
	})
}

// Unshare revokes a grant. Idempotent: revoking an absent grant succeeds.
func (m *Manager) Unshare(ctx context.Context, tunnelID, grantorID, granteeID string) error {
	if _, err := m.checkGrantor(ctx, tunnelID, grantorID); err != nil {
		return err
	}
	return m.store.DeleteShare(ctx, tunnelID, granteeID)
}

// UpdateTier changes an existing grant's tier; same authorization rule as
// Share
func (m *Manager) UpdateTier(ctx context.Context, tunnelID, grantorID, granteeID string, tier types.PermissionTier) error {
	return m.Share(ctx, tunnelID, grantorID, granteeID, tier)
}

// SharedUser is a grant joined with the grantee's account info
type SharedUser struct {
	User types.User           `json:"user"`
	Tier types.PermissionTier `json:"permission_tier"`
}

// SharedUsers lists every grantee of a tunnel; requires view access
func (m *Manager) SharedUsers(ctx context.Context, tunnelID, requesterID string) ([]SharedUser, error) {
	eff, _, err := m.Effective(ctx, tunnelID, requesterID)
	if err != nil {
		return nil, err
	}
	if !eff.Tier.AtLeast(types.TierView) {
		return nil, types.ErrPermission
	}

	shares, err := m.store.ListShares(ctx, tunnelID)
	if err != nil {
		return nil, err
	}

	out := make([]SharedUser, 0, len(shares))
	for _, sp := range shares {
		user, err := m.store.GetUser(ctx, sp.GranteeUserID)
		if err != nil {
			if types.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, SharedUser{User: *user, Tier: sp.Tier})
	}
	return out, nil
}

// AvailableUsers lists users the tunnel could still be shared with: every
// known account minus the owner and existing grantees. Requires share
// rights, since it only feeds the share dialog.
func (m *Manager) AvailableUsers(ctx context.Context, tunnelID, requesterID string) ([]types.User, error) {
	tunnel, err := m.checkGrantor(ctx, tunnelID, requesterID)
	if err != nil {
		return nil, err
	}

	shares, err := m.store.ListShares(ctx, tunnelID)
	if err != nil {
		return nil, err
	}
	excluded := map[string]bool{tunnel.OwnerUserID: true}
	for _, sp := range shares {
		excluded[sp.GranteeUserID] = true
	}

	users, err := m.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	available := make([]types.User, 0, len(users))
	for _, u := range users {
		if !excluded[u.ID] {
			available = append(available, u)
		}
	}
	return available, nil
}
