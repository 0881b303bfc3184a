package sharing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/telepy/telepy/internal/storage"
	"github.com/telepy/telepy/pkg/types"
)

type fixture struct {
	store   *storage.Store
	manager *Manager
	tunnel  *types.ReverseTunnel
}

// newFixture sets up a store with an owner, two other users and one tunnel
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"), 2300, 2310)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for _, u := range []types.User{
		{ID: "owner", Username: "owner"},
		{ID: "alice", Username: "alice"},
		{ID: "bob", Username: "bob"},
	} {
		if err := store.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser(%s) error = %v", u.ID, err)
		}
	}

	key := &types.UserKey{
		ID:               uuid.New().String(),
		OwnerUserID:      "owner",
		HostFriendlyName: "host",
		PublicKey:        "ssh-ed25519 AAAAtest",
		CreatedAt:        time.Now(),
	}
	if err := store.CreateUserKey(ctx, key); err != nil {
		t.Fatalf("CreateUserKey() error = %v", err)
	}
	tunnel := &types.ReverseTunnel{
		ID:               uuid.New().String(),
		OwnerUserID:      "owner",
		HostFriendlyName: "host",
		KeyID:            key.ID,
		SSHPort:          22,
		CreatedAt:        time.Now(),
	}
	if err := store.CreateTunnel(ctx, tunnel); err != nil {
		t.Fatalf("CreateTunnel() error = %v", err)
	}

	return &fixture{store: store, manager: NewManager(store), tunnel: tunnel}
}

func TestOwnerHasImplicitAdmin(t *testing.T) {
	f := newFixture(t)

	eff, tunnel, err := f.manager.Effective(context.Background(), f.tunnel.ID, "owner")
	if err != nil {
		t.Fatalf("Effective() error = %v", err)
	}
	if tunnel.ID != f.tunnel.ID {
		t.Errorf("tunnel.ID = %v, want %v", tunnel.ID, f.tunnel.ID)
	}
	if !eff.IsOwner || !eff.CanEdit || !eff.CanShare || !eff.CanDelete {
		t.Errorf("owner effective = %+v, want full rights", eff)
	}
}

func TestStrangerHasNoAccess(t *testing.T) {
	f := newFixture(t)

	eff, _, err := f.manager.Effective(context.Background(), f.tunnel.ID, "bob")
	if err != nil {
		t.Fatalf("Effective() error = %v", err)
	}
	if eff.Tier != types.TierNone || eff.CanEdit || eff.CanShare || eff.CanDelete {
		t.Errorf("stranger effective = %+v, want nothing", eff)
	}
}

func TestShareGrantsTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Share(ctx, f.tunnel.ID, "owner", "alice", types.TierEdit); err != nil {
		t.Fatalf("Share() error = %v", err)
	}

	eff, _, err := f.manager.Effective(ctx, f.tunnel.ID, "alice")
	if err != nil {
		t.Fatalf("Effective() error = %v", err)
	}
	if eff.Tier != types.TierEdit || !eff.CanEdit {
		t.Errorf("effective = %+v, want edit", eff)
	}
	if eff.CanShare || eff.CanDelete {
		t.Errorf("effective = %+v, edit must not grant share or delete", eff)
	}
}

// TestEditGranteeCannotShare covers the privilege ceiling: a user holding
// edit must not be able to mint grants for others.
func TestEditGranteeCannotShare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Share(ctx, f.tunnel.ID, "owner", "alice", types.TierEdit); err != nil {
		t.Fatalf("Share() error = %v", err)
	}

	err := f.manager.Share(ctx, f.tunnel.ID, "alice", "bob", types.TierView)
	if !errors.Is(err, types.ErrPermission) {
		t.Errorf("Share() by edit grantee error = %v, want ErrPermission", err)
	}

	// And they cannot elevate their own grant either
	err = f.manager.UpdateTier(ctx, f.tunnel.ID, "alice", "alice", types.TierAdmin)
	if !errors.Is(err, types.ErrPermission) {
		t.Errorf("self-elevation error = %v, want ErrPermission", err)
	}
}

func TestAdminGranteeCanShare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Share(ctx, f.tunnel.ID, "owner", "alice", types.TierAdmin); err != nil {
		t.Fatalf("Share() error = %v", err)
	}
	if err := f.manager.Share(ctx, f.tunnel.ID, "alice", "bob", types.TierView); err != nil {
		t.Errorf("Share() by admin grantee error = %v", err)
	}

	tier, err := f.store.GetShareTier(ctx, f.tunnel.ID, "bob")
	if err != nil || tier != types.TierView {
		t.Errorf("GetShareTier(bob) = (%v, %v), want (view, nil)", tier, err)
	}
}

func TestShareRejectsOwnerAndSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var vErr *types.ValidationError
	if err := f.manager.Share(ctx, f.tunnel.ID, "owner", "owner", types.TierView); !errors.As(err, &vErr) {
		t.Errorf("Share(owner→owner) error = %v, want validation error", err)
	}

	if err := f.manager.Share(ctx, f.tunnel.ID, "owner", "alice", types.TierAdmin); err != nil {
		t.Fatalf("Share() error = %v", err)
	}
	if err := f.manager.Share(ctx, f.tunnel.ID, "alice", "owner", types.TierView); !errors.As(err, &vErr) {
		t.Errorf("Share(→owner) error = %v, want validation error", err)
	}
}

func TestShareRejectsUnknownGrantee(t *testing.T) {
	f := newFixture(t)

	err := f.manager.Share(context.Background(), f.tunnel.ID, "owner", "nobody", types.TierView)
	if !types.IsNotFound(err) {
		t.Errorf("Share(unknown grantee) error = %v, want not found", err)
	}
}

func TestShareRejectsInvalidTier(t *testing.T) {
	f := newFixture(t)

	var vErr *types.ValidationError
	err := f.manager.Share(context.Background(), f.tunnel.ID, "owner", "alice", types.PermissionTier("owner"))
	if !errors.As(err, &vErr) {
		t.Errorf("Share(tier=owner) error = %v, want validation error", err)
	}
}

func TestUnshareIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Share(ctx, f.tunnel.ID, "owner", "alice", types.TierView); err != nil {
		t.Fatalf("Share() error = %v", err)
	}
	if err := f.manager.Unshare(ctx, f.tunnel.ID, "owner", "alice"); err != nil {
		t.Fatalf("Unshare() error = %v", err)
	}
	if err := f.manager.Unshare(ctx, f.tunnel.ID, "owner", "alice"); err != nil {
		t.Errorf("repeat Unshare() error = %v, want nil", err)
	}

	eff, _, err := f.manager.Effective(ctx, f.tunnel.ID, "alice")
	if err != nil {
		t.Fatalf("Effective() error = %v", err)
	}
	if eff.Tier != types.TierNone {
		t.Errorf("tier after unshare = %v, want none", eff.Tier)
	}
}

func TestUpdateTierReplacesGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Share(ctx, f.tunnel.ID, "owner", "alice", types.TierView); err != nil {
		t.Fatalf("Share() error = %v", err)
	}
	if err := f.manager.UpdateTier(ctx, f.tunnel.ID, "owner", "alice", types.TierAdmin); err != nil {
		t.Fatalf("UpdateTier() error = %v", err)
	}

	shared, err := f.manager.SharedUsers(ctx, f.tunnel.ID, "owner")
	if err != nil {
		t.Fatalf("SharedUsers() error = %v", err)
	}
	if len(shared) != 1 || shared[0].Tier != types.TierAdmin || shared[0].User.ID != "alice" {
		t.Errorf("SharedUsers() = %+v, want single admin grant for alice", shared)
	}
}

func TestAvailableUsersExcludesOwnerAndGrantees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.manager.Share(ctx, f.tunnel.ID, "owner", "alice", types.TierView); err != nil {
		t.Fatalf("Share() error = %v", err)
	}

	available, err := f.manager.AvailableUsers(ctx, f.tunnel.ID, "owner")
	if err != nil {
		t.Fatalf("AvailableUsers() error = %v", err)
	}
	if len(available) != 1 || available[0].ID != "bob" {
		t.Errorf("AvailableUsers() = %+v, want only bob", available)
	}

	// View-tier grantees cannot enumerate candidates
	if _, err := f.manager.AvailableUsers(ctx, f.tunnel.ID, "alice"); !errors.Is(err, types.ErrPermission) {
		t.Errorf("AvailableUsers() by viewer error = %v, want ErrPermission", err)
	}
}

func TestSharedUsersRequiresView(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.SharedUsers(context.Background(), f.tunnel.ID, "bob")
	if !errors.Is(err, types.ErrPermission) {
		t.Errorf("SharedUsers() by stranger error = %v, want ErrPermission", err)
	}
}
