package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/telepy/telepy/pkg/types"
)

func newTestStore(t *testing.T, poolMin, poolMax int) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"), poolMin, poolMax)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestTunnel(t *testing.T, store *Store, ownerID, name string) *types.ReverseTunnel {
	t.Helper()
	ctx := context.Background()

	key := &types.UserKey{
		ID:               uuid.New().String(),
		OwnerUserID:      ownerID,
		HostFriendlyName: name,
		PublicKey:        "ssh-ed25519 AAAA" + uuid.New().String(),
		CreatedAt:        time.Now(),
	}
	if err := store.CreateUserKey(ctx, key); err != nil {
		t.Fatalf("CreateUserKey() error = %v", err)
	}

	tunnel := &types.ReverseTunnel{
		ID:               uuid.New().String(),
		OwnerUserID:      ownerID,
		HostFriendlyName: name,
		KeyID:            key.ID,
		SSHPort:          22,
		CreatedAt:        time.Now(),
	}
	if err := store.CreateTunnel(ctx, tunnel); err != nil {
		t.Fatalf("CreateTunnel() error = %v", err)
	}
	return tunnel
}

func TestPortAllocationFirstFit(t *testing.T) {
	store := newTestStore(t, 2300, 2310)

	a := createTestTunnel(t, store, "owner-1", "host-a")
	b := createTestTunnel(t, store, "owner-1", "host-b")
	c := createTestTunnel(t, store, "owner-2", "host-c")

	if a.ReversePort != 2300 || b.ReversePort != 2301 || c.ReversePort != 2302 {
		t.Errorf("ports = %d, %d, %d, want 2300, 2301, 2302",
			a.ReversePort, b.ReversePort, c.ReversePort)
	}
}

func TestPortReuseAfterDelete(t *testing.T) {
	store := newTestStore(t, 2300, 2310)
	ctx := context.Background()

	createTestTunnel(t, store, "owner-1", "host-a")
	b := createTestTunnel(t, store, "owner-1", "host-b")
	createTestTunnel(t, store, "owner-1", "host-c")

	if err := store.DeleteTunnel(ctx, b.ID); err != nil {
		t.Fatalf("DeleteTunnel() error = %v", err)
	}

	// The freed port is the lowest gap, so first-fit must pick it
	d := createTestTunnel(t, store, "owner-1", "host-d")
	if d.ReversePort != b.ReversePort {
		t.Errorf("reverse port = %d, want reclaimed %d", d.ReversePort, b.ReversePort)
	}
}

func TestPoolExhausted(t *testing.T) {
	store := newTestStore(t, 2300, 2302)
	ctx := context.Background()

	createTestTunnel(t, store, "owner-1", "host-a")
	createTestTunnel(t, store, "owner-1", "host-b")

	key := &types.UserKey{
		ID:               uuid.New().String(),
		OwnerUserID:      "owner-1",
		HostFriendlyName: "host-c",
		PublicKey:        "ssh-ed25519 AAAAovercap",
		CreatedAt:        time.Now(),
	}
	if err := store.CreateUserKey(ctx, key); err != nil {
		t.Fatalf("CreateUserKey() error = %v", err)
	}

	err := store.CreateTunnel(ctx, &types.ReverseTunnel{
		ID:               uuid.New().String(),
		OwnerUserID:      "owner-1",
		HostFriendlyName: "host-c",
		KeyID:            key.ID,
		SSHPort:          22,
		CreatedAt:        time.Now(),
	})
	if !errors.Is(err, types.ErrPoolExhausted) {
		t.Errorf("CreateTunnel() error = %v, want ErrPoolExhausted", err)
	}
}

func TestTunnelDuplicate(t *testing.T) {
	store := newTestStore(t, 2300, 2310)
	ctx := context.Background()

	tunnel := createTestTunnel(t, store, "owner-1", "host-a")

	existing, err := store.GetTunnel(ctx, tunnel.ID)
	if err != nil {
		t.Fatalf("GetTunnel() error = %v", err)
	}

	tests := []struct {
		name     string
		owner    string
		friendly string
		key      string
		wantName bool
		wantKey  bool
	}{
		{"Same name same owner", "owner-1", "host-a", "ssh-ed25519 AAAAnew", true, false},
		{"Same key same owner", "owner-1", "host-new", existing.PublicKey, false, true},
		{"Both duplicated", "owner-1", "host-a", existing.PublicKey, true, true},
		{"Different owner", "owner-2", "host-a", existing.PublicKey, false, false},
		{"Nothing duplicated", "owner-1", "host-new", "ssh-ed25519 AAAAnew", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nameExists, keyExists, err := store.TunnelDuplicate(ctx, tt.owner, tt.friendly, tt.key)
			if err != nil {
				t.Fatalf("TunnelDuplicate() error = %v", err)
			}
			if nameExists != tt.wantName || keyExists != tt.wantKey {
				t.Errorf("TunnelDuplicate() = (%v, %v), want (%v, %v)",
					nameExists, keyExists, tt.wantName, tt.wantKey)
			}
		})
	}
}

func TestGetTunnelNotFound(t *testing.T) {
	store := newTestStore(t, 2300, 2310)

	_, err := store.GetTunnel(context.Background(), "no-such-id")
	if !types.IsNotFound(err) {
		t.Errorf("GetTunnel() error = %v, want not found", err)
	}
}

func TestUsernameLifecycle(t *testing.T) {
	store := newTestStore(t, 2300, 2310)
	ctx := context.Background()

	tunnel := createTestTunnel(t, store, "owner-1", "host-a")

	u := &types.TunnelUsername{
		ID:              uuid.New().String(),
		ReverseTunnelID: tunnel.ID,
		Username:        "deploy",
	}
	if err := store.AddUsername(ctx, u); err != nil {
		t.Fatalf("AddUsername() error = %v", err)
	}

	has, err := store.HasUsername(ctx, tunnel.ID, "deploy")
	if err != nil || !has {
		t.Errorf("HasUsername(deploy) = (%v, %v), want (true, nil)", has, err)
	}
	has, err = store.HasUsername(ctx, tunnel.ID, "root")
	if err != nil || has {
		t.Errorf("HasUsername(root) = (%v, %v), want (false, nil)", has, err)
	}

	names, err := store.ListUsernames(ctx, tunnel.ID)
	if err != nil {
		t.Fatalf("ListUsernames() error = %v", err)
	}
	if len(names) != 1 || names[0].Username != "deploy" {
		t.Errorf("ListUsernames() = %v, want one entry deploy", names)
	}

	if err := store.DeleteUsername(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUsername() error = %v", err)
	}
	if err := store.DeleteUsername(ctx, u.ID); !types.IsNotFound(err) {
		t.Errorf("second DeleteUsername() error = %v, want not found", err)
	}
}

func TestUsernamesCascadeOnTunnelDelete(t *testing.T) {
	store := newTestStore(t, 2300, 2310)
	ctx := context.Background()

	tunnel := createTestTunnel(t, store, "owner-1", "host-a")
	u := &types.TunnelUsername{
		ID:              uuid.New().String(),
		ReverseTunnelID: tunnel.ID,
		Username:        "deploy",
	}
	if err := store.AddUsername(ctx, u); err != nil {
		t.Fatalf("AddUsername() error = %v", err)
	}

	if err := store.DeleteTunnel(ctx, tunnel.ID); err != nil {
		t.Fatalf("DeleteTunnel() error = %v", err)
	}

	has, err := store.HasUsername(ctx, tunnel.ID, "deploy")
	if err != nil {
		t.Fatalf("HasUsername() error = %v", err)
	}
	if has {
		t.Error("username survived tunnel delete")
	}
}

func TestShareLifecycle(t *testing.T) {
	store := newTestStore(t, 2300, 2310)
	ctx := context.Background()

	tunnel := createTestTunnel(t, store, "owner-1", "host-a")

	share := &types.SharePermission{
		TunnelID:        tunnel.ID,
		GranteeUserID:   "user-2",
		Tier:            types.TierView,
		GrantedByUserID: "owner-1",
	}
	if err := store.UpsertShare(ctx, share); err != nil {
		t.Fatalf("UpsertShare() error = %v", err)
	}

	tier, err := store.GetShareTier(ctx, tunnel.ID, "user-2")
	if err != nil || tier != types.TierView {
		t.Errorf("GetShareTier() = (%v, %v), want (view, nil)", tier, err)
	}

	// Upsert replaces the tier rather than inserting a second grant
	share.Tier = types.TierAdmin
	if err := store.UpsertShare(ctx, share); err != nil {
		t.Fatalf("UpsertShare() upgrade error = %v", err)
	}
	tier, _ = store.GetShareTier(ctx, tunnel.ID, "user-2")
	if tier != types.TierAdmin {
		t.Errorf("GetShareTier() after upgrade = %v, want admin", tier)
	}

	shares, err := store.ListShares(ctx, tunnel.ID)
	if err != nil {
		t.Fatalf("ListShares() error = %v", err)
	}
	if len(shares) != 1 {
		t.Fatalf("ListShares() returned %d grants, want 1", len(shares))
	}

	if err := store.DeleteShare(ctx, tunnel.ID, "user-2"); err != nil {
		t.Fatalf("DeleteShare() error = %v", err)
	}
	// Deleting an absent grant is a no-op
	if err := store.DeleteShare(ctx, tunnel.ID, "user-2"); err != nil {
		t.Errorf("repeat DeleteShare() error = %v, want nil", err)
	}

	tier, _ = store.GetShareTier(ctx, tunnel.ID, "user-2")
	if tier != types.TierNone {
		t.Errorf("GetShareTier() after delete = %v, want none", tier)
	}
}

func TestListTunnelsForUser(t *testing.T) {
	store := newTestStore(t, 2300, 2310)
	ctx := context.Background()

	owned := createTestTunnel(t, store, "user-1", "mine")
	shared := createTestTunnel(t, store, "user-2", "theirs")
	createTestTunnel(t, store, "user-3", "unrelated")

	err := store.UpsertShare(ctx, &types.SharePermission{
		TunnelID:        shared.ID,
		GranteeUserID:   "user-1",
		Tier:            types.TierEdit,
		GrantedByUserID: "user-2",
	})
	if err != nil {
		t.Fatalf("UpsertShare() error = %v", err)
	}

	listings, err := store.ListTunnelsForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListTunnelsForUser() error = %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("got %d tunnels, want 2", len(listings))
	}

	byID := make(map[string]types.TunnelListing)
	for _, l := range listings {
		byID[l.ID] = l
	}

	own := byID[owned.ID]
	if !own.Effective.IsOwner || !own.Effective.CanDelete {
		t.Errorf("owned tunnel effective = %+v, want owner with delete", own.Effective)
	}

	sh := byID[shared.ID]
	if sh.Effective.IsOwner || sh.Effective.Tier != types.TierEdit || !sh.Effective.CanEdit || sh.Effective.CanShare {
		t.Errorf("shared tunnel effective = %+v, want edit without share", sh.Effective)
	}
}

func TestUserUpsert(t *testing.T) {
	store := newTestStore(t, 2300, 2310)
	ctx := context.Background()

	u := types.User{ID: "u-1", Username: "ada", Email: "ada@example.com"}
	if err := store.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	// Identity provider renames propagate on the next request
	u.Username = "ada.l"
	if err := store.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser() update error = %v", err)
	}

	got, err := store.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Username != "ada.l" {
		t.Errorf("Username = %q, want ada.l", got.Username)
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 1 {
		t.Errorf("ListUsers() returned %d users, want 1", len(users))
	}
}
