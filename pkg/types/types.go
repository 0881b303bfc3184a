package types

import "time"

// PermissionTier represents the capability level a user holds on a tunnel
type PermissionTier string

const (
	TierNone  PermissionTier = "none"
	TierView  PermissionTier = "view"
	TierEdit  PermissionTier = "edit"
	TierAdmin PermissionTier = "admin"
)

// tierRank orders tiers by capability; higher implies all lower tiers
var tierRank = map[PermissionTier]int{
	TierNone:  0,
	TierView:  1,
	TierEdit:  2,
	TierAdmin: 3,
}

// AtLeast reports whether tier t grants at least the capabilities of other
func (t PermissionTier) AtLeast(other PermissionTier) bool {
	return tierRank[t] >= tierRank[other]
}

// Valid reports whether t is a grantable tier (none is never stored)
func (t PermissionTier) Valid() bool {
	return t == TierView || t == TierEdit || t == TierAdmin
}

// User is a broker account, mirrored from the JWT issuer
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// UserKey is an SSH public key registered by a user
type UserKey struct {
	ID               string    `json:"id"`
	OwnerUserID      string    `json:"owner_user_id"`
	HostFriendlyName string    `json:"host_friendly_name"`
	PublicKey        string    `json:"key"`
	Description      string    `json:"description,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ServiceKey is a broker-owned SSH public key, installed on tunneled hosts
// so the broker can dial back through a tunnel as itself
type ServiceKey struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	PublicKey   string    `json:"key"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReverseTunnel is one registered reverse tunnel: the remote host dials the
// broker's gateway and the gateway binds ReversePort back to the host's sshd
type ReverseTunnel struct {
	ID               string    `json:"id"`
	OwnerUserID      string    `json:"owner_user_id"`
	HostFriendlyName string    `json:"host_friendly_name"`
	KeyID            string    `json:"key_id"`
	PublicKey        string    `json:"key"`
	SSHPort          int       `json:"ssh_port"`
	ReversePort      int       `json:"reverse_port"`
	Description      string    `json:"description,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// TunnelUsername is a remote login name a tunnel's sessions may use
type TunnelUsername struct {
	ID              string `json:"id"`
	ReverseTunnelID string `json:"reverse_tunnel_id"`
	Username        string `json:"username"`
}

// SharePermission is a grant of a tier on a tunnel to a non-owner
type SharePermission struct {
	TunnelID        string         `json:"tunnel_id"`
	GranteeUserID   string         `json:"grantee_user_id"`
	Tier            PermissionTier `json:"permission_tier"`
	GrantedByUserID string         `json:"granted_by_user_id"`
	GrantedAt       time.Time      `json:"granted_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Effective is the resolved permission of a (user, tunnel) pair with the
// derived capability booleans every authorization gate consumes
type Effective struct {
	Tier      PermissionTier `json:"tier"`
	IsOwner   bool           `json:"is_owner"`
	CanEdit   bool           `json:"can_edit"`
	CanShare  bool           `json:"can_share"`
	CanDelete bool           `json:"can_delete"`
}

// Resolve derives an Effective from ownership and a stored tier
func Resolve(isOwner bool, tier PermissionTier) Effective {
	if isOwner {
		tier = TierAdmin
	}
	return Effective{
		Tier:      tier,
		IsOwner:   isOwner,
		CanEdit:   tier.AtLeast(TierEdit),
		CanShare:  isOwner || tier == TierAdmin,
		CanDelete: isOwner || tier == TierAdmin,
	}
}

// TunnelListing is a tunnel plus the requesting user's effective permission,
// as returned by list endpoints
type TunnelListing struct {
	ReverseTunnel
	Effective Effective `json:"effective_permission"`
}

// SessionKind distinguishes the two broker session channels
type SessionKind string

const (
	SessionPTY         SessionKind = "pty"
	SessionFileManager SessionKind = "filemanager"
)

// FileEntry is one row of a file-manager directory listing
type FileEntry struct {
	Name string `json:"name"`
	Type string `json:"type"` // "file" or "directory"
	Size int64  `json:"size"`
}

// ShellKind is the result of the file-manager shell probe
type ShellKind string

const (
	ShellPosix   ShellKind = "posix"
	ShellWindows ShellKind = "windows"
)

// DefaultRoot returns the sensible browse root for the detected shell
func (k ShellKind) DefaultRoot() string {
	if k == ShellWindows {
		return "C:/"
	}
	return "~/"
}
