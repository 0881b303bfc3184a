package types

// NotificationAction tags every event pushed over the notification socket.
// Values match the wire contract consumed by the browser client.
type NotificationAction string

const (
	ActionCreatedUserKeys         NotificationAction = "CREATED-USER-KEYS"
	ActionDeletedUserKeys         NotificationAction = "DELETED-USER-KEYS"
	ActionUpdatedTunnels          NotificationAction = "UPDATED-TUNNELS"
	ActionTunnelShared            NotificationAction = "TUNNEL-SHARED"
	ActionTunnelUnshared          NotificationAction = "TUNNEL-UNSHARED"
	ActionTunnelPermissionUpdated NotificationAction = "TUNNEL-PERMISSION-UPDATED"
	ActionUpdateTunnelStatus      NotificationAction = "UPDATE-TUNNEL-STATUS"
	ActionUpdateTunnelStatusData  NotificationAction = "UPDATE-TUNNEL-STATUS-DATA"
)

// Event is one notification bus message. Delivery is best-effort,
// at-most-once; clients re-fetch state after a reconnect gap.
type Event struct {
	Action  NotificationAction `json:"action"`
	Details string             `json:"details,omitempty"`
	Data    interface{}        `json:"data,omitempty"`
}

// PortStatus is the payload of a single liveness flip
type PortStatus struct {
	ReversePort int  `json:"reverse_port"`
	IsListening bool `json:"is_listening"`
}
