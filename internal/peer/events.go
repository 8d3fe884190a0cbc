package peer

// Topic is the event bus topic every session event is published to.
const Topic = "session"

// Session event types.
const (
	EventConnected        = "link.connected"
	EventDisconnected     = "link.disconnected"
	EventPeerJoined       = "peer.joined"
	EventPeerLeft         = "peer.left"
	EventAuthorityApplied = "clock.authority_applied"
	EventSyncJump         = "clock.sync_jump"
	EventSyncFailed       = "clock.sync_failed"
	EventRemoteTracked    = "remote.tracked"
	EventRemoteForgotten  = "remote.forgotten"
)

// SyncJump is the payload of EventSyncJump and EventSyncFailed.
type SyncJump struct {
	Peer string
	From float64
	To   float64
	Err  error
}

// AuthorityApplied is the payload of EventAuthorityApplied.
type AuthorityApplied struct {
	From float64
	To   float64
}
