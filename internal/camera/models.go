package camera

import "time"

// Target labels.
const (
	LabelLocal  = "local"
	LabelRemote = "remote"
)

// DefaultWSPath is the hub's WebSocket API path when none is configured.
const DefaultWSPath = "/api/websocket"

// Integration holds the hub connection settings as the admin surface stores them.
// RemoteToken and RemoteWSPath fall back to Token and WSPath when empty.
type Integration struct {
	Host         string `json:"host"`
	Token        string `json:"token"`
	RemoteHost   string `json:"remote_host"`
	RemoteToken  string `json:"remote_token"`
	WSPath       string `json:"ws_path"`
	RemoteWSPath string `json:"remote_ws_path"`
	PreferRemote bool   `json:"prefer_remote_streams"`
}

// Target is one network path to the hub plus the credential valid on it.
type Target struct {
	Host   string // absolute base URL, no trailing slash
	Token  string
	WSPath string
	Label  string
}

// NegotiatedStream is the upstream stream URL produced by one target.
// It is consumed immediately to create a Session.
type NegotiatedStream struct {
	URL   string
	Token string
	Label string
}

// Session masks an upstream stream location behind an opaque id.
// Sessions are immutable once registered.
type Session struct {
	ID        string
	BaseURL   string // scheme://host/dir of the negotiated playlist, no trailing slash
	Query     string // raw query of the negotiated URL
	EntityID  string
	Resource  string // playlist file name originally negotiated
	Token     string
	ExpiresAt time.Time
}

// SessionInfo is returned to the client on session creation.
type SessionInfo struct {
	Session   string `json:"session"`
	Playlist  string `json:"playlist"`
	Format    string `json:"format"`
	ExpiresIn int    `json:"expires_in"`
}
