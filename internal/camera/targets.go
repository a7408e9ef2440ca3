package camera

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolveTargets orders the hub endpoints to try for a stream. The primary
// token is required even when only the remote host is usable, because the
// remote token falls back to it.
func ResolveTargets(in Integration) ([]Target, error) {
	localToken := strings.TrimSpace(in.Token)
	if localToken == "" {
		return nil, ErrIntegrationMissing
	}
	remoteToken := strings.TrimSpace(in.RemoteToken)
	if remoteToken == "" {
		remoteToken = localToken
	}
	wsPath := strings.TrimSpace(in.WSPath)
	if wsPath == "" {
		wsPath = DefaultWSPath
	}
	remoteWSPath := strings.TrimSpace(in.RemoteWSPath)
	if remoteWSPath == "" {
		remoteWSPath = wsPath
	}

	local := Target{Host: normalizeBaseURL(in.Host), Token: localToken, WSPath: leadingSlash(wsPath), Label: LabelLocal}
	remote := Target{Host: normalizeBaseURL(in.RemoteHost), Token: remoteToken, WSPath: leadingSlash(remoteWSPath), Label: LabelRemote}

	order := []Target{local, remote}
	if in.PreferRemote {
		order = []Target{remote, local}
	}

	targets := make([]Target, 0, len(order))
	for _, t := range order {
		if t.Host == "" || t.Token == "" {
			continue
		}
		if containsTarget(targets, t) {
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, ErrIntegrationMissing
	}
	return targets, nil
}

// WebSocketURL maps the target host onto its WebSocket endpoint, keeping any
// base path the host carries (http://h/base -> ws://h/base/api/websocket).
func (t Target) WebSocketURL() (string, error) {
	if t.Host == "" {
		return "", fmt.Errorf("ws_endpoint_missing")
	}
	u, err := url.Parse(t.Host)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("ws_endpoint_missing")
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	p := strings.TrimRight(u.Path, "/") + leadingSlash(t.WSPath)
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	ws := url.URL{Scheme: scheme, Host: u.Host, Path: p}
	return ws.String(), nil
}

// resolve turns a possibly relative URL from the hub into an absolute one.
func (t Target) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStreamURLInvalid, err)
	}
	if ref.IsAbs() {
		return raw, nil
	}
	base, err := url.Parse(t.Host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStreamURLInvalid, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func normalizeBaseURL(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if !strings.Contains(v, "://") {
		v = "http://" + v
	}
	return strings.TrimRight(v, "/")
}

func leadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

func containsTarget(ts []Target, t Target) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}
