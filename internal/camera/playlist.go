package camera

import (
	"net/url"
	"path"
	"strings"
	"unicode/utf8"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// RewritePlaylist points every URI line of an HLS playlist back through the
// proxy session: prefix + "/" + session id + "/" + path relative to the
// session's upstream directory, with the original query kept verbatim.
//
// resource is the session-relative path the playlist was fetched from; relative
// references resolve against its directory. Tag lines are left alone. Bodies
// that are not UTF-8, or mention neither ".ts" nor ".m3u8", come back untouched.
//
// References that would leave the session directory (or point at another host)
// are not rewritten; they are returned in skipped so callers can report them.
func RewritePlaylist(body []byte, prefix string, sess Session, resource string) (out []byte, skipped []string) {
	if len(body) == 0 || !utf8.Valid(body) {
		return body, nil
	}
	text := string(body)
	if !strings.Contains(text, ".ts") && !strings.Contains(text, ".m3u8") {
		return body, nil
	}
	base, err := url.Parse(sess.BaseURL)
	if err != nil {
		return body, nil
	}

	rw := refRewriter{
		proxyBase: strings.TrimRight(prefix, "/") + "/" + sess.ID + "/",
		host:      base.Host,
		basePath:  strings.TrimRight(base.Path, "/"),
		dir:       resourceDir(resource),
	}

	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		rewritten, status := rw.rewrite(line)
		if status == refEscaped {
			skipped = append(skipped, strings.TrimSpace(line))
		}
		b.WriteString(rewritten)
	}
	return []byte(b.String()), skipped
}

type refStatus int

const (
	refUntouched refStatus = iota
	refRewritten
	refEscaped
)

type refRewriter struct {
	proxyBase string
	host      string
	basePath  string // upstream directory path, no trailing slash
	dir       string // playlist directory relative to basePath
}

func (rw refRewriter) rewrite(line string) (string, refStatus) {
	ref := strings.TrimSpace(line)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return line, refUntouched
	}
	u, err := url.Parse(ref)
	if err != nil {
		return line, refEscaped
	}
	if u.Path == "" {
		return line, refUntouched
	}

	var rel string
	switch {
	case u.IsAbs() || u.Host != "":
		if u.Host != "" && !strings.EqualFold(u.Host, rw.host) {
			return line, refEscaped
		}
		var ok bool
		if rel, ok = rw.underBase(u.Path); !ok {
			return line, refEscaped
		}
	case strings.HasPrefix(u.Path, "/"):
		var ok bool
		if rel, ok = rw.underBase(u.Path); !ok {
			return line, refEscaped
		}
	default:
		joined := u.Path
		if rw.dir != "" {
			joined = rw.dir + "/" + u.Path
		}
		rel = path.Clean(joined)
		if rel == ".." || strings.HasPrefix(rel, "../") {
			return line, refEscaped
		}
	}
	if rel == "" || rel == "." {
		return line, refUntouched
	}

	proxied := rw.proxyBase + rel
	if u.RawQuery != "" {
		proxied += "?" + u.RawQuery
	}
	return proxied, refRewritten
}

// underBase re-expresses a host-rooted path relative to the session directory.
func (rw refRewriter) underBase(p string) (string, bool) {
	clean := path.Clean(p)
	if rw.basePath == "" {
		return strings.TrimPrefix(clean, "/"), clean != "/"
	}
	rest, ok := strings.CutPrefix(clean, rw.basePath+"/")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// resourceDir returns the directory part of a session-relative resource path.
func resourceDir(resource string) string {
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return resource[:i]
	}
	return ""
}

// isPlaylist reports whether resource names an HLS playlist.
func isPlaylist(resource string) bool {
	return strings.HasSuffix(strings.ToLower(resource), ".m3u8")
}
