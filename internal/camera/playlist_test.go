package camera

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testPrefix = "/api/devices/cameras/streams"

func testSession() Session {
	return Session{ID: "sess123", BaseURL: "http://hub.lan:8123/api/hls/abc"}
}

func TestRewritePlaylist_master(t *testing.T) {
	in := strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-STREAM-INF:BANDWIDTH=1000000,CODECS="avc1.640028"`,
		"playlist.m3u8",
		"",
	}, "\n")

	out, skipped := RewritePlaylist([]byte(in), testPrefix, testSession(), "master_playlist.m3u8")
	assert.Empty(t, skipped)
	assert.Equal(t, strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-STREAM-INF:BANDWIDTH=1000000,CODECS="avc1.640028"`,
		"/api/devices/cameras/streams/sess123/playlist.m3u8",
		"",
	}, "\n"), string(out))
}

func TestRewritePlaylist_media_with_subdirectory(t *testing.T) {
	in := "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\nsegment/1.ts?part=0\n#EXTINF:2.0,\n./segment/2.ts\n#EXTINF:2.0,\n../top.ts\n"

	out, skipped := RewritePlaylist([]byte(in), testPrefix, testSession(), "v1/playlist.m3u8")
	assert.Empty(t, skipped)
	lines := strings.Split(string(out), "\n")
	assert.Equal(t, "/api/devices/cameras/streams/sess123/v1/segment/1.ts?part=0", lines[3])
	assert.Equal(t, "/api/devices/cameras/streams/sess123/v1/segment/2.ts", lines[5])
	assert.Equal(t, "/api/devices/cameras/streams/sess123/top.ts", lines[7])
	assert.Equal(t, "#EXT-X-TARGETDURATION:2", lines[1])
}

func TestRewritePlaylist_absolute_url_preserves_query(t *testing.T) {
	queries := []string{"", "a=1", "token=abc%2Fdef&b=%20x", "x=1&x=2&y"}
	for _, q := range queries {
		ref := "http://hub.lan:8123/api/hls/abc/segment/7.ts"
		want := "/api/devices/cameras/streams/sess123/segment/7.ts"
		if q != "" {
			ref += "?" + q
			want += "?" + q
		}
		out, skipped := RewritePlaylist([]byte("#EXTM3U\n"+ref), testPrefix, testSession(), "index.m3u8")
		assert.Empty(t, skipped, q)
		assert.Equal(t, "#EXTM3U\n"+want, string(out), q)
	}
}

func TestRewritePlaylist_root_relative(t *testing.T) {
	in := "#EXTM3U\n/api/hls/abc/segment/1.ts\n"
	out, skipped := RewritePlaylist([]byte(in), testPrefix, testSession(), "index.m3u8")
	assert.Empty(t, skipped)
	assert.Equal(t, "#EXTM3U\n/api/devices/cameras/streams/sess123/segment/1.ts\n", string(out))

	rootSession := Session{ID: "s", BaseURL: "http://hub.lan"}
	out, _ = RewritePlaylist([]byte("#EXTM3U\n/live/1.ts"), "/p", rootSession, "index.m3u8")
	assert.Equal(t, "#EXTM3U\n/p/s/live/1.ts", string(out))
}

func TestRewritePlaylist_escaping_references_untouched(t *testing.T) {
	escaping := []string{
		"../../etc/passwd.ts",
		"../secret.m3u8",
		"v1/../../../x.ts",
		"/api/hls/other/segment.ts",
		"http://hub.lan:8123/api/hls/../hls/other/1.ts",
		"http://evil.example.com/api/hls/abc/1.ts",
	}
	for _, ref := range escaping {
		in := "#EXTM3U\n" + ref + "\n#EXT-X-ENDLIST"
		out, skipped := RewritePlaylist([]byte(in), testPrefix, testSession(), "index.m3u8")
		assert.Equal(t, in, string(out), ref)
		assert.Equal(t, []string{ref}, skipped, ref)
	}
}

func TestRewritePlaylist_passthrough(t *testing.T) {
	notPlaylist := []byte("#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\nsegment.m4s\n")
	out, skipped := RewritePlaylist(notPlaylist, testPrefix, testSession(), "index.m3u8")
	assert.Equal(t, notPlaylist, out)
	assert.Nil(t, skipped)

	binary := []byte{0x47, 0xff, 0xfe, '.', 't', 's'}
	out, _ = RewritePlaylist(binary, testPrefix, testSession(), "index.m3u8")
	assert.Equal(t, binary, out)

	out, _ = RewritePlaylist(nil, testPrefix, testSession(), "index.m3u8")
	assert.Nil(t, out)
}

func TestRewritePlaylist_crlf(t *testing.T) {
	in := "#EXTM3U\r\n#EXTINF:2.0,\r\n1.ts\r\n"
	out, _ := RewritePlaylist([]byte(in), testPrefix, testSession(), "index.m3u8")
	assert.Equal(t, "#EXTM3U\r\n#EXTINF:2.0,\r\n/api/devices/cameras/streams/sess123/1.ts\n", string(out))
}

func TestIsPlaylist(t *testing.T) {
	assert.True(t, isPlaylist("master_playlist.m3u8"))
	assert.True(t, isPlaylist("sub/INDEX.M3U8"))
	assert.False(t, isPlaylist("segment/1.ts"))
	assert.False(t, isPlaylist("init.mp4"))
}
