package camera

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubcam/internal/platform/metrics"
)

// upstream is a stand-in for the hub's HLS endpoints.
type upstream struct {
	srv     *httptest.Server
	calls   atomic.Int32
	handler func(w http.ResponseWriter, r *http.Request, call int)
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, call int)) *upstream {
	t.Helper()
	u := &upstream{handler: handler}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(u.calls.Add(1))
		u.handler(w, r, n)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) session() Session {
	return Session{
		ID:        "sess123",
		BaseURL:   u.srv.URL + "/api/hls/abc",
		Query:     "token=up&keep=1",
		EntityID:  "camera.door",
		Resource:  "master_playlist.m3u8",
		Token:     "hubtoken",
		ExpiresAt: time.Now().Add(time.Minute),
	}
}

func testStreamer(m *metrics.Metrics) *Streamer {
	return NewStreamer(StreamerConfig{
		PlaylistClient:  &http.Client{Timeout: 2 * time.Second},
		StreamClient:    NewStreamClient(time.Second),
		SegmentAttempts: 5,
		SegmentBackoff:  time.Millisecond,
	}, testPrefix, testLogger(), m)
}

func TestValidateResource(t *testing.T) {
	for _, ok := range []string{"index.m3u8", "v1/segment/1.ts", "a..b.ts", "./x.ts"} {
		assert.NoError(t, ValidateResource(ok), ok)
	}
	for _, bad := range []string{"", "..", "../x.ts", "v1/../../x.ts", "v1/..", "a/../b"} {
		assert.ErrorIs(t, ValidateResource(bad), ErrInvalidResource, bad)
	}
}

func TestStreamer_rejects_parent_segments_before_upstream(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.Write([]byte("should not be reached"))
	})
	s := testStreamer(nil)

	for _, res := range []string{"../secret.ts", "v1/../../x.m3u8", ".."} {
		_, err := s.OpenSegment(context.Background(), up.session(), res, nil)
		assert.ErrorIs(t, err, ErrInvalidResource, res)
		_, err = s.FetchPlaylist(context.Background(), up.session(), res, nil)
		assert.ErrorIs(t, err, ErrInvalidResource, res)
	}
	assert.Equal(t, int32(0), up.calls.Load())
}

func TestStreamer_FetchPlaylist_rewrites_and_merges_query(t *testing.T) {
	var gotQuery url.Values
	var gotAuth, gotPath string
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nplaylist.m3u8\n"))
	})
	s := testStreamer(nil)

	pl, err := s.FetchPlaylist(context.Background(), up.session(), "master_playlist.m3u8",
		url.Values{"token": {"client"}, "_HLS_msn": {"4"}})
	require.NoError(t, err)

	assert.Equal(t, "/api/hls/abc/master_playlist.m3u8", gotPath)
	assert.Equal(t, "Bearer hubtoken", gotAuth)
	assert.Equal(t, "client", gotQuery.Get("token"), "client values override session values")
	assert.Equal(t, "1", gotQuery.Get("keep"))
	assert.Equal(t, "4", gotQuery.Get("_HLS_msn"))

	assert.Equal(t, playlistContentType, pl.ContentType)
	assert.Equal(t, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n"+testPrefix+"/sess123/playlist.m3u8\n", string(pl.Body))
}

func TestStreamer_FetchPlaylist_bad_request_is_transient(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.WriteHeader(http.StatusBadRequest)
	})
	s := testStreamer(nil)

	_, err := s.FetchPlaylist(context.Background(), up.session(), "playlist.m3u8", nil)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "1", transient.RetryAfter)
	assert.Equal(t, int32(1), up.calls.Load(), "playlists are fetched once")
}

func TestStreamer_FetchPlaylist_other_status_fails(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.WriteHeader(http.StatusNotFound)
	})
	s := testStreamer(nil)

	_, err := s.FetchPlaylist(context.Background(), up.session(), "playlist.m3u8", nil)
	require.Error(t, err)
	var transient *TransientError
	assert.False(t, errors.As(err, &transient))
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusNotFound, upErr.Status)
}

func TestStreamer_FetchPlaylist_counts_skipped_refs(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.Write([]byte("#EXTM3U\n../../escape.ts\nok.ts\n"))
	})
	m := metrics.New()
	s := testStreamer(m)

	pl, err := s.FetchPlaylist(context.Background(), up.session(), "index.m3u8", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"../../escape.ts"}, pl.Skipped)

	expected := `
# HELP camera_playlist_refs_skipped_total Playlist references left unrewritten because they escape the session directory
# TYPE camera_playlist_refs_skipped_total counter
camera_playlist_refs_skipped_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "camera_playlist_refs_skipped_total"))
}

func TestStreamer_OpenSegment_succeeds_on_third_attempt(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, call int) {
		if call < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", segmentContentType)
		w.Write([]byte("segment-bytes"))
	})
	m := metrics.New()
	s := testStreamer(m)

	resp, err := s.OpenSegment(context.Background(), up.session(), "segment/1.ts", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "segment-bytes", string(body))
	assert.Equal(t, int32(3), up.calls.Load())

	expected := `
# HELP camera_segment_retries_total Segment fetch retries scheduled after an upstream failure
# TYPE camera_segment_retries_total counter
camera_segment_retries_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "camera_segment_retries_total"))
}

func TestStreamer_OpenSegment_exhausted_returns_retry_hint(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	s := testStreamer(nil)

	_, err := s.OpenSegment(context.Background(), up.session(), "segment/1.ts", nil)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "3", transient.RetryAfter)
	assert.Equal(t, int32(5), up.calls.Load())

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusServiceUnavailable, upErr.Status)
}

func TestStreamer_OpenSegment_uses_upstream_retry_after(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	s := testStreamer(nil)

	_, err := s.OpenSegment(context.Background(), up.session(), "segment/1.ts", nil)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "7", transient.RetryAfter)
}

func TestStreamer_OpenSegment_connection_refused(t *testing.T) {
	up := newUpstream(t, func(http.ResponseWriter, *http.Request, int) {})
	sess := up.session()
	up.srv.Close()

	s := testStreamer(nil)
	_, err := s.OpenSegment(context.Background(), sess, "segment/1.ts", nil)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "3", transient.RetryAfter)
}

func TestStreamer_OpenSegment_stops_when_client_leaves(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.WriteHeader(http.StatusBadGateway)
	})
	s := NewStreamer(StreamerConfig{
		SegmentAttempts: 5,
		SegmentBackoff:  time.Second,
	}, testPrefix, testLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.OpenSegment(ctx, up.session(), "segment/1.ts", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	var transient *TransientError
	assert.False(t, errors.As(err, &transient))
}

func TestUpstreamURL(t *testing.T) {
	sess := Session{BaseURL: "http://hub.lan/api/hls/abc", Query: "token=up"}
	assert.Equal(t, "http://hub.lan/api/hls/abc/v1/1.ts?token=up", upstreamURL(sess, "v1/1.ts", nil))
	assert.Equal(t, "http://hub.lan/api/hls/abc/1.ts?token=mine", upstreamURL(sess, "1.ts", url.Values{"token": {"mine"}}))

	sess.Query = ""
	assert.Equal(t, "http://hub.lan/api/hls/abc/1.ts", upstreamURL(sess, "1.ts", nil))
}
