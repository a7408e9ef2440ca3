package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"hubcam/internal/platform/metrics"
)

// Segment fetch policy. Treat as tunable; these match the deployed defaults.
const (
	DefaultSegmentAttempts    = 5
	DefaultSegmentBackoff     = time.Second
	DefaultPlaylistTimeout    = 15 * time.Second
	DefaultStreamConnectLimit = 8 * time.Second

	playlistRetryAfter = "1"
	segmentRetryAfter  = "3"
)

var retryAfterPattern = regexp.MustCompile(`retry_after_([0-9]+)`)

// StreamerConfig tunes upstream fetching. Zero values use the defaults.
type StreamerConfig struct {
	// PlaylistClient fetches playlists; it should carry an overall timeout.
	PlaylistClient *http.Client
	// StreamClient opens segment and MJPEG streams; it should bound connect
	// and header time only, since bodies may stream indefinitely.
	StreamClient *http.Client

	SegmentAttempts int
	SegmentBackoff  time.Duration
}

// Streamer fetches playlists and segments from the upstream behind a session.
type Streamer struct {
	playlistClient *http.Client
	streamClient   *http.Client
	retry          retrypolicy.RetryPolicy[*http.Response]
	prefix         string
	log            *slog.Logger
	metrics        *metrics.Metrics
}

// NewStreamer returns a Streamer whose rewritten playlists point at prefix.
// Metrics may be nil.
func NewStreamer(cfg StreamerConfig, prefix string, log *slog.Logger, m *metrics.Metrics) *Streamer {
	if cfg.PlaylistClient == nil {
		cfg.PlaylistClient = &http.Client{Timeout: DefaultPlaylistTimeout}
	}
	if cfg.StreamClient == nil {
		cfg.StreamClient = NewStreamClient(DefaultStreamConnectLimit)
	}
	if cfg.SegmentAttempts <= 0 {
		cfg.SegmentAttempts = DefaultSegmentAttempts
	}
	if cfg.SegmentBackoff <= 0 {
		cfg.SegmentBackoff = DefaultSegmentBackoff
	}

	s := &Streamer{
		playlistClient: cfg.PlaylistClient,
		streamClient:   cfg.StreamClient,
		prefix:         strings.TrimRight(prefix, "/"),
		log:            log,
		metrics:        m,
	}
	s.retry = s.segmentRetryPolicy(cfg.SegmentAttempts, cfg.SegmentBackoff)
	return s
}

// NewStreamClient returns a client that bounds dialing and waiting for
// response headers but never the body.
func NewStreamClient(connectLimit time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectLimit, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = connectLimit
	return &http.Client{Transport: transport}
}

// segmentRetryPolicy backs off base, 2*base, 4*base, ... between attempts.
func (s *Streamer) segmentRetryPolicy(attempts int, base time.Duration) retrypolicy.RetryPolicy[*http.Response] {
	maxDelay := base * 2
	if attempts > 2 {
		maxDelay = base << (attempts - 2)
	}
	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(_ *http.Response, err error) bool { return err != nil }).
		AbortIf(func(_ *http.Response, err error) bool {
			return errors.Is(err, context.Canceled)
		}).
		WithMaxAttempts(attempts).
		WithBackoff(base, maxDelay).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[*http.Response]) {
			if s.metrics != nil {
				s.metrics.IncSegmentRetries()
			}
			s.log.Info("retrying segment fetch",
				slog.Int("attempt", e.Attempts()+1),
				slog.Int("max_attempts", attempts))
		}).
		Build()
}

// ValidateResource rejects resource paths with a ".." segment.
func ValidateResource(resource string) error {
	if resource == "" {
		return ErrInvalidResource
	}
	for _, part := range strings.Split(resource, "/") {
		if part == ".." {
			return ErrInvalidResource
		}
	}
	return nil
}

// Playlist is a fetched and rewritten playlist ready for the client.
type Playlist struct {
	Body        []byte
	ContentType string
	Skipped     []string
}

// FetchPlaylist fetches resource once and rewrites it for the session.
// An upstream 400 means the hub has not produced the requested part yet and
// comes back as a *TransientError.
func (s *Streamer) FetchPlaylist(ctx context.Context, sess Session, resource string, clientQuery url.Values) (*Playlist, error) {
	if err := ValidateResource(resource); err != nil {
		return nil, err
	}
	start := time.Now()
	upstream := upstreamURL(sess, resource, clientQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
	if err != nil {
		return nil, fmt.Errorf("camera_hls_proxy_failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	resp, err := s.playlistClient.Do(req)
	if err == nil {
		defer resp.Body.Close()
		err = checkStatus(resp)
	}
	if err != nil {
		s.log.Warn("playlist fetch failed",
			slog.String("session", sess.ID),
			slog.String("resource", resource),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		var up *UpstreamError
		if errors.As(err, &up) && up.Status == http.StatusBadRequest {
			if s.metrics != nil {
				s.metrics.IncUpstreamTransient("playlist")
			}
			return nil, &TransientError{RetryAfter: playlistRetryAfter, Err: err}
		}
		return nil, fmt.Errorf("camera_hls_proxy_failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("camera_hls_proxy_failed: read playlist: %w", err)
	}

	rewritten, skipped := RewritePlaylist(body, s.prefix, sess, resource)
	if len(skipped) > 0 {
		s.log.Warn("playlist references left unrewritten",
			slog.String("session", sess.ID),
			slog.String("resource", resource),
			slog.Any("refs", skipped))
		if s.metrics != nil {
			s.metrics.AddRefsSkipped(len(skipped))
		}
	}

	s.log.Debug("playlist proxied",
		slog.String("session", sess.ID),
		slog.String("resource", resource),
		slog.Duration("duration", time.Since(start)))
	return &Playlist{Body: rewritten, ContentType: playlistContentType, Skipped: skipped}, nil
}

// OpenSegment opens resource upstream, retrying failures with exponential
// backoff. The caller owns the returned body. Once attempts are exhausted the
// error is a *TransientError carrying the upstream Retry-After when one was
// given. Cancellation of ctx is returned as is.
func (s *Streamer) OpenSegment(ctx context.Context, sess Session, resource string, clientQuery url.Values) (*http.Response, error) {
	if err := ValidateResource(resource); err != nil {
		return nil, err
	}
	start := time.Now()
	upstream := upstreamURL(sess, resource, clientQuery)
	attempt := 0

	resp, err := failsafe.With(s.retry).WithContext(ctx).Get(func() (*http.Response, error) {
		attempt++
		resp, err := s.openUpstream(ctx, upstream, sess.Token)
		if err != nil {
			s.log.Warn("segment fetch failed",
				slog.String("session", sess.ID),
				slog.String("resource", resource),
				slog.Int("attempt", attempt),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()))
			return nil, err
		}
		return resp, nil
	})
	if err == nil {
		s.log.Debug("segment proxied",
			slog.String("session", sess.ID),
			slog.String("resource", resource),
			slog.Int("attempt", attempt))
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	s.log.Warn("segment attempts exhausted",
		slog.String("session", sess.ID),
		slog.String("resource", resource),
		slog.Int("attempts", attempt),
		slog.String("error", err.Error()))
	if s.metrics != nil {
		s.metrics.IncUpstreamTransient("segment")
	}
	return nil, &TransientError{RetryAfter: retryHint(err), Err: err}
}

func (s *Streamer) openUpstream(ctx context.Context, upstream, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// checkStatus turns a non-2xx response into an *UpstreamError, keeping a
// short body excerpt for diagnostics.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &UpstreamError{
		Status:     resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
		Body:       string(excerpt),
	}
}

// retryHint prefers the upstream's own Retry-After seconds.
func retryHint(err error) string {
	var up *UpstreamError
	if errors.As(err, &up) {
		if m := retryAfterPattern.FindStringSubmatch(up.Error()); m != nil {
			return m[1]
		}
	}
	return segmentRetryAfter
}

// upstreamURL joins the session base with resource and layers the client's
// query parameters over the ones negotiated with the hub.
func upstreamURL(sess Session, resource string, clientQuery url.Values) string {
	merged, err := url.ParseQuery(sess.Query)
	if err != nil {
		merged = url.Values{}
	}
	for k, vs := range clientQuery {
		merged[k] = vs
	}
	u := sess.BaseURL + "/" + strings.TrimLeft(resource, "/")
	if q := merged.Encode(); q != "" {
		u += "?" + q
	}
	return u
}
