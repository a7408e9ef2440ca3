package camera

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hubcam/internal/platform/metrics"
)

// ModeAuto is used for unknown or empty modes.
const ModeAuto = "auto"

// DefaultModeTimeouts bound a whole session negotiation, by client mode.
var DefaultModeTimeouts = map[string]time.Duration{
	ModeAuto:   6 * time.Second,
	"doorbell": 9 * time.Second,
	"manual":   12 * time.Second,
}

// ServiceConfig wires the components behind a Service. Nil components are
// built with their defaults.
type ServiceConfig struct {
	Source      IntegrationSource
	Acquirer    *Acquirer
	Registry    *Registry
	Streamer    *Streamer
	Passthrough *Passthrough

	// Prefix is the public path under which sessions are served,
	// e.g. /api/devices/cameras/streams.
	Prefix       string
	ModeTimeouts map[string]time.Duration
}

// Service negotiates camera streams and serves them through proxy sessions.
type Service struct {
	source      IntegrationSource
	acquirer    *Acquirer
	registry    *Registry
	streamer    *Streamer
	passthrough *Passthrough
	prefix      string
	timeouts    map[string]time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
}

// NewService returns a Service. Metrics may be nil.
func NewService(cfg ServiceConfig, log *slog.Logger, m *metrics.Metrics) *Service {
	s := &Service{
		source:      cfg.Source,
		acquirer:    cfg.Acquirer,
		registry:    cfg.Registry,
		streamer:    cfg.Streamer,
		passthrough: cfg.Passthrough,
		prefix:      strings.TrimRight(cfg.Prefix, "/"),
		timeouts:    cfg.ModeTimeouts,
		log:         log,
		metrics:     m,
	}
	if s.timeouts == nil {
		s.timeouts = DefaultModeTimeouts
	}
	if s.acquirer == nil {
		s.acquirer = NewAcquirer(AcquirerConfig{}, log)
	}
	if s.registry == nil {
		s.registry = NewRegistry(DefaultSessionTTL)
	}
	if s.streamer == nil {
		s.streamer = NewStreamer(StreamerConfig{}, s.prefix, log, m)
	}
	if s.passthrough == nil {
		s.passthrough = NewPassthrough(s.source, nil, nil, log)
	}
	return s
}

// Registry exposes the session registry, for the janitor and metrics.
func (s *Service) Registry() *Registry { return s.registry }

// TimeoutForMode returns the negotiation budget for mode, falling back to auto.
func (s *Service) TimeoutForMode(mode string) time.Duration {
	if d, ok := s.timeouts[strings.ToLower(strings.TrimSpace(mode))]; ok {
		return d
	}
	return s.timeouts[ModeAuto]
}

// CreateSession negotiates a stream for entityID within the mode's budget and
// registers a proxy session for it. Targets are tried in preference order;
// when the budget runs out ErrStreamTimeout is returned without waiting for
// the attempt in flight.
func (s *Service) CreateSession(ctx context.Context, entityID, mode string) (SessionInfo, error) {
	in, err := s.source.Integration(ctx)
	if err != nil {
		s.acquireFailed("integration")
		return SessionInfo{}, err
	}
	targets, err := ResolveTargets(in)
	if err != nil {
		s.acquireFailed("integration")
		return SessionInfo{}, err
	}

	budget := s.TimeoutForMode(mode)
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		stream NegotiatedStream
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		stream, err := s.acquirer.Acquire(actx, entityID, targets)
		done <- outcome{stream: stream, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-actx.Done():
		res = outcome{err: actx.Err()}
	}

	if res.err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			s.log.Warn("stream negotiation timed out",
				slog.String("entity_id", entityID),
				slog.String("mode", mode),
				slog.Duration("budget", budget))
			s.acquireFailed("timeout")
			return SessionInfo{}, ErrStreamTimeout
		}
		var acqErr *AcquireError
		if errors.As(res.err, &acqErr) && s.metrics != nil {
			for _, f := range acqErr.Failures {
				s.metrics.IncTargetFailure(f.Label)
			}
		}
		s.log.Warn("stream negotiation failed",
			slog.String("entity_id", entityID),
			slog.String("error", res.err.Error()))
		s.acquireFailed("unavailable")
		return SessionInfo{}, res.err
	}

	sess, err := s.registry.Register(res.stream.URL, entityID, res.stream.Token)
	if err != nil {
		s.log.Warn("negotiated stream url rejected",
			slog.String("entity_id", entityID),
			slog.String("target", res.stream.Label),
			slog.String("error", err.Error()))
		s.acquireFailed("unavailable")
		return SessionInfo{}, err
	}

	if s.metrics != nil {
		s.metrics.IncSessionsCreated()
	}
	s.log.Info("stream session created",
		slog.String("session", sess.ID),
		slog.String("entity_id", entityID),
		slog.String("target", res.stream.Label))

	expiresIn := int(s.registry.TTL().Seconds())
	if expiresIn < 1 {
		expiresIn = 1
	}
	return SessionInfo{
		Session:   sess.ID,
		Playlist:  s.prefix + "/" + sess.ID + "/" + sess.Resource,
		Format:    "hls",
		ExpiresIn: expiresIn,
	}, nil
}

// Resource is one proxied playlist or segment. Exactly one of Body and Stream
// is set; the caller closes Stream.
type Resource struct {
	ContentType   string
	Body          []byte
	Stream        io.ReadCloser
	ContentLength int64
}

// OpenResource serves resource from the upstream behind sessionID. Unknown or
// expired sessions fail with ErrSessionExpired before the path is examined.
func (s *Service) OpenResource(ctx context.Context, sessionID, resource string, query url.Values) (*Resource, error) {
	sess, ok := s.registry.Lookup(sessionID)
	if !ok {
		return nil, ErrSessionExpired
	}
	if err := ValidateResource(resource); err != nil {
		s.log.Warn("stream resource rejected",
			slog.String("session", sessionID),
			slog.String("resource", resource))
		return nil, err
	}
	if sess.Token == "" {
		in, err := s.source.Integration(ctx)
		if err != nil {
			return nil, err
		}
		sess.Token = in.Token
	}

	if isPlaylist(resource) {
		pl, err := s.streamer.FetchPlaylist(ctx, sess, resource, query)
		if err != nil {
			return nil, err
		}
		return &Resource{ContentType: pl.ContentType, Body: pl.Body}, nil
	}

	resp, err := s.streamer.OpenSegment(ctx, sess, resource, query)
	if err != nil {
		return nil, err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = segmentContentType
	}
	return &Resource{ContentType: contentType, Stream: resp.Body, ContentLength: resp.ContentLength}, nil
}

// Snapshot opens the still image for entityID.
func (s *Service) Snapshot(ctx context.Context, entityID string) (*http.Response, error) {
	return s.passthrough.Snapshot(ctx, entityID)
}

// MJPEG opens the MJPEG feed for entityID.
func (s *Service) MJPEG(ctx context.Context, entityID string) (*http.Response, error) {
	return s.passthrough.MJPEG(ctx, entityID)
}

func (s *Service) acquireFailed(reason string) {
	if s.metrics != nil {
		s.metrics.IncAcquireFailure(reason)
	}
}
