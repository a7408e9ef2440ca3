package camera

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hubcam/internal/platform/metrics"
)

// Handler exposes the camera stream endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. Metrics may be nil (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts the camera endpoints. requireAuth guards the endpoints that
// reach the hub on the caller's behalf; optionalAuth guards the session proxy,
// whose session id already acts as the capability.
func (h *Handler) Routes(r chi.Router, requireAuth, optionalAuth func(http.Handler) http.Handler) {
	r.Route("/cameras", func(r chi.Router) {
		r.With(optionalAuth).Get("/streams/{sessionID}/*", h.ProxyStream)
		r.Route("/{entityID}", func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/stream_session", h.CreateSession)
			r.Get("/snapshot", h.Snapshot)
			r.Get("/stream", h.MJPEG)
		})
	})
}

// CreateSession handles POST /cameras/{entityID}/stream_session?mode=...
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	if entityID == "" {
		writeDetail(w, http.StatusBadRequest, "entity_id_required")
		return
	}

	info, err := h.svc.CreateSession(r.Context(), entityID, r.URL.Query().Get("mode"))
	if err != nil {
		h.writeError(w, r, err, "camera_stream_unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(info)
}

// ProxyStream handles GET /cameras/streams/{sessionID}/{resource...}.
func (h *Handler) ProxyStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	resource, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		resource = ".."
	}

	res, err := h.svc.OpenResource(r.Context(), sessionID, resource, r.URL.Query())
	if err != nil {
		h.writeError(w, r, err, "camera_hls_proxy_failed")
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	if res.Stream == nil {
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
		w.WriteHeader(http.StatusOK)
		w.Write(res.Body)
		return
	}

	defer res.Stream.Close()
	if res.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	h.relay(w, r, res.Stream)
}

// Snapshot handles GET /cameras/{entityID}/snapshot.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Snapshot(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		h.writeError(w, r, err, "camera_proxy_failed")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, resp.Body)
}

// MJPEG handles GET /cameras/{entityID}/stream.
func (h *Handler) MJPEG(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.MJPEG(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		h.writeError(w, r, err, "camera_proxy_failed")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	h.relay(w, r, resp.Body)
}

// relay copies src to the client as it arrives, flushing after every chunk.
// It returns when src ends, the upstream drops, or the client goes away.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, src io.Reader) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				h.log.Debug("client went away", slog.String("path", r.URL.Path))
				return
			}
			rc.Flush()
		}
		if readErr != nil {
			if readErr != io.EOF && r.Context().Err() == nil {
				h.log.Debug("upstream stream ended",
					slog.String("path", r.URL.Path),
					slog.String("error", readErr.Error()))
			}
			return
		}
	}
}

// writeError maps service errors onto HTTP statuses. fallback is the detail
// reported for upstream failures without a more specific code.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}

	var transient *TransientError
	var acqErr *AcquireError
	switch {
	case errors.As(err, &transient):
		w.Header().Set("Retry-After", transient.RetryAfter)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("warming"))
	case errors.Is(err, ErrSessionExpired):
		writeDetail(w, http.StatusNotFound, ErrSessionExpired.Error())
	case errors.Is(err, ErrInvalidResource):
		writeDetail(w, http.StatusBadRequest, ErrInvalidResource.Error())
	case errors.Is(err, ErrIntegrationMissing):
		writeDetail(w, http.StatusServiceUnavailable, ErrIntegrationMissing.Error())
	case errors.Is(err, ErrStreamTimeout):
		writeDetail(w, http.StatusGatewayTimeout, ErrStreamTimeout.Error())
	case errors.As(err, &acqErr):
		writeDetail(w, http.StatusBadGateway, acqErr.Error())
	case errors.Is(err, ErrStreamURLInvalid):
		writeDetail(w, http.StatusBadGateway, ErrStreamURLInvalid.Error())
	case errors.Is(err, ErrStreamURLUnavailable):
		writeDetail(w, http.StatusBadGateway, ErrStreamURLUnavailable.Error())
	default:
		h.log.Error("camera request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeDetail(w, http.StatusBadGateway, fallback)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
