package camera

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultSnapshotTimeout = 15 * time.Second

	snapshotContentType = "image/jpeg"
	mjpegContentType    = "multipart/x-mixed-replace; boundary=frame"
)

// Passthrough proxies the hub's single-image and MJPEG endpoints for clients
// that cannot play HLS. It always talks to the primary host.
type Passthrough struct {
	source         IntegrationSource
	snapshotClient *http.Client
	streamClient   *http.Client
	log            *slog.Logger
}

// NewPassthrough returns a Passthrough. Nil clients get the default limits.
func NewPassthrough(source IntegrationSource, snapshotClient, streamClient *http.Client, log *slog.Logger) *Passthrough {
	if snapshotClient == nil {
		snapshotClient = &http.Client{Timeout: DefaultSnapshotTimeout}
	}
	if streamClient == nil {
		streamClient = NewStreamClient(DefaultStreamConnectLimit)
	}
	return &Passthrough{
		source:         source,
		snapshotClient: snapshotClient,
		streamClient:   streamClient,
		log:            log,
	}
}

// Snapshot opens the current still image of entityID. The caller owns the body.
func (p *Passthrough) Snapshot(ctx context.Context, entityID string) (*http.Response, error) {
	return p.open(ctx, p.snapshotClient, "/api/camera_proxy/", entityID, snapshotContentType)
}

// MJPEG opens the continuous MJPEG feed of entityID. The body streams until
// either side hangs up; the caller owns it.
func (p *Passthrough) MJPEG(ctx context.Context, entityID string) (*http.Response, error) {
	return p.open(ctx, p.streamClient, "/api/camera_proxy_stream/", entityID, mjpegContentType)
}

func (p *Passthrough) open(ctx context.Context, client *http.Client, endpoint, entityID, defaultType string) (*http.Response, error) {
	in, err := p.source.Integration(ctx)
	if err != nil {
		return nil, err
	}
	host := normalizeBaseURL(in.Host)
	if host == "" || in.Token == "" {
		return nil, ErrIntegrationMissing
	}

	target := host + endpoint + url.PathEscape(entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("camera_proxy_failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+in.Token)

	resp, err := client.Do(req)
	if err == nil {
		if err = checkStatus(resp); err != nil {
			resp.Body.Close()
		}
	}
	if err != nil {
		p.log.Warn("camera passthrough failed",
			slog.String("entity_id", entityID),
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("camera_proxy_failed: %w", err)
	}

	if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", defaultType)
	}
	return resp, nil
}
