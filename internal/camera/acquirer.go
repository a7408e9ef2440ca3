package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Per-step budgets for negotiating a stream with one target.
const (
	DefaultHTTPAttemptTimeout = 3 * time.Second
	DefaultWSFrameTimeout     = 5 * time.Second
	DefaultWSResultTimeout    = 10 * time.Second
)

// AcquirerConfig tunes the negotiation steps. Zero values use the defaults.
type AcquirerConfig struct {
	HTTPClient         *http.Client
	Dialer             *websocket.Dialer
	HTTPAttemptTimeout time.Duration
	WSFrameTimeout     time.Duration
	WSResultTimeout    time.Duration
}

// Acquirer negotiates a playable stream URL with the hub.
type Acquirer struct {
	client        *http.Client
	dialer        *websocket.Dialer
	httpTimeout   time.Duration
	frameTimeout  time.Duration
	resultTimeout time.Duration
	log           *slog.Logger
}

// NewAcquirer returns an Acquirer using cfg.
func NewAcquirer(cfg AcquirerConfig, log *slog.Logger) *Acquirer {
	a := &Acquirer{
		client:        cfg.HTTPClient,
		dialer:        cfg.Dialer,
		httpTimeout:   cfg.HTTPAttemptTimeout,
		frameTimeout:  cfg.WSFrameTimeout,
		resultTimeout: cfg.WSResultTimeout,
		log:           log,
	}
	if a.client == nil {
		a.client = &http.Client{}
	}
	if a.dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = DefaultWSFrameTimeout
		a.dialer = &d
	}
	if a.httpTimeout <= 0 {
		a.httpTimeout = DefaultHTTPAttemptTimeout
	}
	if a.frameTimeout <= 0 {
		a.frameTimeout = DefaultWSFrameTimeout
	}
	if a.resultTimeout <= 0 {
		a.resultTimeout = DefaultWSResultTimeout
	}
	return a
}

// Acquire tries every target in order and returns the first success. When all
// targets fail the returned *AcquireError lists each failure.
func (a *Acquirer) Acquire(ctx context.Context, entityID string, targets []Target) (NegotiatedStream, error) {
	failures := make([]*TargetError, 0, len(targets))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return NegotiatedStream{}, err
		}
		stream, terr := a.AcquireFromTarget(ctx, entityID, t)
		if terr == nil {
			a.log.Info("stream url acquired",
				slog.String("entity_id", entityID),
				slog.String("target", t.Label),
				slog.String("host", t.Host))
			return stream, nil
		}
		a.log.Warn("stream attempt failed",
			slog.String("entity_id", entityID),
			slog.String("target", t.Label),
			slog.String("error", terr.Error()))
		failures = append(failures, terr)
	}
	return NegotiatedStream{}, &AcquireError{Failures: failures}
}

type acquireStep int

const (
	stepHTTP acquireStep = iota
	stepWebSocket
)

// AcquireFromTarget negotiates with a single target: the one-shot HTTP API
// first, then the WebSocket RPC.
func (a *Acquirer) AcquireFromTarget(ctx context.Context, entityID string, t Target) (NegotiatedStream, *TargetError) {
	failure := &TargetError{Label: t.Label}
	step := stepHTTP
	for {
		switch step {
		case stepHTTP:
			raw, err := a.requestHTTP(ctx, entityID, t)
			if err == nil {
				var abs string
				if abs, err = t.resolve(raw); err == nil {
					return NegotiatedStream{URL: abs, Token: t.Token, Label: t.Label}, nil
				}
			}
			failure.HTTPErr = err
			a.log.Warn("http stream attempt failed",
				slog.String("entity_id", entityID),
				slog.String("target", t.Label),
				slog.String("error", err.Error()))
			step = stepWebSocket

		case stepWebSocket:
			raw, err := a.requestWebSocket(ctx, entityID, t)
			if err == nil {
				var abs string
				if abs, err = t.resolve(raw); err == nil {
					return NegotiatedStream{URL: abs, Token: t.Token, Label: t.Label}, nil
				}
			}
			failure.WSErr = err
			return NegotiatedStream{}, failure
		}
	}
}

type streamRequest struct {
	EntityID       string `json:"entity_id"`
	CameraEntityID string `json:"camera_entity_id"`
}

type streamResponse struct {
	URL string `json:"url"`
}

func (a *Acquirer) requestHTTP(ctx context.Context, entityID string, t Target) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.httpTimeout)
	defer cancel()

	body, err := json.Marshal(streamRequest{EntityID: entityID, CameraEntityID: entityID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Host+"/api/stream", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+t.Token)
	req.Header.Set("Content-Type", "application/json")

	a.log.Debug("requesting http stream", slog.String("entity_id", entityID), slog.String("target", t.Label))
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &UpstreamError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
	}

	var out streamResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode stream response: %w", err)
	}
	if out.URL == "" {
		return "", ErrStreamURLUnavailable
	}
	return out.URL, nil
}

// wsFrame covers every hub frame this exchange reads.
type wsFrame struct {
	ID      int    `json:"id,omitempty"`
	Type    string `json:"type"`
	Success *bool  `json:"success,omitempty"`
	Result  *struct {
		URL string `json:"url"`
	} `json:"result,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type wsAuth struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type wsStreamCommand struct {
	ID       int    `json:"id"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
}

func (a *Acquirer) requestWebSocket(ctx context.Context, entityID string, t Target) (string, error) {
	wsURL, err := t.WebSocketURL()
	if err != nil {
		return "", err
	}

	a.log.Debug("falling back to websocket stream", slog.String("entity_id", entityID), slog.String("target", t.Label))
	conn, resp, err := a.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("camera_stream_ws_failed: dial (status %d): %w", resp.StatusCode, err)
		}
		return "", fmt.Errorf("camera_stream_ws_failed: dial: %w", err)
	}
	defer conn.Close()

	// Reads do not observe ctx; closing the socket unblocks them.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var greeting wsFrame
	if err := a.readFrame(ctx, conn, &greeting, a.frameTimeout); err != nil {
		return "", err
	}
	if greeting.Type != "auth_required" {
		return "", ErrProtocol
	}

	if err := conn.WriteJSON(wsAuth{Type: "auth", AccessToken: t.Token}); err != nil {
		return "", fmt.Errorf("camera_stream_ws_failed: send auth: %w", err)
	}
	for {
		var msg wsFrame
		if err := a.readFrame(ctx, conn, &msg, a.frameTimeout); err != nil {
			return "", err
		}
		if msg.Type == "auth_ok" {
			break
		}
		if msg.Type == "auth_invalid" {
			return "", ErrAuthInvalid
		}
	}

	requestID := rand.Intn(1<<24) + 1
	if err := conn.WriteJSON(wsStreamCommand{ID: requestID, Type: "camera/stream", EntityID: entityID}); err != nil {
		return "", fmt.Errorf("camera_stream_ws_failed: send request: %w", err)
	}
	for {
		var msg wsFrame
		if err := a.readFrame(ctx, conn, &msg, a.resultTimeout); err != nil {
			return "", err
		}
		if msg.ID != requestID {
			continue
		}
		if msg.Success == nil || !*msg.Success {
			message := "camera_stream_request_failed"
			if msg.Error != nil && msg.Error.Message != "" {
				message = msg.Error.Message
			}
			return "", fmt.Errorf("camera_stream_request_failed:%s", message)
		}
		if msg.Result == nil || msg.Result.URL == "" {
			return "", ErrStreamURLUnavailable
		}
		return msg.Result.URL, nil
	}
}

func (a *Acquirer) readFrame(ctx context.Context, conn *websocket.Conn, v *wsFrame, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	if err := conn.ReadJSON(v); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("camera_stream_timeout: %w", err)
		}
		return fmt.Errorf("camera_stream_ws_failed: %w", err)
	}
	return nil
}
