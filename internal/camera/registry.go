package camera

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultSessionTTL bounds how long a negotiated stream stays reachable.
const DefaultSessionTTL = 90 * time.Second

// sessionIDBytes gives 128 bits of entropy per id.
const sessionIDBytes = 16

// Registry maps opaque session ids to upstream stream locations.
// All access goes through one mutex; no I/O happens while it is held.
type Registry struct {
	mu    sync.Mutex
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithStore replaces the default in-memory store.
func WithStore(s Store) RegistryOption {
	return func(r *Registry) { r.store = s }
}

// NewRegistry returns a Registry whose sessions live for ttl.
// If ttl <= 0, DefaultSessionTTL is used.
func NewRegistry(ttl time.Duration, opts ...RegistryOption) *Registry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	r := &Registry{store: NewInMemoryStore(), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the session lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register records a session for the negotiated stream URL. The URL must be
// absolute with a path; its last path segment becomes the session resource.
func (r *Registry) Register(streamURL, entityID, token string) (Session, error) {
	if streamURL == "" {
		return Session{}, ErrStreamURLUnavailable
	}
	u, err := url.Parse(streamURL)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrStreamURLInvalid, err)
	}
	if u.Scheme == "" || u.Host == "" || u.Path == "" {
		return Session{}, ErrStreamURLInvalid
	}
	idx := strings.LastIndex(u.Path, "/")
	if idx < 0 {
		return Session{}, fmt.Errorf("%w: path has no directory", ErrStreamURLInvalid)
	}
	dir, resource := u.Path[:idx], u.Path[idx+1:]
	base := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host, Path: strings.TrimRight(dir, "/")}

	id, err := newSessionID()
	if err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	sess := Session{
		ID:        id,
		BaseURL:   strings.TrimRight(base.String(), "/"),
		Query:     u.RawQuery,
		EntityID:  entityID,
		Resource:  resource,
		Token:     token,
		ExpiresAt: now.Add(r.ttl),
	}
	r.store.DeleteExpired(now)
	r.store.Put(sess)
	return sess, nil
}

// Lookup returns the session while it is live. An expired session is removed
// and reported as absent.
func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.Get(id)
	if !ok {
		return Session{}, false
	}
	if !r.now().Before(sess.ExpiresAt) {
		r.store.Delete(id)
		return Session{}, false
	}
	return sess, true
}

// Remove drops a session before its expiry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.Delete(id)
}

// Purge deletes expired sessions and returns how many were removed.
func (r *Registry) Purge() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.DeleteExpired(r.now())
}

// ActiveSessionCount returns the number of stored sessions. Used for metrics.
func (r *Registry) ActiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Len()
}

// RunJanitor purges expired sessions every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Purge()
		}
	}
}

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
