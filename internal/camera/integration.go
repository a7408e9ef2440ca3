package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// IntegrationSource supplies the current hub settings. It is consulted on
// every session request so admin edits apply without a restart.
type IntegrationSource interface {
	Integration(ctx context.Context) (Integration, error)
}

// StaticIntegration serves fixed settings, typically read from the environment.
type StaticIntegration Integration

// Integration implements IntegrationSource.
func (s StaticIntegration) Integration(context.Context) (Integration, error) {
	in := Integration(s)
	if in.Host == "" || in.Token == "" {
		return Integration{}, ErrIntegrationMissing
	}
	return in, nil
}

// FileIntegration reads the admin config store, a JSON document whose
// advanced.integration object holds the hub settings.
type FileIntegration struct {
	Path string
}

type configStore struct {
	Advanced struct {
		Integration *storedIntegration `json:"integration"`
	} `json:"advanced"`
}

type storedIntegration struct {
	Integration
	Enabled bool `json:"enabled"`
	// RemotePath is the legacy spelling of remote_ws_path.
	RemotePath string `json:"remote_path"`
}

// Integration implements IntegrationSource.
func (f FileIntegration) Integration(context.Context) (Integration, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Integration{}, ErrIntegrationMissing
		}
		return Integration{}, fmt.Errorf("read config store: %w", err)
	}

	var store configStore
	if err := json.Unmarshal(raw, &store); err != nil {
		return Integration{}, fmt.Errorf("decode config store: %w", err)
	}

	stored := store.Advanced.Integration
	if stored == nil || !stored.Enabled || stored.Host == "" || stored.Token == "" {
		return Integration{}, ErrIntegrationMissing
	}
	in := stored.Integration
	if in.RemoteWSPath == "" {
		in.RemoteWSPath = stored.RemotePath
	}
	return in, nil
}
