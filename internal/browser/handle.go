package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Handle lets a second process reuse a browser session started by
// `keke run-driver`: the DevTools endpoint and the page's target id.
type Handle struct {
	EndpointURL string `json:"url"`
	SessionID   string `json:"session_id"`
}

func (h Handle) validate() error {
	if h.EndpointURL == "" || h.SessionID == "" {
		return errors.New("session handle needs both url and session_id")
	}
	return nil
}

// WriteHandle stores h as a flat JSON object at path.
func WriteHandle(path string, h Handle) error {
	if err := h.validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadHandle loads a handle written by WriteHandle.
func ReadHandle(path string) (Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Handle{}, fmt.Errorf("read session handle: %w", err)
	}
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return Handle{}, fmt.Errorf("parse session handle %s: %w", path, err)
	}
	if err := h.validate(); err != nil {
		return Handle{}, fmt.Errorf("session handle %s: %w", path, err)
	}
	return h, nil
}
