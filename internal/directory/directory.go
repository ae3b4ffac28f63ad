// Package directory resolves user identifiers to display names.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ErrUserNotFound is returned when the directory has no entry for a user.
var ErrUserNotFound = errors.New("user not found")

type Directory interface {
	Lookup(ctx context.Context, userID string) (string, error)
}

// Static is an in-memory directory.
type Static struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewStatic(names map[string]string) *Static {
	s := &Static{names: make(map[string]string, len(names))}
	for id, name := range names {
		s.names[id] = name
	}
	return s
}

func (s *Static) Set(userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = displayName
}

func (s *Static) Lookup(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[userID]
	if !ok {
		return "", ErrUserNotFound
	}
	return name, nil
}

// HTTPDirectory asks the user service for GET {base}/api/v1/users/{id}.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDirectory{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type userResponse struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

func (d *HTTPDirectory) Lookup(ctx context.Context, userID string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s", d.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build user request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call user service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrUserNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user service returned status %d", resp.StatusCode)
	}

	var user userResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("failed to decode user response: %w", err)
	}
	if user.DisplayName != "" {
		return user.DisplayName, nil
	}
	if user.Username == "" {
		return "", ErrUserNotFound
	}
	return user.Username, nil
}
