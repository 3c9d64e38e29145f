package boshapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"investigation-lab/internal/domain/models"
	"investigation-lab/pkg/logger"
)

// ErrBOSHDisabled is returned when no auth URL is configured
var ErrBOSHDisabled = errors.New("bosh session endpoint not configured")

// StatusError is a non-200 answer from the session endpoint
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bosh-session returned %d %s", e.Code, e.Status)
}

// StatusText is what users are shown when a session cannot be obtained
func (e *StatusError) StatusText() string {
	return e.Status
}

// Config holds configuration for the client
type Config struct {
	AuthURL string
	Token   string
	Timeout time.Duration
}

// Client fetches fresh session descriptors from GET <auth-url>/bosh-session
type Client struct {
	authURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a new session client
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		authURL: strings.TrimRight(cfg.AuthURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.WithComponent("bosh-client"),
	}
}

// FetchSession requests a fresh session descriptor
func (c *Client) FetchSession(ctx context.Context) (*models.SessionDescriptor, error) {
	if c.authURL == "" {
		return nil, ErrBOSHDisabled
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authURL+"/bosh-session", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request bosh session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	var desc models.SessionDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("failed to decode bosh session: %w", err)
	}
	if desc.JID == "" {
		return nil, fmt.Errorf("bosh session has no jid")
	}

	c.logger.Debug().Str("jid", desc.JID).Strs("rooms", desc.Rooms).Msg("fetched bosh session")
	return &desc, nil
}
