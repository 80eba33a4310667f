package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// IdentityClient resolves which users hold a validation level in a workspace.
// It is used only to fill notification recipient lists; the engine itself
// never depends on role lookups.
type IdentityClient struct {
	baseURL string
	client  *http.Client
}

// NewIdentityClient creates a client for the identity service. An empty base
// URL yields a client that resolves nobody.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type validatorsResponse struct {
	UserIDs []string `json:"user_ids"`
}

// GetValidatorsAtLevel returns the user IDs holding the given validation
// level in a workspace. Returns an empty slice when the identity service is
// not configured.
func (c *IdentityClient) GetValidatorsAtLevel(ctx context.Context, workspaceID, level string) ([]string, error) {
	if c.baseURL == "" {
		return nil, nil
	}

	q := url.Values{}
	q.Set("workspace_id", workspaceID)
	q.Set("level", level)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/users/validators?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build identity request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}

	var body validatorsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode identity response: %w", err)
	}
	return body.UserIDs, nil
}
