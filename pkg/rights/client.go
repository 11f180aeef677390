package rights

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelvault/authcore/pkg/errs"
)

// SharedResourceClient lists the resources currently shared with every user.
// The production implementation calls the resource service over the internal
// peer channel; tests substitute a stub.
type SharedResourceClient interface {
	ListGloballySharedResourceIDs(ctx context.Context) ([]string, error)
}

// HTTPSharedResourceClient calls the resource service's internal endpoint,
// authenticated with the shared internal secret rather than an end-user
// bearer token.
type HTTPSharedResourceClient struct {
	endpoint       string
	internalSecret string
	client         *http.Client
}

// NewHTTPSharedResourceClient creates a client for the given resource
// service base URL.
func NewHTTPSharedResourceClient(endpoint, internalSecret string) *HTTPSharedResourceClient {
	return &HTTPSharedResourceClient{
		endpoint:       endpoint,
		internalSecret: internalSecret,
		client:         &http.Client{Timeout: 10 * time.Second},
	}
}

// ListGloballySharedResourceIDs fetches the globally-shared resource id list.
func (c *HTTPSharedResourceClient) ListGloballySharedResourceIDs(ctx context.Context) ([]string, error) {
	url := c.endpoint + "/3d/models/internal/globally_shared_models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build globally-shared request: %v: %w", err, errs.ErrInternal)
	}
	req.Header.Set("internal-call-secret", c.internalSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("globally-shared request failed: %v: %w", err, errs.ErrUpstream)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("globally-shared request returned %d: %w", resp.StatusCode, errs.ErrUpstream)
	}

	var payload struct {
		SharedModelIDs []string `json:"sharedModelIds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode globally-shared response: %v: %w", err, errs.ErrUpstream)
	}
	return payload.SharedModelIDs, nil
}
