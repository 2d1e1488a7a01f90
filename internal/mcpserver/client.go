package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/assured/internal/auth"
	"github.com/mbd888/assured/internal/paywall"
	"github.com/mbd888/assured/internal/policy"
	"github.com/mbd888/assured/internal/reputation"
	"github.com/mbd888/assured/internal/settlement"
	"github.com/mbd888/assured/internal/trust"
)

// Config holds the configuration for connecting to an assured server.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	// Signer, when set, signs every request as the payer identity.
	Signer *trust.Signer
	// Policy is applied by check_policy when the tool call omits a clause.
	Policy policy.Policy
}

// AssuredClient is a read-only HTTP client for the server's views.
type AssuredClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAssuredClient creates a new client.
func NewAssuredClient(cfg Config) *AssuredClient {
	return &AssuredClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and decodes a 2xx JSON body into out.
func (c *AssuredClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var data []byte
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.Signer != nil {
		auth.Sign(req, c.cfg.Signer, data, time.Now())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetRequirement returns a quote for serviceID without reserving it.
func (c *AssuredClient) GetRequirement(ctx context.Context, serviceID string) (*paywall.Requirement, error) {
	var out struct {
		Requirement *paywall.Requirement `json:"requirement"`
	}
	path := "/v1/services/" + url.PathEscape(serviceID) + "/requirement"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Requirement == nil {
		return nil, fmt.Errorf("empty requirement for %s", serviceID)
	}
	return out.Requirement, nil
}

// CheckPolicy evaluates p against the service's current quote.
func (c *AssuredClient) CheckPolicy(ctx context.Context, serviceID string, p policy.Policy) (*policy.CheckResult, error) {
	var out policy.CheckResult
	err := c.doRequest(ctx, http.MethodPost, "/v1/policy/check", policy.CheckRequest{ServiceID: serviceID, Policy: p}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ServiceStats is the registry view of one service.
type ServiceStats struct {
	Reputation reputation.Stats `json:"reputation"`
	Found      bool             `json:"found"`
}

// GetServiceStats returns reputation, bond and latency stats for serviceID.
func (c *AssuredClient) GetServiceStats(ctx context.Context, serviceID string) (*ServiceStats, error) {
	var out ServiceStats
	path := "/v1/services/" + url.PathEscape(serviceID) + "/reputation"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListServiceStats returns stats for every service with history.
func (c *AssuredClient) ListServiceStats(ctx context.Context) ([]reputation.Stats, error) {
	var out struct {
		Services []reputation.Stats `json:"services"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/reputation", nil, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// GetTranscript returns the transcript of callID.
func (c *AssuredClient) GetTranscript(ctx context.Context, callID string) (*settlement.Transcript, error) {
	var out struct {
		Transcript *settlement.Transcript `json:"transcript"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/transcripts/"+url.PathEscape(callID), nil, &out); err != nil {
		return nil, err
	}
	if out.Transcript == nil {
		return nil, fmt.Errorf("empty transcript for %s", callID)
	}
	return out.Transcript, nil
}
