package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/macfox/claudedeck/internal/creds"
)

const (
	defaultUserAgent = "claudedeck/1.0"
	oauthBetaHeader  = "oauth-2025-04-20"
	apiVersion       = "2023-06-01"

	// maxResponseBytes bounds any response body we are willing to parse.
	maxResponseBytes = 1 << 20
)

// APIError is a non-200 response from the remote service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (HTTP %d): %s", e.StatusCode, e.Body)
}

// UsageBucket is one rate-limit window's utilization as computed server-side.
type UsageBucket struct {
	Utilization float64 `json:"utilization"` // 0.0-100.0
	ResetsAt    *string `json:"resets_at"`   // ISO 8601 or null
}

// Usage is the personal usage record for one account.
type Usage struct {
	FiveHour     *UsageBucket `json:"five_hour"`
	SevenDay     *UsageBucket `json:"seven_day"`
	SevenDayOpus *UsageBucket `json:"seven_day_opus"`
}

// Profile identifies the session behind a bearer token.
type Profile struct {
	Email         string
	CorrelationID string
}

// MemberUsage is one organization member's token totals for a day.
type MemberUsage struct {
	Member       string
	InputTokens  int64
	OutputTokens int64
}

// Client talks to the remote usage and profile collaborators. The request
// and response shapes are owned by the remote service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: transport, Timeout: 15 * time.Second},
		userAgent:  defaultUserAgent,
	}
}

// FetchUsage returns the usage record for the account behind token.
// A 401 maps to creds.ErrTokenExpired so callers surface "re-login" rather
// than a generic network failure.
func (c *Client) FetchUsage(ctx context.Context, token string) (*Usage, error) {
	body, err := c.oauthGet(ctx, "/api/oauth/usage", token)
	if err != nil {
		return nil, err
	}
	var usage Usage
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, fmt.Errorf("parse usage response: %w", err)
	}
	return &usage, nil
}

// FetchProfile returns the email and external correlation id of the session
// behind token.
func (c *Client) FetchProfile(ctx context.Context, token string) (*Profile, error) {
	body, err := c.oauthGet(ctx, "/api/oauth/profile", token)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Account struct {
			UUID         string `json:"uuid"`
			EmailAddress string `json:"email_address"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse profile response: %w", err)
	}
	return &Profile{
		Email:         payload.Account.EmailAddress,
		CorrelationID: payload.Account.UUID,
	}, nil
}

// FetchAdminUsage returns per-member token totals for date using an admin
// credential. Only the first page is consumed; daily member counts fit well
// within one.
func (c *Client) FetchAdminUsage(ctx context.Context, adminKey string, date string) ([]MemberUsage, error) {
	query := url.Values{}
	query.Set("starting_at", date+"T00:00:00Z")
	query.Add("group_by[]", "api_key_id")
	endpoint := c.baseURL + "/v1/organizations/usage_report/messages?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build admin usage request: %w", err)
	}
	req.Header.Set("x-api-key", adminKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			Results []struct {
				APIKeyID           string `json:"api_key_id"`
				UncachedInput      int64  `json:"uncached_input_tokens"`
				CacheCreationInput int64  `json:"cache_creation_input_tokens"`
				CacheReadInput     int64  `json:"cache_read_input_tokens"`
				OutputTokens       int64  `json:"output_tokens"`
			} `json:"results"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse admin usage response: %w", err)
	}

	totals := map[string]*MemberUsage{}
	order := []string{}
	for _, bucket := range payload.Data {
		for _, result := range bucket.Results {
			member := result.APIKeyID
			entry, ok := totals[member]
			if !ok {
				entry = &MemberUsage{Member: member}
				totals[member] = entry
				order = append(order, member)
			}
			entry.InputTokens += result.UncachedInput + result.CacheCreationInput + result.CacheReadInput
			entry.OutputTokens += result.OutputTokens
		}
	}
	out := make([]MemberUsage, 0, len(order))
	for _, member := range order {
		out = append(out, *totals[member])
	}
	return out, nil
}

func (c *Client) oauthGet(ctx context.Context, path, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("anthropic-beta", oauthBetaHeader)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("response too large")
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, creds.ErrTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
