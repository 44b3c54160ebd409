// Package zulip is a small client for the parts of the Zulip REST API the
// exporter reads. Every call is rate limited, bounded by a timeout and
// checked for the "result":"success" marker.
package zulip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/giygas/zulip-exporter/logging"
	"github.com/giygas/zulip-exporter/metrics"
	jsoniter "github.com/json-iterator/go"
	"github.com/juju/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxResponseSize caps how much of a response body is read (5000 messages fit comfortably)
const maxResponseSize = 64 << 20

// Endpoint names used in errors and metric labels
const (
	EndpointSubscriptions  = "subscriptions"
	EndpointTopics         = "topics"
	EndpointUsers          = "users"
	EndpointPresence       = "presence"
	EndpointMessages       = "messages"
	EndpointMarkAllAsRead  = "mark_all_as_read"
	EndpointServerSettings = "server_settings"
	EndpointLinkifiers     = "linkifiers"
	EndpointEmoji          = "emoji"
	EndpointProfileFields  = "profile_fields"
)

// APIError is returned when the server answers but does not report success
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       string
	Msg        string
}

func (e *APIError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (status %d, code %s)", e.Endpoint, msg, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Endpoint, msg, e.StatusCode)
}

// Options configures a Client
type Options struct {
	BaseURL            string
	Email              string
	APIKey             string
	InsecureSkipVerify bool
	RequestTimeout     time.Duration
	RateLimit          float64 // requests per second
	RateBurst          int64
	// HTTPClient replaces the default transport, used by tests
	HTTPClient *http.Client
}

// Client talks to one Zulip realm with basic auth
type Client struct {
	baseURL        string
	email          string
	apiKey         string
	httpClient     *http.Client
	bucket         *ratelimit.Bucket
	requestTimeout time.Duration
}

// NewClient creates a client for the realm at opts.BaseURL
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			// #nosec G402 -- opt-in for realms with self-signed certificates
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			logging.Warn("TLS certificate verification is disabled for the Zulip API")
		}
		httpClient = &http.Client{Transport: transport}
	}

	rate := opts.RateLimit
	if rate <= 0 {
		rate = 20
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		email:          opts.Email,
		apiKey:         opts.APIKey,
		httpClient:     httpClient,
		bucket:         ratelimit.NewBucketWithRate(rate, burst),
		requestTimeout: timeout,
	}
}

// apiResponse is implemented by every response type through the embedded Response
type apiResponse interface {
	base() *Response
}

// waitForToken blocks until the token bucket allows one more call or ctx ends
func (c *Client) waitForToken(ctx context.Context) error {
	wait := c.bucket.Take(1)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// call performs one API request and decodes the body into out
func (c *Client) call(ctx context.Context, endpoint, method, path string, query url.Values, out apiResponse) error {
	start := time.Now()
	outcome := "success"
	defer func() {
		metrics.ObserveAPICall(endpoint, outcome, time.Since(start))
	}()

	if err := c.waitForToken(ctx); err != nil {
		outcome = "transport_error"
		return fmt.Errorf("%s: waiting for rate limiter: %w", endpoint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	target := c.baseURL + "/api/v1" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		outcome = "transport_error"
		return fmt.Errorf("%s: building request: %w", endpoint, err)
	}
	req.SetBasicAuth(c.email, c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "zulip-exporter")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome = "transport_error"
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logging.Warn("Failed to close response body", "endpoint", endpoint, "error", cerr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		outcome = "transport_error"
		return fmt.Errorf("%s: reading response: %w", endpoint, err)
	}

	decodeErr := json.Unmarshal(body, out)
	result := out.base()

	if resp.StatusCode < 200 || resp.StatusCode > 299 || decodeErr != nil || !result.Success() {
		outcome = "api_error"
		apiErr := &APIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Code:       result.Code,
			Msg:        result.Msg,
		}
		if decodeErr != nil && apiErr.Msg == "" && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return fmt.Errorf("%s: decoding response: %w", endpoint, decodeErr)
		}
		if apiErr.Msg == "" && result.Result != "" && !result.Success() {
			apiErr.Msg = fmt.Sprintf("unexpected result %q", result.Result)
		}
		return apiErr
	}

	logging.Debug("Zulip API call completed", "endpoint", endpoint, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Subscriptions returns the streams the exporter account is subscribed to
func (c *Client) Subscriptions(ctx context.Context) ([]Stream, error) {
	var resp subscriptionsResponse
	if err := c.call(ctx, EndpointSubscriptions, http.MethodGet, "/users/me/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Topics returns the topics of one stream
func (c *Client) Topics(ctx context.Context, streamID int64) ([]Topic, error) {
	var resp topicsResponse
	path := "/users/me/" + strconv.FormatInt(streamID, 10) + "/topics"
	if err := c.call(ctx, EndpointTopics, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

// Users returns every user of the realm, deactivated ones included
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var resp usersResponse
	if err := c.call(ctx, EndpointUsers, http.MethodGet, "/users", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// Presence returns the aggregated presence of one user
func (c *Client) Presence(ctx context.Context, userID int64) (Presence, error) {
	var resp presenceResponse
	path := "/users/" + strconv.FormatInt(userID, 10) + "/presence"
	if err := c.call(ctx, EndpointPresence, http.MethodGet, path, nil, &resp); err != nil {
		return Presence{}, err
	}
	return resp.Presence.Aggregated, nil
}

// Messages returns the messages selected by q
func (c *Client) Messages(ctx context.Context, q MessageQuery) ([]Message, error) {
	query := url.Values{}
	query.Set("anchor", q.Anchor)
	query.Set("num_before", strconv.Itoa(q.NumBefore))
	query.Set("num_after", strconv.Itoa(q.NumAfter))

	var resp messagesResponse
	if err := c.call(ctx, EndpointMessages, http.MethodGet, "/messages", query, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// MarkAllAsRead marks every message of the account as read
func (c *Client) MarkAllAsRead(ctx context.Context) error {
	var resp markAllAsReadResponse
	if err := c.call(ctx, EndpointMarkAllAsRead, http.MethodPost, "/mark_all_as_read", nil, &resp); err != nil {
		return err
	}
	if resp.Complete != nil && !*resp.Complete {
		// Large backlogs are processed in batches, the next scrape picks up the rest
		logging.Warn("Zulip marked only part of the unread messages as read")
	}
	return nil
}

// ServerSettings returns server and realm metadata
func (c *Client) ServerSettings(ctx context.Context) (ServerSettings, error) {
	var resp serverSettingsResponse
	if err := c.call(ctx, EndpointServerSettings, http.MethodGet, "/server_settings", nil, &resp); err != nil {
		return ServerSettings{}, err
	}
	return resp.ServerSettings, nil
}

// Linkifiers returns the realm's linkifiers
func (c *Client) Linkifiers(ctx context.Context) ([]Linkifier, error) {
	var resp linkifiersResponse
	if err := c.call(ctx, EndpointLinkifiers, http.MethodGet, "/realm/linkifiers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Linkifiers, nil
}

// CustomEmoji returns the realm's custom emoji keyed by emoji id
func (c *Client) CustomEmoji(ctx context.Context) (map[string]Emoji, error) {
	var resp emojiResponse
	if err := c.call(ctx, EndpointEmoji, http.MethodGet, "/realm/emoji", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Emoji, nil
}

// ProfileFields returns the realm's custom profile fields
func (c *Client) ProfileFields(ctx context.Context) ([]ProfileField, error) {
	var resp profileFieldsResponse
	if err := c.call(ctx, EndpointProfileFields, http.MethodGet, "/realm/profile_fields", nil, &resp); err != nil {
		return nil, err
	}
	return resp.CustomFields, nil
}

// IsAPIError reports whether err carries an *APIError
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
