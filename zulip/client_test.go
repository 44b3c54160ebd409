package zulip

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testEmail  = "exporter-bot@chat.example.com"
	testAPIKey = "secret-key"
)

// fakeRealm serves canned Zulip responses and records what it was asked
type fakeRealm struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	requests  []*http.Request
}

type fakeResponse struct {
	status int
	body   string
}

func newFakeRealm(t *testing.T) (*fakeRealm, *Client) {
	t.Helper()
	realm := &fakeRealm{responses: map[string]fakeResponse{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		realm.mu.Lock()
		realm.requests = append(realm.requests, r.Clone(context.Background()))
		resp, ok := realm.responses[r.Method+" "+r.URL.Path]
		realm.mu.Unlock()

		email, key, hasAuth := r.BasicAuth()
		if !hasAuth || email != testEmail || key != testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"result":"error","msg":"Invalid API key","code":"INVALID_API_KEY"}`))
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"result":"error","msg":"Not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		w.Write([]byte(resp.body))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Options{
		BaseURL:        srv.URL + "/",
		Email:          testEmail,
		APIKey:         testAPIKey,
		RequestTimeout: 2 * time.Second,
		RateLimit:      1000,
		RateBurst:      1000,
		HTTPClient:     srv.Client(),
	})
	return realm, client
}

func (f *fakeRealm) on(method, path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" "+path] = fakeResponse{status: status, body: body}
}

func (f *fakeRealm) lastRequest(t *testing.T) *http.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no request recorded")
	}
	return f.requests[len(f.requests)-1]
}

func TestSubscriptions(t *testing.T) {
	realm, client := newFakeRealm(t)
	realm.on("GET", "/api/v1/users/me/subscriptions", 200,
		`{"result":"success","msg":"","subscriptions":[{"stream_id":1,"name":"general"},{"stream_id":7,"name":"ops"}]}`)

	streams, err := client.Subscriptions(context.Background())
	if err != nil {
		t.Fatalf("Subscriptions failed: %v", err)
	}
	if len(streams) != 2 || streams[0] != (Stream{ID: 1, Name: "general"}) || streams[1].ID != 7 {
		t.Errorf("Unexpected streams %+v", streams)
	}
	if ua := realm.lastRequest(t).Header.Get("User-Agent"); ua != "zulip-exporter" {
		t.Errorf("Unexpected user agent %q", ua)
	}
}

func TestTopicsPath(t *testing.T) {
	realm, client := newFakeRealm(t)
	realm.on("GET", "/api/v1/users/me/42/topics", 200,
		`{"result":"success","msg":"","topics":[{"name":"hello","max_id":10},{"name":"world","max_id":12}]}`)

	topics, err := client.Topics(context.Background(), 42)
	if err != nil {
		t.Fatalf("Topics failed: %v", err)
	}
	if len(topics) != 2 || topics[1].Name != "world" {
		t.Errorf("Unexpected topics %+v", topics)
	}
}

func TestUsersDecoding(t *testing.T) {
	realm, client := newFakeRealm(t)
	realm.on("GET", "/api/v1/users", 200, `{"result":"success","msg":"","members":[
		{"user_id":1,"email":"owner@example.com","is_active":true,"is_bot":false,"bot_type":null,"is_billing_admin":false,"role":100},
		{"user_id":2,"email":"bot@example.com","is_active":true,"is_bot":true,"bot_type":2,"role":400},
		{"user_id":3,"email":"gone@example.com","is_active":false,"is_bot":false,"role":400}
	]}`)

	users, err := client.Users(context.Background())
	if err != nil {
		t.Fatalf("Users failed: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("Expected 3 users, got %d", len(users))
	}
	if users[0].Role != RoleOwner || users[0].BotType != 0 {
		t.Errorf("Unexpected owner %+v", users[0])
	}
	if !users[1].IsBot || users[1].BotType != BotTypeIncomingWebhook {
		t.Errorf("Unexpected bot %+v", users[1])
	}
	if users[2].IsActive {
		t.Errorf("Expected deactivated user, got %+v", users[2])
	}
}

func TestPresence(t *testing.T) {
	realm, client := newFakeRealm(t)
	realm.on("GET", "/api/v1/users/5/presence", 200,
		`{"result":"success","msg":"","presence":{"website":{"status":"idle","timestamp":1700000000},"aggregated":{"status":"active","timestamp":1700000100}}}`)

	p, err := client.Presence(context.Background(), 5)
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if p.Status != PresenceActive || p.Timestamp != 1700000100 {
		t.Errorf("Expected aggregated presence, got %+v", p)
	}
}

func TestMessagesQueryAndRecipients(t *testing.T) {
	realm, client := newFakeRealm(t)
	realm.on("GET", "/api/v1/messages", 200, `{"result":"success","msg":"","messages":[
		{"id":1,"type":"stream","stream_id":3,"display_recipient":"dev\/ops","subject":"deploy"},
		{"id":2,"type":"private","display_recipient":[{"id":9,"email":"a@example.com"}],"subject":""}
	]}`)

	messages, err := client.Messages(context.Background(), MessageQuery{Anchor: "first_unread", NumBefore: 0, NumAfter: 5000})
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}

	q := realm.lastRequest(t).URL.Query()
	if q.Get("anchor") != "first_unread" || q.Get("num_before") != "0" || q.Get("num_after") != "5000" {
		t.Errorf("Unexpected query %v", q)
	}

	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	if messages[0].DisplayRecipient != (Recipient{Name: "dev/ops"}) || messages[0].StreamID != 3 || messages[0].Subject != "deploy" {
		t.Errorf("Unexpected stream message %+v", messages[0])
	}
	if !messages[1].DisplayRecipient.Direct {
		t.Errorf("Expected direct message, got %+v", messages[1])
	}
}

func TestMarkAllAsRead(t *testing.T) {
	realm, client := newFakeRealm(t)
	realm.on("POST", "/api/v1/mark_all_as_read", 200, `{"result":"success","msg":"","complete":true}`)

	if err := client.MarkAllAsRead(context.Background()); err != nil {
		t.Fatalf("MarkAllAsRead failed: %v", err)
	}
	if m := realm.lastRequest(t).Method; m != http.MethodPost {
		t.Errorf("Expected POST, got %s", m)
	}

	realm.on("POST", "/api/v1/mark_all_as_read", 200, `{"result":"error","msg":"Nope","code":"BAD_REQUEST"}`)
	err := client.MarkAllAsRead(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.Endpoint != EndpointMarkAllAsRead || apiErr.Code != "BAD_REQUEST" || apiErr.Msg != "Nope" {
		t.Errorf("Unexpected APIError %+v", apiErr)
	}
}

func TestServerSettings(t *testing.T) {
	realm, client := newFakeRealm(t)
	realm.on("GET", "/api/v1/server_settings", 200, `{"result":"success","msg":"",
		"zulip_version":"9.2","zulip_feature_level":237,
		"realm_url":"https://chat.example.com","realm_name":"Example",
		"push_notifications_enabled":true,"email_auth_enabled":true,
		"external_authentication_methods":[{"name":"github","display_name":"GitHub"},{"name":"saml:okta","display_name":"Okta"}]}`)

	settings, err := client.ServerSettings(context.Background())
	if err != nil {
		t.Fatalf("ServerSettings failed: %v", err)
	}
	if settings.ZulipVersion != "9.2" || settings.FeatureLevel != 237 {
		t.Errorf("Unexpected version %+v", settings)
	}
	if settings.RealmAddress() != "https://chat.example.com" {
		t.Errorf("Expected realm_url fallback, got %q", settings.RealmAddress())
	}
	if len(settings.ExternalAuthenticationMethods) != 2 || settings.ExternalAuthenticationMethods[1].Name != "saml:okta" {
		t.Errorf("Unexpected auth methods %+v", settings.ExternalAuthenticationMethods)
	}
}

func TestRealmCustomizations(t *testing.T) {
	realm, client := newFakeRealm(t)
	realm.on("GET", "/api/v1/realm/linkifiers", 200, `{"result":"success","msg":"","linkifiers":[{"id":1,"pattern":"#(?P<id>[0-9]+)","url_template":"https://tracker/{id}"}]}`)
	realm.on("GET", "/api/v1/realm/emoji", 200, `{"result":"success","msg":"","emoji":{"1":{"id":"1","name":"party"},"2":{"id":"2","name":"ship"}}}`)
	realm.on("GET", "/api/v1/realm/profile_fields", 200, `{"result":"success","msg":"","custom_fields":[{"id":1,"name":"Team","type":1}]}`)

	ctx := context.Background()
	linkifiers, err := client.Linkifiers(ctx)
	if err != nil || len(linkifiers) != 1 {
		t.Errorf("Linkifiers: got %+v, %v", linkifiers, err)
	}
	emoji, err := client.CustomEmoji(ctx)
	if err != nil || len(emoji) != 2 || emoji["2"].Name != "ship" {
		t.Errorf("CustomEmoji: got %+v, %v", emoji, err)
	}
	fields, err := client.ProfileFields(ctx)
	if err != nil || len(fields) != 1 || fields[0].Name != "Team" {
		t.Errorf("ProfileFields: got %+v, %v", fields, err)
	}
}

func TestCallErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantAPIErr bool
		contains   string
	}{
		{"error marker on 200", 200, `{"result":"error","msg":"Stream does not exist","code":"STREAM_DOES_NOT_EXIST"}`, true, "Stream does not exist"},
		{"server error without body", 502, `<html>Bad Gateway</html>`, true, "Bad Gateway"},
		{"rate limited", 429, `{"result":"error","msg":"API usage exceeded rate limit","code":"RATE_LIMIT_HIT"}`, true, "RATE_LIMIT_HIT"},
		{"unexpected result", 200, `{"result":"partial","msg":""}`, true, `unexpected result "partial"`},
		{"broken json on 200", 200, `{"result":`, false, "decoding response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			realm, client := newFakeRealm(t)
			realm.on("GET", "/api/v1/users", tt.status, tt.body)

			_, err := client.Users(context.Background())
			if err == nil {
				t.Fatal("Expected an error")
			}
			if IsAPIError(err) != tt.wantAPIErr {
				t.Errorf("IsAPIError = %v, want %v (%v)", IsAPIError(err), tt.wantAPIErr, err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("Expected error containing %q, got %q", tt.contains, err.Error())
			}
		})
	}
}

func TestBadCredentials(t *testing.T) {
	realm, client := newFakeRealm(t)
	realm.on("GET", "/api/v1/users", 200, `{"result":"success","msg":"","members":[]}`)
	client.apiKey = "wrong"

	_, err := client.Users(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "INVALID_API_KEY" {
		t.Errorf("Expected 401 APIError, got %v", err)
	}
}

func TestTransportError(t *testing.T) {
	client := NewClient(Options{
		BaseURL:        "http://127.0.0.1:1",
		Email:          testEmail,
		APIKey:         testAPIKey,
		RequestTimeout: time.Second,
	})

	_, err := client.ServerSettings(context.Background())
	if err == nil {
		t.Fatal("Expected a transport error")
	}
	if IsAPIError(err) {
		t.Errorf("Transport failures are not API errors: %v", err)
	}
	if !strings.HasPrefix(err.Error(), EndpointServerSettings+":") {
		t.Errorf("Expected endpoint prefix, got %q", err.Error())
	}
}

func TestCanceledContextWhileRateLimited(t *testing.T) {
	realm, client := newFakeRealm(t)
	realm.on("GET", "/api/v1/users", 200, `{"result":"success","msg":"","members":[]}`)

	// One token per hour, the first call drains it
	slow := NewClient(Options{BaseURL: client.baseURL, Email: testEmail, APIKey: testAPIKey, RateLimit: 1.0 / 3600, RateBurst: 1, HTTPClient: client.httpClient})
	if _, err := slow.Users(context.Background()); err != nil {
		t.Fatalf("First call failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := slow.Users(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded while waiting for a token, got %v", err)
	}
}

func TestRecipientUnmarshal(t *testing.T) {
	tests := []struct {
		input    string
		expected Recipient
		wantErr  bool
	}{
		{`"general"`, Recipient{Name: "general"}, false},
		{`"café"`, Recipient{Name: "café"}, false},
		{`[{"id":1}]`, Recipient{Direct: true}, false},
		{`null`, Recipient{}, false},
		{`42`, Recipient{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var r Recipient
			err := json.Unmarshal([]byte(tt.input), &r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && r != tt.expected {
				t.Errorf("Unmarshal(%s) = %+v, want %+v", tt.input, r, tt.expected)
			}
		})
	}
}
