package zulip

import (
	"bytes"
	"fmt"
)

// Role is the organization role of a user
type Role int

const (
	RoleOwner     Role = 100
	RoleAdmin     Role = 200
	RoleModerator Role = 300
	RoleMember    Role = 400
	RoleGuest     Role = 600
)

// BotType distinguishes bot accounts, zero means the field was absent or null
type BotType int

const (
	BotTypeGeneric         BotType = 1
	BotTypeIncomingWebhook BotType = 2
	BotTypeOutgoingWebhook BotType = 3
	BotTypeEmbedded        BotType = 4
)

// Presence statuses reported by the server
const (
	PresenceActive  = "active"
	PresenceIdle    = "idle"
	PresenceOffline = "offline"
)

// Response carries the fields every Zulip API response has
type Response struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
	Code   string `json:"code,omitempty"`
}

func (r *Response) base() *Response { return r }

// Success reports whether the server marked the call as successful
func (r *Response) Success() bool { return r.Result == "success" }

type Stream struct {
	ID   int64  `json:"stream_id"`
	Name string `json:"name"`
}

type Topic struct {
	Name  string `json:"name"`
	MaxID int64  `json:"max_id"`
}

type User struct {
	ID             int64   `json:"user_id"`
	Email          string  `json:"email"`
	FullName       string  `json:"full_name"`
	IsActive       bool    `json:"is_active"`
	IsBot          bool    `json:"is_bot"`
	BotType        BotType `json:"bot_type"`
	IsBillingAdmin bool    `json:"is_billing_admin"`
	Role           Role    `json:"role"`
}

// Presence is the aggregated presence of one user
type Presence struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Recipient is a message's display_recipient: a stream name for stream
// messages, a list of users for direct messages
type Recipient struct {
	Name   string
	Direct bool
}

// UnmarshalJSON accepts both shapes of display_recipient
func (r *Recipient) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*r = Recipient{}
	case data[0] == '"':
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return fmt.Errorf("invalid display_recipient %s: %w", data, err)
		}
		*r = Recipient{Name: name}
	case data[0] == '[':
		*r = Recipient{Direct: true}
	default:
		return fmt.Errorf("unexpected display_recipient %s", data)
	}
	return nil
}

type Message struct {
	ID               int64     `json:"id"`
	Type             string    `json:"type"`
	StreamID         int64     `json:"stream_id"`
	DisplayRecipient Recipient `json:"display_recipient"`
	Subject          string    `json:"subject"`
}

// AuthMethod is one entry of external_authentication_methods
type AuthMethod struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type ServerSettings struct {
	ZulipVersion                  string       `json:"zulip_version"`
	FeatureLevel                  int          `json:"zulip_feature_level"`
	RealmURI                      string       `json:"realm_uri"`
	RealmURL                      string       `json:"realm_url"`
	RealmName                     string       `json:"realm_name"`
	PushNotificationsEnabled      bool         `json:"push_notifications_enabled"`
	EmailAuthEnabled              bool         `json:"email_auth_enabled"`
	ExternalAuthenticationMethods []AuthMethod `json:"external_authentication_methods"`
}

// RealmAddress prefers realm_uri and falls back to realm_url used by newer servers
func (s ServerSettings) RealmAddress() string {
	if s.RealmURI != "" {
		return s.RealmURI
	}
	return s.RealmURL
}

type Linkifier struct {
	ID          int64  `json:"id"`
	Pattern     string `json:"pattern"`
	URLTemplate string `json:"url_template"`
}

type Emoji struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SourceURL   string `json:"source_url"`
	Deactivated bool   `json:"deactivated"`
}

type ProfileField struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type"`
}

// MessageQuery selects messages around an anchor
type MessageQuery struct {
	Anchor    string
	NumBefore int
	NumAfter  int
}

type subscriptionsResponse struct {
	Response
	Subscriptions []Stream `json:"subscriptions"`
}

type topicsResponse struct {
	Response
	Topics []Topic `json:"topics"`
}

type usersResponse struct {
	Response
	Members []User `json:"members"`
}

type presenceResponse struct {
	Response
	Presence struct {
		Aggregated Presence `json:"aggregated"`
	} `json:"presence"`
}

type messagesResponse struct {
	Response
	Messages []Message `json:"messages"`
}

type markAllAsReadResponse struct {
	Response
	Complete *bool `json:"complete"`
}

type serverSettingsResponse struct {
	Response
	ServerSettings
}

type linkifiersResponse struct {
	Response
	Linkifiers []Linkifier `json:"linkifiers"`
}

type emojiResponse struct {
	Response
	Emoji map[string]Emoji `json:"emoji"`
}

type profileFieldsResponse struct {
	Response
	CustomFields []ProfileField `json:"custom_fields"`
}
