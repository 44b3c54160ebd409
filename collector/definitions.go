// Package collector turns a Zulip snapshot into Prometheus metrics.
//
// The catalogue is a fixed list of metric definitions. Each definition
// derives its samples from an explicit *snapshot.Snapshot and the render
// time only, so one Collector renders exactly one snapshot and nothing is
// carried over between scrapes.
package collector

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/giygas/zulip-exporter/snapshot"
	"github.com/giygas/zulip-exporter/zulip"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/text/unicode/norm"
)

const namespace = "zulip"

// PresenceWindow is how old an aggregated presence may be before the user counts as offline
const PresenceWindow = 180 * time.Second

// ErrNoSnapshot is returned when metrics are derived without a fetched snapshot
var ErrNoSnapshot = errors.New("no Zulip snapshot available, fetch before rendering metrics")

// Sample is one labeled value of a metric
type Sample struct {
	LabelValues []string
	Value       float64
}

// Definition describes one metric and how to derive it from a snapshot
type Definition struct {
	Name   string
	Help   string
	Type   prometheus.ValueType
	Labels []string
	// Derive fails with ErrNoSnapshot when s is nil
	Derive func(s *snapshot.Snapshot, now time.Time) ([]Sample, error)

	desc *prometheus.Desc
}

// FQName returns the exposed metric name
func (d *Definition) FQName() string {
	return prometheus.BuildFQName(namespace, "", d.Name)
}

// Direct messages have no stream, they share one label value
const directLabel = "direct"

// Role buckets of zulip_users_total, in emission order
var userRoleLabels = []string{
	"deactivated",
	"bot-generic",
	"bot-incoming-webhook",
	"bot-outgoing-webhook",
	"bot-embedded",
	"billing-admin",
	"owner",
	"admin",
	"moderator",
	"member",
	"guest",
	"undefined",
}

var botTypeLabels = map[zulip.BotType]string{
	zulip.BotTypeGeneric:         "bot-generic",
	zulip.BotTypeIncomingWebhook: "bot-incoming-webhook",
	zulip.BotTypeOutgoingWebhook: "bot-outgoing-webhook",
	zulip.BotTypeEmbedded:        "bot-embedded",
}

var roleLabels = map[zulip.Role]string{
	zulip.RoleOwner:     "owner",
	zulip.RoleAdmin:     "admin",
	zulip.RoleModerator: "moderator",
	zulip.RoleMember:    "member",
	zulip.RoleGuest:     "guest",
}

var presenceLabels = []string{zulip.PresenceActive, zulip.PresenceIdle, zulip.PresenceOffline}

// catalogue is built once, its descriptors are shared by every Collector
var catalogue = buildCatalogue()

// Definitions returns the metric catalogue
func Definitions() []*Definition {
	return catalogue
}

func buildCatalogue() []*Definition {
	defs := []*Definition{
		{
			Name:   "streams_total",
			Help:   "Total number of streams in Zulip",
			Type:   prometheus.GaugeValue,
			Derive: requireSnapshot(deriveStreams),
		},
		{
			Name:   "topics_total",
			Help:   "Total number of topics by stream in Zulip",
			Type:   prometheus.GaugeValue,
			Labels: []string{"stream"},
			Derive: requireSnapshot(deriveTopics),
		},
		{
			Name:   "users_total",
			Help:   "Total number of users by role in Zulip",
			Type:   prometheus.GaugeValue,
			Labels: []string{"role"},
			Derive: requireSnapshot(deriveUsers),
		},
		{
			Name:   "users_presences_total",
			Help:   "Total number of user presences by status in Zulip",
			Type:   prometheus.GaugeValue,
			Labels: []string{"status"},
			Derive: requireSnapshot(derivePresences),
		},
		{
			Name:   "messages_total",
			Help:   "Number of messages in Zulip since the last scrape by stream and topic",
			Type:   prometheus.CounterValue,
			Labels: []string{"stream", "topic"},
			Derive: requireSnapshot(deriveMessages),
		},
		{
			Name: "server_info",
			Help: "Information about the Zulip server",
			Type: prometheus.GaugeValue,
			Labels: []string{
				"version",
				"feature_level",
				"realm_uri",
				"realm_name",
				"push_notifications_enabled",
				"email_auth_enabled",
				"external_authentications",
			},
			Derive: requireSnapshot(deriveServerInfo),
		},
		{
			Name:   "customization_linkifiers_total",
			Help:   "Total number of linkifiers in Zulip",
			Type:   prometheus.GaugeValue,
			Derive: requireSnapshot(deriveLinkifiers),
		},
		{
			Name:   "customization_emojis_total",
			Help:   "Total number of custom emojis in Zulip",
			Type:   prometheus.GaugeValue,
			Derive: requireSnapshot(deriveEmojis),
		},
		{
			Name:   "customization_profilefields_total",
			Help:   "Total number of custom profile fields in Zulip",
			Type:   prometheus.GaugeValue,
			Derive: requireSnapshot(deriveProfileFields),
		},
	}

	for _, d := range defs {
		d.desc = prometheus.NewDesc(d.FQName(), d.Help, d.Labels, nil)
	}
	return defs
}

// requireSnapshot refuses to derive anything from a missing snapshot
func requireSnapshot(derive func(*snapshot.Snapshot, time.Time) []Sample) func(*snapshot.Snapshot, time.Time) ([]Sample, error) {
	return func(s *snapshot.Snapshot, now time.Time) ([]Sample, error) {
		if s == nil {
			return nil, ErrNoSnapshot
		}
		return derive(s, now), nil
	}
}

func single(v int) []Sample {
	return []Sample{{Value: float64(v)}}
}

// labelValue normalizes user supplied names so the same visual name maps to one series
func labelValue(s string) string {
	return norm.NFC.String(s)
}

func deriveStreams(s *snapshot.Snapshot, _ time.Time) []Sample {
	return single(len(s.Streams))
}

func deriveTopics(s *snapshot.Snapshot, _ time.Time) []Sample {
	keys := make([]string, 0, len(s.TopicsByStream))
	for k := range s.TopicsByStream {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// keys that collapse under normalization are summed
	counts := make(map[string]int, len(keys))
	order := make([]string, 0, len(keys))
	for _, k := range keys {
		label := labelValue(k)
		if _, seen := counts[label]; !seen {
			order = append(order, label)
		}
		counts[label] += len(s.TopicsByStream[k])
	}

	samples := make([]Sample, 0, len(order))
	for _, label := range order {
		samples = append(samples, Sample{LabelValues: []string{label}, Value: float64(counts[label])})
	}
	return samples
}

// UserRole returns the single bucket a user counts in. Precedence:
// deactivated, bot (by bot type), billing admin, role, undefined.
func UserRole(u zulip.User) string {
	switch {
	case !u.IsActive:
		return "deactivated"
	case u.IsBot:
		if label, ok := botTypeLabels[u.BotType]; ok {
			return label
		}
		return "undefined"
	case u.IsBillingAdmin:
		return "billing-admin"
	}
	if label, ok := roleLabels[u.Role]; ok {
		return label
	}
	return "undefined"
}

func deriveUsers(s *snapshot.Snapshot, _ time.Time) []Sample {
	counts := make(map[string]int, len(userRoleLabels))
	for _, u := range s.Users {
		counts[UserRole(u)]++
	}

	samples := make([]Sample, 0, len(userRoleLabels))
	for _, role := range userRoleLabels {
		samples = append(samples, Sample{LabelValues: []string{role}, Value: float64(counts[role])})
	}
	return samples
}

// PresenceStatus classifies a presence at render time. A presence older than
// PresenceWindow is offline; exactly PresenceWindow old still counts as seen.
func PresenceStatus(p zulip.Presence, now time.Time) string {
	if now.Sub(time.Unix(p.Timestamp, 0)) > PresenceWindow {
		return zulip.PresenceOffline
	}
	switch p.Status {
	case zulip.PresenceActive, zulip.PresenceIdle:
		return p.Status
	default:
		return zulip.PresenceOffline
	}
}

func derivePresences(s *snapshot.Snapshot, now time.Time) []Sample {
	counts := make(map[string]int, len(presenceLabels))
	for _, p := range s.UserPresences {
		counts[PresenceStatus(p, now)]++
	}

	samples := make([]Sample, 0, len(presenceLabels))
	for _, status := range presenceLabels {
		samples = append(samples, Sample{LabelValues: []string{status}, Value: float64(counts[status])})
	}
	return samples
}

// MessageLabels returns the stream and topic label values of a message
func MessageLabels(m zulip.Message) (stream, topic string) {
	if m.DisplayRecipient.Direct || m.Type == "private" || m.Type == "direct" {
		return directLabel, directLabel
	}
	stream = snapshot.StreamKey(m.StreamID, m.DisplayRecipient.Name)
	topic = snapshot.StreamKey(m.StreamID, m.Subject)
	return labelValue(stream), labelValue(topic)
}

func deriveMessages(s *snapshot.Snapshot, _ time.Time) []Sample {
	type pair struct{ stream, topic string }

	counts := make(map[pair]int)
	var order []pair
	for _, m := range s.UnreadMessages {
		stream, topic := MessageLabels(m)
		p := pair{stream, topic}
		if _, seen := counts[p]; !seen {
			order = append(order, p)
		}
		counts[p]++
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].stream != order[j].stream {
			return order[i].stream < order[j].stream
		}
		return order[i].topic < order[j].topic
	})

	samples := make([]Sample, 0, len(order))
	for _, p := range order {
		samples = append(samples, Sample{LabelValues: []string{p.stream, p.topic}, Value: float64(counts[p])})
	}
	return samples
}

func deriveServerInfo(s *snapshot.Snapshot, _ time.Time) []Sample {
	info := s.ServerInfo

	methods := make([]string, 0, len(info.ExternalAuthenticationMethods))
	for _, m := range info.ExternalAuthenticationMethods {
		methods = append(methods, m.Name)
	}

	return []Sample{{
		LabelValues: []string{
			info.ZulipVersion,
			strconv.Itoa(info.FeatureLevel),
			info.RealmAddress(),
			info.RealmName,
			strconv.FormatBool(info.PushNotificationsEnabled),
			strconv.FormatBool(info.EmailAuthEnabled),
			strings.Join(methods, ";"),
		},
		Value: 1,
	}}
}

func deriveLinkifiers(s *snapshot.Snapshot, _ time.Time) []Sample {
	return single(len(s.Linkifiers))
}

func deriveEmojis(s *snapshot.Snapshot, _ time.Time) []Sample {
	return single(len(s.CustomEmoji))
}

func deriveProfileFields(s *snapshot.Snapshot, _ time.Time) []Sample {
	return single(len(s.CustomProfileFields))
}
