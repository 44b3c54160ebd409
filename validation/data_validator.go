// Package validation reports data quality issues in a fetched Zulip snapshot.
package validation

import (
	"fmt"
	"strings"

	"github.com/giygas/zulip-exporter/logging"
	"github.com/giygas/zulip-exporter/snapshot"
	"github.com/giygas/zulip-exporter/zulip"
)

// maxListed caps the ids kept per issue in a report
const maxListed = 10

var knownRoles = map[zulip.Role]bool{
	zulip.RoleOwner:     true,
	zulip.RoleAdmin:     true,
	zulip.RoleModerator: true,
	zulip.RoleMember:    true,
	zulip.RoleGuest:     true,
}

var knownBotTypes = map[zulip.BotType]bool{
	zulip.BotTypeGeneric:         true,
	zulip.BotTypeIncomingWebhook: true,
	zulip.BotTypeOutgoingWebhook: true,
	zulip.BotTypeEmbedded:        true,
}

// DataQualityReport lists what a snapshot contains that the metrics can only
// render approximately. None of it fails a scrape.
type DataQualityReport struct {
	// Streams sharing an id and name; only the topics of the last one are counted
	DuplicateStreamKeys []string `json:"duplicate_stream_keys"`

	// Active human users counted as "undefined"
	UnknownRoleUsers   int     `json:"unknown_role_users"`
	UnknownRoleUserIDs []int64 `json:"unknown_role_user_ids"`

	// Active bots counted as "undefined"
	UnknownBotTypeUsers   int     `json:"unknown_bot_type_users"`
	UnknownBotTypeUserIDs []int64 `json:"unknown_bot_type_user_ids"`

	// Unread direct messages, all rendered under stream="direct"
	DirectMessages int `json:"direct_messages"`

	// Unread stream messages whose stream is not in the subscriptions
	UnknownStreamMessages int `json:"unknown_stream_messages"`
}

// HasIssues reports whether anything was found
func (r *DataQualityReport) HasIssues() bool {
	return len(r.DuplicateStreamKeys) > 0 ||
		r.UnknownRoleUsers > 0 ||
		r.UnknownBotTypeUsers > 0 ||
		r.UnknownStreamMessages > 0
}

// DataValidator inspects snapshots
type DataValidator struct{}

// NewDataValidator creates a new data validator
func NewDataValidator() *DataValidator {
	return &DataValidator{}
}

// ValidateSnapshot checks the invariants a snapshot must hold before rendering
func (v *DataValidator) ValidateSnapshot(snap *snapshot.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}

	for _, s := range snap.Streams {
		if s.ID <= 0 {
			return fmt.Errorf("invalid stream id %d for stream %q", s.ID, s.Name)
		}
	}

	for _, u := range snap.Users {
		if u.ID <= 0 {
			return fmt.Errorf("invalid user id %d for %q", u.ID, u.Email)
		}
	}

	if strings.TrimSpace(snap.ServerInfo.ZulipVersion) == "" {
		return fmt.Errorf("server settings carry no zulip_version")
	}

	return nil
}

// ReportDataQuality collects the quality issues of snap
func (v *DataValidator) ReportDataQuality(snap *snapshot.Snapshot) *DataQualityReport {
	report := &DataQualityReport{
		DuplicateStreamKeys:   []string{},
		UnknownRoleUserIDs:    []int64{},
		UnknownBotTypeUserIDs: []int64{},
	}
	if snap == nil {
		return report
	}

	// Check 1: duplicate stream keys
	seen := make(map[string]bool, len(snap.Streams))
	streamIDs := make(map[int64]bool, len(snap.Streams))
	for _, s := range snap.Streams {
		key := snapshot.StreamKey(s.ID, s.Name)
		if seen[key] {
			report.DuplicateStreamKeys = append(report.DuplicateStreamKeys, key)
		}
		seen[key] = true
		streamIDs[s.ID] = true
	}

	// Check 2: users falling into "undefined"
	for _, u := range snap.Users {
		if !u.IsActive {
			continue
		}
		if u.IsBot {
			if !knownBotTypes[u.BotType] {
				report.UnknownBotTypeUsers++
				if len(report.UnknownBotTypeUserIDs) < maxListed {
					report.UnknownBotTypeUserIDs = append(report.UnknownBotTypeUserIDs, u.ID)
				}
			}
			continue
		}
		if !u.IsBillingAdmin && !knownRoles[u.Role] {
			report.UnknownRoleUsers++
			if len(report.UnknownRoleUserIDs) < maxListed {
				report.UnknownRoleUserIDs = append(report.UnknownRoleUserIDs, u.ID)
			}
		}
	}

	// Check 3: unread messages
	for _, m := range snap.UnreadMessages {
		if m.DisplayRecipient.Direct {
			report.DirectMessages++
			continue
		}
		if !streamIDs[m.StreamID] {
			report.UnknownStreamMessages++
		}
	}

	return report
}

// LogReport logs the issues of a report as warnings
func LogReport(report *DataQualityReport) {
	if len(report.DuplicateStreamKeys) > 0 {
		logging.Warn("Duplicate stream keys detected, topics of earlier streams are dropped",
			"count", len(report.DuplicateStreamKeys),
			"keys", report.DuplicateStreamKeys,
		)
	}

	if report.UnknownRoleUsers > 0 {
		logging.Warn("Users with unknown role counted as undefined",
			"count", report.UnknownRoleUsers,
			"user_ids", report.UnknownRoleUserIDs,
		)
	}

	if report.UnknownBotTypeUsers > 0 {
		logging.Warn("Bots with unknown bot type counted as undefined",
			"count", report.UnknownBotTypeUsers,
			"user_ids", report.UnknownBotTypeUserIDs,
		)
	}

	if report.UnknownStreamMessages > 0 {
		logging.Warn("Unread messages in streams the exporter is not subscribed to",
			"count", report.UnknownStreamMessages,
		)
	}

	if report.DirectMessages > 0 {
		logging.Debug("Unread direct messages", "count", report.DirectMessages)
	}
}
