// Package snapshot fetches the state of a Zulip realm into one immutable
// Snapshot per scrape.
package snapshot

import (
	"fmt"
	"time"

	"github.com/giygas/zulip-exporter/interfaces"
	"github.com/giygas/zulip-exporter/zulip"
)

// Snapshot is everything one scrape read from Zulip. It is built by
// Fetcher.Fetch and must not be modified once returned.
type Snapshot struct {
	Streams []zulip.Stream
	// TopicsByStream is keyed by StreamKey. A duplicated key keeps the topics of the later stream.
	TopicsByStream      map[string][]zulip.Topic
	Users               []zulip.User
	UserPresences       []zulip.Presence
	UnreadMessages      []zulip.Message
	ServerInfo          zulip.ServerSettings
	Linkifiers          []zulip.Linkifier
	CustomEmoji         map[string]zulip.Emoji
	CustomProfileFields []zulip.ProfileField
	FetchedAt           time.Time
}

// StreamKey identifies a stream in labels and in TopicsByStream: <id>_'<name>'
func StreamKey(id int64, name string) string {
	return fmt.Sprintf("%d_'%s'", id, name)
}

// TopicCount returns the number of topics across all streams
func (s *Snapshot) TopicCount() int {
	total := 0
	for _, topics := range s.TopicsByStream {
		total += len(topics)
	}
	return total
}

// Summary returns the counts reported by the health endpoint
func (s *Snapshot) Summary() interfaces.ScrapeSummary {
	return interfaces.ScrapeSummary{
		Streams:        len(s.Streams),
		Topics:         s.TopicCount(),
		Users:          len(s.Users),
		Presences:      len(s.UserPresences),
		UnreadMessages: len(s.UnreadMessages),
	}
}
