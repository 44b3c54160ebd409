package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giygas/zulip-exporter/interfaces"
	"github.com/giygas/zulip-exporter/logging"
	"github.com/giygas/zulip-exporter/zulip"
	"golang.org/x/sync/errgroup"
)

// ErrFetch matches every error returned by Fetcher.Fetch
var ErrFetch = errors.New("failed to fetch from Zulip")

// ErrMarkAsRead is wrapped when Zulip refuses to mark messages as read
var ErrMarkAsRead = errors.New("setting messages to read not successful")

// unreadQuery reads from the first unread message onward, at most 5000 messages
var unreadQuery = zulip.MessageQuery{Anchor: "first_unread", NumBefore: 0, NumAfter: 5000}

// fetchError keeps the fixed prefix while exposing both ErrFetch and the cause to errors.Is/As
type fetchError struct {
	cause error
}

func (e *fetchError) Error() string { return ErrFetch.Error() + ": " + e.cause.Error() }

func (e *fetchError) Unwrap() []error { return []error{ErrFetch, e.cause} }

// FetcherOptions configures a Fetcher
type FetcherOptions struct {
	CollectPresence     bool
	PresenceConcurrency int
}

// Fetcher reads one Snapshot from the Zulip API
type Fetcher struct {
	api                 interfaces.ZulipAPI
	collectPresence     bool
	presenceConcurrency int
	now                 func() time.Time
}

// NewFetcher creates a fetcher reading through api
func NewFetcher(api interfaces.ZulipAPI, opts FetcherOptions) *Fetcher {
	concurrency := opts.PresenceConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Fetcher{
		api:                 api,
		collectPresence:     opts.CollectPresence,
		presenceConcurrency: concurrency,
		now:                 time.Now,
	}
}

// Fetch reads streams, topics, users, presence, unread messages, marks them
// read, then reads server settings and realm customizations. The first
// failing call aborts the fetch and no snapshot is returned.
func (f *Fetcher) Fetch(ctx context.Context) (*Snapshot, error) {
	snap, err := f.fetch(ctx)
	if err != nil {
		return nil, &fetchError{cause: err}
	}
	return snap, nil
}

func (f *Fetcher) fetch(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{FetchedAt: f.now()}

	streams, err := f.api.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	snap.Streams = streams

	// One stream at a time to stay gentle with the API
	snap.TopicsByStream = make(map[string][]zulip.Topic, len(streams))
	for _, stream := range streams {
		topics, err := f.api.Topics(ctx, stream.ID)
		if err != nil {
			return nil, err
		}
		snap.TopicsByStream[StreamKey(stream.ID, stream.Name)] = topics
	}

	users, err := f.api.Users(ctx)
	if err != nil {
		return nil, err
	}
	snap.Users = users

	if f.collectPresence {
		presences, err := f.fetchPresences(ctx, users)
		if err != nil {
			return nil, err
		}
		snap.UserPresences = presences
	}

	messages, err := f.api.Messages(ctx, unreadQuery)
	if err != nil {
		return nil, err
	}
	snap.UnreadMessages = messages

	if err := f.api.MarkAllAsRead(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMarkAsRead, err)
	}

	if snap.ServerInfo, err = f.api.ServerSettings(ctx); err != nil {
		return nil, err
	}

	if snap.Linkifiers, err = f.api.Linkifiers(ctx); err != nil {
		return nil, err
	}

	if snap.CustomEmoji, err = f.api.CustomEmoji(ctx); err != nil {
		return nil, err
	}

	if snap.CustomProfileFields, err = f.api.ProfileFields(ctx); err != nil {
		return nil, err
	}

	logging.Debug("Zulip snapshot fetched",
		"streams", len(snap.Streams),
		"topics", snap.TopicCount(),
		"users", len(snap.Users),
		"presences", len(snap.UserPresences),
		"unread_messages", len(snap.UnreadMessages),
		"duration_ms", f.now().Sub(snap.FetchedAt).Milliseconds(),
	)

	return snap, nil
}

// fetchPresences reads the presence of every active human user with at most
// presenceConcurrency calls in flight. Results keep the order of users.
func (f *Fetcher) fetchPresences(ctx context.Context, users []zulip.User) ([]zulip.Presence, error) {
	var humans []int64
	for _, u := range users {
		if u.IsActive && !u.IsBot {
			humans = append(humans, u.ID)
		}
	}

	presences := make([]zulip.Presence, len(humans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.presenceConcurrency)

	for i, id := range humans {
		i, id := i, id
		g.Go(func() error {
			p, err := f.api.Presence(gctx, id)
			if err != nil {
				return fmt.Errorf("user %d: %w", id, err)
			}
			presences[i] = p
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return presences, nil
}
