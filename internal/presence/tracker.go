// Package presence keeps the local view of who is present in each
// subscribed channel.
package presence

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/mossy-p/rtm-calling/internal/models"
)

// Change is one peer joining or leaving a channel. The local identity never
// appears in a Change.
type Change struct {
	Channel string
	Peer    string
	Joined  bool
}

type Tracker struct {
	self string
	log  *slog.Logger

	mu        sync.Mutex
	channels  map[string]map[string]struct{}
	listeners []chan Change
}

func NewTracker(self string, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		self:     self,
		log:      log,
		channels: make(map[string]map[string]struct{}),
	}
}

// Apply folds one presence event into the view. Events for a channel must
// be applied in the order the fabric delivered them. A SNAPSHOT replaces the
// channel's membership outright.
func (t *Tracker) Apply(ev models.PresenceEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.channels[ev.ChannelName]
	if !ok {
		members = make(map[string]struct{})
		t.channels[ev.ChannelName] = members
	}

	switch ev.EventType {
	case models.PresenceSnapshot:
		next := make(map[string]struct{}, len(ev.Snapshot))
		for _, id := range ev.SnapshotIDs() {
			next[id] = struct{}{}
		}
		left, joined := lo.Difference(lo.Keys(members), lo.Keys(next))
		slices.Sort(left)
		slices.Sort(joined)
		t.channels[ev.ChannelName] = next

		for _, id := range left {
			t.notify(Change{Channel: ev.ChannelName, Peer: id})
		}
		for _, id := range joined {
			t.notify(Change{Channel: ev.ChannelName, Peer: id, Joined: true})
		}

	case models.PresenceRemoteJoin:
		if ev.Publisher == t.self {
			t.log.Debug("ignoring own join", "channel", ev.ChannelName)
			return nil
		}
		if _, present := members[ev.Publisher]; present {
			return nil
		}
		members[ev.Publisher] = struct{}{}
		t.notify(Change{Channel: ev.ChannelName, Peer: ev.Publisher, Joined: true})

	case models.PresenceRemoteLeave:
		if _, present := members[ev.Publisher]; !present {
			return nil
		}
		delete(members, ev.Publisher)
		t.notify(Change{Channel: ev.ChannelName, Peer: ev.Publisher})
	}
	return nil
}

// CurrentPeers returns the members of channel in sorted order. The local
// identity is included when the fabric listed it.
func (t *Tracker) CurrentPeers(channel string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := lo.Keys(t.channels[channel])
	slices.Sort(ids)
	return ids
}

// Others is CurrentPeers without the local identity.
func (t *Tracker) Others(channel string) []string {
	return lo.Without(t.CurrentPeers(channel), t.self)
}

// Forget drops a channel's membership, e.g. after unsubscribing. No
// notifications are emitted.
func (t *Tracker) Forget(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, channel)
}

func (t *Tracker) Subscribe() chan Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Change, 64)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Tracker) Unsubscribe(ch chan Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// notify must be called with t.mu held.
func (t *Tracker) notify(c Change) {
	if c.Peer == t.self {
		return
	}
	for _, ch := range t.listeners {
		select {
		case ch <- c:
		default:
			t.log.Warn("presence listener full, dropping change", "channel", c.Channel, "peer", c.Peer)
		}
	}
}
