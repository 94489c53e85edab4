package models

import "fmt"

type PresenceEventType string

const (
	PresenceSnapshot    PresenceEventType = "SNAPSHOT"
	PresenceRemoteJoin  PresenceEventType = "REMOTE_JOIN"
	PresenceRemoteLeave PresenceEventType = "REMOTE_LEAVE"
)

// Member is one entry in a presence snapshot.
type Member struct {
	UserID string `json:"userId"`
}

// PresenceEvent describes a membership change in a channel. A SNAPSHOT is
// the state as of now and has no publisher; joins and leaves have exactly
// one publisher and no snapshot.
type PresenceEvent struct {
	EventType   PresenceEventType `json:"eventType"`
	ChannelName string            `json:"channelName"`
	Publisher   string            `json:"publisher"`
	Snapshot    []Member          `json:"snapshot,omitempty"`
}

func (e PresenceEvent) Validate() error {
	switch e.EventType {
	case PresenceSnapshot:
		if e.Publisher != "" {
			return fmt.Errorf("%w: snapshot with publisher %q", ErrParse, e.Publisher)
		}
	case PresenceRemoteJoin, PresenceRemoteLeave:
		if e.Publisher == "" {
			return fmt.Errorf("%w: %s without publisher", ErrParse, e.EventType)
		}
		if len(e.Snapshot) != 0 {
			return fmt.Errorf("%w: %s with snapshot", ErrParse, e.EventType)
		}
	default:
		return fmt.Errorf("%w: unknown presence event %q", ErrParse, e.EventType)
	}
	if e.ChannelName == "" {
		return fmt.Errorf("%w: presence event without channel", ErrParse)
	}
	return nil
}

// SnapshotIDs returns the user IDs listed in a snapshot, in order.
func (e PresenceEvent) SnapshotIDs() []string {
	ids := make([]string, 0, len(e.Snapshot))
	for _, m := range e.Snapshot {
		ids = append(ids, m.UserID)
	}
	return ids
}

// NewSnapshot builds a SNAPSHOT event for channel.
func NewSnapshot(channel string, members []string) PresenceEvent {
	ms := make([]Member, 0, len(members))
	for _, id := range members {
		ms = append(ms, Member{UserID: id})
	}
	return PresenceEvent{EventType: PresenceSnapshot, ChannelName: channel, Snapshot: ms}
}
