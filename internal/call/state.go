package call

import (
	"fmt"

	"github.com/mossy-p/rtm-calling/internal/models"
)

// Kind is the local call slot's phase.
type Kind int

const (
	Idle Kind = iota
	RingingOutbound
	RingingInbound
	InCall
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case RingingOutbound:
		return "RingingOutbound"
	case RingingInbound:
		return "RingingInbound"
	case InCall:
		return "InCall"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// State is the single active call state. Peer is empty only when Idle;
// Invite is set only while RingingInbound.
type State struct {
	Kind   Kind
	Peer   string
	Invite *models.Message
}

func (s State) String() string {
	if s.Kind == Idle {
		return "Idle"
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Peer)
}

// DirectChannelFor names the channel that reaches identity directly. Every
// client subscribes to the channel named after itself, so a message "to a
// user" is a publish into that user's channel.
func DirectChannelFor(identity string) string {
	return identity
}

type NotificationKind string

const (
	StateChanged   NotificationKind = "state_changed"
	InviteReceived NotificationKind = "invite_received"
	// InviteIgnored reports a CALLING that arrived while the slot was busy.
	InviteIgnored NotificationKind = "invite_ignored"
	// AcceptIgnored reports an ACCEPT_CALL that did not match the outbound call.
	AcceptIgnored NotificationKind = "accept_ignored"
)

type Notification struct {
	Kind  NotificationKind
	State State
	// Peer is the remote side of the message that caused the notification.
	Peer string
}

// MediaJoin is what the media layer needs to enter a room.
type MediaJoin struct {
	AppID   string
	Channel string
	Token   string
}

// Media is the media layer's joined flag. The machine sets it on entering
// InCall and clears it on leaving.
type Media interface {
	SetJoined(join MediaJoin, joined bool)
}
