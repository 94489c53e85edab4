package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType is the type of a frame on the fabric websocket.
type FrameType string

const (
	// client -> server
	FrameLogin       FrameType = "login"
	FrameLogout      FrameType = "logout"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
	FrameRenewToken  FrameType = "renewToken"

	// server -> client
	FrameAck   FrameType = "ack"
	FrameError FrameType = "error"
	FrameEvent FrameType = "event"
)

// EventKind tags an event frame.
type EventKind string

const (
	EventMessage       EventKind = "message"
	EventPresence      EventKind = "presence"
	EventStatus        EventKind = "status"
	EventTopic         EventKind = "topic"
	EventLock          EventKind = "lock"
	EventStorage       EventKind = "storage"
	EventTokenExpiring EventKind = "tokenExpiring"
)

// Error codes carried by error frames.
const (
	CodeBadRequest  = "BAD_REQUEST"
	CodeAuth        = "AUTH_FAILED"
	CodeNotLoggedIn = "NOT_LOGGED_IN"
	CodeRateLimited = "RATE_LIMITED"
	CodeInternal    = "INTERNAL"
)

type SubscribeOptions struct {
	WithMessage  bool `json:"withMessage"`
	WithPresence bool `json:"withPresence"`
	WithMetadata bool `json:"withMetadata"`
	WithLock     bool `json:"withLock"`
}

// Frame is the single JSON shape used in both directions. Fields irrelevant
// to a type are left empty.
type Frame struct {
	Type  FrameType `json:"type"`
	ReqID string    `json:"reqId,omitempty"`

	UserID      string            `json:"userId,omitempty"`
	Token       string            `json:"token,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	ChannelType ChannelType       `json:"channelType,omitempty"`
	CustomType  CustomType        `json:"customType,omitempty"`
	Message     string            `json:"message,omitempty"`
	Options     *SubscribeOptions `json:"options,omitempty"`

	PublishTime *time.Time `json:"publishTime,omitempty"`
	Code        string     `json:"code,omitempty"`
	Error       string     `json:"error,omitempty"`

	Event *Event `json:"event,omitempty"`
}

// Event is the tagged union delivered to clients. Exactly one payload field
// matches Kind; topic, lock and storage carry raw JSON.
type Event struct {
	Kind          EventKind           `json:"kind"`
	Message       *Message            `json:"message,omitempty"`
	Presence      *PresenceEvent      `json:"presence,omitempty"`
	Status        *StatusEvent        `json:"status,omitempty"`
	TokenExpiring *TokenExpiringEvent `json:"tokenExpiring,omitempty"`
	Raw           json.RawMessage     `json:"raw,omitempty"`
}

type ConnectionState string

const (
	StateConnected    ConnectionState = "CONNECTED"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

type StatusEvent struct {
	State     ConnectionState `json:"state"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

type TokenExpiringEvent struct {
	ChannelName string    `json:"channelName,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ParseFrame decodes one websocket text frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: frame without type", ErrParse)
	}
	if f.Type == FrameEvent && f.Event == nil {
		return Frame{}, fmt.Errorf("%w: event frame without event", ErrParse)
	}
	return f, nil
}
