package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrParse marks an inbound payload that could not be decoded.
var ErrParse = errors.New("malformed payload")

// CustomType tags a published message so receivers can tell call
// signaling apart from plain chat.
type CustomType string

const (
	CustomTypeNone       CustomType = ""
	CustomTypeCalling    CustomType = "calling"
	CustomTypeAcceptCall CustomType = "accept_the_call"
)

// IsCallSignal reports whether t is one of the call handshake tags.
func (t CustomType) IsCallSignal() bool {
	return t == CustomTypeCalling || t == CustomTypeAcceptCall
}

// ChannelType names the fabric's channel class. Only message channels are
// served; publishes naming any other class are rejected.
type ChannelType string

const ChannelTypeMessage ChannelType = "MESSAGE"

// PayloadTypeText is the envelope type used for chat and call messages.
const PayloadTypeText = "text"

// CallingText is the human-readable body attached to call handshake messages.
const CallingText = "Calling..."

// Payload is the JSON envelope carried inside Message.Message.
type Payload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodePayload serializes a text envelope.
func EncodePayload(text string) string {
	b, _ := json.Marshal(Payload{Type: PayloadTypeText, Message: text})
	return string(b)
}

// ParsePayload decodes the envelope of a received message.
func ParsePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if p.Type == "" {
		return Payload{}, fmt.Errorf("%w: missing type", ErrParse)
	}
	return p, nil
}

// Message is a message event delivered to every subscriber of a channel.
type Message struct {
	ChannelName string      `json:"channelName"`
	ChannelType ChannelType `json:"channelType"`
	Publisher   string      `json:"publisher"`
	CustomType  CustomType  `json:"customType,omitempty"`
	Message     string      `json:"message"`
	PublishTime time.Time   `json:"publishTime"`
}
