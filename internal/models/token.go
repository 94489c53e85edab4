package models

// TokenTypeRTM is the only token type the issuer signs.
const TokenTypeRTM = "rtm"

// TokenRequest is the body of POST /getToken. Expire is in seconds.
type TokenRequest struct {
	TokenType string `json:"tokenType" binding:"required"`
	UID       string `json:"uid" binding:"required"`
	Channel   string `json:"channel,omitempty"`
	Expire    int64  `json:"expire,omitempty" binding:"min=0"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// ChannelMembersResponse lists the identities present in a channel.
type ChannelMembersResponse struct {
	Channel string   `json:"channel"`
	Members []string `json:"members"`
	Count   int      `json:"count"`
}
