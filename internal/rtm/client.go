// Package rtm is the client side of the messaging fabric: login,
// channel subscriptions, publishing and a single typed event stream.
package rtm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/rtm-calling/internal/models"
)

var (
	ErrAuth        = errors.New("rtm: authentication failed")
	ErrSubscribe   = errors.New("rtm: subscribe failed")
	ErrPublish     = errors.New("rtm: publish failed")
	ErrNotLoggedIn = errors.New("rtm: not logged in")
	ErrClosed      = errors.New("rtm: client closed")
)

type SubscribeOptions = models.SubscribeOptions

// DefaultSubscribeOptions asks for messages and presence, like the
// browser client did.
var DefaultSubscribeOptions = SubscribeOptions{WithMessage: true, WithPresence: true}

type PublishOptions struct {
	CustomType  models.CustomType
	ChannelType models.ChannelType
}

type PublishAck struct {
	Channel     string
	PublishTime time.Time
}

type Session struct {
	UserID     string
	LoggedInAt time.Time
}

// Client is the seam between the calling core and the messaging fabric.
type Client interface {
	Login(ctx context.Context, userID, token string) (Session, error)
	// Logout is best effort and a no-op when not logged in.
	Logout(ctx context.Context) error
	// Subscribe is idempotent: repeating it with the same options returns nil
	// and causes no duplicate events.
	Subscribe(ctx context.Context, channel string, opts SubscribeOptions) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel, payload string, opts PublishOptions) (PublishAck, error)
	// RenewToken swaps the credential without dropping the login or any
	// subscription.
	RenewToken(ctx context.Context, token, channel string) error
	// Events is available from construction and closed by Close.
	Events() <-chan models.Event
	Close() error
}

// RemoteError is an error frame returned by the fabric.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func remoteCode(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
