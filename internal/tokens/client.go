// Package tokens fetches RTM tokens from the token issuer over HTTP.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mossy-p/rtm-calling/internal/auth"
	"github.com/mossy-p/rtm-calling/internal/models"
)

// ErrToken covers every way of not getting a usable token: network errors,
// non-2xx answers and malformed bodies.
var ErrToken = errors.New("tokens: token unavailable")

type Token struct {
	Value     string
	ExpiresAt time.Time
}

type Client struct {
	baseURL string
	expire  time.Duration
	client  *http.Client
}

// NewClient talks to the issuer at baseURL. Tokens are requested with the
// given lifetime; zero means one hour.
func NewClient(baseURL string, expire, timeout time.Duration) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if expire <= 0 {
		expire = time.Hour
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		expire:  expire,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch requests a token for uid.
func (c *Client) Fetch(ctx context.Context, uid string) (Token, error) {
	body, err := json.Marshal(models.TokenRequest{
		TokenType: models.TokenTypeRTM,
		UID:       uid,
		Expire:    int64(c.expire / time.Second),
	})
	if err != nil {
		return Token{}, fmt.Errorf("%w: encode request: %v", ErrToken, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"getToken", bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrToken, err)
	}
	req.Header.Set("Content-Type", "application/json")

	requested := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrToken, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Token{}, fmt.Errorf("%w: read response: %v", ErrToken, err)
	}
	if resp.StatusCode/100 != 2 {
		return Token{}, fmt.Errorf("%w: issuer returned %d: %s", ErrToken, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out models.TokenResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Token{}, fmt.Errorf("%w: malformed response: %v", ErrToken, err)
	}
	if out.Token == "" {
		return Token{}, fmt.Errorf("%w: empty token", ErrToken)
	}

	exp, ok := auth.ExpiresAt(out.Token)
	if !ok {
		exp = requested.Add(c.expire)
	}
	return Token{Value: out.Token, ExpiresAt: exp}, nil
}
