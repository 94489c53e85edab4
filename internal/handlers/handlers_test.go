package handlers_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/rtm-calling/config"
	"github.com/mossy-p/rtm-calling/internal/fabrictest"
	"github.com/mossy-p/rtm-calling/internal/models"
)

func postToken(t *testing.T, srv *fabrictest.Server, body string) (*http.Response, models.TokenResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/getToken", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out models.TokenResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	srv := fabrictest.NewServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestIssueToken(t *testing.T) {
	srv := fabrictest.NewServer(t)

	resp, out := postToken(t, srv, `{"tokenType":"rtm","uid":"alice","expire":3600}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	claims, err := srv.Signer.VerifyFor(out.Token, "alice")
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if d := time.Until(claims.ExpiresAt.Time); d < 59*time.Minute || d > time.Hour+time.Second {
		t.Fatalf("lifetime=%s, want about 1h", d)
	}
}

func TestIssueToken_ClampsExpire(t *testing.T) {
	srv := fabrictest.NewServer(t)
	maxTTL := srv.Config.Auth.MaxExpire

	tests := []struct {
		name   string
		expire string
	}{
		{"above max", "9999999"},
		{"overflows duration", "10000000000"},
		{"max int64", "9223372036854775807"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postToken(t, srv, `{"tokenType":"rtm","uid":"alice","expire":`+tt.expire+`}`)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status=%d", resp.StatusCode)
			}
			claims, err := srv.Signer.Verify(out.Token)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if d := time.Until(claims.ExpiresAt.Time); d < maxTTL-time.Minute || d > maxTTL+time.Second {
				t.Fatalf("lifetime=%s, want clamped to %s", d, maxTTL)
			}
		})
	}
}

func TestIssueToken_BadRequests(t *testing.T) {
	srv := fabrictest.NewServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"missing uid", `{"tokenType":"rtm"}`},
		{"wrong type", `{"tokenType":"rtc","uid":"alice"}`},
		{"negative expire", `{"tokenType":"rtm","uid":"alice","expire":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := postToken(t, srv, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status=%d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestOriginFilter(t *testing.T) {
	srv := fabrictest.NewServer(t, func(c *config.Config) {
		c.AllowedOrigins = []string{"https://app.example"}
	})

	do := func(origin string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do("https://evil.example"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin status=%d, want 403", resp.StatusCode)
	}
	resp := do("https://app.example")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("allowed origin status=%d headers=%v", resp.StatusCode, resp.Header)
	}
	if resp := do(""); resp.StatusCode != http.StatusOK {
		t.Fatalf("native client status=%d, want 200", resp.StatusCode)
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *fabrictest.Server) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(srv.WSURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(f models.Frame) {
	c.t.Helper()
	if err := c.conn.WriteJSON(f); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) read() models.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	f, err := models.ParseFrame(data)
	if err != nil {
		c.t.Fatalf("parse: %v", err)
	}
	return f
}

// readUntil skips frames until one matches.
func (c *wsClient) readUntil(match func(models.Frame) bool) models.Frame {
	c.t.Helper()
	for {
		if f := c.read(); match(f) {
			return f
		}
	}
}

func (c *wsClient) login(srv *fabrictest.Server, user string) {
	c.t.Helper()
	c.send(models.Frame{Type: models.FrameLogin, ReqID: "login", UserID: user, Token: srv.Token(c.t, user, time.Hour)})
	if f := c.read(); f.Type != models.FrameAck {
		c.t.Fatalf("login answer=%#v", f)
	}
}

func TestGateway_LoginSubscribeAndMembers(t *testing.T) {
	srv := fabrictest.NewServer(t)
	c := dial(t, srv)
	c.login(srv, "alice")

	c.send(models.Frame{Type: models.FrameSubscribe, ReqID: "s1", Channel: "cowin"})
	ack := c.readUntil(func(f models.Frame) bool { return f.ReqID == "s1" })
	if ack.Type != models.FrameAck {
		t.Fatalf("subscribe answer=%#v", ack)
	}
	snap := c.readUntil(func(f models.Frame) bool {
		return f.Type == models.FrameEvent && f.Event.Kind == models.EventPresence
	})
	if snap.Event.Presence.EventType != models.PresenceSnapshot {
		t.Fatalf("presence=%#v", snap.Event.Presence)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/channels/cowin/members", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status=%d, want 401", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer "+srv.Token(t, "ops", time.Minute))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var members models.ChannelMembersResponse
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if members.Count != 1 || members.Members[0] != "alice" {
		t.Fatalf("members=%#v", members)
	}
}

func TestGateway_MalformedFrame(t *testing.T) {
	srv := fabrictest.NewServer(t)
	c := dial(t, srv)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"reqId":"x"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := c.read()
	if f.Type != models.FrameError || f.Code != models.CodeBadRequest {
		t.Fatalf("answer=%#v, want bad request", f)
	}

	// The connection survives a bad frame.
	c.login(srv, "alice")
}

func TestGateway_RateLimit(t *testing.T) {
	srv := fabrictest.NewServer(t, func(c *config.Config) {
		c.Fabric.MessagesPerSec = 0.001
		c.Fabric.MessageBurst = 1
	})
	c := dial(t, srv)
	c.login(srv, "alice")

	c.send(models.Frame{Type: models.FramePublish, ReqID: "p1", Channel: "x", Message: "hi"})
	f := c.readUntil(func(f models.Frame) bool { return f.ReqID == "p1" })
	if f.Type != models.FrameError || f.Code != models.CodeRateLimited {
		t.Fatalf("answer=%#v, want rate limited", f)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := fabrictest.NewServer(t)
	postToken(t, srv, `{"tokenType":"rtm","uid":"alice"}`)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("rtm_tokens_issued_total 1")) {
		t.Fatalf("metrics output missing token counter:\n%s", body)
	}
}
