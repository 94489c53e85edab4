package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mossy-p/rtm-calling/internal/auth"
	"github.com/mossy-p/rtm-calling/internal/models"
)

func TestFetch(t *testing.T) {
	signer := auth.NewSigner("s")
	var got models.TokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/getToken" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		tok, _, _ := signer.Sign(got.UID, got.TokenType, "", time.Duration(got.Expire)*time.Second)
		_ = json.NewEncoder(w).Encode(models.TokenResponse{Token: tok})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Hour, time.Second)
	tok, err := c.Fetch(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.TokenType != "rtm" || got.UID != "alice" || got.Expire != 3600 {
		t.Fatalf("request=%#v", got)
	}
	if _, err := signer.VerifyFor(tok.Value, "alice"); err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	if d := time.Until(tok.ExpiresAt); d < 59*time.Minute || d > time.Hour {
		t.Fatalf("expires in %s, want about 1h", d)
	}
}

func TestFetch_OpaqueTokenFallsBackToRequestedLifetime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"opaque"}`))
	}))
	defer srv.Close()

	tok, err := NewClient(srv.URL+"/", 10*time.Minute, time.Second).Fetch(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if tok.Value != "opaque" {
		t.Fatalf("value=%q", tok.Value)
	}
	if d := time.Until(tok.ExpiresAt); d < 9*time.Minute || d > 10*time.Minute {
		t.Fatalf("expires in %s, want about 10m", d)
	}
}

func TestFetch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}},
		{"empty token", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"token":""}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewClient(srv.URL, 0, time.Second).Fetch(context.Background(), "alice")
			if !errors.Is(err, ErrToken) {
				t.Fatalf("err=%v, want ErrToken", err)
			}
		})
	}
}

func TestFetch_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, 0, time.Second).Fetch(context.Background(), "alice")
	if !errors.Is(err, ErrToken) {
		t.Fatalf("err=%v, want ErrToken", err)
	}
}
