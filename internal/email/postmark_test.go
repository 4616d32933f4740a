package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, status int, received *postmarkEmail, gotToken *string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotToken != nil {
			*gotToken = r.Header.Get("X-Postmark-Server-Token")
		}
		if received != nil {
			if err := json.NewDecoder(r.Body).Decode(received); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.WriteHeader(status)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSendLoginCode(t *testing.T) {
	var received postmarkEmail
	var gotToken string
	server := newTestServer(t, http.StatusOK, &received, &gotToken)

	client := NewClient("test-token", "noreply@example.com", "Warden", WithAPIURL(server.URL), WithHTTPClient(server.Client()))
	err := client.SendLoginCode(context.Background(), "alice@example.com", "12345678", time.Now().Add(15*time.Minute))
	if err != nil {
		t.Fatalf("send login code: %v", err)
	}

	if gotToken != "test-token" {
		t.Errorf("server token = %q, want %q", gotToken, "test-token")
	}
	if received.To != "alice@example.com" {
		t.Errorf("To = %q, want %q", received.To, "alice@example.com")
	}
	if received.From != "noreply@example.com" {
		t.Errorf("From = %q, want %q", received.From, "noreply@example.com")
	}
	if received.Subject != "Your Warden sign-in code" {
		t.Errorf("Subject = %q, want %q", received.Subject, "Your Warden sign-in code")
	}
	if !strings.Contains(received.TextBody, "12345678") || !strings.Contains(received.TextBody, "15 minutes") {
		t.Errorf("TextBody = %q, want code and expiry", received.TextBody)
	}
}

func TestSendSecurityNotice(t *testing.T) {
	tests := []struct {
		notice  string
		subject string
	}{
		{NoticeMFAEnabled, "Warden: Two-factor authentication turned on"},
		{NoticeMFADisabled, "Warden: Two-factor authentication turned off"},
	}
	for _, tt := range tests {
		var received postmarkEmail
		server := newTestServer(t, http.StatusOK, &received, nil)
		client := NewClient("test-token", "noreply@example.com", "Warden", WithAPIURL(server.URL))

		if err := client.SendSecurityNotice(context.Background(), "bob@example.com", tt.notice); err != nil {
			t.Fatalf("%s: %v", tt.notice, err)
		}
		if received.Subject != tt.subject {
			t.Errorf("%s: Subject = %q, want %q", tt.notice, received.Subject, tt.subject)
		}
		if received.Tag != tt.notice {
			t.Errorf("%s: Tag = %q", tt.notice, received.Tag)
		}
	}
}

func TestSendSecurityNoticeUnknown(t *testing.T) {
	client := NewClient("test-token", "noreply@example.com", "Warden")
	if err := client.SendSecurityNotice(context.Background(), "bob@example.com", "password_changed"); err == nil {
		t.Fatal("expected error for unknown notice")
	}
}

func TestSendNotConfigured(t *testing.T) {
	client := NewClient("", "noreply@example.com", "Warden")

	err := client.SendLoginCode(context.Background(), "alice@example.com", "12345678", time.Now().Add(time.Minute))
	if err == nil {
		t.Fatal("expected error for unconfigured client")
	}
}

func TestSendAPIError(t *testing.T) {
	server := newTestServer(t, http.StatusUnprocessableEntity, nil, nil)
	client := NewClient("test-token", "noreply@example.com", "Warden", WithAPIURL(server.URL))

	err := client.SendLoginCode(context.Background(), "alice@example.com", "12345678", time.Now().Add(time.Minute))
	if err == nil {
		t.Fatal("expected error for API failure")
	}
}

func TestConfigured(t *testing.T) {
	tests := []struct {
		token, from string
		want        bool
	}{
		{"token", "from@test.com", true},
		{"", "from@test.com", false},
		{"token", "", false},
	}
	for _, tt := range tests {
		if got := NewClient(tt.token, tt.from, "Warden").Configured(); got != tt.want {
			t.Errorf("Configured(%q, %q) = %v, want %v", tt.token, tt.from, got, tt.want)
		}
	}
}
