package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFilterRequestHeader(t *testing.T) {
	src := http.Header{}
	src.Set("Authorization", "Bearer tok")
	src.Set("Content-Type", "application/json")
	src.Set("Accept", "text/event-stream")
	src.Set("X-Forwarded-For", "1.2.3.4")
	src.Set("X-Real-Ip", "1.2.3.4")
	src.Set("Connection", "keep-alive")
	src.Set("Content-Length", "42")

	out := filterRequestHeader(src)

	for _, kept := range []string{"Authorization", "Content-Type", "Accept"} {
		if out.Get(kept) == "" {
			t.Errorf("%s dropped", kept)
		}
	}
	for _, stripped := range []string{"X-Forwarded-For", "X-Real-Ip", "Connection", "Content-Length"} {
		if out.Get(stripped) != "" {
			t.Errorf("%s forwarded", stripped)
		}
	}
}

func TestCopyResponseHeader(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("Mcp-Session-Id", "abc")
	src.Set("Set-Cookie", "secret=1")
	src.Set("Www-Authenticate", "Basic")
	src.Set("Transfer-Encoding", "chunked")

	dst := http.Header{}
	copyResponseHeader(dst, src)

	if dst.Get("Content-Type") == "" || dst.Get("Mcp-Session-Id") == "" {
		t.Errorf("relayable headers dropped: %v", dst)
	}
	for _, stripped := range []string{"Set-Cookie", "Www-Authenticate", "Transfer-Encoding"} {
		if dst.Get(stripped) != "" {
			t.Errorf("%s relayed", stripped)
		}
	}
}

func TestUserTag(t *testing.T) {
	tests := []struct {
		name string
		auth string
		want string
	}{
		{"no header", "", "anonymous"},
		{"bearer token", "Bearer secrettoken123", "secretto"},
		{"short token", "Bearer abc", "abc"},
		{"case insensitive scheme", "bearer secrettoken123", "secretto"},
		{"basic auth", "Basic dXNlcjpwYXNz", "anonymous"},
		{"bearer no token", "Bearer ", "anonymous"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			if got := userTag(r); got != tt.want {
				t.Errorf("userTag = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSourceIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:54321"
	r.Header.Set("X-Forwarded-For", "8.8.8.8")
	if got := sourceIP(r); got != "10.1.2.3" {
		t.Errorf("sourceIP = %q, want the transport peer", got)
	}

	r.RemoteAddr = "[::1]:8080"
	if got := sourceIP(r); got != "::1" {
		t.Errorf("sourceIP = %q, want ::1", got)
	}
}
